package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vantage-erp/vantage-erp/internal/jobs"
	"github.com/vantage-erp/vantage-erp/internal/ledger"
)

// driftTolerance absorbs float representation noise between the cached and
// the recomputed figure.
const driftTolerance = 0.005

// BalancePort is the slice of the ledger service the sweep needs.
type BalancePort interface {
	Balance(ctx context.Context, supplierID int64) (ledger.SupplierBalance, error)
	RecomputeBalance(ctx context.Context, supplierID int64) (ledger.SupplierBalance, error)
}

// SupplierSource lists the supplier ids to sweep.
type SupplierSource interface {
	ActiveSupplierIDs(ctx context.Context) ([]int64, error)
}

// InvalidationPort retires stale cache entries after drift is detected.
type InvalidationPort interface {
	Bump(ctx context.Context) error
}

// BalanceReconciler compares cached supplier balances against figures
// recomputed from stored rows and retires the cache when they disagree.
type BalanceReconciler struct {
	balances  BalancePort
	suppliers SupplierSource
	cache     InvalidationPort
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewBalanceReconciler wires the sweep dependencies.
func NewBalanceReconciler(balances BalancePort, suppliers SupplierSource, cache InvalidationPort, metrics *jobmetrics.Metrics, logger *slog.Logger) *BalanceReconciler {
	return &BalanceReconciler{balances: balances, suppliers: suppliers, cache: cache, metrics: metrics, logger: logger}
}

// Handle processes TaskBalanceReconcile tasks.
func (r *BalanceReconciler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload BalanceReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := r.metrics.Track("balance_reconcile")
	return tracker.End(r.sweep(ctx, payload.Repair))
}

func (r *BalanceReconciler) sweep(ctx context.Context, repair bool) error {
	ids, err := r.suppliers.ActiveSupplierIDs(ctx)
	if err != nil {
		return err
	}
	drifted := 0
	for _, id := range ids {
		cached, err := r.balances.Balance(ctx, id)
		if err != nil {
			return err
		}
		fresh, err := r.balances.RecomputeBalance(ctx, id)
		if err != nil {
			return err
		}
		if math.Abs(cached.BalanceDue-fresh.BalanceDue) <= driftTolerance {
			continue
		}
		drifted++
		r.logger.Warn("cached balance drifted",
			slog.Int64("supplier_id", id),
			slog.Float64("cached", cached.BalanceDue),
			slog.Float64("recomputed", fresh.BalanceDue))
	}
	r.metrics.AddBalanceDrift(drifted)
	if drifted > 0 && repair {
		if err := r.cache.Bump(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("balance reconciliation sweep finished",
		slog.Int("suppliers", len(ids)), slog.Int("drifted", drifted))
	return nil
}
