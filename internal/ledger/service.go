package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vantage-erp/vantage-erp/internal/pricing"
	"github.com/vantage-erp/vantage-erp/internal/procurement"
	"github.com/vantage-erp/vantage-erp/internal/shared"
)

// RepositoryPort describes read operations used outside transactions.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchase(ctx context.Context, id int64) (Purchase, error)
	ListPurchases(ctx context.Context, filters ListFilters) ([]Purchase, int, error)
	ListSupplierPurchases(ctx context.Context, supplierID int64, until time.Time) ([]Purchase, error)
	ListSupplierPayments(ctx context.Context, supplierID int64, until time.Time) ([]Payment, error)
	GetSupplierOpening(ctx context.Context, supplierID int64) (float64, error)
	ListAgingEntries(ctx context.Context, asOf time.Time) ([]AgingEntry, error)
}

// TxRepository exposes transactional writes. AcquireSupplierLock serialises
// every payment write for one supplier; availability checks and the rows they
// gate commit as one unit.
type TxRepository interface {
	AcquireSupplierLock(ctx context.Context, supplierID int64) error
	GetSupplierOpening(ctx context.Context, supplierID int64) (float64, error)
	GetOrderForInvoice(ctx context.Context, orderID int64) (OrderForInvoice, error)
	MarkOrderUsedForPurchase(ctx context.Context, orderID int64) error
	CreatePurchase(ctx context.Context, p Purchase) (int64, error)
	GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error)
	MarkPurchaseDeleted(ctx context.Context, id int64) error
	CreatePayment(ctx context.Context, p Payment) (int64, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	MarkPaymentDeleted(ctx context.Context, id int64) error
	ListPaymentsForPurchase(ctx context.Context, purchaseID int64) ([]Payment, error)
	UpdatePurchaseSettlement(ctx context.Context, id int64, paid, due float64, status PaymentStatus) error
}

// OrderForInvoice is the locked slice of a purchase order the invoicing flow
// reads before consuming it.
type OrderForInvoice struct {
	ID                int64
	SupplierID        int64
	Status            procurement.OrderStatus
	IsUsedForPurchase bool
	ShippingCharges   float64
	Lines             []procurement.LineItem
}

// AgingEntry is one outstanding purchase due, joined with the supplier name.
type AgingEntry struct {
	SupplierID   int64
	SupplierName string
	PurchaseDate time.Time
	Due          float64
}

// ListFilters narrows purchase listings.
type ListFilters struct {
	SupplierID int64
	Status     PaymentStatus
	Search     string
	Limit      int
	Offset     int
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates purchases, payments and supplier balances.
type Service struct {
	repo        RepositoryPort
	cache       *Cache
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, cache *Cache, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, cache: cache, audit: audit, idempotency: idem}
}

// CreatePurchaseInput describes a supplier invoice to record. When
// SourceOrderID is set the lines are copied from the order and the given
// lines are ignored.
type CreatePurchaseInput struct {
	Number          string
	SupplierID      int64
	SourceOrderID   int64
	PurchaseDate    time.Time
	ShippingCharges float64
	Note            string
	Lines           []procurement.LineItemInput
}

// ApplyPaymentInput describes one payment entry.
type ApplyPaymentInput struct {
	Number         string
	SupplierID     int64
	PurchaseID     int64
	Amount         float64
	Method         string
	Reference      string
	Note           string
	PaidDate       time.Time
	IdempotencyKey string
	ActorID        int64
}

// CreatePurchase records a supplier invoice. For an order-backed purchase the
// order is row-locked, checked for availability and marked consumed in the
// same transaction that inserts the invoice.
func (s *Service) CreatePurchase(ctx context.Context, input CreatePurchaseInput) (Purchase, error) {
	if input.SupplierID == 0 {
		return Purchase{}, ErrValidation
	}
	if input.SourceOrderID == 0 && len(input.Lines) == 0 {
		return Purchase{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = generateNumber("PUR")
	}

	p := Purchase{
		Number:        input.Number,
		SupplierID:    input.SupplierID,
		SourceOrderID: input.SourceOrderID,
		PurchaseDate:  defaultTime(input.PurchaseDate),
		PaymentStatus: PaymentDue,
		Note:          input.Note,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetSupplierOpening(ctx, input.SupplierID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return &procurement.ReferenceIntegrityError{Entity: "supplier", ID: input.SupplierID}
			}
			return err
		}
		var lines []procurement.LineItem
		shipping := input.ShippingCharges
		if input.SourceOrderID != 0 {
			order, err := tx.GetOrderForInvoice(ctx, input.SourceOrderID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return &procurement.ReferenceIntegrityError{Entity: "order", ID: input.SourceOrderID}
				}
				return err
			}
			if order.SupplierID != input.SupplierID {
				return &AllocationMismatchError{PurchaseID: input.SourceOrderID, SupplierID: input.SupplierID}
			}
			if order.Status == procurement.OrderCancelled {
				return &procurement.OrderUnavailableError{OrderID: order.ID, Reason: "cancelled"}
			}
			if order.IsUsedForPurchase {
				return &procurement.OrderUnavailableError{OrderID: order.ID, Reason: "already invoiced"}
			}
			lines = order.Lines
			shipping = order.ShippingCharges
		} else {
			priced, err := priceLines(input.Lines)
			if err != nil {
				return err
			}
			lines = priced
		}
		totals, _, err := pricing.ComputeDocumentTotals(lineInputs(lines), shipping)
		if err != nil {
			return err
		}
		p.Lines = lines
		p.ShippingCharges = shipping
		p.GrandTotal = totals.GrandTotal
		p.PurchaseTotal = totals.PurchaseTotal
		p.PaymentDue = totals.GrandTotal

		id, err := tx.CreatePurchase(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		if input.SourceOrderID != 0 {
			return tx.MarkOrderUsedForPurchase(ctx, input.SourceOrderID)
		}
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}
	s.invalidateBalance(ctx)
	s.recordAudit(ctx, 0, "PURCHASE_CREATE", p.ID, map[string]any{"number": p.Number, "grand_total": p.GrandTotal})
	return p, nil
}

// VoidPurchase soft-deletes an invoice that has no completed payments
// allocated against it.
func (s *Service) VoidPurchase(ctx context.Context, purchaseID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p.Deleted {
			return ErrInvalidState
		}
		payments, err := tx.ListPaymentsForPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if settledAmount(purchaseID, payments) > amountEpsilon {
			return fmt.Errorf("%w: purchase has settled payments", ErrInvalidState)
		}
		return tx.MarkPurchaseDeleted(ctx, purchaseID)
	})
	if err != nil {
		return err
	}
	s.invalidateBalance(ctx)
	s.recordAudit(ctx, actorID, "PURCHASE_VOID", purchaseID, nil)
	return nil
}

// ApplyPayment records one payment entry. The supplier advisory lock
// serialises concurrent payments so two writers cannot both read the same
// prior settled amount; the purchase rollup is recomputed from all completed
// payment rows, never incremented.
func (s *Service) ApplyPayment(ctx context.Context, input ApplyPaymentInput) (Payment, error) {
	if input.SupplierID == 0 || input.Amount == 0 {
		return Payment{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = generateNumber("PAY")
	}
	key := input.IdempotencyKey
	inserted := false
	if s.idempotency != nil && key != "" {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger.payment"); err != nil {
			return Payment{}, err
		}
		inserted = true
	}

	payment := Payment{
		Number:     input.Number,
		SupplierID: input.SupplierID,
		PurchaseID: input.PurchaseID,
		Amount:     input.Amount,
		Method:     input.Method,
		Reference:  input.Reference,
		Note:       input.Note,
		PaidDate:   defaultTime(input.PaidDate),
		Status:     PaymentCompleted,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.AcquireSupplierLock(ctx, input.SupplierID); err != nil {
			return err
		}
		if _, err := tx.GetSupplierOpening(ctx, input.SupplierID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return &procurement.ReferenceIntegrityError{Entity: "supplier", ID: input.SupplierID}
			}
			return err
		}
		var allocated *Purchase
		if input.PurchaseID != 0 {
			p, err := tx.GetPurchaseForUpdate(ctx, input.PurchaseID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return &procurement.ReferenceIntegrityError{Entity: "purchase", ID: input.PurchaseID}
				}
				return err
			}
			if p.Deleted {
				return ErrInvalidState
			}
			if p.SupplierID != input.SupplierID {
				return &AllocationMismatchError{PurchaseID: p.ID, SupplierID: input.SupplierID}
			}
			allocated = &p
		}
		id, err := tx.CreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		payment.ID = id
		if allocated != nil {
			return s.recomputeSettlement(ctx, tx, *allocated)
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Payment{}, err
	}
	s.invalidateBalance(ctx)
	s.recordAudit(ctx, input.ActorID, "PAYMENT_APPLY", payment.ID, map[string]any{
		"number": payment.Number, "amount": payment.Amount, "purchase_id": payment.PurchaseID,
	})
	return payment, nil
}

// VoidPayment soft-deletes a payment entry and recomputes the allocated
// purchase's settlement from the rows that remain.
func (s *Service) VoidPayment(ctx context.Context, paymentID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status == PaymentDeleted {
			return ErrInvalidState
		}
		if err := tx.AcquireSupplierLock(ctx, payment.SupplierID); err != nil {
			return err
		}
		if err := tx.MarkPaymentDeleted(ctx, paymentID); err != nil {
			return err
		}
		if payment.PurchaseID == 0 {
			return nil
		}
		p, err := tx.GetPurchaseForUpdate(ctx, payment.PurchaseID)
		if err != nil {
			return err
		}
		return s.recomputeSettlement(ctx, tx, p)
	})
	if err != nil {
		return err
	}
	s.invalidateBalance(ctx)
	s.recordAudit(ctx, actorID, "PAYMENT_VOID", paymentID, nil)
	return nil
}

func (s *Service) recomputeSettlement(ctx context.Context, tx TxRepository, p Purchase) error {
	payments, err := tx.ListPaymentsForPurchase(ctx, p.ID)
	if err != nil {
		return err
	}
	paid := settledAmount(p.ID, payments)
	due := p.GrandTotal - paid
	if due < 0 {
		due = 0
	}
	return tx.UpdatePurchaseSettlement(ctx, p.ID, paid, due, derivePaymentStatus(p.GrandTotal, paid))
}

// Balance returns the supplier's aggregate position, served from cache when
// fresh.
func (s *Service) Balance(ctx context.Context, supplierID int64) (SupplierBalance, error) {
	var balance SupplierBalance
	key, err := s.cache.BuildKey(ctx, shared.SupplierBalanceKey(supplierID))
	if err != nil {
		return SupplierBalance{}, err
	}
	err = s.cache.FetchJSON(ctx, key, &balance, func(ctx context.Context) (any, error) {
		fresh, err := s.RecomputeBalance(ctx, supplierID)
		if err != nil {
			return nil, err
		}
		return fresh, nil
	})
	if err != nil {
		return SupplierBalance{}, err
	}
	balance.SupplierID = supplierID
	return balance, nil
}

// RecomputeBalance rebuilds the supplier position from stored rows, bypassing
// the cache. The reconciliation job uses it to detect cache drift.
func (s *Service) RecomputeBalance(ctx context.Context, supplierID int64) (SupplierBalance, error) {
	opening, err := s.repo.GetSupplierOpening(ctx, supplierID)
	if err != nil {
		return SupplierBalance{}, err
	}
	now := time.Now()
	purchases, err := s.repo.ListSupplierPurchases(ctx, supplierID, now)
	if err != nil {
		return SupplierBalance{}, err
	}
	payments, err := s.repo.ListSupplierPayments(ctx, supplierID, now)
	if err != nil {
		return SupplierBalance{}, err
	}
	balance := BalanceDue(opening, purchases, payments)
	balance.SupplierID = supplierID
	return balance, nil
}

// Statement builds the supplier statement for [from, to]. Activity before the
// window folds into the opening row.
func (s *Service) Statement(ctx context.Context, supplierID int64, from, to time.Time) ([]StatementRow, error) {
	opening, err := s.repo.GetSupplierOpening(ctx, supplierID)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now()
	}
	purchases, err := s.repo.ListSupplierPurchases(ctx, supplierID, to)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListSupplierPayments(ctx, supplierID, to)
	if err != nil {
		return nil, err
	}
	if !from.IsZero() {
		var inRangePurchases []Purchase
		for _, p := range purchases {
			if p.PurchaseDate.Before(from) {
				if !p.Deleted {
					opening += p.GrandTotal
				}
				continue
			}
			inRangePurchases = append(inRangePurchases, p)
		}
		var inRangePayments []Payment
		for _, p := range payments {
			if p.PaidDate.Before(from) {
				if p.Status != PaymentDeleted {
					opening -= p.Amount
				}
				continue
			}
			inRangePayments = append(inRangePayments, p)
		}
		purchases, payments = inRangePurchases, inRangePayments
	}
	return BuildStatement(opening, from, purchases, payments), nil
}

// Aging buckets outstanding purchase dues per supplier as of the given date.
func (s *Service) Aging(ctx context.Context, asOf time.Time) ([]AgingRow, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	entries, err := s.repo.ListAgingEntries(ctx, asOf)
	if err != nil {
		return nil, err
	}
	rowsBySupplier := make(map[int64]*AgingRow)
	order := make([]int64, 0)
	for _, e := range entries {
		row, ok := rowsBySupplier[e.SupplierID]
		if !ok {
			row = &AgingRow{SupplierID: e.SupplierID, SupplierName: e.SupplierName}
			rowsBySupplier[e.SupplierID] = row
			order = append(order, e.SupplierID)
		}
		ageBucket(row, e.PurchaseDate, asOf, e.Due)
	}
	rows := make([]AgingRow, 0, len(order))
	for _, id := range order {
		rows = append(rows, *rowsBySupplier[id])
	}
	return rows, nil
}

// GetPurchase returns one invoice with lines.
func (s *Service) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.GetPurchase(ctx, id)
}

// ListPurchases returns invoices matching the filters.
func (s *Service) ListPurchases(ctx context.Context, filters ListFilters) ([]Purchase, int, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	return s.repo.ListPurchases(ctx, filters)
}

func (s *Service) invalidateBalance(ctx context.Context) {
	_ = s.cache.Bump(ctx)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "ledger", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func priceLines(inputs []procurement.LineItemInput) ([]procurement.LineItem, error) {
	raw := make([]pricing.LineInput, 0, len(inputs))
	for _, in := range inputs {
		if in.ProductID == 0 || in.Quantity <= 0 {
			return nil, ErrValidation
		}
		raw = append(raw, pricing.LineInput{
			Quantity:          in.Quantity,
			UnitCostBeforeTax: in.UnitCostBeforeTax,
			Discount:          in.Discount,
			TaxRatePercent:    in.TaxRatePercent,
		})
	}
	_, results, err := pricing.ComputeDocumentTotals(raw, 0)
	if err != nil {
		return nil, err
	}
	lines := make([]procurement.LineItem, 0, len(inputs))
	for i, in := range inputs {
		lines = append(lines, procurement.LineItem{
			ProductID:         in.ProductID,
			ProductName:       in.ProductName,
			Quantity:          in.Quantity,
			UnitCostBeforeTax: in.UnitCostBeforeTax,
			Discount:          in.Discount,
			TaxRatePercent:    in.TaxRatePercent,
			SubtotalBeforeTax: results[i].SubtotalBeforeTax,
			TaxAmount:         results[i].TaxAmount,
			NetCostPerUnit:    results[i].NetCostPerUnit,
			LineTotal:         results[i].LineTotal,
		})
	}
	return lines, nil
}

func lineInputs(lines []procurement.LineItem) []pricing.LineInput {
	out := make([]pricing.LineInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, pricing.LineInput{
			Quantity:          l.Quantity,
			UnitCostBeforeTax: l.UnitCostBeforeTax,
			Discount:          l.Discount,
			TaxRatePercent:    l.TaxRatePercent,
		})
	}
	return out
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now()
	}
	return value
}
