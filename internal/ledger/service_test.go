package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vantage-erp/vantage-erp/internal/procurement"
)

type memoryLedgerRepo struct {
	openings  map[int64]float64
	names     map[int64]string
	orders    map[int64]OrderForInvoice
	purchases map[int64]Purchase
	payments  map[int64]Payment
	locked    []int64
	nextID    int64
}

type memoryLedgerTx struct {
	repo *memoryLedgerRepo
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{
		openings:  make(map[int64]float64),
		names:     make(map[int64]string),
		orders:    make(map[int64]OrderForInvoice),
		purchases: make(map[int64]Purchase),
		payments:  make(map[int64]Payment),
	}
}

func (r *memoryLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryLedgerTx{repo: r})
}

func (r *memoryLedgerRepo) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	p, ok := r.purchases[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryLedgerRepo) ListPurchases(ctx context.Context, filters ListFilters) ([]Purchase, int, error) {
	var out []Purchase
	for _, p := range r.purchases {
		if p.Deleted {
			continue
		}
		if filters.SupplierID != 0 && p.SupplierID != filters.SupplierID {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (r *memoryLedgerRepo) ListSupplierPurchases(ctx context.Context, supplierID int64, until time.Time) ([]Purchase, error) {
	var out []Purchase
	for _, p := range r.purchases {
		if p.SupplierID == supplierID && !p.PurchaseDate.After(until) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memoryLedgerRepo) ListSupplierPayments(ctx context.Context, supplierID int64, until time.Time) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if p.SupplierID == supplierID && !p.PaidDate.After(until) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memoryLedgerRepo) GetSupplierOpening(ctx context.Context, supplierID int64) (float64, error) {
	opening, ok := r.openings[supplierID]
	if !ok {
		return 0, ErrNotFound
	}
	return opening, nil
}

func (r *memoryLedgerRepo) ListAgingEntries(ctx context.Context, asOf time.Time) ([]AgingEntry, error) {
	var out []AgingEntry
	for _, p := range r.purchases {
		if p.Deleted || p.PaymentStatus == PaymentPaid || p.PaymentDue <= 0 || p.PurchaseDate.After(asOf) {
			continue
		}
		out = append(out, AgingEntry{
			SupplierID:   p.SupplierID,
			SupplierName: r.names[p.SupplierID],
			PurchaseDate: p.PurchaseDate,
			Due:          p.PaymentDue,
		})
	}
	return out, nil
}

func (tx *memoryLedgerTx) nextID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryLedgerTx) AcquireSupplierLock(ctx context.Context, supplierID int64) error {
	tx.repo.locked = append(tx.repo.locked, supplierID)
	return nil
}

func (tx *memoryLedgerTx) GetSupplierOpening(ctx context.Context, supplierID int64) (float64, error) {
	return tx.repo.GetSupplierOpening(ctx, supplierID)
}

func (tx *memoryLedgerTx) GetOrderForInvoice(ctx context.Context, orderID int64) (OrderForInvoice, error) {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return OrderForInvoice{}, ErrNotFound
	}
	return order, nil
}

func (tx *memoryLedgerTx) MarkOrderUsedForPurchase(ctx context.Context, orderID int64) error {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.IsUsedForPurchase = true
	tx.repo.orders[orderID] = order
	return nil
}

func (tx *memoryLedgerTx) CreatePurchase(ctx context.Context, p Purchase) (int64, error) {
	id := tx.nextID()
	p.ID = id
	tx.repo.purchases[id] = p
	return id, nil
}

func (tx *memoryLedgerTx) GetPurchaseForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return tx.repo.GetPurchase(ctx, id)
}

func (tx *memoryLedgerTx) MarkPurchaseDeleted(ctx context.Context, id int64) error {
	p, ok := tx.repo.purchases[id]
	if !ok {
		return ErrNotFound
	}
	p.Deleted = true
	tx.repo.purchases[id] = p
	return nil
}

func (tx *memoryLedgerTx) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	id := tx.nextID()
	p.ID = id
	tx.repo.payments[id] = p
	return id, nil
}

func (tx *memoryLedgerTx) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, ok := tx.repo.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (tx *memoryLedgerTx) MarkPaymentDeleted(ctx context.Context, id int64) error {
	p, ok := tx.repo.payments[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = PaymentDeleted
	tx.repo.payments[id] = p
	return nil
}

func (tx *memoryLedgerTx) ListPaymentsForPurchase(ctx context.Context, purchaseID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range tx.repo.payments {
		if p.PurchaseID == purchaseID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryLedgerTx) UpdatePurchaseSettlement(ctx context.Context, id int64, paid, due float64, status PaymentStatus) error {
	p, ok := tx.repo.purchases[id]
	if !ok {
		return ErrNotFound
	}
	p.PaymentAmount = paid
	p.PaymentDue = due
	p.PaymentStatus = status
	tx.repo.purchases[id] = p
	return nil
}

func testPurchaseLines() []procurement.LineItemInput {
	return []procurement.LineItemInput{
		{ProductID: 1, ProductName: "Widget", Quantity: 100, UnitCostBeforeTax: 10, TaxRatePercent: 18},
	}
}

func TestCreateDirectPurchase(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	svc := NewService(repo, nil, nil, nil)

	p, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{
		SupplierID: 5,
		Lines:      testPurchaseLines(),
	})
	require.NoError(t, err)
	require.InDelta(t, 1180.0, p.GrandTotal, 0.001)
	require.InDelta(t, 1180.0, p.PurchaseTotal, 0.001)
	require.InDelta(t, 1180.0, p.PaymentDue, 0.001)
	require.Equal(t, PaymentDue, p.PaymentStatus)
	require.NotEmpty(t, p.Number)
}

func TestCreatePurchaseFromOrderConsumesIt(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	repo.orders[10] = OrderForInvoice{
		ID:         10,
		SupplierID: 5,
		Status:     procurement.OrderPending,
		Lines: []procurement.LineItem{
			{ProductID: 1, Quantity: 10, UnitCostBeforeTax: 100, TaxRatePercent: 18,
				SubtotalBeforeTax: 1000, TaxAmount: 180, LineTotal: 1180},
		},
		ShippingCharges: 50,
	}
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, SourceOrderID: 10})
	require.NoError(t, err)
	require.InDelta(t, 1230.0, p.GrandTotal, 0.001)
	require.True(t, repo.orders[10].IsUsedForPurchase)

	// the same order cannot back a second invoice
	_, err = svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, SourceOrderID: 10})
	var unavailable *procurement.OrderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Len(t, repo.purchases, 1)
}

func TestCreatePurchaseRejectsCancelledOrder(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	repo.orders[10] = OrderForInvoice{ID: 10, SupplierID: 5, Status: procurement.OrderCancelled}
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{SupplierID: 5, SourceOrderID: 10})
	var unavailable *procurement.OrderUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestCreatePurchaseSupplierMismatch(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	repo.orders[10] = OrderForInvoice{ID: 10, SupplierID: 7, Status: procurement.OrderPending}
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{SupplierID: 5, SourceOrderID: 10})
	var mismatch *AllocationMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestCreatePurchaseUnknownSupplier(t *testing.T) {
	repo := newMemoryLedgerRepo()
	svc := NewService(repo, nil, nil, nil)

	_, err := svc.CreatePurchase(context.Background(), CreatePurchaseInput{SupplierID: 404, Lines: testPurchaseLines()})
	var ref *procurement.ReferenceIntegrityError
	require.ErrorAs(t, err, &ref)
	require.Equal(t, "supplier", ref.Entity)
}

func TestApplyPaymentRecomputesSettlement(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 500})
	require.NoError(t, err)
	require.Contains(t, repo.locked, int64(5))

	stored := repo.purchases[p.ID]
	require.InDelta(t, 500.0, stored.PaymentAmount, 0.001)
	require.InDelta(t, 680.0, stored.PaymentDue, 0.001)
	require.Equal(t, PaymentPartial, stored.PaymentStatus)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 680})
	require.NoError(t, err)

	stored = repo.purchases[p.ID]
	require.InDelta(t, 1180.0, stored.PaymentAmount, 0.001)
	require.InDelta(t, 0.0, stored.PaymentDue, 0.001)
	require.Equal(t, PaymentPaid, stored.PaymentStatus)
}

func TestApplyPaymentOverpaymentClampsDue(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 1200})
	require.NoError(t, err)

	stored := repo.purchases[p.ID]
	require.InDelta(t, 1200.0, stored.PaymentAmount, 0.001)
	require.GreaterOrEqual(t, stored.PaymentDue, 0.0)
	require.InDelta(t, 0.0, stored.PaymentDue, 0.001)
	require.Equal(t, PaymentPaid, stored.PaymentStatus)
}

func TestApplyPaymentNegativeCorrection(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 1180})
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, repo.purchases[p.ID].PaymentStatus)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: -180, Note: "keyed wrong amount"})
	require.NoError(t, err)

	stored := repo.purchases[p.ID]
	require.InDelta(t, 1000.0, stored.PaymentAmount, 0.001)
	require.InDelta(t, 180.0, stored.PaymentDue, 0.001)
	require.Equal(t, PaymentPartial, stored.PaymentStatus)
}

func TestApplyPaymentMismatchedPurchase(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	repo.openings[7] = 0
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 7, Lines: testPurchaseLines()})
	require.NoError(t, err)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 100})
	var mismatch *AllocationMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Empty(t, repo.payments)
}

func TestVoidPaymentRestoresDue(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)
	payment, err := svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 1180})
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, repo.purchases[p.ID].PaymentStatus)

	require.NoError(t, svc.VoidPayment(ctx, payment.ID, 1))

	stored := repo.purchases[p.ID]
	require.InDelta(t, 0.0, stored.PaymentAmount, 0.001)
	require.InDelta(t, 1180.0, stored.PaymentDue, 0.001)
	require.Equal(t, PaymentDue, stored.PaymentStatus)

	// the row survives as a deleted entry, it is not removed
	require.Equal(t, PaymentDeleted, repo.payments[payment.ID].Status)
	require.ErrorIs(t, svc.VoidPayment(ctx, payment.ID, 1), ErrInvalidState)
}

func TestVoidPurchaseRejectsSettled(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 100})
	require.NoError(t, err)

	require.ErrorIs(t, svc.VoidPurchase(ctx, p.ID, 1), ErrInvalidState)

	unpaid, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)
	require.NoError(t, svc.VoidPurchase(ctx, unpaid.ID, 1))
	require.True(t, repo.purchases[unpaid.ID].Deleted)
}

func TestBalanceAggregatesSupplierPosition(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 250
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, Lines: testPurchaseLines()})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, PurchaseID: p.ID, Amount: 400})
	require.NoError(t, err)
	// on-account payment with no allocation
	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, Amount: 100})
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.SupplierID)
	require.InDelta(t, 250.0, balance.OpeningBalance, 0.001)
	require.InDelta(t, 1180.0, balance.TotalPurchases, 0.001)
	require.InDelta(t, 500.0, balance.TotalPayments, 0.001)
	require.InDelta(t, 930.0, balance.BalanceDue, 0.001)
}

func TestStatementFoldsPriorActivityIntoOpening(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 100
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.CreatePurchase(ctx, CreatePurchaseInput{
		SupplierID: 5, PurchaseDate: day(1), Lines: testPurchaseLines(),
	})
	require.NoError(t, err)
	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{SupplierID: 5, Amount: 300, PaidDate: day(12)})
	require.NoError(t, err)

	rows, err := svc.Statement(ctx, 5, day(10), day(20))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, EntryOpening, rows[0].Kind)
	require.InDelta(t, 1280.0, rows[0].Balance, 0.001)
	require.Equal(t, EntryPayment, rows[1].Kind)
	require.InDelta(t, 980.0, rows[1].Balance, 0.001)
}

func TestAgingGroupsBySupplier(t *testing.T) {
	repo := newMemoryLedgerRepo()
	repo.openings[5] = 0
	repo.names[5] = "Acme Supply"
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	asOf := day(28)
	_, err := svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, PurchaseDate: day(20), Lines: testPurchaseLines()})
	require.NoError(t, err)
	_, err = svc.CreatePurchase(ctx, CreatePurchaseInput{SupplierID: 5, PurchaseDate: asOf.AddDate(0, 0, -50), Lines: testPurchaseLines()})
	require.NoError(t, err)

	rows, err := svc.Aging(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Acme Supply", rows[0].SupplierName)
	require.InDelta(t, 1180.0, rows[0].Current, 0.001)
	require.InDelta(t, 1180.0, rows[0].Days31to60, 0.001)
	require.InDelta(t, 2360.0, rows[0].Total, 0.001)
}
