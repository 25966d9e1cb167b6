package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vantage-erp/vantage-erp/internal/pricing"
)

type memoryProcRepo struct {
	reqs      map[int64]Requisition
	reqLines  map[int64][]LineItem
	orders    map[int64]PurchaseOrder
	purchases map[int64]DirectPurchase
	receipts  map[int64]GoodsReceipt
	events    map[int64][]ShippingEvent
	nextID    int64
	beforeTx  func()
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo() *memoryProcRepo {
	return &memoryProcRepo{
		reqs:      make(map[int64]Requisition),
		reqLines:  make(map[int64][]LineItem),
		orders:    make(map[int64]PurchaseOrder),
		purchases: make(map[int64]DirectPurchase),
		receipts:  make(map[int64]GoodsReceipt),
		events:    make(map[int64][]ShippingEvent),
	}
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.beforeTx != nil {
		r.beforeTx()
	}
	return fn(ctx, &memoryProcTx{repo: r})
}

func (r *memoryProcRepo) GetRequisition(ctx context.Context, id int64) (Requisition, []LineItem, error) {
	req, ok := r.reqs[id]
	if !ok {
		return Requisition{}, nil, ErrNotFound
	}
	return req, append([]LineItem(nil), r.reqLines[id]...), nil
}

func (r *memoryProcRepo) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, nil
}

func (r *memoryProcRepo) GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error) {
	grn, ok := r.receipts[id]
	if !ok {
		return GoodsReceipt{}, ErrNotFound
	}
	return grn, nil
}

func (r *memoryProcRepo) ListReceiptsForSource(ctx context.Context, src SourceRef) ([]GoodsReceipt, error) {
	var out []GoodsReceipt
	for _, grn := range r.receipts {
		if grn.Source == src {
			out = append(out, grn)
		}
	}
	return out, nil
}

func (r *memoryProcRepo) ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	var out []PurchaseOrder
	for _, po := range r.orders {
		if filters.Status != "" && po.Status != filters.Status {
			continue
		}
		if filters.SupplierID != 0 && po.SupplierID != filters.SupplierID {
			continue
		}
		out = append(out, po)
	}
	return out, len(out), nil
}

func (r *memoryProcRepo) ListShippingEvents(ctx context.Context, orderID int64) ([]ShippingEvent, error) {
	return append([]ShippingEvent(nil), r.events[orderID]...), nil
}

func (tx *memoryProcTx) nextID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryProcTx) CreateRequisition(ctx context.Context, req Requisition, lines []LineItem) (int64, error) {
	id := tx.nextID()
	req.ID = id
	tx.repo.reqs[id] = req
	tx.repo.reqLines[id] = lines
	return id, nil
}

func (tx *memoryProcTx) GetRequisitionForUpdate(ctx context.Context, id int64) (Requisition, error) {
	req, ok := tx.repo.reqs[id]
	if !ok {
		return Requisition{}, ErrNotFound
	}
	return req, nil
}

func (tx *memoryProcTx) UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus, orderID int64) error {
	req, ok := tx.repo.reqs[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = status
	if orderID != 0 {
		req.OrderID = orderID
	}
	tx.repo.reqs[id] = req
	return nil
}

func (tx *memoryProcTx) CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	id := tx.nextID()
	po.ID = id
	tx.repo.orders[id] = po
	return id, nil
}

func (tx *memoryProcTx) GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := tx.repo.orders[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, nil
}

func (tx *memoryProcTx) UpdateOrderReceiptState(ctx context.Context, id int64, status OrderStatus, usedForGoods bool) error {
	po, ok := tx.repo.orders[id]
	if !ok {
		return ErrNotFound
	}
	po.Status = status
	po.IsUsedForGoods = usedForGoods
	tx.repo.orders[id] = po
	return nil
}

func (tx *memoryProcTx) CancelOrder(ctx context.Context, id int64) error {
	po, ok := tx.repo.orders[id]
	if !ok {
		return ErrNotFound
	}
	po.Status = OrderCancelled
	tx.repo.orders[id] = po
	return nil
}

func (tx *memoryProcTx) ListReceiptsForSource(ctx context.Context, src SourceRef) ([]GoodsReceipt, error) {
	return tx.repo.ListReceiptsForSource(ctx, src)
}

func (tx *memoryProcTx) CreateReceipt(ctx context.Context, grn GoodsReceipt) (int64, error) {
	id := tx.nextID()
	grn.ID = id
	tx.repo.receipts[id] = grn
	return id, nil
}

func (tx *memoryProcTx) MarkReceiptDeleted(ctx context.Context, id int64) error {
	grn, ok := tx.repo.receipts[id]
	if !ok {
		return ErrNotFound
	}
	grn.Deleted = true
	tx.repo.receipts[id] = grn
	return nil
}

func (tx *memoryProcTx) GetDirectPurchaseForUpdate(ctx context.Context, id int64) (DirectPurchase, error) {
	dp, ok := tx.repo.purchases[id]
	if !ok {
		return DirectPurchase{}, ErrNotFound
	}
	return dp, nil
}

func (tx *memoryProcTx) MarkPurchaseUsedForGoods(ctx context.Context, id int64) error {
	dp, ok := tx.repo.purchases[id]
	if !ok {
		return ErrNotFound
	}
	dp.IsUsedForGoods = true
	tx.repo.purchases[id] = dp
	return nil
}

func (tx *memoryProcTx) UpdateShippingStatus(ctx context.Context, orderID int64, status ShippingStatus) error {
	po, ok := tx.repo.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	po.ShippingStatus = status
	tx.repo.orders[orderID] = po
	return nil
}

func (tx *memoryProcTx) AppendShippingEvent(ctx context.Context, event ShippingEvent) (int64, error) {
	id := tx.nextID()
	event.ID = id
	event.CreatedAt = time.Now()
	tx.repo.events[event.OrderID] = append(tx.repo.events[event.OrderID], event)
	return id, nil
}

func testLines() []LineItemInput {
	return []LineItemInput{
		{ProductID: 1, ProductName: "Widget", Quantity: 100, UnitCostBeforeTax: 10, TaxRatePercent: 18},
		{ProductID: 2, ProductName: "Gadget", Quantity: 50, UnitCostBeforeTax: 4, TaxRatePercent: 5},
	}
}

func TestCreateRequisitionAndApprove(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	req, err := svc.CreateRequisition(ctx, CreateRequisitionInput{
		SupplierID:  7,
		RequestedBy: 3,
		Lines:       testLines(),
	})
	require.NoError(t, err)
	require.Equal(t, RequisitionPending, req.Status)
	require.NotEmpty(t, req.Number)

	po, err := svc.ApproveRequisition(ctx, req.ID, 3, "PO-100")
	require.NoError(t, err)
	require.Equal(t, OrderPending, po.Status)
	require.Equal(t, int64(7), po.SupplierID)
	require.Len(t, po.Lines, 2)
	require.InDelta(t, 1180.0+210.0, po.OrderTotal, 0.001)

	stored, _, err := repo.GetRequisition(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, RequisitionApproved, stored.Status)
	require.Equal(t, po.ID, stored.OrderID)

	// approval is one-shot
	_, err = svc.ApproveRequisition(ctx, req.ID, 3, "PO-101")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Len(t, repo.orders, 1)
}

func TestApproveRequisitionRechecksStatusInTx(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	req, err := svc.CreateRequisition(ctx, CreateRequisitionInput{
		SupplierID:  7,
		RequestedBy: 3,
		Lines:       testLines(),
	})
	require.NoError(t, err)

	// A concurrent rejection lands between the plain read and the
	// transaction; the locked re-read must catch it.
	repo.beforeTx = func() {
		stored := repo.reqs[req.ID]
		stored.Status = RequisitionRejected
		repo.reqs[req.ID] = stored
	}

	_, err = svc.ApproveRequisition(ctx, req.ID, 3, "PO-200")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Empty(t, repo.orders)
	require.Equal(t, RequisitionRejected, repo.reqs[req.ID].Status)
}

func TestRejectRequisitionCreatesNoOrder(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	req, err := svc.CreateRequisition(ctx, CreateRequisitionInput{SupplierID: 7, Lines: testLines()})
	require.NoError(t, err)

	require.NoError(t, svc.RejectRequisition(ctx, req.ID, 1))
	require.Empty(t, repo.orders)

	_, err = svc.ApproveRequisition(ctx, req.ID, 1, "")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateOrderComputesTotals(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)

	po, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		SupplierID:      5,
		ShippingCharges: 59,
		Lines: []LineItemInput{
			{ProductID: 1, Quantity: 10, UnitCostBeforeTax: 100, TaxRatePercent: 18,
				Discount: pricing.Discount{Type: pricing.DiscountPercent, Value: 10}},
		},
	})
	require.NoError(t, err)
	require.InDelta(t, 1121.0, po.OrderTotal, 0.001)
	require.InDelta(t, 1062.0, po.ProductsTotal, 0.001)
	require.InDelta(t, 1062.0, po.Lines[0].LineTotal, 0.001)
	require.Equal(t, ShippingNotShipped, po.ShippingStatus)
}

func TestCommitReceiptPartialThenComplete(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{SupplierID: 5, Lines: testLines()})
	require.NoError(t, err)

	grn, err := svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines: []ReceiptLineInput{
			{ProductID: 1, ReceivedQuantity: 40, PendingReason: "short shipped"},
			{ProductID: 2, ReceivedQuantity: 50},
		},
	})
	require.NoError(t, err)
	require.True(t, grn.IsPartialDelivery)
	require.Equal(t, po.SupplierID, grn.SupplierID)

	stored, err := repo.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, OrderPartial, stored.Status)
	require.True(t, stored.IsUsedForGoods)

	_, lines, err := svc.GetOrderFulfillment(ctx, po.ID)
	require.NoError(t, err)
	byProduct := map[int64]ReconciledLine{}
	for _, l := range lines {
		byProduct[l.ProductID] = l
	}
	require.Equal(t, LinePartial, byProduct[1].Status)
	require.Equal(t, 60.0, byProduct[1].Pending)
	require.Equal(t, LineComplete, byProduct[2].Status)

	second, err := svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 60}},
	})
	require.NoError(t, err)
	require.False(t, second.IsPartialDelivery)

	stored, err = repo.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, OrderCompleted, stored.Status)
}

func TestCommitReceiptRejectsOverReceipt(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 5,
		Lines:      []LineItemInput{{ProductID: 1, ProductName: "Widget", Quantity: 100, UnitCostBeforeTax: 10}},
	})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 100}},
	})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 1}},
	})
	var unavailable *OrderUnavailableError
	require.ErrorAs(t, err, &unavailable)

	// only the first receipt exists, order state unchanged
	require.Len(t, repo.receipts, 1)
	stored, err := repo.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, OrderCompleted, stored.Status)
}

func TestCommitReceiptRejectsExcessBeforeCompletion(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 5,
		Lines:      []LineItemInput{{ProductID: 1, ProductName: "Widget", Quantity: 100, UnitCostBeforeTax: 10}},
	})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 60}},
	})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 41}},
	})
	var exceeds *QuantityExceedsOrderError
	require.ErrorAs(t, err, &exceeds)
	require.Equal(t, 100.0, exceeds.Ordered)
	require.Equal(t, 101.0, exceeds.Attempted)
	require.Len(t, repo.receipts, 1)

	// exact remainder still goes through
	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 40}},
	})
	require.NoError(t, err)
}

func TestCommitReceiptUnknownProduct(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{SupplierID: 5, Lines: testLines()})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 99, ReceivedQuantity: 1}},
	})
	var ref *ReferenceIntegrityError
	require.ErrorAs(t, err, &ref)
	require.Empty(t, repo.receipts)
}

func TestCommitReceiptAgainstCancelledOrder(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{SupplierID: 5, Lines: testLines()})
	require.NoError(t, err)
	require.NoError(t, svc.CancelOrder(ctx, po.ID, 1))

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 10}},
	})
	var unavailable *OrderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.True(t, unavailable.Retryable())
}

func TestCommitReceiptMissingOrder(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)

	_, err := svc.CommitReceipt(context.Background(), CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: 404},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 10}},
	})
	var ref *ReferenceIntegrityError
	require.ErrorAs(t, err, &ref)
	require.Equal(t, "order", ref.Entity)
}

func TestCommitReceiptDirectPurchase(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	repo.purchases[9] = DirectPurchase{
		ID:         9,
		SupplierID: 5,
		Lines:      []LineItem{{ProductID: 1, ProductName: "Widget", Quantity: 20, UnitCostBeforeTax: 3}},
	}

	grn, err := svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceDirectPurchase, ID: 9},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 20}},
	})
	require.NoError(t, err)
	require.False(t, grn.IsPartialDelivery)
	require.Equal(t, int64(5), grn.SupplierID)
	require.True(t, repo.purchases[9].IsUsedForGoods)
}

func TestVoidReceiptRederivesOrderStatus(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 5,
		Lines:      []LineItemInput{{ProductID: 1, Quantity: 10, UnitCostBeforeTax: 2}},
	})
	require.NoError(t, err)

	grn, err := svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 10}},
	})
	require.NoError(t, err)

	stored, err := repo.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, OrderCompleted, stored.Status)

	require.NoError(t, svc.VoidReceipt(ctx, grn.ID, 1))

	stored, err = repo.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, OrderPending, stored.Status)

	require.ErrorIs(t, svc.VoidReceipt(ctx, grn.ID, 1), ErrInvalidState)
}

func TestCancelOrderRejectsUsedOrder(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{SupplierID: 5, Lines: testLines()})
	require.NoError(t, err)

	_, err = svc.CommitReceipt(ctx, CommitReceiptInput{
		Source: SourceRef{Kind: SourceOrder, ID: po.ID},
		Lines:  []ReceiptLineInput{{ProductID: 1, ReceivedQuantity: 10}},
	})
	require.NoError(t, err)

	err = svc.CancelOrder(ctx, po.ID, 1)
	var unavailable *OrderUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestUpdateShippingAppendsLog(t *testing.T) {
	repo := newMemoryProcRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	po, err := svc.CreateOrder(ctx, CreateOrderInput{SupplierID: 5, Lines: testLines()})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateShipping(ctx, po.ID, ShippingInTransit, "left warehouse", 1))
	require.NoError(t, svc.UpdateShipping(ctx, po.ID, ShippingDelivered, "", 1))

	stored, err := repo.GetOrder(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, ShippingDelivered, stored.ShippingStatus)
	// shipping never drives the receiving status
	require.Equal(t, OrderPending, stored.Status)

	events, err := svc.ShippingLog(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ShippingInTransit, events[0].Status)
}
