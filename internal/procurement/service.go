package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vantage-erp/vantage-erp/internal/pricing"
	"github.com/vantage-erp/vantage-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequisition(ctx context.Context, id int64) (Requisition, []LineItem, error)
	GetOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	GetReceipt(ctx context.Context, id int64) (GoodsReceipt, error)
	ListReceiptsForSource(ctx context.Context, src SourceRef) ([]GoodsReceipt, error)
	ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error)
	ListShippingEvents(ctx context.Context, orderID int64) ([]ShippingEvent, error)
}

// TxRepository exposes transactional operations. Read methods re-read the
// authoritative row state inside the transaction; GetOrderForUpdate and
// GetDirectPurchaseForUpdate take row locks so availability checks and the
// mutation they gate commit as one unit.
type TxRepository interface {
	CreateRequisition(ctx context.Context, req Requisition, lines []LineItem) (int64, error)
	GetRequisitionForUpdate(ctx context.Context, id int64) (Requisition, error)
	UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus, orderID int64) error
	CreateOrder(ctx context.Context, po PurchaseOrder) (int64, error)
	GetOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdateOrderReceiptState(ctx context.Context, id int64, status OrderStatus, usedForGoods bool) error
	CancelOrder(ctx context.Context, id int64) error
	ListReceiptsForSource(ctx context.Context, src SourceRef) ([]GoodsReceipt, error)
	CreateReceipt(ctx context.Context, grn GoodsReceipt) (int64, error)
	MarkReceiptDeleted(ctx context.Context, id int64) error
	GetDirectPurchaseForUpdate(ctx context.Context, id int64) (DirectPurchase, error)
	MarkPurchaseUsedForGoods(ctx context.Context, id int64) error
	UpdateShippingStatus(ctx context.Context, orderID int64, status ShippingStatus) error
	AppendShippingEvent(ctx context.Context, event ShippingEvent) (int64, error)
}

// DirectPurchase is the slice of an invoice the receiving flow needs when a
// receipt references a purchase entered without a prior order.
type DirectPurchase struct {
	ID             int64
	SupplierID     int64
	Lines          []LineItem
	IsUsedForGoods bool
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ListFilters narrows order listings.
type ListFilters struct {
	Status       OrderStatus
	SupplierID   int64
	Search       string
	AvailableFor string // "goods" or "purchase"
	Limit        int
	Offset       int
}

// Service orchestrates procurement flows.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs the procurement service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem}
}

// LineItemInput is the raw line payload before pricing derivation.
type LineItemInput struct {
	ProductID         int64
	ProductName       string
	Quantity          float64
	UnitCostBeforeTax float64
	Discount          pricing.Discount
	TaxRatePercent    float64
}

// CreateRequisitionInput describes a requisition payload.
type CreateRequisitionInput struct {
	Number      string
	SupplierID  int64
	LocationID  int64
	RequestedBy int64
	Note        string
	Lines       []LineItemInput
}

// CreateOrderInput describes a manually entered purchase order.
type CreateOrderInput struct {
	ReferenceNo     string
	SupplierID      int64
	LocationID      int64
	ShippingCharges float64
	Note            string
	Lines           []LineItemInput
}

// CommitReceiptInput describes a goods receipt to record.
type CommitReceiptInput struct {
	Source         SourceRef
	Number         string
	ReceivedDate   time.Time
	IdempotencyKey string
	ActorID        int64
	Lines          []ReceiptLineInput
}

// ReceiptLineInput carries one received line.
type ReceiptLineInput struct {
	ProductID        int64
	ReceivedQuantity float64
	PendingReason    string
}

// CreateRequisition persists the requisition header and priced lines.
func (s *Service) CreateRequisition(ctx context.Context, input CreateRequisitionInput) (Requisition, error) {
	if input.SupplierID == 0 || len(input.Lines) == 0 {
		return Requisition{}, ErrValidation
	}
	lines, _, err := priceLines(input.Lines, 0)
	if err != nil {
		return Requisition{}, err
	}
	if input.Number == "" {
		input.Number = generateNumber("REQ")
	}
	req := Requisition{
		Number:      input.Number,
		SupplierID:  input.SupplierID,
		LocationID:  input.LocationID,
		RequestedBy: input.RequestedBy,
		Status:      RequisitionPending,
		Note:        input.Note,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRequisition(ctx, req, lines)
		if err != nil {
			return err
		}
		req.ID = id
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	s.recordAudit(ctx, input.RequestedBy, "REQUISITION_CREATE", req.ID, map[string]any{"number": req.Number})
	return req, nil
}

// ApproveRequisition flips the requisition to APPROVED and creates exactly
// one purchase order copying its lines. Both writes commit as one
// transaction: a requisition is never left approved without its order.
func (s *Service) ApproveRequisition(ctx context.Context, reqID int64, actorID int64, referenceNo string) (PurchaseOrder, error) {
	req, lines, err := s.repo.GetRequisition(ctx, reqID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if req.Status != RequisitionPending {
		return PurchaseOrder{}, ErrInvalidState
	}
	if referenceNo == "" {
		referenceNo = generateNumber("PO")
	}
	totals, _, err := pricing.ComputeDocumentTotals(lineInputs(lines), 0)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po := PurchaseOrder{
		ReferenceNo:    referenceNo,
		SupplierID:     req.SupplierID,
		LocationID:     req.LocationID,
		Status:         OrderPending,
		ShippingStatus: ShippingNotShipped,
		Lines:          lines,
		OrderTotal:     totals.OrderTotal,
		ProductsTotal:  totals.ProductsOnlyTotal,
		Note:           req.Note,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Re-check under the row lock: the plain read above may have raced a
		// concurrent approval or rejection.
		cur, err := tx.GetRequisitionForUpdate(ctx, reqID)
		if err != nil {
			return err
		}
		if cur.Status != RequisitionPending {
			return ErrInvalidState
		}
		poID, err := tx.CreateOrder(ctx, po)
		if err != nil {
			return err
		}
		po.ID = poID
		return tx.UpdateRequisitionStatus(ctx, reqID, RequisitionApproved, poID)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actorID, "REQUISITION_APPROVE", reqID, map[string]any{"order_id": po.ID, "reference_no": po.ReferenceNo})
	return po, nil
}

// RejectRequisition is terminal; no order is created.
func (s *Service) RejectRequisition(ctx context.Context, reqID int64, actorID int64) error {
	req, _, err := s.repo.GetRequisition(ctx, reqID)
	if err != nil {
		return err
	}
	if req.Status != RequisitionPending {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.GetRequisitionForUpdate(ctx, reqID)
		if err != nil {
			return err
		}
		if cur.Status != RequisitionPending {
			return ErrInvalidState
		}
		return tx.UpdateRequisitionStatus(ctx, reqID, RequisitionRejected, 0)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "REQUISITION_REJECT", reqID, nil)
	return nil
}

// CreateOrder persists a manually entered purchase order.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (PurchaseOrder, error) {
	if input.SupplierID == 0 || len(input.Lines) == 0 {
		return PurchaseOrder{}, ErrValidation
	}
	lines, totals, err := priceLines(input.Lines, input.ShippingCharges)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if input.ReferenceNo == "" {
		input.ReferenceNo = generateNumber("PO")
	}
	po := PurchaseOrder{
		ReferenceNo:     input.ReferenceNo,
		SupplierID:      input.SupplierID,
		LocationID:      input.LocationID,
		Status:          OrderPending,
		ShippingStatus:  ShippingNotShipped,
		Lines:           lines,
		ShippingCharges: input.ShippingCharges,
		OrderTotal:      totals.OrderTotal,
		ProductsTotal:   totals.ProductsOnlyTotal,
		Note:            input.Note,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateOrder(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, 0, "ORDER_CREATE", po.ID, map[string]any{"reference_no": po.ReferenceNo, "total": po.OrderTotal})
	return po, nil
}

// CancelOrder cancels an order that has never been received or invoiced.
// Referenced orders stay on record.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if po.Status != OrderPending || po.IsUsedForGoods || po.IsUsedForPurchase {
			return &OrderUnavailableError{OrderID: orderID, Reason: "already received, invoiced or not pending"}
		}
		return tx.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "ORDER_CANCEL", orderID, nil)
	return nil
}

// CommitReceipt records a goods receipt. Availability check, over-receipt
// validation against the latest persisted receipts, the receipt insert and
// the derived order status all commit in a single transaction; a concurrent
// commit against the same source serialises on the source row lock.
func (s *Service) CommitReceipt(ctx context.Context, input CommitReceiptInput) (GoodsReceipt, error) {
	if len(input.Lines) == 0 || input.Source.ID == 0 {
		return GoodsReceipt{}, ErrValidation
	}
	switch input.Source.Kind {
	case SourceOrder, SourceDirectPurchase:
	default:
		return GoodsReceipt{}, ErrValidation
	}
	if input.Number == "" {
		input.Number = generateNumber("GRN")
	}
	key := input.IdempotencyKey
	if key == "" {
		key = uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("GRN:%s", input.Number))).String()
	}
	inserted := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "procurement.receipt"); err != nil {
			return GoodsReceipt{}, err
		}
		inserted = true
	}

	grn := GoodsReceipt{
		Number:       input.Number,
		Source:       input.Source,
		ReceivedDate: defaultTime(input.ReceivedDate),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lines, supplierID, finalize, err := s.lockSource(ctx, tx, input.Source)
		if err != nil {
			return err
		}
		existing, err := tx.ListReceiptsForSource(ctx, input.Source)
		if err != nil {
			return err
		}
		candidate := make([]ReceiptLine, 0, len(input.Lines))
		for _, l := range input.Lines {
			candidate = append(candidate, ReceiptLine{
				ProductID:        l.ProductID,
				ReceivedQuantity: l.ReceivedQuantity,
				PendingReason:    l.PendingReason,
			})
		}
		if err := ValidateReceipt(lines, existing, candidate); err != nil {
			return err
		}
		built, partial := BuildReceiptLines(lines, existing, candidate)
		grn.SupplierID = supplierID
		grn.Lines = built
		grn.IsPartialDelivery = partial

		id, err := tx.CreateReceipt(ctx, grn)
		if err != nil {
			return err
		}
		grn.ID = id
		return finalize(append(existing, grn))
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, key)
		}
		return GoodsReceipt{}, err
	}
	s.recordAudit(ctx, input.ActorID, "RECEIPT_COMMIT", grn.ID, map[string]any{
		"number": grn.Number, "source": string(input.Source.Kind), "source_id": input.Source.ID,
	})
	return grn, nil
}

// lockSource row-locks the receipt's source document and returns its lines,
// its supplier and a finalize callback that persists the derived state once
// the receipt is written.
func (s *Service) lockSource(ctx context.Context, tx TxRepository, src SourceRef) ([]LineItem, int64, func([]GoodsReceipt) error, error) {
	switch src.Kind {
	case SourceOrder:
		po, err := tx.GetOrderForUpdate(ctx, src.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, 0, nil, &ReferenceIntegrityError{Entity: "order", ID: src.ID}
			}
			return nil, 0, nil, err
		}
		if po.Status == OrderCancelled {
			return nil, 0, nil, &OrderUnavailableError{OrderID: po.ID, Reason: "cancelled"}
		}
		if po.Status == OrderCompleted {
			return nil, 0, nil, &OrderUnavailableError{OrderID: po.ID, Reason: "fully received"}
		}
		finalize := func(all []GoodsReceipt) error {
			status := DeriveOrderStatus(po.Status, Reconcile(po.Lines, all))
			return tx.UpdateOrderReceiptState(ctx, po.ID, status, true)
		}
		return po.Lines, po.SupplierID, finalize, nil
	case SourceDirectPurchase:
		dp, err := tx.GetDirectPurchaseForUpdate(ctx, src.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, 0, nil, &ReferenceIntegrityError{Entity: "purchase", ID: src.ID}
			}
			return nil, 0, nil, err
		}
		finalize := func([]GoodsReceipt) error {
			return tx.MarkPurchaseUsedForGoods(ctx, dp.ID)
		}
		return dp.Lines, dp.SupplierID, finalize, nil
	default:
		return nil, 0, nil, ErrValidation
	}
}

// VoidReceipt soft-deletes a receipt and re-derives the source order status
// from the receipts that remain.
func (s *Service) VoidReceipt(ctx context.Context, receiptID int64, actorID int64) error {
	grn, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if grn.Deleted {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.MarkReceiptDeleted(ctx, receiptID); err != nil {
			return err
		}
		if grn.Source.Kind != SourceOrder {
			return nil
		}
		po, err := tx.GetOrderForUpdate(ctx, grn.Source.ID)
		if err != nil {
			return err
		}
		remaining, err := tx.ListReceiptsForSource(ctx, grn.Source)
		if err != nil {
			return err
		}
		status := DeriveOrderStatus(po.Status, Reconcile(po.Lines, remaining))
		return tx.UpdateOrderReceiptState(ctx, po.ID, status, po.IsUsedForGoods)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "RECEIPT_VOID", receiptID, map[string]any{"number": grn.Number})
	return nil
}

// GetOrderFulfillment returns the reconciled receiving view of an order.
func (s *Service) GetOrderFulfillment(ctx context.Context, orderID int64) (PurchaseOrder, []ReconciledLine, error) {
	po, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	receipts, err := s.repo.ListReceiptsForSource(ctx, SourceRef{Kind: SourceOrder, ID: orderID})
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	return po, Reconcile(po.Lines, receipts), nil
}

// UpdateShipping sets the manual shipping status and appends an activity log
// entry. Shipping never feeds the receiving-status derivation.
func (s *Service) UpdateShipping(ctx context.Context, orderID int64, status ShippingStatus, note string, actorID int64) error {
	if status == "" {
		return ErrValidation
	}
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateShippingStatus(ctx, orderID, status); err != nil {
			return err
		}
		_, err := tx.AppendShippingEvent(ctx, ShippingEvent{OrderID: orderID, Status: status, Note: note})
		return err
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "SHIPPING_UPDATE", orderID, map[string]any{"status": string(status)})
	return nil
}

// ListOrders returns orders matching the filters.
func (s *Service) ListOrders(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	return s.repo.ListOrders(ctx, filters)
}

// ShippingLog returns the shipping activity entries for an order.
func (s *Service) ShippingLog(ctx context.Context, orderID int64) ([]ShippingEvent, error) {
	return s.repo.ListShippingEvents(ctx, orderID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "procurement", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func priceLines(inputs []LineItemInput, shipping float64) ([]LineItem, pricing.DocumentTotals, error) {
	raw := make([]pricing.LineInput, 0, len(inputs))
	for _, in := range inputs {
		if in.ProductID == 0 || in.Quantity <= 0 {
			return nil, pricing.DocumentTotals{}, ErrValidation
		}
		raw = append(raw, pricing.LineInput{
			Quantity:          in.Quantity,
			UnitCostBeforeTax: in.UnitCostBeforeTax,
			Discount:          in.Discount,
			TaxRatePercent:    in.TaxRatePercent,
		})
	}
	totals, results, err := pricing.ComputeDocumentTotals(raw, shipping)
	if err != nil {
		return nil, pricing.DocumentTotals{}, err
	}
	lines := make([]LineItem, 0, len(inputs))
	for i, in := range inputs {
		lines = append(lines, LineItem{
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
	return lines, totals, nil
}

func lineInputs(lines []LineItem) []pricing.LineInput {
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
