package procurement

import (
	"errors"
	"fmt"
	"time"

	"github.com/vantage-erp/vantage-erp/internal/pricing"
)

// Requisition lifecycle statuses.
type RequisitionStatus string

const (
	RequisitionPending  RequisitionStatus = "PENDING"
	RequisitionApproved RequisitionStatus = "APPROVED"
	RequisitionRejected RequisitionStatus = "REJECTED"
)

// Purchase order receiving statuses, derived by the reconciler.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Per-line receiving statuses.
type LineStatus string

const (
	LineNotReceived  LineStatus = "NOT_RECEIVED"
	LinePartial      LineStatus = "PARTIAL"
	LineComplete     LineStatus = "COMPLETE"
	LineOverReceived LineStatus = "OVER_RECEIVED"
)

// Shipping status is an independent axis; it never gates receiving or
// payment.
type ShippingStatus string

const (
	ShippingNotShipped ShippingStatus = "NOT_SHIPPED"
	ShippingInTransit  ShippingStatus = "IN_TRANSIT"
	ShippingDelivered  ShippingStatus = "DELIVERED"
)

// SourceKind discriminates what a goods receipt was recorded against.
type SourceKind string

const (
	SourceOrder          SourceKind = "ORDER"
	SourceDirectPurchase SourceKind = "DIRECT_PURCHASE"
)

// SourceRef identifies the document a receipt draws down.
type SourceRef struct {
	Kind SourceKind
	ID   int64
}

// LineItem is the canonical line shape shared by requisitions, orders and
// purchases. Adapters normalise external documents into it once; the engine
// never falls back between alternative field names.
type LineItem struct {
	ProductID         int64
	ProductName       string
	Quantity          float64
	UnitCostBeforeTax float64
	Discount          pricing.Discount
	TaxRatePercent    float64

	SubtotalBeforeTax float64
	TaxAmount         float64
	NetCostPerUnit    float64
	LineTotal         float64
}

// Requisition is an internal request to purchase.
type Requisition struct {
	ID          int64
	Number      string
	SupplierID  int64
	LocationID  int64
	RequestedBy int64
	Status      RequisitionStatus
	OrderID     int64 // set when approval creates the order
	Note        string
	CreatedAt   time.Time
}

// PurchaseOrder is the supplier-facing order document.
type PurchaseOrder struct {
	ID                int64
	ReferenceNo       string
	SupplierID        int64
	LocationID        int64
	Status            OrderStatus
	ShippingStatus    ShippingStatus
	Lines             []LineItem
	ShippingCharges   float64
	OrderTotal        float64
	ProductsTotal     float64
	IsUsedForGoods    bool
	IsUsedForPurchase bool
	Note              string
	CreatedAt         time.Time
}

// GoodsReceipt records physically received quantities against an order or a
// direct purchase. Immutable once saved except for soft delete.
type GoodsReceipt struct {
	ID                int64
	Number            string
	Source            SourceRef
	SupplierID        int64
	ReceivedDate      time.Time
	Lines             []ReceiptLine
	IsPartialDelivery bool
	Deleted           bool
	CreatedAt         time.Time
}

// ReceiptLine carries one product's received quantity on a receipt.
type ReceiptLine struct {
	ProductID        int64
	ProductName      string
	OrderedQuantity  float64
	ReceivedQuantity float64
	PendingQuantity  float64
	PendingReason    string
}

// ShippingEvent is a timestamped note on the shipping activity log.
type ShippingEvent struct {
	ID        int64
	OrderID   int64
	Status    ShippingStatus
	Note      string
	CreatedAt time.Time
}

// ReconciledLine is the per-product fulfillment view of an order.
type ReconciledLine struct {
	ProductID   int64
	ProductName string
	Ordered     float64
	Received    float64
	Pending     float64
	Status      LineStatus
}

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
)

// QuantityExceedsOrderError rejects a receipt line that would push the
// cumulative received quantity past the ordered quantity.
type QuantityExceedsOrderError struct {
	ProductID   int64
	ProductName string
	Ordered     float64
	Attempted   float64
}

func (e *QuantityExceedsOrderError) Error() string {
	return fmt.Sprintf("procurement: quantity exceeds order for product %d (%s): ordered %v, attempted %v",
		e.ProductID, e.ProductName, e.Ordered, e.Attempted)
}

// OrderUnavailableError signals the order was used or cancelled since the
// caller last read it. The caller should refresh and retry.
type OrderUnavailableError struct {
	OrderID int64
	Reason  string
}

func (e *OrderUnavailableError) Error() string {
	return fmt.Sprintf("procurement: order %d unavailable: %s", e.OrderID, e.Reason)
}

// Retryable marks this error class as refresh-and-retry.
func (e *OrderUnavailableError) Retryable() bool { return true }

// ReferenceIntegrityError signals a document referencing a missing order,
// purchase or supplier. The referencing document is not created.
type ReferenceIntegrityError struct {
	Entity string
	ID     int64
}

func (e *ReferenceIntegrityError) Error() string {
	return fmt.Sprintf("procurement: %s %d does not exist", e.Entity, e.ID)
}
