package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/vantage-erp/vantage-erp/internal/procurement"
)

// Payment settlement status derived from recorded amounts, never stored as a
// user decision.
type PaymentStatus string

const (
	PaymentDue     PaymentStatus = "DUE"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
)

// Payment record statuses. Payments are append-only: a mistake is fixed by a
// soft delete or a negative correction entry, never by editing the row.
type PaymentRecordStatus string

const (
	PaymentCompleted PaymentRecordStatus = "COMPLETED"
	PaymentDeleted   PaymentRecordStatus = "DELETED"
)

// amountEpsilon absorbs float representation noise when comparing settled
// amounts against totals.
const amountEpsilon = 0.005

// Purchase is the supplier invoice. GrandTotal is the billed figure built
// from rounded line totals; PurchaseTotal is the precise internal figure.
// Both are stored and they legitimately differ by rounding.
type Purchase struct {
	ID              int64
	Number          string
	SupplierID      int64
	SourceOrderID   int64 // zero for a direct purchase
	PurchaseDate    time.Time
	Lines           []procurement.LineItem
	ShippingCharges float64
	GrandTotal      float64
	PurchaseTotal   float64
	PaymentAmount   float64
	PaymentDue      float64
	PaymentStatus   PaymentStatus
	IsUsedForGoods  bool
	Deleted         bool
	Note            string
	CreatedAt       time.Time
}

// Payment is one settlement entry against a supplier, optionally allocated to
// a specific purchase. Amount may be negative for corrections.
type Payment struct {
	ID         int64
	Number     string
	SupplierID int64
	PurchaseID int64 // zero for an on-account payment
	Amount     float64
	Method     string
	Reference  string
	Note       string
	PaidDate   time.Time
	Status     PaymentRecordStatus
	CreatedAt  time.Time
}

// Statement entry kinds.
type EntryKind string

const (
	EntryOpening  EntryKind = "OPENING"
	EntryPurchase EntryKind = "PURCHASE"
	EntryPayment  EntryKind = "PAYMENT"
)

// StatementRow is one line of a supplier statement with a running balance.
type StatementRow struct {
	Date    time.Time
	Kind    EntryKind
	RefID   int64
	Number  string
	Debit   float64
	Credit  float64
	Balance float64
}

// SupplierBalance is the aggregate position for one supplier.
type SupplierBalance struct {
	SupplierID     int64
	OpeningBalance float64
	TotalPurchases float64
	TotalPayments  float64
	BalanceDue     float64
	ComputedAt     time.Time
}

// AgingRow buckets a supplier's unpaid purchase dues by age.
type AgingRow struct {
	SupplierID   int64
	SupplierName string
	Current      float64
	Days31to60   float64
	Days61to90   float64
	Over90       float64
	Total        float64
}

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("ledger: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("ledger: invalid input")
	// ErrInvalidState occurs when an action violates record immutability.
	ErrInvalidState = errors.New("ledger: invalid state")
)

// AllocationMismatchError rejects a payment allocated to a purchase that does
// not belong to the payment's supplier.
type AllocationMismatchError struct {
	PurchaseID int64
	SupplierID int64
}

func (e *AllocationMismatchError) Error() string {
	return fmt.Sprintf("ledger: purchase %d does not belong to supplier %d", e.PurchaseID, e.SupplierID)
}

// derivePaymentStatus computes the settlement status from amounts.
func derivePaymentStatus(grandTotal, paid float64) PaymentStatus {
	switch {
	case paid >= grandTotal-amountEpsilon:
		return PaymentPaid
	case paid > amountEpsilon:
		return PaymentPartial
	default:
		return PaymentDue
	}
}
