package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2026, time.March, d, 0, 0, 0, 0, time.UTC)
}

func TestBuildStatementRunningBalance(t *testing.T) {
	purchases := []Purchase{
		{ID: 1, Number: "PUR-1", GrandTotal: 1000, PurchaseDate: day(1)},
		{ID: 3, Number: "PUR-2", GrandTotal: 500, PurchaseDate: day(10)},
	}
	payments := []Payment{
		{ID: 2, Number: "PAY-1", Amount: 400, PaidDate: day(5), Status: PaymentCompleted},
		{ID: 4, Number: "PAY-2", Amount: 600, PaidDate: day(12), Status: PaymentCompleted},
	}

	rows := BuildStatement(250, day(1), purchases, payments)
	require.Len(t, rows, 5)
	require.Equal(t, EntryOpening, rows[0].Kind)
	require.Equal(t, 250.0, rows[0].Balance)
	require.Equal(t, 1250.0, rows[1].Balance)
	require.Equal(t, 850.0, rows[2].Balance)
	require.Equal(t, 1350.0, rows[3].Balance)
	require.Equal(t, 750.0, rows[4].Balance)
}

func TestBuildStatementSameDateOrdersByID(t *testing.T) {
	purchases := []Purchase{{ID: 2, GrandTotal: 100, PurchaseDate: day(1)}}
	payments := []Payment{{ID: 1, Amount: 30, PaidDate: day(1), Status: PaymentCompleted}}

	rows := BuildStatement(0, day(1), purchases, payments)
	require.Equal(t, EntryPayment, rows[1].Kind)
	require.Equal(t, EntryPurchase, rows[2].Kind)
	require.Equal(t, 70.0, rows[2].Balance)
}

func TestBuildStatementSkipsDeleted(t *testing.T) {
	purchases := []Purchase{
		{ID: 1, GrandTotal: 100, PurchaseDate: day(1)},
		{ID: 2, GrandTotal: 900, PurchaseDate: day(2), Deleted: true},
	}
	payments := []Payment{
		{ID: 3, Amount: 50, PaidDate: day(3), Status: PaymentDeleted},
	}

	rows := BuildStatement(0, day(1), purchases, payments)
	require.Len(t, rows, 2)
	require.Equal(t, 100.0, rows[1].Balance)
}

func TestBalanceDueRecomputesFromRows(t *testing.T) {
	purchases := []Purchase{
		{ID: 1, GrandTotal: 1000},
		{ID: 2, GrandTotal: 500, Deleted: true},
	}
	payments := []Payment{
		{ID: 1, Amount: 300, Status: PaymentCompleted},
		{ID: 2, Amount: -100, Status: PaymentCompleted}, // correction entry
		{ID: 3, Amount: 999, Status: PaymentDeleted},
	}

	balance := BalanceDue(200, purchases, payments)
	require.Equal(t, 1000.0, balance.TotalPurchases)
	require.Equal(t, 200.0, balance.TotalPayments)
	require.Equal(t, 1000.0, balance.BalanceDue)
}

func TestDerivePaymentStatus(t *testing.T) {
	require.Equal(t, PaymentDue, derivePaymentStatus(100, 0))
	require.Equal(t, PaymentPartial, derivePaymentStatus(100, 40))
	require.Equal(t, PaymentPaid, derivePaymentStatus(100, 100))
	// float noise inside the epsilon still counts as settled
	require.Equal(t, PaymentPaid, derivePaymentStatus(100, 99.999))
	// overpayment stays settled
	require.Equal(t, PaymentPaid, derivePaymentStatus(100, 120))
}

func TestAgeBucket(t *testing.T) {
	asOf := day(31)
	var row AgingRow
	ageBucket(&row, day(20), asOf, 100) // 11 days
	ageBucket(&row, day(31).AddDate(0, 0, -45), asOf, 200)
	ageBucket(&row, day(31).AddDate(0, 0, -75), asOf, 300)
	ageBucket(&row, day(31).AddDate(0, 0, -120), asOf, 400)

	require.Equal(t, 100.0, row.Current)
	require.Equal(t, 200.0, row.Days31to60)
	require.Equal(t, 300.0, row.Days61to90)
	require.Equal(t, 400.0, row.Over90)
	require.Equal(t, 1000.0, row.Total)
}
