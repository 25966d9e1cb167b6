package ledger

import (
	"sort"
	"time"
)

// statement building and balance math are pure functions over the stored
// rows so the service and the reconciliation job share one definition.

type statementEntry struct {
	row  StatementRow
	date time.Time
	id   int64
}

// BuildStatement interleaves purchases (debits) and payments (credits) into a
// chronological statement with a running balance starting from the opening
// balance. Entries on the same date order by insertion id. Soft-deleted rows
// never appear.
func BuildStatement(opening float64, openingDate time.Time, purchases []Purchase, payments []Payment) []StatementRow {
	entries := make([]statementEntry, 0, len(purchases)+len(payments))
	for _, p := range purchases {
		if p.Deleted {
			continue
		}
		entries = append(entries, statementEntry{
			row:  StatementRow{Date: p.PurchaseDate, Kind: EntryPurchase, RefID: p.ID, Number: p.Number, Debit: p.GrandTotal},
			date: p.PurchaseDate,
			id:   p.ID,
		})
	}
	for _, p := range payments {
		if p.Status == PaymentDeleted {
			continue
		}
		entries = append(entries, statementEntry{
			row:  StatementRow{Date: p.PaidDate, Kind: EntryPayment, RefID: p.ID, Number: p.Number, Credit: p.Amount},
			date: p.PaidDate,
			id:   p.ID,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].date.Equal(entries[j].date) {
			return entries[i].date.Before(entries[j].date)
		}
		return entries[i].id < entries[j].id
	})

	rows := make([]StatementRow, 0, len(entries)+1)
	balance := opening
	rows = append(rows, StatementRow{Date: openingDate, Kind: EntryOpening, Balance: balance})
	for _, e := range entries {
		balance += e.row.Debit - e.row.Credit
		e.row.Balance = balance
		rows = append(rows, e.row)
	}
	return rows
}

// BalanceDue recomputes the supplier position from scratch. Every write path
// recomputes rather than incrementing a stored figure, so a missed or voided
// entry can never leave a stale balance behind.
func BalanceDue(opening float64, purchases []Purchase, payments []Payment) SupplierBalance {
	var totalPurchases, totalPayments float64
	for _, p := range purchases {
		if p.Deleted {
			continue
		}
		totalPurchases += p.GrandTotal
	}
	for _, p := range payments {
		if p.Status == PaymentDeleted {
			continue
		}
		totalPayments += p.Amount
	}
	return SupplierBalance{
		OpeningBalance: opening,
		TotalPurchases: totalPurchases,
		TotalPayments:  totalPayments,
		BalanceDue:     opening + totalPurchases - totalPayments,
		ComputedAt:     time.Now(),
	}
}

// settledAmount sums completed payments allocated to one purchase.
func settledAmount(purchaseID int64, payments []Payment) float64 {
	var total float64
	for _, p := range payments {
		if p.Status == PaymentDeleted || p.PurchaseID != purchaseID {
			continue
		}
		total += p.Amount
	}
	return total
}

// AgeBuckets splits a purchase's outstanding due into the aging bucket it
// belongs to at the given date.
func ageBucket(row *AgingRow, purchaseDate, asOf time.Time, due float64) {
	days := int(asOf.Sub(purchaseDate).Hours() / 24)
	switch {
	case days <= 30:
		row.Current += due
	case days <= 60:
		row.Days31to60 += due
	case days <= 90:
		row.Days61to90 += due
	default:
		row.Over90 += due
	}
	row.Total += due
}
