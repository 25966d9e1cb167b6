package procurement

// The fulfillment reconciler is pure: it derives per-line and per-order
// receiving state from an order's lines and every receipt recorded against
// it. Soft-deleted receipts never contribute quantities.

// qtyEpsilon absorbs float representation noise when summed received
// quantities are compared against ordered quantities (0.1 + 0.2 must fill an
// order for 0.3 exactly).
const qtyEpsilon = 1e-6

// Reconcile aggregates received quantities per product across all receipts
// for the given lines. Lines come back in order-line order; a received
// quantity above the ordered quantity is flagged OVER_RECEIVED rather than
// clamped, surfacing the data-entry anomaly for review.
func Reconcile(lines []LineItem, receipts []GoodsReceipt) []ReconciledLine {
	received := receivedByProduct(receipts)
	out := make([]ReconciledLine, 0, len(lines))
	for _, line := range lines {
		got := received[line.ProductID]
		pending := line.Quantity - got
		if pending < qtyEpsilon {
			pending = 0
		}
		out = append(out, ReconciledLine{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Ordered:     line.Quantity,
			Received:    got,
			Pending:     pending,
			Status:      lineStatus(line.Quantity, got),
		})
	}
	return out
}

func lineStatus(ordered, received float64) LineStatus {
	switch {
	case received == 0:
		return LineNotReceived
	case received < ordered-qtyEpsilon:
		return LinePartial
	case received <= ordered+qtyEpsilon:
		return LineComplete
	default:
		return LineOverReceived
	}
}

func receivedByProduct(receipts []GoodsReceipt) map[int64]float64 {
	totals := make(map[int64]float64)
	for _, grn := range receipts {
		if grn.Deleted {
			continue
		}
		for _, line := range grn.Lines {
			totals[line.ProductID] += line.ReceivedQuantity
		}
	}
	return totals
}

// ValidateReceipt gates a candidate receipt: for every candidate line the
// already-received quantity plus the candidate quantity must not exceed the
// ordered quantity. The caller must hold the order row lock and pass the
// latest persisted receipts, not a client-side snapshot.
func ValidateReceipt(lines []LineItem, existing []GoodsReceipt, candidate []ReceiptLine) error {
	ordered := make(map[int64]LineItem, len(lines))
	for _, line := range lines {
		ordered[line.ProductID] = line
	}
	received := receivedByProduct(existing)
	for _, cand := range candidate {
		if cand.ReceivedQuantity <= 0 {
			return ErrValidation
		}
		line, ok := ordered[cand.ProductID]
		if !ok {
			return &ReferenceIntegrityError{Entity: "order line for product", ID: cand.ProductID}
		}
		attempted := received[cand.ProductID] + cand.ReceivedQuantity
		if attempted > line.Quantity+qtyEpsilon {
			return &QuantityExceedsOrderError{
				ProductID:   cand.ProductID,
				ProductName: line.ProductName,
				Ordered:     line.Quantity,
				Attempted:   attempted,
			}
		}
	}
	return nil
}

// DeriveOrderStatus recomputes the order receiving status from reconciled
// lines. Cancellation is terminal and never overwritten. The result depends
// only on cumulative quantities, so replaying receipts in any order yields
// the same status.
func DeriveOrderStatus(current OrderStatus, lines []ReconciledLine) OrderStatus {
	if current == OrderCancelled {
		return OrderCancelled
	}
	if len(lines) == 0 {
		return current
	}
	complete := true
	anyReceived := false
	for _, line := range lines {
		if line.Status != LineComplete && line.Status != LineOverReceived {
			complete = false
		}
		if line.Received > 0 {
			anyReceived = true
		}
	}
	switch {
	case complete:
		return OrderCompleted
	case anyReceived:
		return OrderPartial
	default:
		return OrderPending
	}
}

// BuildReceiptLines fills the ordered/pending bookkeeping on candidate lines
// from the latest reconciled state, and reports whether the receipt leaves
// anything still pending on the order.
func BuildReceiptLines(lines []LineItem, existing []GoodsReceipt, candidate []ReceiptLine) ([]ReceiptLine, bool) {
	ordered := make(map[int64]LineItem, len(lines))
	for _, line := range lines {
		ordered[line.ProductID] = line
	}
	received := receivedByProduct(existing)
	partial := false
	out := make([]ReceiptLine, 0, len(candidate))
	for _, cand := range candidate {
		line := ordered[cand.ProductID]
		pending := line.Quantity - received[cand.ProductID] - cand.ReceivedQuantity
		if pending < qtyEpsilon {
			pending = 0
		}
		if pending > 0 {
			partial = true
		}
		cand.ProductName = line.ProductName
		cand.OrderedQuantity = line.Quantity
		cand.PendingQuantity = pending
		if pending == 0 {
			cand.PendingReason = ""
		}
		out = append(out, cand)
	}
	// Lines the receipt does not touch also keep the order open.
	for id, line := range ordered {
		touched := false
		for _, cand := range candidate {
			if cand.ProductID == id {
				touched = true
				break
			}
		}
		if !touched && received[id] < line.Quantity-qtyEpsilon {
			partial = true
		}
	}
	return out, partial
}
