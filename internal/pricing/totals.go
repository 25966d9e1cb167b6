package pricing

import "github.com/shopspring/decimal"

// DocumentTotals aggregates line results and shipping into the figures a
// document carries. GrandTotal is the billed figure: the sum of the rounded
// per-line totals plus the tax-inclusive shipping charge, rounded once more.
// PurchaseTotal is the precise internal figure computed from the unrounded
// line math; the two deliberately differ and both are stored.
type DocumentTotals struct {
	ProductsOnlyTotal float64
	OrderTotal        float64
	GrandTotal        float64
	PurchaseTotal     float64
}

// ComputeDocumentTotals evaluates every line plus the shipping charge.
func ComputeDocumentTotals(lines []LineInput, shippingAfterTax float64) (DocumentTotals, []LineResult, error) {
	if shippingAfterTax < 0 {
		return DocumentTotals{}, nil, ErrInvalidLine
	}
	results := make([]LineResult, 0, len(lines))
	productsRounded := decimal.Zero
	precise := decimal.Zero
	for _, in := range lines {
		res, err := ComputeLine(in)
		if err != nil {
			return DocumentTotals{}, nil, err
		}
		results = append(results, res)
		productsRounded = productsRounded.Add(decimal.NewFromFloat(res.LineTotal))
		precise = precise.Add(preciseLineTotal(in))
	}
	shipping := decimal.NewFromFloat(shippingAfterTax)
	order := productsRounded.Add(shipping)
	return DocumentTotals{
		ProductsOnlyTotal: round2(productsRounded).InexactFloat64(),
		OrderTotal:        round2(order).InexactFloat64(),
		GrandTotal:        round2(order).InexactFloat64(),
		PurchaseTotal:     precise.Add(shipping).InexactFloat64(),
	}, results, nil
}

func preciseLineTotal(in LineInput) decimal.Decimal {
	unitCost := decimal.NewFromFloat(in.UnitCostBeforeTax)
	unitAfter := unitCost.Sub(discountPerUnit(unitCost, in.Discount))
	subtotal := unitAfter.Mul(decimal.NewFromFloat(in.Quantity))
	rate := decimal.NewFromFloat(in.TaxRatePercent).Div(decimal.NewFromInt(100))
	return subtotal.Add(subtotal.Mul(rate))
}
