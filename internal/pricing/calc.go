// Package pricing implements line-level price, discount and tax arithmetic
// for procurement documents. All outputs are rounded to two decimal places;
// intermediate values are never rounded so that quantity multiplication does
// not compound per-unit rounding error.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DiscountType selects how a line discount is expressed.
type DiscountType string

const (
	DiscountPercent DiscountType = "PERCENT"
	DiscountAmount  DiscountType = "AMOUNT"
)

// Discount describes a per-unit discount on a line item.
type Discount struct {
	Type  DiscountType `json:"type"`
	Value float64      `json:"value"`
}

// LineInput carries the raw figures for one document line.
type LineInput struct {
	Quantity          float64
	UnitCostBeforeTax float64
	Discount          Discount
	TaxRatePercent    float64
}

// LineResult holds the derived amounts for one line, rounded to 2dp.
type LineResult struct {
	SubtotalBeforeTax float64
	TaxAmount         float64
	NetCostPerUnit    float64
	LineTotal         float64
}

var (
	// ErrInvalidLine indicates a line with non-positive quantity or
	// negative cost, discount or tax rate.
	ErrInvalidLine = errors.New("pricing: invalid line input")
	// ErrRoundingToleranceExceeded indicates the calculator produced
	// amounts that do not decompose; it signals a bug, not bad input.
	ErrRoundingToleranceExceeded = errors.New("pricing: rounding tolerance exceeded")
)

const roundPlaces = 2

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(roundPlaces)
}

// ComputeLine derives subtotal, tax and total for a line. The discount is
// applied per unit and clamped to [0, unitCost]; the discounted unit cost is
// multiplied by quantity before any rounding happens. LineTotal is the sum of
// the rounded subtotal and rounded tax so that LineTotal - TaxAmount always
// equals SubtotalBeforeTax exactly.
func ComputeLine(in LineInput) (LineResult, error) {
	if in.Quantity <= 0 || in.UnitCostBeforeTax < 0 || in.Discount.Value < 0 || in.TaxRatePercent < 0 {
		return LineResult{}, ErrInvalidLine
	}
	switch in.Discount.Type {
	case DiscountPercent, DiscountAmount, "":
	default:
		return LineResult{}, fmt.Errorf("%w: unknown discount type %q", ErrInvalidLine, in.Discount.Type)
	}

	qty := decimal.NewFromFloat(in.Quantity)
	unitCost := decimal.NewFromFloat(in.UnitCostBeforeTax)
	rate := decimal.NewFromFloat(in.TaxRatePercent).Div(decimal.NewFromInt(100))

	discount := discountPerUnit(unitCost, in.Discount)
	unitAfterDiscount := unitCost.Sub(discount)

	subtotal := unitAfterDiscount.Mul(qty)
	tax := subtotal.Mul(rate)

	roundedSubtotal := round2(subtotal)
	roundedTax := round2(tax)

	res := LineResult{
		SubtotalBeforeTax: roundedSubtotal.InexactFloat64(),
		TaxAmount:         roundedTax.InexactFloat64(),
		NetCostPerUnit:    round2(unitAfterDiscount.Mul(decimal.NewFromInt(1).Add(rate))).InexactFloat64(),
		LineTotal:         roundedSubtotal.Add(roundedTax).InexactFloat64(),
	}
	return res, CheckDecomposition(res)
}

func discountPerUnit(unitCost decimal.Decimal, d Discount) decimal.Decimal {
	var amount decimal.Decimal
	if d.Type == DiscountPercent {
		amount = unitCost.Mul(decimal.NewFromFloat(d.Value)).Div(decimal.NewFromInt(100))
	} else {
		amount = decimal.NewFromFloat(d.Value)
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(unitCost) {
		return unitCost
	}
	return amount
}

// CheckDecomposition verifies LineTotal - TaxAmount == SubtotalBeforeTax
// post-rounding. A failure means the calculator itself misbehaved and should
// surface loudly.
func CheckDecomposition(res LineResult) error {
	total := decimal.NewFromFloat(res.LineTotal)
	tax := decimal.NewFromFloat(res.TaxAmount)
	subtotal := decimal.NewFromFloat(res.SubtotalBeforeTax)
	if !total.Sub(tax).Equal(subtotal) {
		return fmt.Errorf("%w: total=%s tax=%s subtotal=%s",
			ErrRoundingToleranceExceeded, total, tax, subtotal)
	}
	return nil
}

// ShippingCharge splits an after-tax charge into its before-tax and tax parts.
type ShippingCharge struct {
	BeforeTax float64
	TaxAmount float64
	AfterTax  float64
}

// ShippingFromAfterTax derives the before-tax shipping charge from a
// tax-inclusive amount: beforeTax = afterTax / (1 + rate/100). The tax amount
// is the remainder so the two parts always sum back to the input.
func ShippingFromAfterTax(afterTax, taxRatePercent float64) (ShippingCharge, error) {
	if afterTax < 0 || taxRatePercent < 0 {
		return ShippingCharge{}, ErrInvalidLine
	}
	after := decimal.NewFromFloat(afterTax)
	divisor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(taxRatePercent).Div(decimal.NewFromInt(100)))
	before := round2(after.DivRound(divisor, roundPlaces+6))
	return ShippingCharge{
		BeforeTax: before.InexactFloat64(),
		TaxAmount: round2(after.Sub(before)).InexactFloat64(),
		AfterTax:  round2(after).InexactFloat64(),
	}, nil
}

// ShippingToAfterTax is the algebraic inverse of ShippingFromAfterTax.
func ShippingToAfterTax(beforeTax, taxRatePercent float64) (float64, error) {
	if beforeTax < 0 || taxRatePercent < 0 {
		return 0, ErrInvalidLine
	}
	before := decimal.NewFromFloat(beforeTax)
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(taxRatePercent).Div(decimal.NewFromInt(100)))
	return round2(before.Mul(factor)).InexactFloat64(), nil
}
