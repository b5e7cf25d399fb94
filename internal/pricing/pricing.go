// Package pricing computes purchase price breakdowns. All amounts are integer
// minor currency units; rates and percentages are decimals.
package pricing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/shopspring/decimal"
)

// MaxUnitPrice bounds a single ticket's price so that a full purchase stays
// far from the int64 range.
const MaxUnitPrice int64 = 1_000_000_000_000

var maxAmount = decimal.NewFromInt(math.MaxInt64)

type Input struct {
	UnitPrice   int64
	Quantity    int
	Coupon      *domain.Discount
	Promotion   *domain.Discount
	PointsToUse int64
	TaxRate     decimal.Decimal
}

// Calculate runs the pricing pipeline in a fixed order: base price, coupon,
// promotion, points, tax. Coupon and promotion are each capped against the
// original base price, not against what the other one left over; the combined
// result is clamped at zero before points are applied.
//
// Tax is rounded half away from zero to whole minor units.
func Calculate(in Input) (domain.PriceBreakdown, error) {
	if in.UnitPrice < 0 {
		return domain.PriceBreakdown{}, domain.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}
	if in.Quantity <= 0 {
		return domain.PriceBreakdown{}, domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if in.TaxRate.IsNegative() {
		return domain.PriceBreakdown{}, domain.ValidationError{Field: "tax_rate", Reason: "must not be negative"}
	}
	if err := validateDiscount("coupon", in.Coupon); err != nil {
		return domain.PriceBreakdown{}, err
	}
	if err := validateDiscount("promotion", in.Promotion); err != nil {
		return domain.PriceBreakdown{}, err
	}

	b := domain.PriceBreakdown{
		UnitPrice: in.UnitPrice,
		Quantity:  in.Quantity,
		TaxRate:   in.TaxRate,
	}

	base := decimal.NewFromInt(in.UnitPrice).Mul(decimal.NewFromInt(int64(in.Quantity)))
	if base.GreaterThan(maxAmount) {
		return domain.PriceBreakdown{}, domain.ValidationError{Field: "quantity", Reason: "total price is out of range"}
	}
	b.BasePrice = base.IntPart()
	b.CouponDiscount = DiscountAmount(b.BasePrice, in.Coupon)
	b.PromotionDiscount = DiscountAmount(b.BasePrice, in.Promotion)
	b.PriceAfterCouponAndPromo = max(0, b.BasePrice-b.CouponDiscount-b.PromotionDiscount)
	b.PointsDiscount = min(max(0, in.PointsToUse), b.PriceAfterCouponAndPromo)
	b.SubtotalBeforeTax = max(0, b.BasePrice-b.CouponDiscount-b.PromotionDiscount-b.PointsDiscount)
	tax := decimal.NewFromInt(b.SubtotalBeforeTax).Mul(in.TaxRate).Round(0)
	if tax.Add(decimal.NewFromInt(b.SubtotalBeforeTax)).GreaterThan(maxAmount) {
		return domain.PriceBreakdown{}, domain.ValidationError{Field: "tax_rate", Reason: "taxed price is out of range"}
	}
	b.TaxAmount = tax.IntPart()
	b.FinalPrice = b.SubtotalBeforeTax + b.TaxAmount

	return b, nil
}

// DiscountAmount returns how much d takes off base. Percentages round down,
// fixed values are truncated to whole units, and the result lies in [0, base].
func DiscountAmount(base int64, d *domain.Discount) int64 {
	if d == nil || base <= 0 {
		return 0
	}

	var amount decimal.Decimal
	switch d.Kind {
	case domain.DiscountPercentage:
		amount = decimal.NewFromInt(base).Mul(d.Value).Shift(-2).Floor()
	case domain.DiscountFixed:
		amount = d.Value.Floor()
	default:
		return 0
	}

	// clamp before converting so oversized values never wrap
	switch {
	case amount.IsNegative():
		return 0
	case amount.GreaterThanOrEqual(decimal.NewFromInt(base)):
		return base
	}

	return amount.IntPart()
}

// ClampPoints turns a user-supplied points value into a redeemable amount in
// [0, available]. Anything negative or unparsable yields 0.
func ClampPoints(raw any, available int64) int64 {
	if available <= 0 {
		return 0
	}

	var n int64

	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint:
		n = clampFloat(float64(v), available)
	case uint64:
		n = clampFloat(float64(v), available)
	case float32:
		n = clampFloat(float64(v), available)
	case float64:
		n = clampFloat(v, available)
	case json.Number:
		n = parsePoints(v.String(), available)
	case string:
		n = parsePoints(v, available)
	default:
		return 0
	}

	if n <= 0 {
		return 0
	}

	return min(n, available)
}

func parsePoints(s string, available int64) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return clampFloat(f, available)
}

func clampFloat(f float64, available int64) int64 {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= float64(available) {
		return available
	}

	return int64(math.Floor(f))
}

func validateDiscount(field string, d *domain.Discount) error {
	if d == nil {
		return nil
	}
	if !d.Kind.Valid() {
		return domain.ValidationError{Field: field, Reason: "unknown discount kind"}
	}
	if d.Value.IsNegative() {
		return domain.ValidationError{Field: field, Reason: "discount must not be negative"}
	}

	return nil
}
