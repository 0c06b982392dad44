package proposals

import (
	"fmt"
	"math"
)

const (
	// DefaultTaxRatePercent applies when no tax rate is configured.
	DefaultTaxRatePercent = 10.0
	// DefaultMaxFinalAmount caps the final amount of a single proposal.
	DefaultMaxFinalAmount = 1_000_000.0
)

// PricingOptions parameterise a pricing pass.
type PricingOptions struct {
	TaxRatePercent        float64
	GlobalDiscountPercent float64
}

// DefaultPricingOptions returns the standard 10% tax, no global discount.
func DefaultPricingOptions() PricingOptions {
	return PricingOptions{TaxRatePercent: DefaultTaxRatePercent}
}

// PricingResult carries cent-rounded figures plus any problems found.
type PricingResult struct {
	Subtotal       float64   `json:"subtotal"`
	TaxAmount      float64   `json:"tax_amount"`
	DiscountAmount float64   `json:"discount_amount"`
	FinalAmount    float64   `json:"final_amount"`
	ItemTotals     []float64 `json:"item_totals,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
}

// PricingCalculator computes proposal totals. It holds no state besides the
// ceiling and is safe for concurrent use.
type PricingCalculator struct {
	MaxFinalAmount float64
}

// NewPricingCalculator builds a calculator with the given ceiling; a
// non-positive ceiling falls back to DefaultMaxFinalAmount.
func NewPricingCalculator(maxFinal float64) PricingCalculator {
	if maxFinal <= 0 {
		maxFinal = DefaultMaxFinalAmount
	}
	return PricingCalculator{MaxFinalAmount: maxFinal}
}

// Calculate prices the items. Invalid items are reported in Errors but still
// contribute their best-effort amounts.
func (c PricingCalculator) Calculate(items []Item, opts PricingOptions) PricingResult {
	if len(items) == 0 {
		return PricingResult{Errors: []string{"no items to price"}}
	}
	ceiling := c.MaxFinalAmount
	if ceiling <= 0 {
		ceiling = DefaultMaxFinalAmount
	}

	var result PricingResult
	var rawSubtotal, subtotal float64
	result.ItemTotals = make([]float64, len(items))
	for i, item := range items {
		label := itemLabel(i, item)
		if item.Quantity <= 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: quantity must be greater than 0", label))
		}
		if item.UnitPrice < 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: unit price cannot be negative", label))
		}
		if item.DiscountPercent < 0 || item.DiscountPercent > 100 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: discount must be between 0 and 100 percent", label))
		}
		gross := item.Quantity * item.UnitPrice
		net := gross * (1 - item.DiscountPercent/100)
		rawSubtotal += gross
		subtotal += net
		result.ItemTotals[i] = roundCents(net)
	}

	discount := subtotal * opts.GlobalDiscountPercent / 100
	afterDiscount := subtotal - discount
	tax := afterDiscount * opts.TaxRatePercent / 100
	final := afterDiscount + tax

	result.Subtotal = roundCents(subtotal)
	result.DiscountAmount = roundCents(discount)
	result.TaxAmount = roundCents(tax)
	result.FinalAmount = roundCents(final)

	if rawSubtotal < 0 {
		result.Errors = append(result.Errors, "item subtotal cannot be negative")
	}
	if result.FinalAmount > ceiling {
		result.Errors = append(result.Errors, fmt.Sprintf("final amount %.2f exceeds the maximum of %.2f", result.FinalAmount, ceiling))
	}
	return result
}

func itemLabel(i int, item Item) string {
	if item.Name == "" {
		return fmt.Sprintf("item %d", i+1)
	}
	return fmt.Sprintf("item %d (%s)", i+1, item.Name)
}

// roundCents rounds half-up to two decimals. The 1e-9 nudge absorbs binary
// representation error such as 1.005*100 = 100.49999999999999.
func roundCents(v float64) float64 {
	if v < 0 {
		return -roundCents(-v)
	}
	return math.Floor(v*100+0.5+1e-9) / 100
}
