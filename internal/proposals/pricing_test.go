package proposals

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSimpleOrder(t *testing.T) {
	calc := NewPricingCalculator(0)
	res := calc.Calculate([]Item{{Name: "Switch", Quantity: 2, UnitPrice: 100}}, PricingOptions{TaxRatePercent: 10})

	require.Empty(t, res.Errors)
	assert.Equal(t, 200.00, res.Subtotal)
	assert.Equal(t, 20.00, res.TaxAmount)
	assert.Equal(t, 0.00, res.DiscountAmount)
	assert.Equal(t, 220.00, res.FinalAmount)
	assert.Equal(t, []float64{200}, res.ItemTotals)
}

func TestCalculateItemDiscount(t *testing.T) {
	calc := NewPricingCalculator(0)
	res := calc.Calculate([]Item{{Quantity: 1, UnitPrice: 100, DiscountPercent: 50}}, PricingOptions{})

	require.Empty(t, res.Errors)
	assert.Equal(t, 50.00, res.Subtotal)
	assert.Equal(t, 50.00, res.FinalAmount)
}

func TestCalculateGlobalDiscountBeforeTax(t *testing.T) {
	calc := NewPricingCalculator(0)
	res := calc.Calculate([]Item{
		{Name: "Licence", Quantity: 3, UnitPrice: 33.33},
		{Name: "Setup", Quantity: 1, UnitPrice: 150, DiscountPercent: 10},
	}, PricingOptions{TaxRatePercent: 10, GlobalDiscountPercent: 5})

	require.Empty(t, res.Errors)
	assert.Equal(t, 234.99, res.Subtotal)
	assert.Equal(t, 11.75, res.DiscountAmount)
	assert.Equal(t, 22.32, res.TaxAmount)
	assert.Equal(t, 245.56, res.FinalAmount)
}

func TestCalculateEmptyItems(t *testing.T) {
	res := NewPricingCalculator(0).Calculate(nil, DefaultPricingOptions())
	assert.Equal(t, []string{"no items to price"}, res.Errors)
	assert.Zero(t, res.FinalAmount)
}

func TestCalculateReportsEveryBadItem(t *testing.T) {
	res := NewPricingCalculator(0).Calculate([]Item{
		{Name: "a", Quantity: 0, UnitPrice: 10},
		{Name: "b", Quantity: 1, UnitPrice: -5},
		{Name: "c", Quantity: 1, UnitPrice: 10, DiscountPercent: 120},
	}, DefaultPricingOptions())

	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "item 1 (a)")
	assert.Contains(t, res.Errors[1], "item 2 (b)")
	assert.Contains(t, res.Errors[2], "item 3 (c)")
}

func TestCalculateRejectsNegativeSubtotal(t *testing.T) {
	res := NewPricingCalculator(0).Calculate([]Item{
		{Name: "a", Quantity: 1, UnitPrice: 10},
		{Name: "b", Quantity: 1, UnitPrice: -50},
	}, DefaultPricingOptions())

	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "item 2 (b)")
	assert.Equal(t, "item subtotal cannot be negative", res.Errors[1])
}

func TestCalculateCeiling(t *testing.T) {
	calc := NewPricingCalculator(1000)
	res := calc.Calculate([]Item{{Quantity: 10, UnitPrice: 100}}, PricingOptions{TaxRatePercent: 10})
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "exceeds the maximum")

	res = NewPricingCalculator(0).Calculate([]Item{{Quantity: 1, UnitPrice: 1_000_000}}, PricingOptions{})
	assert.Empty(t, res.Errors, "exactly at the default ceiling is allowed")
}

func TestRoundCentsHalfUp(t *testing.T) {
	assert.Equal(t, 1.01, roundCents(1.005))
	assert.Equal(t, 2.68, roundCents(2.675))
	assert.Equal(t, -1.01, roundCents(-1.005))
	assert.Equal(t, 0.0, roundCents(0.004))
}

func TestCalculateDeterministicAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	calc := NewPricingCalculator(0)
	for i := 0; i < 200; i++ {
		items := make([]Item, 1+rng.Intn(5))
		for j := range items {
			items[j] = Item{
				Quantity:        float64(1 + rng.Intn(20)),
				UnitPrice:       float64(rng.Intn(100000)) / 100,
				DiscountPercent: float64(rng.Intn(101)),
			}
		}
		opts := PricingOptions{TaxRatePercent: float64(rng.Intn(30)), GlobalDiscountPercent: float64(rng.Intn(101))}

		first := calc.Calculate(items, opts)
		second := calc.Calculate(items, opts)
		require.Equal(t, first, second)
		require.Empty(t, first.Errors)

		assert.GreaterOrEqual(t, first.FinalAmount, 0.0)
		assert.LessOrEqual(t, first.DiscountAmount, first.Subtotal+0.005)
		assert.InDelta(t, first.Subtotal-first.DiscountAmount+first.TaxAmount, first.FinalAmount, 0.021)
		if opts.TaxRatePercent == 0 {
			assert.Zero(t, first.TaxAmount)
		}
	}
}
