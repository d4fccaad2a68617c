package services

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// PricingConfig holds the flat pricing constants applied at checkout.
type PricingConfig struct {
	Currency              string
	TaxRate               decimal.Decimal
	ShippingFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// Validate rejects negative constants and a missing currency.
func (c PricingConfig) Validate() error {
	if strings.TrimSpace(c.Currency) == "" {
		return errors.New("pricing: currency is required")
	}
	if c.TaxRate.IsNegative() {
		return errors.New("pricing: tax rate must not be negative")
	}
	if c.ShippingFee.IsNegative() {
		return errors.New("pricing: shipping fee must not be negative")
	}
	if c.FreeShippingThreshold.IsNegative() {
		return errors.New("pricing: free shipping threshold must not be negative")
	}
	return nil
}

// FlatTaxCalculator charges a single rate on the subtotal.
type FlatTaxCalculator struct {
	Rate decimal.Decimal
}

func (c FlatTaxCalculator) Tax(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(c.Rate)
}

// FlatShippingEstimator charges Fee unless the subtotal reaches FreeThreshold.
type FlatShippingEstimator struct {
	Fee           decimal.Decimal
	FreeThreshold decimal.Decimal
}

func (e FlatShippingEstimator) Shipping(subtotal decimal.Decimal) (decimal.Decimal, bool) {
	if subtotal.GreaterThanOrEqual(e.FreeThreshold) {
		return decimal.Zero, true
	}
	return e.Fee, false
}

// computeTotals derives unrounded totals from the priced lines. Rounding
// happens only when the order is stored or rendered.
func computeTotals(lines []CheckoutLine, tax TaxCalculator, shipping ShippingEstimator) (OrderTotals, int, bool) {
	subtotal := decimal.Zero
	count := 0
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal)
		count += line.Item.Quantity
	}
	ship, free := shipping.Shipping(subtotal)
	taxAmount := tax.Tax(subtotal)
	return OrderTotals{
		Subtotal: subtotal,
		Shipping: ship,
		Tax:      taxAmount,
		Discount: decimal.Zero,
		Total:    subtotal.Add(ship).Add(taxAmount),
	}, count, free
}
