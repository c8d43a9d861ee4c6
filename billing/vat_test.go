package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/billing-engine/billing"
)

func dec(s string) decimal.Decimal {
	return billing.MustParseDecimal(s)
}

// =============================================================================
// VAT DERIVATION TESTS
// =============================================================================

func TestVATCalculator_Compute_StandardRate(t *testing.T) {
	// GIVEN: A net total of 100.00 at the 20% rate
	// WHEN: Computing the breakdown
	// THEN: VAT is 20.00 and gross is 120.00

	var calc billing.VATCalculator
	b := calc.Compute(dec("100.00"), dec("0.20"))

	assert.Equal(t, "100.00", b.Net.StringFixed(2))
	assert.Equal(t, "20.00", b.VAT.StringFixed(2))
	assert.Equal(t, "120.00", b.Gross.StringFixed(2))
}

func TestVATCalculator_Compute_FractionalNet(t *testing.T) {
	// GIVEN: A net total of 45.50 at the 20% rate
	// WHEN: Computing the breakdown
	// THEN: VAT is 9.10 and gross is 54.60, rounded half-up to 2dp

	var calc billing.VATCalculator
	b := calc.Compute(dec("45.50"), dec("0.20"))

	assert.Equal(t, "9.10", b.VAT.StringFixed(2))
	assert.Equal(t, "54.60", b.Gross.StringFixed(2))
}

func TestVATCalculator_Compute_RoundsOnceAtAggregate(t *testing.T) {
	// GIVEN: A net total with sub-cent precision
	// WHEN: Computing the breakdown
	// THEN: Net is rounded first and VAT derives from the rounded net, so
	//       gross is always exactly net + vat

	var calc billing.VATCalculator
	b := calc.Compute(dec("33.333"), dec("0.20"))

	assert.Equal(t, "33.33", b.Net.StringFixed(2))
	assert.Equal(t, "6.67", b.VAT.StringFixed(2))
	assert.True(t, b.Net.Add(b.VAT).Equal(b.Gross), "gross must equal net + vat")
}

func TestVATCalculator_Compute_ZeroRate(t *testing.T) {
	// GIVEN: A VAT-exempt rate of zero
	// WHEN: Computing the breakdown
	// THEN: VAT is zero and gross equals net

	var calc billing.VATCalculator
	b := calc.Compute(dec("250.00"), decimal.Zero)

	assert.True(t, b.VAT.IsZero())
	assert.True(t, b.Gross.Equal(b.Net))
}

// =============================================================================
// RATE RESOLUTION TESTS
// =============================================================================

func TestVATCalculator_ResolveRate_Chain(t *testing.T) {
	// GIVEN: The override chain invoice -> biller default -> system default
	// WHEN: Resolving with different layers present
	// THEN: The most specific layer wins

	var calc billing.VATCalculator
	override := dec("0.05")
	billerDefault := dec("0.10")

	assert.True(t, calc.ResolveRate(&override, &billerDefault).Equal(override),
		"invoice override wins over biller default")
	assert.True(t, calc.ResolveRate(nil, &billerDefault).Equal(billerDefault),
		"biller default wins over system default")
	assert.True(t, calc.ResolveRate(nil, nil).Equal(billing.DefaultVATRate),
		"system default applies when nothing else is set")
}

// =============================================================================
// LINE ARITHMETIC TESTS
// =============================================================================

func TestVATCalculator_LineNet_And_SumLines(t *testing.T) {
	// GIVEN: Two lines of 2.5h and 1.25h at 40.00/h
	// WHEN: Computing line nets and summing
	// THEN: The aggregate keeps full precision until the final rounding

	var calc billing.VATCalculator

	lines := []billing.InvoiceLine{
		{Hours: dec("2.5"), RateNet: dec("40.00"), LineNet: calc.LineNet(dec("2.5"), dec("40.00"))},
		{Hours: dec("1.25"), RateNet: dec("40.00"), LineNet: calc.LineNet(dec("1.25"), dec("40.00"))},
	}

	require.Equal(t, "100.00", lines[0].LineNet.StringFixed(2))
	require.Equal(t, "50.00", lines[1].LineNet.StringFixed(2))
	assert.Equal(t, "150.00", calc.SumLines(lines).StringFixed(2))
}
