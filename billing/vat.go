/*
vat.go - VAT rate resolution and amount computation

PURPOSE:
  Resolves the applicable tax rate for a line or invoice and computes
  net/VAT/gross with fixed rounding rules.

ROUNDING:
  Line nets are computed first as hours * rate_net at full precision; the
  aggregate net is rounded once, to 2dp half-up, and VAT and gross are
  derived from the rounded net. Rounding error therefore does not compound
  per line.

RATE RESOLUTION (when no rate is explicit on the line):
  invoice-level override -> biller default -> system-wide DefaultVATRate.
  Rates carry 4dp of precision.
*/
package billing

import "github.com/shopspring/decimal"

// VATBreakdown is the result of a VAT computation.
type VATBreakdown struct {
	Net   Money
	VAT   Money
	Gross Money
}

// VATCalculator computes VAT amounts and resolves applicable rates.
type VATCalculator struct{}

// Compute returns net/VAT/gross for a net amount at the given rate.
// net is rounded to 2dp half-up; vat = round(net * rate); gross = net + vat.
func (VATCalculator) Compute(net Money, rate VATRate) VATBreakdown {
	rounded := net.Round(2)
	vat := rounded.Mul(rate).Round(2)
	return VATBreakdown{
		Net:   rounded,
		VAT:   vat,
		Gross: rounded.Add(vat),
	}
}

// ResolveRate picks the applicable rate from the resolution chain. Each
// argument may be nil meaning "not specified at this level".
func (VATCalculator) ResolveRate(invoiceOverride, billerDefault *VATRate) VATRate {
	if invoiceOverride != nil {
		return *invoiceOverride
	}
	if billerDefault != nil {
		return *billerDefault
	}
	return DefaultVATRate
}

// LineNet computes the unrounded net amount of a single line.
func (VATCalculator) LineNet(hours, rateNet decimal.Decimal) Money {
	return hours.Mul(rateNet)
}

// SumLines totals unrounded line nets. Rounding happens in Compute, once,
// at the aggregate.
func (c VATCalculator) SumLines(lines []InvoiceLine) Money {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(c.LineNet(l.Hours, l.RateNet))
	}
	return total
}
