package billing

import "sort"

type taxGroup struct {
	baseSum float64
	count   int
}

func (g taxGroup) avgBase() float64 {
	if g.count == 0 {
		return 0
	}
	return g.baseSum / float64(g.count)
}

// groupByPct buckets the taxable bases of all lines whose percentage,
// as selected by pct, is non-zero.
func groupByPct(lines []InvoiceLineItem, pct func(InvoiceLineItem) float64) map[float64]taxGroup {
	groups := make(map[float64]taxGroup)
	for _, l := range lines {
		p := pct(l)
		if p == 0 {
			continue
		}
		g := groups[p]
		g.baseSum += l.TaxableBase()
		g.count++
		groups[p] = g
	}
	return groups
}

// AggregateInvoiceTax derives invoice-level tax summary rows from the
// invoice's saved line items: one row per distinct tax percentage, ordered by
// ascending percentage, with serials continuing from existingMaxSerial.
//
// The per-bracket value is percentage/100 * AVERAGE(taxable base) across the
// bracket's lines. Averaging is a load-bearing quirk: downstream reports and
// stored rows assume it, so do not switch to a sum without migrating both.
//
// An invoice whose lines carry no non-zero percentage yields an empty slice,
// not an error.
func AggregateInvoiceTax(lines []InvoiceLineItem, existingMaxSerial int) []InvoiceTaxRow {
	cgst := groupByPct(lines, func(l InvoiceLineItem) float64 { return l.CGSTPct })
	sgst := groupByPct(lines, func(l InvoiceLineItem) float64 { return l.SGSTPct })
	igst := groupByPct(lines, func(l InvoiceLineItem) float64 { return l.IGSTPct })

	merged := make(map[float64]*InvoiceTaxRow)
	row := func(pct float64) *InvoiceTaxRow {
		r, ok := merged[pct]
		if !ok {
			r = &InvoiceTaxRow{Percentage: pct}
			merged[pct] = r
		}
		return r
	}
	for pct, g := range cgst {
		row(pct).CGST = pct / 100 * g.avgBase()
	}
	for pct, g := range sgst {
		row(pct).SGST = pct / 100 * g.avgBase()
	}
	for pct, g := range igst {
		row(pct).IGST = pct / 100 * g.avgBase()
	}

	if len(merged) == 0 {
		return nil
	}

	pcts := make([]float64, 0, len(merged))
	for pct := range merged {
		pcts = append(pcts, pct)
	}
	sort.Float64s(pcts)

	rows := make([]InvoiceTaxRow, 0, len(pcts))
	serial := existingMaxSerial
	for _, pct := range pcts {
		serial++
		r := merged[pct]
		r.Serial = serial
		rows = append(rows, *r)
	}
	return rows
}
