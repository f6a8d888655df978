package billing

// LineTaxInput carries everything the line-item tax calculator needs.
// Rate overrides the item sell price when positive.
type LineTaxInput struct {
	SellPrice       float64
	TaxRatePct      float64
	Quantity        float64
	Rate            float64
	Discount        float64
	SellerStateID   int64
	PlaceOfSupplyID int64
}

// LineTax is the computed tax split for a single invoice line.
type LineTax struct {
	Amount    float64
	CGSTPct   float64
	SGSTPct   float64
	IGSTPct   float64
	CGST      float64
	SGST      float64
	IGST      float64
	TaxTotal  float64
	LineTotal float64
}

// ComputeLineTax classifies the transaction as intra-state or inter-state and
// splits the tax accordingly: intra-state halves the rate into CGST and SGST,
// inter-state applies the full rate as IGST. A zero tax rate is a valid line.
//
// Unresolved state ids fail with ErrMissingLocation instead of defaulting to
// one regime, and a discount exceeding the line amount fails with
// ErrNegativeTaxableBase instead of propagating negative tax.
func ComputeLineTax(in LineTaxInput) (LineTax, error) {
	if in.SellerStateID <= 0 || in.PlaceOfSupplyID <= 0 {
		return LineTax{}, ErrMissingLocation
	}
	if in.Quantity <= 0 {
		return LineTax{}, ErrInvalidQuantity
	}
	if in.TaxRatePct < 0 {
		return LineTax{}, ErrInvalidAmount
	}

	rate := in.SellPrice
	if in.Rate > 0 {
		rate = in.Rate
	}

	out := LineTax{Amount: in.Quantity * rate}

	if in.SellerStateID == in.PlaceOfSupplyID {
		out.CGSTPct = in.TaxRatePct / 2
		out.SGSTPct = in.TaxRatePct / 2
	} else {
		out.IGSTPct = in.TaxRatePct
	}

	base := out.Amount - in.Discount
	if base < 0 {
		return LineTax{}, ErrNegativeTaxableBase
	}

	out.CGST = base * out.CGSTPct / 100
	out.SGST = base * out.SGSTPct / 100
	out.IGST = base * out.IGSTPct / 100
	out.TaxTotal = out.CGST + out.SGST + out.IGST
	out.LineTotal = base + out.TaxTotal

	return out, nil
}
