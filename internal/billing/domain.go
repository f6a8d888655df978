package billing

import (
	"time"
)

// PaymentStatus is derived from an invoice's outstanding balance, never stored.
type PaymentStatus string

const (
	StatusNotPaid       PaymentStatus = "NOT_PAID"
	StatusPartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	StatusFullyPaid     PaymentStatus = "FULLY_PAID"
)

// Item is catalog reference data consumed by the tax calculator.
type Item struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	SellPrice  float64 `json:"sell_price"`
	TaxRatePct float64 `json:"tax_rate_pct"`
}

// Invoice model. AmountDue starts equal to Total and is maintained by
// full resummation over the invoice's adjustments.
type Invoice struct {
	ID              int64     `json:"id"`
	Number          string    `json:"number"`
	CustomerID      int64     `json:"customer_id"`
	CompanyID       int64     `json:"company_id"`
	PlaceOfSupplyID int64     `json:"place_of_supply_id"`
	Total           float64   `json:"total"`
	AmountDue       float64   `json:"amount_due"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Status derives the payment state from the outstanding balance.
// There is no terminal lock: deleting adjustments and recomputing can
// move a fully paid invoice back to partially paid.
// The due-equals-total check comes first so an empty invoice (both zero)
// reads as not paid rather than fully paid.
func (inv Invoice) Status() PaymentStatus {
	switch {
	case inv.AmountDue == inv.Total:
		return StatusNotPaid
	case inv.AmountDue <= 0:
		return StatusFullyPaid
	case inv.AmountDue < inv.Total:
		return StatusPartiallyPaid
	default:
		return StatusNotPaid
	}
}

// InvoiceLineItem is one saved invoice line with its tax split.
// Exactly one of {CGSTPct+SGSTPct} or {IGSTPct} is non-zero, never both.
type InvoiceLineItem struct {
	ID        int64   `json:"id"`
	InvoiceID int64   `json:"invoice_id"`
	ItemID    int64   `json:"item_id"`
	Quantity  float64 `json:"quantity"`
	Rate      float64 `json:"rate"`
	Amount    float64 `json:"amount"`
	Discount  float64 `json:"discount"`
	CGSTPct   float64 `json:"cgst_pct"`
	SGSTPct   float64 `json:"sgst_pct"`
	IGSTPct   float64 `json:"igst_pct"`
	TaxTotal  float64 `json:"tax_total"`
	LineTotal float64 `json:"line_total"`
}

// TaxableBase returns the discounted amount the tax percentages apply to.
func (l InvoiceLineItem) TaxableBase() float64 {
	return l.Amount - l.Discount
}

// InvoiceTaxRow is one invoice-level summary row per distinct tax percentage.
// Serial is a 1-based running counter unique per invoice; new rows continue
// from max(serial)+1 and serials are never reused within an invoice.
type InvoiceTaxRow struct {
	ID         int64   `json:"id"`
	InvoiceID  int64   `json:"invoice_id"`
	Serial     int     `json:"serial"`
	Percentage float64 `json:"percentage"`
	CGST       float64 `json:"cgst"`
	SGST       float64 `json:"sgst"`
	IGST       float64 `json:"igst"`
}

// Payment model. UnadjustedAmount is the portion not yet linked to any
// invoice; it decreases as adjustments consume it and never goes negative.
type Payment struct {
	ID               int64     `json:"id"`
	Number           string    `json:"number"`
	CustomerID       int64     `json:"customer_id"`
	TotalAmount      float64   `json:"total_amount"`
	UnadjustedAmount float64   `json:"unadjusted_amount"`
	CreatedAt        time.Time `json:"created_at"`
}

// Adjustment links a payment to an invoice for a specific amount.
// Rows are append-only; they are deleted and reinserted, never mutated.
type Adjustment struct {
	ID        int64     `json:"id"`
	InvoiceID int64     `json:"invoice_id"`
	PaymentID int64     `json:"payment_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// InvoiceWithDetails bundles an invoice with its lines, tax rows and
// derived status for read endpoints.
type InvoiceWithDetails struct {
	Invoice
	CustomerName string            `json:"customer_name"`
	Lines        []InvoiceLineItem `json:"lines"`
	TaxRows      []InvoiceTaxRow   `json:"tax_rows"`
	PaidAmount   float64           `json:"paid_amount"`
	DerivedState PaymentStatus     `json:"status"`
}
