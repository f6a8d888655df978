package billing

import (
	"context"
	"errors"
)

// RepositoryPort defines the data access the billing engine consumes. The
// engine owns no shared state: every operation reads freshly fetched rows or
// explicitly passed inputs.
type RepositoryPort interface {
	GetItem(ctx context.Context, id int64) (*Item, error)
	GetCompanyStateID(ctx context.Context, companyID int64) (int64, error)
	GetCustomerStateID(ctx context.Context, customerID int64) (int64, error)
	GetCustomerName(ctx context.Context, customerID int64) (string, error)

	CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	CreateInvoiceLine(ctx context.Context, line InvoiceLineItem) (*InvoiceLineItem, error)
	ListInvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLineItem, error)
	RefreshInvoiceTotals(ctx context.Context, invoiceID int64) error

	// InsertTaxRows persists the rows in the given order, assigning each a
	// serial continuing from the invoice's current maximum. The max-serial
	// read and the inserts happen atomically so concurrent materializations
	// can never hand out the same serial twice.
	InsertTaxRows(ctx context.Context, invoiceID int64, rows []InvoiceTaxRow) ([]InvoiceTaxRow, error)
	ListTaxRows(ctx context.Context, invoiceID int64) ([]InvoiceTaxRow, error)

	CreatePayment(ctx context.Context, input CreatePaymentInput) (*Payment, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)

	ApplyAdjustment(ctx context.Context, invoiceID, paymentID int64, amount float64) (AdjustmentResult, error)
	DeleteAdjustments(ctx context.Context, paymentID int64) (int64, error)
	RecalcInvoiceDue(ctx context.Context, invoiceID int64) (float64, error)
	RecalcCustomerUnadjusted(ctx context.Context, customerID int64) (float64, error)

	ListInvoiceIDs(ctx context.Context) ([]int64, error)
	ListCustomerIDsWithPayments(ctx context.Context) ([]int64, error)
}

// ItemSource resolves catalog items; satisfied by the repository directly or
// by the redis-backed ItemCache wrapping it.
type ItemSource interface {
	GetItem(ctx context.Context, id int64) (*Item, error)
}

// CreateInvoiceInput for creating invoices.
type CreateInvoiceInput struct {
	Number          string
	CustomerID      int64
	CompanyID       int64
	PlaceOfSupplyID int64
}

// AddLineInput for adding a line to an invoice.
type AddLineInput struct {
	InvoiceID int64
	ItemID    int64
	Quantity  float64
	Rate      float64
	Discount  float64
}

// PreviewLineInput for computing a line's tax split without persisting it.
type PreviewLineInput struct {
	CompanyID       int64
	CustomerID      int64
	PlaceOfSupplyID int64
	ItemID          int64
	Quantity        float64
	Rate            float64
	Discount        float64
}

// CreatePaymentInput for recording payments.
type CreatePaymentInput struct {
	Number      string
	CustomerID  int64
	TotalAmount float64
}

// AdjustmentResult carries the derived balances after an adjustment.
type AdjustmentResult struct {
	NewAmountDue       float64 `json:"new_amount_due"`
	PaymentUnadjusted  float64 `json:"payment_unadjusted"`
	CustomerUnadjusted float64 `json:"customer_unadjusted"`
}

// Service handles billing business logic.
type Service struct {
	repo  RepositoryPort
	items ItemSource
}

// NewService builds a Service instance. items may be nil, in which case the
// repository serves item lookups directly.
func NewService(repo RepositoryPort, items ItemSource) *Service {
	if items == nil {
		items = repo
	}
	return &Service{repo: repo, items: items}
}

// resolvePlaceOfSupply prefers an explicit override and falls back to the
// customer's registered state. Zero means unresolved and is rejected later
// by the calculator.
func (s *Service) resolvePlaceOfSupply(ctx context.Context, customerID, override int64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	return s.repo.GetCustomerStateID(ctx, customerID)
}

// CreateInvoice creates an empty invoice with a resolved place of supply.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	if input.CustomerID <= 0 {
		return nil, errors.New("billing: customer ID required")
	}
	if input.CompanyID <= 0 {
		return nil, errors.New("billing: company ID required")
	}
	pos, err := s.resolvePlaceOfSupply(ctx, input.CustomerID, input.PlaceOfSupplyID)
	if err != nil {
		return nil, err
	}
	if pos <= 0 {
		return nil, ErrMissingLocation
	}
	input.PlaceOfSupplyID = pos
	return s.repo.CreateInvoice(ctx, input)
}

// PreviewLineTax runs the calculator against live rows without persisting.
func (s *Service) PreviewLineTax(ctx context.Context, input PreviewLineInput) (LineTax, error) {
	if input.ItemID <= 0 {
		return LineTax{}, errors.New("billing: item ID required")
	}
	item, err := s.items.GetItem(ctx, input.ItemID)
	if err != nil {
		return LineTax{}, err
	}
	sellerState, err := s.repo.GetCompanyStateID(ctx, input.CompanyID)
	if err != nil {
		return LineTax{}, err
	}
	pos, err := s.resolvePlaceOfSupply(ctx, input.CustomerID, input.PlaceOfSupplyID)
	if err != nil {
		return LineTax{}, err
	}
	return ComputeLineTax(LineTaxInput{
		SellPrice:       item.SellPrice,
		TaxRatePct:      item.TaxRatePct,
		Quantity:        input.Quantity,
		Rate:            input.Rate,
		Discount:        input.Discount,
		SellerStateID:   sellerState,
		PlaceOfSupplyID: pos,
	})
}

// AddInvoiceLine computes the tax split for a new line, persists it and
// refreshes the invoice's total and amount due.
func (s *Service) AddInvoiceLine(ctx context.Context, input AddLineInput) (*InvoiceLineItem, error) {
	if input.InvoiceID <= 0 {
		return nil, errors.New("billing: invoice ID required")
	}
	if input.ItemID <= 0 {
		return nil, errors.New("billing: item ID required")
	}
	inv, err := s.repo.GetInvoice(ctx, input.InvoiceID)
	if err != nil {
		return nil, err
	}
	item, err := s.items.GetItem(ctx, input.ItemID)
	if err != nil {
		return nil, err
	}
	sellerState, err := s.repo.GetCompanyStateID(ctx, inv.CompanyID)
	if err != nil {
		return nil, err
	}

	tax, err := ComputeLineTax(LineTaxInput{
		SellPrice:       item.SellPrice,
		TaxRatePct:      item.TaxRatePct,
		Quantity:        input.Quantity,
		Rate:            input.Rate,
		Discount:        input.Discount,
		SellerStateID:   sellerState,
		PlaceOfSupplyID: inv.PlaceOfSupplyID,
	})
	if err != nil {
		return nil, err
	}

	rate := item.SellPrice
	if input.Rate > 0 {
		rate = input.Rate
	}
	line, err := s.repo.CreateInvoiceLine(ctx, InvoiceLineItem{
		InvoiceID: input.InvoiceID,
		ItemID:    input.ItemID,
		Quantity:  input.Quantity,
		Rate:      rate,
		Amount:    tax.Amount,
		Discount:  input.Discount,
		CGSTPct:   tax.CGSTPct,
		SGSTPct:   tax.SGSTPct,
		IGSTPct:   tax.IGSTPct,
		TaxTotal:  tax.TaxTotal,
		LineTotal: tax.LineTotal,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.RefreshInvoiceTotals(ctx, input.InvoiceID); err != nil {
		return nil, err
	}
	return line, nil
}

// MaterializeTaxRows aggregates the invoice's saved lines into invoice-level
// tax rows and persists them. Serial assignment happens inside the insert
// transaction so serials stay unique per invoice even when two
// materializations race. An invoice with no taxed lines yields an empty row
// set.
func (s *Service) MaterializeTaxRows(ctx context.Context, invoiceID int64) ([]InvoiceTaxRow, error) {
	if invoiceID <= 0 {
		return nil, errors.New("billing: invoice ID required")
	}
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	lines, err := s.repo.ListInvoiceLines(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	rows := AggregateInvoiceTax(lines, 0)
	if len(rows) == 0 {
		return nil, nil
	}
	return s.repo.InsertTaxRows(ctx, invoiceID, rows)
}

// GetInvoiceDetails assembles an invoice with lines, tax rows and balances.
func (s *Service) GetInvoiceDetails(ctx context.Context, invoiceID int64) (*InvoiceWithDetails, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ListInvoiceLines(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	taxRows, err := s.repo.ListTaxRows(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	name, err := s.repo.GetCustomerName(ctx, inv.CustomerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &InvoiceWithDetails{
		Invoice:      *inv,
		CustomerName: name,
		Lines:        lines,
		TaxRows:      taxRows,
		PaidAmount:   inv.Total - inv.AmountDue,
		DerivedState: inv.Status(),
	}, nil
}

// RecordPayment records a customer payment; the full amount starts unadjusted.
func (s *Service) RecordPayment(ctx context.Context, input CreatePaymentInput) (*Payment, error) {
	if input.CustomerID <= 0 {
		return nil, errors.New("billing: customer ID required")
	}
	if input.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.repo.CreatePayment(ctx, input)
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	if id <= 0 {
		return nil, errors.New("billing: payment ID required")
	}
	return s.repo.GetPayment(ctx, id)
}

// ApplyAdjustment links a payment to an invoice for the given amount and
// recomputes the invoice's amount due, the payment's unadjusted amount and
// the customer's unadjusted total by full resummation, all within one
// transaction scoped to the affected rows.
func (s *Service) ApplyAdjustment(ctx context.Context, invoiceID, paymentID int64, amount float64) (AdjustmentResult, error) {
	if invoiceID <= 0 {
		return AdjustmentResult{}, errors.New("billing: invoice ID required")
	}
	if paymentID <= 0 {
		return AdjustmentResult{}, errors.New("billing: payment ID required")
	}
	if amount <= 0 {
		return AdjustmentResult{}, ErrInvalidAmount
	}
	pay, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return AdjustmentResult{}, err
	}
	if pay.UnadjustedAmount < amount {
		return AdjustmentResult{}, ErrInsufficientUnadjusted
	}
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return AdjustmentResult{}, err
	}
	return s.repo.ApplyAdjustment(ctx, invoiceID, paymentID, amount)
}

// DeleteAdjustments removes every adjustment row for a payment. Balances are
// NOT recomputed here; callers re-run RecomputeInvoiceDue and
// RecomputeCustomerUnadjusted, which exist for exactly that repair step.
func (s *Service) DeleteAdjustments(ctx context.Context, paymentID int64) (int64, error) {
	if paymentID <= 0 {
		return 0, errors.New("billing: payment ID required")
	}
	if _, err := s.repo.GetPayment(ctx, paymentID); err != nil {
		return 0, err
	}
	return s.repo.DeleteAdjustments(ctx, paymentID)
}

// RecomputeInvoiceDue resums amount due from the invoice's adjustments.
// Calling it again without new adjustments yields the same value.
func (s *Service) RecomputeInvoiceDue(ctx context.Context, invoiceID int64) (float64, error) {
	if invoiceID <= 0 {
		return 0, errors.New("billing: invoice ID required")
	}
	return s.repo.RecalcInvoiceDue(ctx, invoiceID)
}

// RecomputeCustomerUnadjusted resums each payment's unadjusted amount and the
// customer's total from the adjustment rows. Idempotent.
func (s *Service) RecomputeCustomerUnadjusted(ctx context.Context, customerID int64) (float64, error) {
	if customerID <= 0 {
		return 0, errors.New("billing: customer ID required")
	}
	return s.repo.RecalcCustomerUnadjusted(ctx, customerID)
}
