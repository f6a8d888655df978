package billing

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryCustomer struct {
	name       string
	stateID    int64
	unadjusted float64
}

type memoryRepo struct {
	items         map[int64]*Item
	companyStates map[int64]int64
	customers     map[int64]*memoryCustomer
	invoices      map[int64]*Invoice
	lines         map[int64][]InvoiceLineItem
	taxRows       map[int64][]InvoiceTaxRow
	payments      map[int64]*Payment
	adjustments   []Adjustment
	nextInvoiceID int64
	nextLineID    int64
	nextRowID     int64
	nextPaymentID int64
	itemFetches   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		items:         make(map[int64]*Item),
		companyStates: make(map[int64]int64),
		customers:     make(map[int64]*memoryCustomer),
		invoices:      make(map[int64]*Invoice),
		lines:         make(map[int64][]InvoiceLineItem),
		taxRows:       make(map[int64][]InvoiceTaxRow),
		payments:      make(map[int64]*Payment),
	}
}

func (r *memoryRepo) GetItem(ctx context.Context, id int64) (*Item, error) {
	r.itemFetches++
	item, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item, nil
}

func (r *memoryRepo) GetCompanyStateID(ctx context.Context, companyID int64) (int64, error) {
	state, ok := r.companyStates[companyID]
	if !ok {
		return 0, ErrNotFound
	}
	return state, nil
}

func (r *memoryRepo) GetCustomerStateID(ctx context.Context, customerID int64) (int64, error) {
	c, ok := r.customers[customerID]
	if !ok {
		return 0, ErrNotFound
	}
	return c.stateID, nil
}

func (r *memoryRepo) GetCustomerName(ctx context.Context, customerID int64) (string, error) {
	c, ok := r.customers[customerID]
	if !ok {
		return "", ErrNotFound
	}
	return c.name, nil
}

func (r *memoryRepo) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	r.nextInvoiceID++
	number := input.Number
	if number == "" {
		number = fmt.Sprintf("INV-%06d", r.nextInvoiceID)
	}
	inv := &Invoice{
		ID:              r.nextInvoiceID,
		Number:          number,
		CustomerID:      input.CustomerID,
		CompanyID:       input.CompanyID,
		PlaceOfSupplyID: input.PlaceOfSupplyID,
	}
	r.invoices[inv.ID] = inv
	return inv, nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *memoryRepo) CreateInvoiceLine(ctx context.Context, line InvoiceLineItem) (*InvoiceLineItem, error) {
	r.nextLineID++
	line.ID = r.nextLineID
	r.lines[line.InvoiceID] = append(r.lines[line.InvoiceID], line)
	return &line, nil
}

func (r *memoryRepo) ListInvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLineItem, error) {
	return r.lines[invoiceID], nil
}

func (r *memoryRepo) RefreshInvoiceTotals(ctx context.Context, invoiceID int64) error {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	var total float64
	for _, l := range r.lines[invoiceID] {
		total += l.LineTotal
	}
	inv.Total = total
	inv.AmountDue = total - r.sumAdjustmentsForInvoice(invoiceID)
	return nil
}

func (r *memoryRepo) InsertTaxRows(ctx context.Context, invoiceID int64, rows []InvoiceTaxRow) ([]InvoiceTaxRow, error) {
	serial := 0
	for _, row := range r.taxRows[invoiceID] {
		if row.Serial > serial {
			serial = row.Serial
		}
	}
	out := make([]InvoiceTaxRow, 0, len(rows))
	for _, row := range rows {
		r.nextRowID++
		serial++
		row.ID = r.nextRowID
		row.InvoiceID = invoiceID
		row.Serial = serial
		r.taxRows[invoiceID] = append(r.taxRows[invoiceID], row)
		out = append(out, row)
	}
	return out, nil
}

func (r *memoryRepo) ListTaxRows(ctx context.Context, invoiceID int64) ([]InvoiceTaxRow, error) {
	return r.taxRows[invoiceID], nil
}

func (r *memoryRepo) CreatePayment(ctx context.Context, input CreatePaymentInput) (*Payment, error) {
	r.nextPaymentID++
	number := input.Number
	if number == "" {
		number = fmt.Sprintf("PAY-%06d", r.nextPaymentID)
	}
	pay := &Payment{
		ID:               r.nextPaymentID,
		Number:           number,
		CustomerID:       input.CustomerID,
		TotalAmount:      input.TotalAmount,
		UnadjustedAmount: input.TotalAmount,
	}
	r.payments[pay.ID] = pay
	return pay, nil
}

func (r *memoryRepo) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	pay, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pay
	return &cp, nil
}

func (r *memoryRepo) sumAdjustmentsForInvoice(invoiceID int64) float64 {
	var sum float64
	for _, a := range r.adjustments {
		if a.InvoiceID == invoiceID {
			sum += a.Amount
		}
	}
	return sum
}

func (r *memoryRepo) sumAdjustmentsForPayment(paymentID int64) float64 {
	var sum float64
	for _, a := range r.adjustments {
		if a.PaymentID == paymentID {
			sum += a.Amount
		}
	}
	return sum
}

func (r *memoryRepo) ApplyAdjustment(ctx context.Context, invoiceID, paymentID int64, amount float64) (AdjustmentResult, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return AdjustmentResult{}, ErrNotFound
	}
	pay, ok := r.payments[paymentID]
	if !ok {
		return AdjustmentResult{}, ErrNotFound
	}
	r.adjustments = append(r.adjustments, Adjustment{
		InvoiceID: invoiceID,
		PaymentID: paymentID,
		Amount:    amount,
	})
	inv.AmountDue = inv.Total - r.sumAdjustmentsForInvoice(invoiceID)
	pay.UnadjustedAmount = pay.TotalAmount - r.sumAdjustmentsForPayment(paymentID)
	if pay.UnadjustedAmount < 0 {
		r.adjustments = r.adjustments[:len(r.adjustments)-1]
		return AdjustmentResult{}, ErrInsufficientUnadjusted
	}
	cust := r.customers[pay.CustomerID]
	cust.unadjusted = r.sumUnadjusted(pay.CustomerID)
	return AdjustmentResult{
		NewAmountDue:       inv.AmountDue,
		PaymentUnadjusted:  pay.UnadjustedAmount,
		CustomerUnadjusted: cust.unadjusted,
	}, nil
}

func (r *memoryRepo) sumUnadjusted(customerID int64) float64 {
	var sum float64
	for _, p := range r.payments {
		if p.CustomerID == customerID {
			sum += p.UnadjustedAmount
		}
	}
	return sum
}

func (r *memoryRepo) DeleteAdjustments(ctx context.Context, paymentID int64) (int64, error) {
	var kept []Adjustment
	var removed int64
	for _, a := range r.adjustments {
		if a.PaymentID == paymentID {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	r.adjustments = kept
	return removed, nil
}

func (r *memoryRepo) RecalcInvoiceDue(ctx context.Context, invoiceID int64) (float64, error) {
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return 0, ErrNotFound
	}
	inv.AmountDue = inv.Total - r.sumAdjustmentsForInvoice(invoiceID)
	return inv.AmountDue, nil
}

func (r *memoryRepo) RecalcCustomerUnadjusted(ctx context.Context, customerID int64) (float64, error) {
	cust, ok := r.customers[customerID]
	if !ok {
		return 0, ErrNotFound
	}
	for _, p := range r.payments {
		if p.CustomerID == customerID {
			p.UnadjustedAmount = p.TotalAmount - r.sumAdjustmentsForPayment(p.ID)
		}
	}
	cust.unadjusted = r.sumUnadjusted(customerID)
	return cust.unadjusted, nil
}

func (r *memoryRepo) ListInvoiceIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id := range r.invoices {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *memoryRepo) ListCustomerIDsWithPayments(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range r.payments {
		if !seen[p.CustomerID] {
			seen[p.CustomerID] = true
			ids = append(ids, p.CustomerID)
		}
	}
	return ids, nil
}

// newBillingFixture seeds an intra-state company/customer pair and an 18% item.
func newBillingFixture() (*memoryRepo, *Service) {
	repo := newMemoryRepo()
	repo.items[1] = &Item{ID: 1, Name: "Widget", SellPrice: 1000, TaxRatePct: 18}
	repo.items[2] = &Item{ID: 2, Name: "Exempt Part", SellPrice: 400, TaxRatePct: 0}
	repo.items[3] = &Item{ID: 3, Name: "Gadget", SellPrice: 500, TaxRatePct: 12}
	repo.companyStates[1] = 27
	repo.customers[10] = &memoryCustomer{name: "Sharma Traders", stateID: 27}
	repo.customers[11] = &memoryCustomer{name: "Rao Exports", stateID: 29}
	return repo, NewService(repo, nil)
}

func TestInvoiceStatusDerivation(t *testing.T) {
	// A freshly created invoice with no lines is not paid, not fully paid.
	require.Equal(t, StatusNotPaid, Invoice{}.Status())
	require.Equal(t, StatusNotPaid, Invoice{Total: 100, AmountDue: 100}.Status())
	require.Equal(t, StatusPartiallyPaid, Invoice{Total: 100, AmountDue: 40}.Status())
	require.Equal(t, StatusFullyPaid, Invoice{Total: 100, AmountDue: 0}.Status())
	require.Equal(t, StatusFullyPaid, Invoice{Total: 100, AmountDue: -20}.Status())
}

func TestCreateInvoiceResolvesPlaceOfSupply(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(27), inv.PlaceOfSupplyID)

	override, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1, PlaceOfSupplyID: 33})
	require.NoError(t, err)
	require.Equal(t, int64(33), override.PlaceOfSupplyID)
}

func TestCreateInvoiceRequiresCustomer(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	_, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CompanyID: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "customer ID required")
}

func TestAddInvoiceLineIntraState(t *testing.T) {
	ctx := context.Background()
	repo, svc := newBillingFixture()

	inv, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	require.NoError(t, err)

	line, err := svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 1000.0, line.Amount)
	require.Equal(t, 9.0, line.CGSTPct)
	require.Equal(t, 9.0, line.SGSTPct)
	require.Equal(t, 0.0, line.IGSTPct)
	require.Equal(t, 180.0, line.TaxTotal)
	require.Equal(t, 1180.0, line.LineTotal)

	saved := repo.invoices[inv.ID]
	require.Equal(t, 1180.0, saved.Total)
	require.Equal(t, 1180.0, saved.AmountDue)
	require.Equal(t, StatusNotPaid, saved.Status())
}

func TestAddInvoiceLineInterState(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 11, CompanyID: 1})
	require.NoError(t, err)

	line, err := svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 0.0, line.CGSTPct)
	require.Equal(t, 0.0, line.SGSTPct)
	require.Equal(t, 18.0, line.IGSTPct)
	require.Equal(t, 180.0, line.TaxTotal)
	require.Equal(t, 1180.0, line.LineTotal)
}

func TestAddInvoiceLineUnknownItem(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, err := svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 99, Quantity: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMaterializeTaxRows(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, err := svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 3, Quantity: 1})
	require.NoError(t, err)
	_, err = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	require.NoError(t, err)

	rows, err := svc.MaterializeTaxRows(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Ascending percentage: 6% (12% item split) before 9% (18% item split).
	require.Equal(t, 1, rows[0].Serial)
	require.Equal(t, 6.0, rows[0].Percentage)
	require.Equal(t, 30.0, rows[0].CGST)
	require.Equal(t, 2, rows[1].Serial)
	require.Equal(t, 9.0, rows[1].Percentage)
	require.Equal(t, 90.0, rows[1].CGST)

	// Serials continue from the invoice's current maximum, never reused.
	again, err := svc.MaterializeTaxRows(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, 3, again[0].Serial)
	require.Equal(t, 4, again[1].Serial)
}

// interleavingRepo runs a second full materialization between the first
// call's line listing and its insert, the widest window the port allows.
type interleavingRepo struct {
	*memoryRepo
	svc       *Service
	invoiceID int64
	triggered bool
}

func (r *interleavingRepo) ListInvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLineItem, error) {
	lines, err := r.memoryRepo.ListInvoiceLines(ctx, invoiceID)
	if err != nil || r.triggered {
		return lines, err
	}
	r.triggered = true
	if _, err := r.svc.MaterializeTaxRows(ctx, r.invoiceID); err != nil {
		return nil, err
	}
	return lines, nil
}

func TestMaterializeTaxRowsSerialsUniqueWhenInterleaved(t *testing.T) {
	ctx := context.Background()
	repo, _ := newBillingFixture()
	wrapped := &interleavingRepo{memoryRepo: repo}
	svc := NewService(wrapped, nil)
	wrapped.svc = svc

	inv, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	require.NoError(t, err)
	wrapped.invoiceID = inv.ID
	_, err = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 3, Quantity: 1})
	require.NoError(t, err)
	_, err = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	require.NoError(t, err)

	rows, err := svc.MaterializeTaxRows(ctx, inv.ID)
	require.NoError(t, err)

	all := repo.taxRows[inv.ID]
	require.Len(t, all, 4)
	seen := make(map[int]bool)
	for _, row := range all {
		require.False(t, seen[row.Serial], "serial %d assigned twice for one invoice", row.Serial)
		seen[row.Serial] = true
	}
	// The interleaved run took serials 1 and 2; ours continue after it.
	require.Equal(t, 3, rows[0].Serial)
	require.Equal(t, 4, rows[1].Serial)
}

func TestMaterializeTaxRowsNoTaxedLines(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, err := svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 2, Quantity: 1})
	require.NoError(t, err)

	rows, err := svc.MaterializeTaxRows(ctx, inv.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestApplyAdjustmentFlow(t *testing.T) {
	ctx := context.Background()
	repo, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, err := svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	require.NoError(t, err)

	pay, err := svc.RecordPayment(ctx, CreatePaymentInput{CustomerID: 10, TotalAmount: 2000})
	require.NoError(t, err)
	require.Equal(t, 2000.0, pay.UnadjustedAmount)

	first, err := svc.ApplyAdjustment(ctx, inv.ID, pay.ID, 500)
	require.NoError(t, err)
	require.Equal(t, 680.0, first.NewAmountDue)
	require.Equal(t, 1500.0, first.PaymentUnadjusted)
	require.Equal(t, StatusPartiallyPaid, repo.invoices[inv.ID].Status())

	second, err := svc.ApplyAdjustment(ctx, inv.ID, pay.ID, 680)
	require.NoError(t, err)
	require.Equal(t, 0.0, second.NewAmountDue)
	require.Equal(t, 820.0, second.PaymentUnadjusted)
	require.Equal(t, 820.0, second.CustomerUnadjusted)
	require.Equal(t, StatusFullyPaid, repo.invoices[inv.ID].Status())
}

func TestApplyAdjustmentInsufficientUnadjusted(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, _ = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})

	pay, _ := svc.RecordPayment(ctx, CreatePaymentInput{CustomerID: 10, TotalAmount: 300})
	_, err := svc.ApplyAdjustment(ctx, inv.ID, pay.ID, 500)
	require.ErrorIs(t, err, ErrInsufficientUnadjusted)
}

func TestDeleteAdjustmentsThenRecompute(t *testing.T) {
	ctx := context.Background()
	repo, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, _ = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	pay, _ := svc.RecordPayment(ctx, CreatePaymentInput{CustomerID: 10, TotalAmount: 1180})
	_, err := svc.ApplyAdjustment(ctx, inv.ID, pay.ID, 1180)
	require.NoError(t, err)
	require.Equal(t, StatusFullyPaid, repo.invoices[inv.ID].Status())

	removed, err := svc.DeleteAdjustments(ctx, pay.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	// Deletion does not recompute: balances stay stale until repaired.
	require.Equal(t, 0.0, repo.invoices[inv.ID].AmountDue)

	due, err := svc.RecomputeInvoiceDue(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, 1180.0, due)
	require.Equal(t, StatusNotPaid, repo.invoices[inv.ID].Status())

	unadjusted, err := svc.RecomputeCustomerUnadjusted(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1180.0, unadjusted)
}

func TestRecomputeInvoiceDueIdempotent(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, _ = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	pay, _ := svc.RecordPayment(ctx, CreatePaymentInput{CustomerID: 10, TotalAmount: 500})
	_, err := svc.ApplyAdjustment(ctx, inv.ID, pay.ID, 500)
	require.NoError(t, err)

	first, err := svc.RecomputeInvoiceDue(ctx, inv.ID)
	require.NoError(t, err)
	second, err := svc.RecomputeInvoiceDue(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 680.0, second)
}

func TestGetInvoiceDetails(t *testing.T) {
	ctx := context.Background()
	_, svc := newBillingFixture()

	inv, _ := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: 10, CompanyID: 1})
	_, _ = svc.AddInvoiceLine(ctx, AddLineInput{InvoiceID: inv.ID, ItemID: 1, Quantity: 1})
	_, err := svc.MaterializeTaxRows(ctx, inv.ID)
	require.NoError(t, err)

	details, err := svc.GetInvoiceDetails(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "Sharma Traders", details.CustomerName)
	require.Len(t, details.Lines, 1)
	require.Len(t, details.TaxRows, 1)
	require.Equal(t, 0.0, details.PaidAmount)
	require.Equal(t, StatusNotPaid, details.DerivedState)
}

func TestServiceUsesItemSource(t *testing.T) {
	ctx := context.Background()
	repo, _ := newBillingFixture()
	stub := &stubItemSource{item: &Item{ID: 1, SellPrice: 100, TaxRatePct: 18}}
	svc := NewService(repo, stub)

	_, err := svc.PreviewLineTax(ctx, PreviewLineInput{CompanyID: 1, CustomerID: 10, ItemID: 1, Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls)
	require.Zero(t, repo.itemFetches)
}

type stubItemSource struct {
	item  *Item
	calls int
}

func (s *stubItemSource) GetItem(ctx context.Context, id int64) (*Item, error) {
	s.calls++
	return s.item, nil
}
