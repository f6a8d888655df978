package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gstbooks/gstbooks/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ErrDuplicateNumber indicates a unique constraint violation on a document number.
var ErrDuplicateNumber = errors.New("billing: duplicate document number")

const pgUniqueViolation = "23505"

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateNumber
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Reference data ---

// GetItem fetches catalog reference data for a single item.
func (r *Repository) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, sell_price, tax_rate_pct FROM items WHERE id = $1`, id,
	).Scan(&item.ID, &item.Name, &item.SellPrice, &item.TaxRatePct)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &item, nil
}

// GetCompanyStateID returns the issuing company's registered state. A NULL
// state comes back as zero and is rejected by the calculator.
func (r *Repository) GetCompanyStateID(ctx context.Context, companyID int64) (int64, error) {
	var stateID *int64
	err := r.pool.QueryRow(ctx, `SELECT state_id FROM companies WHERE id = $1`, companyID).Scan(&stateID)
	if err != nil {
		return 0, mapPgError(err)
	}
	if stateID == nil {
		return 0, nil
	}
	return *stateID, nil
}

// GetCustomerStateID returns the customer's registered state used as the
// default place of supply.
func (r *Repository) GetCustomerStateID(ctx context.Context, customerID int64) (int64, error) {
	var stateID *int64
	err := r.pool.QueryRow(ctx, `SELECT state_id FROM customers WHERE id = $1`, customerID).Scan(&stateID)
	if err != nil {
		return 0, mapPgError(err)
	}
	if stateID == nil {
		return 0, nil
	}
	return *stateID, nil
}

// GetCustomerName returns the customer's display name.
func (r *Repository) GetCustomerName(ctx context.Context, customerID int64) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM customers WHERE id = $1`, customerID).Scan(&name)
	if err != nil {
		return "", mapPgError(err)
	}
	return name, nil
}

// --- Invoices ---

// CreateInvoice creates an empty invoice. Amount due starts equal to total (zero).
func (r *Repository) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	number := input.Number
	if number == "" {
		var err error
		number, err = r.generateNumber(ctx, "INV")
		if err != nil {
			return nil, err
		}
	}
	var inv Invoice
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (number, customer_id, company_id, place_of_supply_id, total, amount_due, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		number, input.CustomerID, input.CompanyID, input.PlaceOfSupplyID,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	inv.Number = number
	inv.CustomerID = input.CustomerID
	inv.CompanyID = input.CompanyID
	inv.PlaceOfSupplyID = input.PlaceOfSupplyID
	return &inv, nil
}

// GetInvoice retrieves an invoice by ID.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	var inv Invoice
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, customer_id, company_id, place_of_supply_id, total, amount_due, created_at, updated_at
		FROM invoices WHERE id = $1`, id,
	).Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.CompanyID, &inv.PlaceOfSupplyID,
		&inv.Total, &inv.AmountDue, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &inv, nil
}

// CreateInvoiceLine persists a computed line item.
func (r *Repository) CreateInvoiceLine(ctx context.Context, line InvoiceLineItem) (*InvoiceLineItem, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invoice_lines (invoice_id, item_id, quantity, rate, amount, discount,
			cgst_pct, sgst_pct, igst_pct, tax_total, line_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING id`,
		line.InvoiceID, line.ItemID, line.Quantity, line.Rate, line.Amount, line.Discount,
		line.CGSTPct, line.SGSTPct, line.IGSTPct, line.TaxTotal, line.LineTotal,
	).Scan(&line.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &line, nil
}

// ListInvoiceLines returns an invoice's lines in insertion order.
func (r *Repository) ListInvoiceLines(ctx context.Context, invoiceID int64) ([]InvoiceLineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, item_id, quantity, rate, amount, discount,
			cgst_pct, sgst_pct, igst_pct, tax_total, line_total
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []InvoiceLineItem
	for rows.Next() {
		var l InvoiceLineItem
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ItemID, &l.Quantity, &l.Rate, &l.Amount,
			&l.Discount, &l.CGSTPct, &l.SGSTPct, &l.IGSTPct, &l.TaxTotal, &l.LineTotal); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// RefreshInvoiceTotals resums the invoice total from its lines and the amount
// due from its adjustments.
func (r *Repository) RefreshInvoiceTotals(ctx context.Context, invoiceID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET
			total = COALESCE((SELECT SUM(line_total) FROM invoice_lines WHERE invoice_id = invoices.id), 0),
			amount_due = COALESCE((SELECT SUM(line_total) FROM invoice_lines WHERE invoice_id = invoices.id), 0)
				- COALESCE((SELECT SUM(amount) FROM adjustments WHERE invoice_id = invoices.id), 0),
			updated_at = NOW()
		WHERE id = $1`, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Invoice tax rows ---

// InsertTaxRows persists aggregated tax rows. The invoice row is locked and
// the max-serial read happens in the same transaction as the inserts, so two
// concurrent materializations serialize and serials are never handed out
// twice for one invoice.
func (r *Repository) InsertTaxRows(ctx context.Context, invoiceID int64, taxRows []InvoiceTaxRow) ([]InvoiceTaxRow, error) {
	out := make([]InvoiceTaxRow, 0, len(taxRows))
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT id FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID); err != nil {
			return mapPgError(err)
		}
		var serial int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(serial), 0) FROM invoice_tax_rows WHERE invoice_id = $1`, invoiceID,
		).Scan(&serial); err != nil {
			return mapPgError(err)
		}
		for _, row := range taxRows {
			serial++
			row.InvoiceID = invoiceID
			row.Serial = serial
			err := tx.QueryRow(ctx, `
				INSERT INTO invoice_tax_rows (invoice_id, serial, percentage, cgst, sgst, igst)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				invoiceID, row.Serial, row.Percentage, row.CGST, row.SGST, row.IGST,
			).Scan(&row.ID)
			if err != nil {
				return mapPgError(err)
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListTaxRows returns an invoice's tax summary rows ordered by serial.
func (r *Repository) ListTaxRows(ctx context.Context, invoiceID int64) ([]InvoiceTaxRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, serial, percentage, cgst, sgst, igst
		FROM invoice_tax_rows WHERE invoice_id = $1 ORDER BY serial`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InvoiceTaxRow
	for rows.Next() {
		var t InvoiceTaxRow
		if err := rows.Scan(&t.ID, &t.InvoiceID, &t.Serial, &t.Percentage, &t.CGST, &t.SGST, &t.IGST); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Payments and adjustments ---

// CreatePayment records a payment; the full amount starts unadjusted.
func (r *Repository) CreatePayment(ctx context.Context, input CreatePaymentInput) (*Payment, error) {
	number := input.Number
	if number == "" {
		var err error
		number, err = r.generateNumber(ctx, "PAY")
		if err != nil {
			return nil, err
		}
	}
	var pay Payment
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (number, customer_id, total_amount, unadjusted_amount, created_at)
		VALUES ($1, $2, $3, $3, NOW())
		RETURNING id, created_at`,
		number, input.CustomerID, input.TotalAmount,
	).Scan(&pay.ID, &pay.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	pay.Number = number
	pay.CustomerID = input.CustomerID
	pay.TotalAmount = input.TotalAmount
	pay.UnadjustedAmount = input.TotalAmount
	return &pay, nil
}

// GetPayment retrieves a payment by ID.
func (r *Repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var pay Payment
	err := r.pool.QueryRow(ctx, `
		SELECT id, number, customer_id, total_amount, unadjusted_amount, created_at
		FROM payments WHERE id = $1`, id,
	).Scan(&pay.ID, &pay.Number, &pay.CustomerID, &pay.TotalAmount, &pay.UnadjustedAmount, &pay.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &pay, nil
}

// ApplyAdjustment appends the adjustment row and recomputes the invoice's
// amount due, the payment's unadjusted amount and the customer's unadjusted
// total by full resummation. The invoice and payment rows are locked for the
// duration so concurrent adjustments against the same invoice serialize while
// adjustments on other invoices proceed.
func (r *Repository) ApplyAdjustment(ctx context.Context, invoiceID, paymentID int64, amount float64) (AdjustmentResult, error) {
	var result AdjustmentResult
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Lock order: invoice, then payment, then customer, everywhere.
		if _, err := tx.Exec(ctx, `SELECT id FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID); err != nil {
			return mapPgError(err)
		}
		var customerID int64
		err := tx.QueryRow(ctx, `SELECT customer_id FROM payments WHERE id = $1 FOR UPDATE`, paymentID).Scan(&customerID)
		if err != nil {
			return mapPgError(err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO adjustments (invoice_id, payment_id, amount, created_at)
			VALUES ($1, $2, $3, NOW())`, invoiceID, paymentID, amount); err != nil {
			return mapPgError(err)
		}

		if err := tx.QueryRow(ctx, `
			UPDATE invoices SET
				amount_due = total - COALESCE((SELECT SUM(amount) FROM adjustments WHERE invoice_id = $1), 0),
				updated_at = NOW()
			WHERE id = $1
			RETURNING amount_due`, invoiceID).Scan(&result.NewAmountDue); err != nil {
			return mapPgError(err)
		}

		if err := tx.QueryRow(ctx, `
			UPDATE payments SET
				unadjusted_amount = total_amount - COALESCE((SELECT SUM(amount) FROM adjustments WHERE payment_id = $1), 0)
			WHERE id = $1
			RETURNING unadjusted_amount`, paymentID).Scan(&result.PaymentUnadjusted); err != nil {
			return mapPgError(err)
		}
		if result.PaymentUnadjusted < 0 {
			return ErrInsufficientUnadjusted
		}

		if err := tx.QueryRow(ctx, `
			UPDATE customers SET
				unadjusted_amount = COALESCE((SELECT SUM(unadjusted_amount) FROM payments WHERE customer_id = $1), 0)
			WHERE id = $1
			RETURNING unadjusted_amount`, customerID).Scan(&result.CustomerUnadjusted); err != nil {
			return mapPgError(err)
		}
		return nil
	})
	if err != nil {
		return AdjustmentResult{}, err
	}
	return result, nil
}

// DeleteAdjustments removes all adjustment rows for a payment and reports how
// many were removed. Balances are intentionally left stale; callers run the
// recompute operations afterwards.
func (r *Repository) DeleteAdjustments(ctx context.Context, paymentID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM adjustments WHERE payment_id = $1`, paymentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecalcInvoiceDue recomputes amount due from the adjustment rows. Idempotent.
func (r *Repository) RecalcInvoiceDue(ctx context.Context, invoiceID int64) (float64, error) {
	var due float64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT id FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID); err != nil {
			return mapPgError(err)
		}
		return mapPgError(tx.QueryRow(ctx, `
			UPDATE invoices SET
				amount_due = total - COALESCE((SELECT SUM(amount) FROM adjustments WHERE invoice_id = $1), 0),
				updated_at = NOW()
			WHERE id = $1
			RETURNING amount_due`, invoiceID).Scan(&due))
	})
	return due, err
}

// RecalcCustomerUnadjusted recomputes every payment's unadjusted amount for the
// customer, then the customer's total, from the adjustment rows. Idempotent.
// Lock order matches ApplyAdjustment: payment rows first, customer row last;
// taking the customer lock first can deadlock against a concurrent adjustment.
func (r *Repository) RecalcCustomerUnadjusted(ctx context.Context, customerID int64) (float64, error) {
	var total float64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT id FROM payments WHERE customer_id = $1 ORDER BY id FOR UPDATE`, customerID); err != nil {
			return mapPgError(err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE payments SET
				unadjusted_amount = total_amount - COALESCE((SELECT SUM(amount) FROM adjustments WHERE payment_id = payments.id), 0)
			WHERE customer_id = $1`, customerID); err != nil {
			return err
		}
		return mapPgError(tx.QueryRow(ctx, `
			UPDATE customers SET
				unadjusted_amount = COALESCE((SELECT SUM(unadjusted_amount) FROM payments WHERE customer_id = $1), 0)
			WHERE id = $1
			RETURNING unadjusted_amount`, customerID).Scan(&total))
	})
	return total, err
}

// --- Reconciliation scans ---

// ListInvoiceIDs returns every invoice id, oldest first.
func (r *Repository) ListInvoiceIDs(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM invoices ORDER BY id`)
}

// ListCustomerIDsWithPayments returns customers that have at least one payment.
func (r *Repository) ListCustomerIDsWithPayments(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT DISTINCT customer_id FROM payments ORDER BY customer_id`)
}

func (r *Repository) listIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) generateNumber(ctx context.Context, prefix string) (string, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('doc_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", prefix, n), nil
}
