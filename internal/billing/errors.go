package billing

import "errors"

var (
	// ErrNotFound indicates a referenced item, invoice, customer or payment is absent.
	ErrNotFound = errors.New("billing: not found")
	// ErrMissingLocation indicates the seller state or place of supply could not
	// be resolved. The regime classification refuses to guess.
	ErrMissingLocation = errors.New("billing: seller state or place of supply missing")
	// ErrNegativeTaxableBase indicates the discount exceeds the line amount.
	ErrNegativeTaxableBase = errors.New("billing: taxable base is negative")
	// ErrInsufficientUnadjusted indicates an adjustment would consume more than
	// the payment's remaining unadjusted amount.
	ErrInsufficientUnadjusted = errors.New("billing: adjustment exceeds unadjusted amount")
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("billing: quantity must be positive")
	// ErrInvalidAmount indicates a zero or negative monetary amount.
	ErrInvalidAmount = errors.New("billing: amount must be positive")
)
