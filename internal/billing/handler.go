package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/gstbooks/gstbooks/internal/platform/httpx"
)

const (
	writeRateLimit  = 60
	writeRateWindow = time.Minute
)

// Handler exposes the billing engine over JSON endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.LimitByIP(writeRateLimit, writeRateWindow)

	r.Get("/invoices/{id}", h.getInvoice)
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/lines/preview", h.previewLine)

	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/invoices", h.createInvoice)
		gr.Post("/invoices/{id}/lines", h.addInvoiceLine)
		gr.Post("/invoices/{id}/tax-rows", h.materializeTaxRows)
		gr.Post("/invoices/{id}/recompute-due", h.recomputeDue)
		gr.Post("/payments", h.createPayment)
		gr.Delete("/payments/{id}/adjustments", h.deleteAdjustments)
		gr.Post("/adjustments", h.applyAdjustment)
		gr.Post("/customers/{id}/recompute-unadjusted", h.recomputeUnadjusted)
	})
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) respondErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrMissingLocation),
		errors.Is(err, ErrNegativeTaxableBase),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidAmount):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, ErrInsufficientUnadjusted):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrDuplicateNumber):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// decode parses and validates the JSON body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

type createInvoiceRequest struct {
	Number          string `json:"number"`
	CustomerID      int64  `json:"customer_id" validate:"required,gt=0"`
	CompanyID       int64  `json:"company_id" validate:"required,gt=0"`
	PlaceOfSupplyID int64  `json:"place_of_supply_id" validate:"omitempty,gt=0"`
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
		Number:          req.Number,
		CustomerID:      req.CustomerID,
		CompanyID:       req.CompanyID,
		PlaceOfSupplyID: req.PlaceOfSupplyID,
	})
	if err != nil {
		h.respondErr(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice ID")
		return
	}
	details, err := h.service.GetInvoiceDetails(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, details)
}

type addLineRequest struct {
	ItemID   int64   `json:"item_id" validate:"required,gt=0"`
	Quantity float64 `json:"quantity" validate:"required,gt=0"`
	Rate     float64 `json:"rate" validate:"omitempty,gt=0"`
	Discount float64 `json:"discount" validate:"gte=0"`
}

func (h *Handler) addInvoiceLine(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice ID")
		return
	}
	var req addLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.service.AddInvoiceLine(r.Context(), AddLineInput{
		InvoiceID: id,
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Rate:      req.Rate,
		Discount:  req.Discount,
	})
	if err != nil {
		h.respondErr(w, "add invoice line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

type previewLineRequest struct {
	CompanyID       int64   `json:"company_id" validate:"required,gt=0"`
	CustomerID      int64   `json:"customer_id" validate:"required,gt=0"`
	PlaceOfSupplyID int64   `json:"place_of_supply_id" validate:"omitempty,gt=0"`
	ItemID          int64   `json:"item_id" validate:"required,gt=0"`
	Quantity        float64 `json:"quantity" validate:"required,gt=0"`
	Rate            float64 `json:"rate" validate:"omitempty,gt=0"`
	Discount        float64 `json:"discount" validate:"gte=0"`
}

func (h *Handler) previewLine(w http.ResponseWriter, r *http.Request) {
	var req previewLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	tax, err := h.service.PreviewLineTax(r.Context(), PreviewLineInput{
		CompanyID:       req.CompanyID,
		CustomerID:      req.CustomerID,
		PlaceOfSupplyID: req.PlaceOfSupplyID,
		ItemID:          req.ItemID,
		Quantity:        req.Quantity,
		Rate:            req.Rate,
		Discount:        req.Discount,
	})
	if err != nil {
		h.respondErr(w, "preview line tax", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tax)
}

func (h *Handler) materializeTaxRows(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice ID")
		return
	}
	rows, err := h.service.MaterializeTaxRows(r.Context(), id)
	if err != nil {
		h.respondErr(w, "materialize tax rows", err)
		return
	}
	if rows == nil {
		rows = []InvoiceTaxRow{}
	}
	httpx.JSON(w, http.StatusCreated, rows)
}

type createPaymentRequest struct {
	Number      string  `json:"number"`
	CustomerID  int64   `json:"customer_id" validate:"required,gt=0"`
	TotalAmount float64 `json:"total_amount" validate:"required,gt=0"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	pay, err := h.service.RecordPayment(r.Context(), CreatePaymentInput{
		Number:      req.Number,
		CustomerID:  req.CustomerID,
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		h.respondErr(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pay)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payment ID")
		return
	}
	pay, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		h.respondErr(w, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, pay)
}

type applyAdjustmentRequest struct {
	InvoiceID int64   `json:"invoice_id" validate:"required,gt=0"`
	PaymentID int64   `json:"payment_id" validate:"required,gt=0"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) applyAdjustment(w http.ResponseWriter, r *http.Request) {
	var req applyAdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ApplyAdjustment(r.Context(), req.InvoiceID, req.PaymentID, req.Amount)
	if err != nil {
		h.respondErr(w, "apply adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) deleteAdjustments(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payment ID")
		return
	}
	removed, err := h.service.DeleteAdjustments(r.Context(), id)
	if err != nil {
		h.respondErr(w, "delete adjustments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *Handler) recomputeDue(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice ID")
		return
	}
	due, err := h.service.RecomputeInvoiceDue(r.Context(), id)
	if err != nil {
		h.respondErr(w, "recompute invoice due", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]float64{"amount_due": due})
}

func (h *Handler) recomputeUnadjusted(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid customer ID")
		return
	}
	total, err := h.service.RecomputeCustomerUnadjusted(r.Context(), id)
	if err != nil {
		h.respondErr(w, "recompute customer unadjusted", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]float64{"unadjusted_amount": total})
}
