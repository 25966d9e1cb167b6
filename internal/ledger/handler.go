package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vantage-erp/vantage-erp/internal/platform/httpx"
	"github.com/vantage-erp/vantage-erp/internal/pricing"
	"github.com/vantage-erp/vantage-erp/internal/procurement"
	"github.com/vantage-erp/vantage-erp/internal/shared"
)

// Handler manages ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/purchases", h.listPurchases)
	r.Post("/purchases", h.createPurchase)
	r.Get("/purchases/{id}", h.getPurchase)
	r.Post("/purchases/{id}/void", h.voidPurchase)

	r.Post("/payments", h.applyPayment)
	r.Post("/payments/{id}/void", h.voidPayment)

	r.Get("/suppliers/{id}/balance", h.supplierBalance)
	r.Get("/suppliers/{id}/statement", h.supplierStatement)
	r.Get("/reports/ap-aging", h.apAging)
}

type purchaseLineRequest struct {
	ProductID     int64   `json:"product_id" validate:"required"`
	ProductName   string  `json:"product_name"`
	Quantity      float64 `json:"quantity" validate:"gt=0"`
	UnitCost      float64 `json:"unit_cost_before_tax" validate:"gte=0"`
	DiscountType  string  `json:"discount_type" validate:"omitempty,oneof=PERCENT AMOUNT"`
	DiscountValue float64 `json:"discount_value" validate:"gte=0"`
	TaxRate       float64 `json:"tax_rate_percent" validate:"gte=0"`
}

type createPurchaseRequest struct {
	Number          string                `json:"number"`
	SupplierID      int64                 `json:"supplier_id" validate:"required"`
	SourceOrderID   int64                 `json:"source_order_id"`
	PurchaseDate    time.Time             `json:"purchase_date"`
	ShippingCharges float64               `json:"shipping_charges" validate:"gte=0"`
	Note            string                `json:"note"`
	Lines           []purchaseLineRequest `json:"lines" validate:"omitempty,dive"`
}

func (h *Handler) createPurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreatePurchaseInput{
		Number:          req.Number,
		SupplierID:      req.SupplierID,
		SourceOrderID:   req.SourceOrderID,
		PurchaseDate:    req.PurchaseDate,
		ShippingCharges: req.ShippingCharges,
		Note:            req.Note,
	}
	for _, l := range req.Lines {
		discountType := pricing.DiscountType(l.DiscountType)
		if discountType == "" {
			discountType = pricing.DiscountPercent
		}
		input.Lines = append(input.Lines, procurement.LineItemInput{
			ProductID:         l.ProductID,
			ProductName:       l.ProductName,
			Quantity:          l.Quantity,
			UnitCostBeforeTax: l.UnitCost,
			Discount:          pricing.Discount{Type: discountType, Value: l.DiscountValue},
			TaxRatePercent:    l.TaxRate,
		})
	}
	p, err := h.service.CreatePurchase(r.Context(), input)
	if err != nil {
		h.respondError(w, "create purchase", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	p, err := h.service.GetPurchase(r.Context(), id)
	if err != nil {
		h.respondError(w, "get purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) listPurchases(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	supplierID, _ := strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	filters := ListFilters{
		SupplierID: supplierID,
		Status:     PaymentStatus(r.URL.Query().Get("status")),
		Search:     r.URL.Query().Get("search"),
		Limit:      limit,
		Offset:     offset,
	}
	purchases, total, err := h.service.ListPurchases(r.Context(), filters)
	if err != nil {
		h.respondError(w, "list purchases", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"purchases": purchases, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) voidPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.VoidPurchase(r.Context(), id, 0); err != nil {
		h.respondError(w, "void purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type applyPaymentRequest struct {
	Number         string    `json:"number"`
	SupplierID     int64     `json:"supplier_id" validate:"required"`
	PurchaseID     int64     `json:"purchase_id"`
	Amount         float64   `json:"amount" validate:"required"`
	Method         string    `json:"method"`
	Reference      string    `json:"reference"`
	Note           string    `json:"note"`
	PaidDate       time.Time `json:"paid_date"`
	IdempotencyKey string    `json:"idempotency_key"`
	ActorID        int64     `json:"actor_id"`
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	var req applyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	payment, err := h.service.ApplyPayment(r.Context(), ApplyPaymentInput{
		Number:         req.Number,
		SupplierID:     req.SupplierID,
		PurchaseID:     req.PurchaseID,
		Amount:         req.Amount,
		Method:         req.Method,
		Reference:      req.Reference,
		Note:           req.Note,
		PaidDate:       req.PaidDate,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.respondError(w, "apply payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) voidPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.VoidPayment(r.Context(), id, 0); err != nil {
		h.respondError(w, "void payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) supplierBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	balance, err := h.service.Balance(r.Context(), id)
	if err != nil {
		h.respondError(w, "supplier balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) supplierStatement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	from := parseDate(r.URL.Query().Get("from"))
	to := parseDate(r.URL.Query().Get("to"))
	rows, err := h.service.Statement(r.Context(), id, from, to)
	if err != nil {
		h.respondError(w, "supplier statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handler) apAging(w http.ResponseWriter, r *http.Request) {
	asOf := parseDate(r.URL.Query().Get("as_of"))
	rows, err := h.service.Aging(r.Context(), asOf)
	if err != nil {
		h.respondError(w, "ap aging", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var unavailable *procurement.OrderUnavailableError
	var ref *procurement.ReferenceIntegrityError
	var mismatch *AllocationMismatchError
	switch {
	case errors.As(err, &unavailable):
		httpx.Problem(w, http.StatusConflict, "Order Unavailable", unavailable.Error())
	case errors.As(err, &ref):
		httpx.Problem(w, http.StatusNotFound, "Missing Reference", ref.Error())
	case errors.As(err, &mismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Allocation Mismatch", mismatch.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Request", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
