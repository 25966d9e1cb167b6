package procurement

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
)

// Handler manages procurement endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requisitions", h.createRequisition)
	r.Post("/requisitions/{id}/approve", h.approveRequisition)
	r.Post("/requisitions/{id}/reject", h.rejectRequisition)

	r.Get("/orders", h.listOrders)
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}/fulfillment", h.orderFulfillment)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/shipping", h.updateShipping)
	r.Get("/orders/{id}/shipping", h.shippingLog)

	r.Post("/receipts", h.commitReceipt)
	r.Post("/receipts/{id}/void", h.voidReceipt)
}

type lineItemRequest struct {
	ProductID     int64   `json:"product_id" validate:"required"`
	ProductName   string  `json:"product_name"`
	Quantity      float64 `json:"quantity" validate:"gt=0"`
	UnitCost      float64 `json:"unit_cost_before_tax" validate:"gte=0"`
	DiscountType  string  `json:"discount_type" validate:"omitempty,oneof=PERCENT AMOUNT"`
	DiscountValue float64 `json:"discount_value" validate:"gte=0"`
	TaxRate       float64 `json:"tax_rate_percent" validate:"gte=0"`
}

func (req lineItemRequest) toInput() LineItemInput {
	discountType := pricing.DiscountType(req.DiscountType)
	if discountType == "" {
		discountType = pricing.DiscountPercent
	}
	return LineItemInput{
		ProductID:         req.ProductID,
		ProductName:       req.ProductName,
		Quantity:          req.Quantity,
		UnitCostBeforeTax: req.UnitCost,
		Discount:          pricing.Discount{Type: discountType, Value: req.DiscountValue},
		TaxRatePercent:    req.TaxRate,
	}
}

func toLineInputs(reqs []lineItemRequest) []LineItemInput {
	out := make([]LineItemInput, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.toInput())
	}
	return out
}

type createRequisitionRequest struct {
	Number      string            `json:"number"`
	SupplierID  int64             `json:"supplier_id" validate:"required"`
	LocationID  int64             `json:"location_id"`
	RequestedBy int64             `json:"requested_by"`
	Note        string            `json:"note"`
	Lines       []lineItemRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createRequisition(w http.ResponseWriter, r *http.Request) {
	var req createRequisitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	created, err := h.service.CreateRequisition(r.Context(), CreateRequisitionInput{
		Number:      req.Number,
		SupplierID:  req.SupplierID,
		LocationID:  req.LocationID,
		RequestedBy: req.RequestedBy,
		Note:        req.Note,
		Lines:       toLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, "create requisition", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

type approveRequisitionRequest struct {
	ReferenceNo string `json:"reference_no"`
	ActorID     int64  `json:"actor_id"`
}

func (h *Handler) approveRequisition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req approveRequisitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	po, err := h.service.ApproveRequisition(r.Context(), id, req.ActorID, req.ReferenceNo)
	if err != nil {
		h.respondError(w, "approve requisition", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) rejectRequisition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.RejectRequisition(r.Context(), id, 0); err != nil {
		h.respondError(w, "reject requisition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(RequisitionRejected)})
}

type createOrderRequest struct {
	ReferenceNo     string            `json:"reference_no"`
	SupplierID      int64             `json:"supplier_id" validate:"required"`
	LocationID      int64             `json:"location_id"`
	ShippingCharges float64           `json:"shipping_charges" validate:"gte=0"`
	Note            string            `json:"note"`
	Lines           []lineItemRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	po, err := h.service.CreateOrder(r.Context(), CreateOrderInput{
		ReferenceNo:     req.ReferenceNo,
		SupplierID:      req.SupplierID,
		LocationID:      req.LocationID,
		ShippingCharges: req.ShippingCharges,
		Note:            req.Note,
		Lines:           toLineInputs(req.Lines),
	})
	if err != nil {
		h.respondError(w, "create order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	supplierID, _ := strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	filters := ListFilters{
		Status:       OrderStatus(r.URL.Query().Get("status")),
		SupplierID:   supplierID,
		Search:       r.URL.Query().Get("search"),
		AvailableFor: r.URL.Query().Get("available_for"),
		Limit:        limit,
		Offset:       offset,
	}
	orders, total, err := h.service.ListOrders(r.Context(), filters)
	if err != nil {
		h.respondError(w, "list orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": orders, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) orderFulfillment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	po, lines, err := h.service.GetOrderFulfillment(r.Context(), id)
	if err != nil {
		h.respondError(w, "order fulfillment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"order": po, "lines": lines})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.CancelOrder(r.Context(), id, 0); err != nil {
		h.respondError(w, "cancel order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": string(OrderCancelled)})
}

type updateShippingRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note"`
}

func (h *Handler) updateShipping(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var req updateShippingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.UpdateShipping(r.Context(), id, ShippingStatus(req.Status), req.Note, 0); err != nil {
		h.respondError(w, "update shipping", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *Handler) shippingLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	events, err := h.service.ShippingLog(r.Context(), id)
	if err != nil {
		h.respondError(w, "shipping log", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": events})
}

type commitReceiptRequest struct {
	SourceKind     string               `json:"source_kind" validate:"required,oneof=ORDER DIRECT_PURCHASE"`
	SourceID       int64                `json:"source_id" validate:"required"`
	Number         string               `json:"number"`
	ReceivedDate   time.Time            `json:"received_date"`
	IdempotencyKey string               `json:"idempotency_key"`
	ActorID        int64                `json:"actor_id"`
	Lines          []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type receiptLineRequest struct {
	ProductID        int64   `json:"product_id" validate:"required"`
	ReceivedQuantity float64 `json:"received_quantity" validate:"gt=0"`
	PendingReason    string  `json:"pending_reason"`
}

func (h *Handler) commitReceipt(w http.ResponseWriter, r *http.Request) {
	var req commitReceiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CommitReceiptInput{
		Source:         SourceRef{Kind: SourceKind(req.SourceKind), ID: req.SourceID},
		Number:         req.Number,
		ReceivedDate:   req.ReceivedDate,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, ReceiptLineInput{
			ProductID:        l.ProductID,
			ReceivedQuantity: l.ReceivedQuantity,
			PendingReason:    l.PendingReason,
		})
	}
	grn, err := h.service.CommitReceipt(r.Context(), input)
	if err != nil {
		h.respondError(w, "commit receipt", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grn)
}

func (h *Handler) voidReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	if err := h.service.VoidReceipt(r.Context(), id, 0); err != nil {
		h.respondError(w, "void receipt", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// respondError maps procurement errors onto problem responses. Retryable
// races answer 409 so callers refresh and retry; validation failures carry
// the specific mismatch.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var exceeds *QuantityExceedsOrderError
	var unavailable *OrderUnavailableError
	var ref *ReferenceIntegrityError
	switch {
	case errors.As(err, &exceeds):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Quantity Exceeds Order", exceeds.Error())
	case errors.As(err, &unavailable):
		httpx.Problem(w, http.StatusConflict, "Order Unavailable", unavailable.Error())
	case errors.As(err, &ref):
		httpx.Problem(w, http.StatusNotFound, "Missing Reference", ref.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Request", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
