// Package httpapi exposes the order command surface over HTTP. Every command
// endpoint requires a caller-supplied X-Request-ID header; retrying a call
// with the same id is always safe and returns the original result.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/foodcourt/ordering/internal/dispatch"
	"github.com/foodcourt/ordering/internal/domain/order"
)

// Commands issues idempotent order commands.
type Commands interface {
	Execute(ctx context.Context, requestID uuid.UUID, cmd order.Command) (dispatch.Result, error)
}

// Reader loads order snapshots for the read endpoints.
type Reader interface {
	Get(ctx context.Context, id int64) (*order.Order, error)
}

// Handler serves the ordering HTTP API.
type Handler struct {
	commands Commands
	orders   Reader
}

// NewHandler constructs a Handler with the required dependencies.
func NewHandler(commands Commands, orders Reader) *Handler {
	return &Handler{commands: commands, orders: orders}
}

// Routes registers the API endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.cancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/ship", h.shipOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
}

type addressRequest struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	ZipCode string `json:"zipCode"`
}

type lineItemRequest struct {
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Discount    decimal.Decimal `json:"discount"`
	Quantity    int             `json:"quantity"`
}

type createOrderRequest struct {
	BuyerID     string            `json:"buyerId"`
	Address     addressRequest    `json:"address"`
	Items       []lineItemRequest `json:"items"`
	DeliveryFee decimal.Decimal   `json:"deliveryFee"`
}

type commandResponse struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

type orderResponse struct {
	ID          int64             `json:"id"`
	BuyerID     string            `json:"buyerId"`
	Address     addressRequest    `json:"address"`
	Items       []lineItemRequest `json:"items"`
	DeliveryFee decimal.Decimal   `json:"deliveryFee"`
	Total       decimal.Decimal   `json:"total"`
	Status      string            `json:"status"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]order.LineItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.LineItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Discount:    it.Discount,
			Quantity:    it.Quantity,
		}
	}

	res, err := h.commands.Execute(r.Context(), requestID, order.CreateOrder{
		BuyerID: req.BuyerID,
		Address: order.Address{
			Street:  req.Address.Street,
			City:    req.Address.City,
			ZipCode: req.Address.ZipCode,
		},
		Items:       items,
		DeliveryFee: req.DeliveryFee,
	})
	h.respond(w, r, res, err, http.StatusCreated)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) order.Command { return order.CancelOrder{OrderID: id} })
}

func (h *Handler) shipOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64) order.Command { return order.ShipOrder{OrderID: id} })
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, cmd func(int64) order.Command) {
	requestID, ok := h.requestID(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	res, execErr := h.commands.Execute(r.Context(), requestID, cmd(id))
	h.respond(w, r, res, execErr, http.StatusOK)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.internalError(w, r, err)
		return
	}

	items := make([]lineItemRequest, len(o.Items))
	for i, it := range o.Items {
		items[i] = lineItemRequest{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Discount:    it.Discount,
			Quantity:    it.Quantity,
		}
	}
	writeJSON(w, http.StatusOK, orderResponse{
		ID:      o.ID,
		BuyerID: o.BuyerID,
		Address: addressRequest{
			Street:  o.Address.Street,
			City:    o.Address.City,
			ZipCode: o.Address.ZipCode,
		},
		Items:       items,
		DeliveryFee: o.DeliveryFee,
		Total:       o.Total,
		Status:      string(o.Status),
		Description: o.Description,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	})
}

// requestID extracts and validates the X-Request-ID header. Absence is a
// client error; the service never generates one on the caller's behalf.
func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Request-ID")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "X-Request-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "X-Request-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// respond maps a dispatcher outcome to an HTTP response. A cached result for
// a request that was originally refused by a business rule carries the
// refusal in Result.Error.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, res dispatch.Result, err error, okStatus int) {
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}
	if res.Error != "" {
		writeError(w, http.StatusConflict, res.Error)
		return
	}
	writeJSON(w, okStatus, commandResponse{OrderID: res.OrderID, Status: res.Status})
}

func (h *Handler) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrMissingRequestID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrEmptyItems):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	default:
		var iq *order.InvalidQuantityError
		if errors.As(err, &iq) {
			writeError(w, http.StatusUnprocessableEntity, iq.Error())
			return
		}
		var tr *order.InvalidTransitionError
		if errors.As(err, &tr) {
			writeError(w, http.StatusConflict, tr.Error())
			return
		}
		h.internalError(w, r, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
