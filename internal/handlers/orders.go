package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/services"
)

const maxOrderCancelBodySize = 4 * 1024

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the owner-scoped order endpoints.
type OrderHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderService
	idempotent func(http.Handler) http.Handler
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, idempotent func(http.Handler) http.Handler) *OrderHandlers {
	return &OrderHandlers{
		authn:      authn,
		orders:     orders,
		idempotent: idempotent,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	cancel := r
	if h.idempotent != nil {
		cancel = r.With(h.idempotent)
	}
	cancel.Post("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order_service_unavailable", "order service unavailable")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter, ok := parseOrderListFilter(ctx, w, r)
	if !ok {
		return
	}
	page, err := h.orders.ListForUser(ctx, identity.UID, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderList(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order_service_unavailable", "order service unavailable")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{UserID: identity.UID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order_service_unavailable", "order service unavailable")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeBody(ctx, w, r, maxOrderCancelBodySize, &req, true) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		UserID:  identity.UID,
		Reason:  optionalString(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

// parseOrderListFilter reads status, payment_status, created_after, created_before, q, page and limit.
func parseOrderListFilter(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	query := r.URL.Query()
	var filter services.OrderListFilter

	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.OrderStatus(raw)
		if !status.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown order status "+raw, http.StatusBadRequest))
			return filter, false
		}
		filter.Status = append(filter.Status, status)
	}
	for _, raw := range parseFilterValues(query["payment_status"]) {
		status := domain.PaymentStatus(raw)
		if !status.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown payment status "+raw, http.StatusBadRequest))
			return filter, false
		}
		filter.PaymentStatus = append(filter.PaymentStatus, status)
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw, false)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after "+err.Error(), http.StatusBadRequest))
			return filter, false
		}
		filter.CreatedAfter = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw, true)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before "+err.Error(), http.StatusBadRequest))
			return filter, false
		}
		filter.CreatedBefore = &ts
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && filter.CreatedBefore.Before(*filter.CreatedAfter) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must not precede created_after", http.StatusBadRequest))
		return filter, false
	}
	filter.NumberSearch = strings.TrimSpace(query.Get("q"))

	page, limit, err := parsePagination(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_pagination", "page and limit must be positive integers", http.StatusBadRequest))
		return filter, false
	}
	filter.Page = page
	filter.Limit = limit
	return filter, true
}
