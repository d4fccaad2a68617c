package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/payments"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/platform/requestctx"
	"github.com/hanko-field/commerce/internal/services"
)

const (
	maxWebhookBodySize  = 64 * 1024
	stripeSignatureName = "Stripe-Signature"
)

// PaymentHandlers accepts payment outcomes from Stripe and from internal payment workers.
type PaymentHandlers struct {
	orders services.OrderService
	stripe *payments.StripeWebhook
}

// NewPaymentHandlers constructs payment handlers. A nil stripe webhook disables the Stripe route.
func NewPaymentHandlers(orders services.OrderService, stripe *payments.StripeWebhook) *PaymentHandlers {
	return &PaymentHandlers{orders: orders, stripe: stripe}
}

// WebhookRoutes registers routes under /webhooks.
func (h *PaymentHandlers) WebhookRoutes(r chi.Router) {
	if r == nil || h.stripe == nil {
		return
	}
	r.Post("/stripe", h.stripeWebhook)
}

// InternalRoutes registers routes under /internal. The caller mounts the OIDC guard.
func (h *PaymentHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/callback", h.paymentCallback)
}

type paymentCallbackRequest struct {
	OrderID         string `json:"order_id"`
	PaymentStatus   string `json:"payment_status"`
	PaymentIntentID string `json:"payment_intent_id"`
	Provider        string `json:"provider"`
}

type webhookAck struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
}

// stripeWebhook acknowledges verified events that cannot apply so Stripe stops redelivering them.
func (h *PaymentHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order_service_unavailable", "order service unavailable")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	result, err := h.stripe.Translate(payload, r.Header.Get(stripeSignatureName))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "stripe signature verification failed", http.StatusBadRequest))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}

	fields := []zap.Field{zap.String("eventID", result.EventID), zap.String("eventType", result.EventType)}
	if result.Ignored != "" {
		logger.Info("stripe webhook ignored", append(fields, zap.String("reason", string(result.Ignored)))...)
		writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Reason: string(result.Ignored)})
		return
	}

	order, err := h.orders.UpdatePaymentStatus(ctx, result.Command)
	if err != nil {
		if errors.Is(err, services.ErrOrderInvalidState) {
			logger.Warn("stripe webhook not applicable", append(fields, zap.String("orderID", result.Command.OrderID), zap.Error(err))...)
			writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Reason: "order_invalid_state"})
			return
		}
		writeOrderError(ctx, w, err)
		return
	}
	logger.Info("stripe webhook applied", append(fields,
		zap.String("orderID", order.ID),
		zap.String("paymentStatus", string(order.PaymentStatus)),
		zap.String("status", string(order.Status)),
	)...)
	writeJSONResponse(w, http.StatusOK, webhookAck{Received: true, Applied: true})
}

func (h *PaymentHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order_service_unavailable", "order service unavailable")
		return
	}
	svc, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok || svc == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service identity required", http.StatusUnauthorized))
		return
	}

	var req paymentCallbackRequest
	if !decodeBody(ctx, w, r, maxAdminOrderBodySize, &req, false) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}
	status := domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.PaymentStatus)))
	if !status.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_status must be one of pending, paid, failed, refunded", http.StatusBadRequest))
		return
	}

	actor := svc.Email
	if actor == "" {
		actor = svc.Subject
	}
	order, err := h.orders.UpdatePaymentStatus(ctx, services.UpdatePaymentStatusCommand{
		OrderID:         orderID,
		PaymentStatus:   status,
		PaymentIntentID: optionalString(req.PaymentIntentID),
		Provider:        optionalString(req.Provider),
		ActorID:         "service:" + actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, false)})
}
