package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/payments"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/services"
)

const handlerWebhookSecret = "whsec_handlers"

func paymentsRouter(t *testing.T, svc services.OrderService) chi.Router {
	t.Helper()
	stripe, err := payments.NewStripeWebhook(handlerWebhookSecret)
	if err != nil {
		t.Fatalf("new stripe webhook: %v", err)
	}
	handlers := NewPaymentHandlers(svc, stripe)
	router := chi.NewRouter()
	router.Route("/webhooks", handlers.WebhookRoutes)
	router.Route("/internal", handlers.InternalRoutes)
	return router
}

func stripeRequest(eventType, object string) *http.Request {
	body := fmt.Sprintf(`{"id":"evt_h1","object":"event","api_version":"2020-08-27","type":%q,"data":{"object":%s}}`, eventType, object)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(body),
		Secret:  handlerWebhookSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestPaymentHandlersStripeWebhookApplies(t *testing.T) {
	var captured services.UpdatePaymentStatusCommand
	svc := &stubOrderService{
		updatePaymentFn: func(_ context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.PaymentStatus = domain.PaymentStatusPaid
			order.Status = domain.OrderStatusConfirmed
			return order, nil
		},
	}

	rr := serve(paymentsRouter(t, svc), stripeRequest("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"order_id":"order-1"}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "order-1" || captured.PaymentStatus != domain.PaymentStatusPaid || captured.ActorID != payments.ActorStripe {
		t.Fatalf("unexpected command %+v", captured)
	}
	body := decodeJSON(t, rr)
	if body["received"] != true || body["applied"] != true {
		t.Fatalf("unexpected ack %v", body)
	}
}

func TestPaymentHandlersStripeWebhookRejectsBadSignature(t *testing.T) {
	called := false
	svc := &stubOrderService{updatePaymentFn: func(context.Context, services.UpdatePaymentStatusCommand) (services.Order, error) {
		called = true
		return services.Order{}, nil
	}}
	req := stripeRequest("payment_intent.succeeded", `{"id":"pi_1","object":"payment_intent","metadata":{"order_id":"order-1"}}`)
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	rr := serve(paymentsRouter(t, svc), req)
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_signature")
	if called {
		t.Fatal("unsigned events must not reach the order service")
	}
}

func TestPaymentHandlersStripeWebhookAcksIgnoredEvents(t *testing.T) {
	svc := &stubOrderService{}
	rr := serve(paymentsRouter(t, svc), stripeRequest("customer.created", `{"id":"cus_1","object":"customer"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["applied"] != false || body["reason"] != string(payments.IgnoreUnhandledType) {
		t.Fatalf("unexpected ack %v", body)
	}
}

func TestPaymentHandlersStripeWebhookAcksInvalidState(t *testing.T) {
	svc := &stubOrderService{updatePaymentFn: func(context.Context, services.UpdatePaymentStatusCommand) (services.Order, error) {
		return services.Order{}, services.ErrOrderInvalidState
	}}
	rr := serve(paymentsRouter(t, svc), stripeRequest("payment_intent.payment_failed", `{"id":"pi_2","object":"payment_intent","metadata":{"order_id":"order-1"}}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["applied"] != false || body["reason"] != "order_invalid_state" {
		t.Fatalf("unexpected ack %v", body)
	}
}

func TestPaymentHandlersStripeWebhookMissingOrder(t *testing.T) {
	svc := &stubOrderService{updatePaymentFn: func(context.Context, services.UpdatePaymentStatusCommand) (services.Order, error) {
		return services.Order{}, services.ErrOrderNotFound
	}}
	rr := serve(paymentsRouter(t, svc), stripeRequest("payment_intent.succeeded", `{"id":"pi_3","object":"payment_intent","metadata":{"order_id":"gone"}}`))
	assertErrorCode(t, rr, http.StatusNotFound, "order_not_found")
}

func TestPaymentHandlersCallbackRequiresServiceIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/internal/payments/callback", strings.NewReader(`{"order_id":"order-1","payment_status":"paid"}`))
	rr := serve(paymentsRouter(t, &stubOrderService{}), req)
	assertErrorCode(t, rr, http.StatusUnauthorized, "unauthenticated")
}

func TestPaymentHandlersCallbackAppliesStatus(t *testing.T) {
	var captured services.UpdatePaymentStatusCommand
	svc := &stubOrderService{
		updatePaymentFn: func(_ context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.PaymentStatus = cmd.PaymentStatus
			return order, nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/payments/callback", strings.NewReader(`{"order_id":"order-1","payment_status":"Refunded","payment_intent_id":"pi_7","provider":"razorpay"}`))
	req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Subject: "1234", Email: "payments@project.iam.gserviceaccount.com"}))

	rr := serve(paymentsRouter(t, svc), req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PaymentStatus != domain.PaymentStatusRefunded || captured.OrderID != "order-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ActorID != "service:payments@project.iam.gserviceaccount.com" {
		t.Fatalf("unexpected actor %q", captured.ActorID)
	}
	if captured.Provider == nil || *captured.Provider != "razorpay" {
		t.Fatalf("expected provider, got %v", captured.Provider)
	}
}

func TestPaymentHandlersCallbackValidatesBody(t *testing.T) {
	cases := []string{
		`{"payment_status":"paid"}`,
		`{"order_id":"order-1","payment_status":"settled"}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/internal/payments/callback", strings.NewReader(body))
		req = req.WithContext(auth.WithServiceIdentity(req.Context(), &auth.ServiceIdentity{Subject: "1234"}))
		rr := serve(paymentsRouter(t, &stubOrderService{}), req)
		assertErrorCode(t, rr, http.StatusBadRequest, "invalid_request")
	}
}
