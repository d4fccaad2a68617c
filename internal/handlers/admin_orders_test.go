package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/services"
)

const adminTestSigningKey = "admin-handlers-test-key"

func adminRouter(t *testing.T, svc services.OrderService) (chi.Router, *auth.LocalVerifier) {
	t.Helper()
	verifier, err := auth.NewLocalVerifier(adminTestSigningKey)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	router := chi.NewRouter()
	router.Route("/ts-admin", NewAdminOrderHandlers(auth.NewAuthenticator(verifier), svc).Routes)
	return router, verifier
}

func signedRequest(t *testing.T, verifier *auth.LocalVerifier, uid string, roles []string, method, target, body string) *http.Request {
	t.Helper()
	token, err := verifier.Sign(uid, uid+"@example.com", roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAdminOrderHandlersRequireAdminRole(t *testing.T) {
	router, verifier := adminRouter(t, &stubOrderService{})

	rr := serve(router, signedRequest(t, verifier, "user-1", nil, http.MethodGet, "/ts-admin/orders", ""))
	assertErrorCode(t, rr, http.StatusForbidden, "forbidden")

	anonymous := serve(router, httptest.NewRequest(http.MethodGet, "/ts-admin/orders", nil))
	assertErrorCode(t, anonymous, http.StatusUnauthorized, "unauthenticated")
}

func TestAdminOrderHandlersListAll(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listAllFn: func(_ context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
			captured = filter
			return domain.NewPage([]services.Order{sampleOrder()}, domain.PageRequest{Page: filter.Page, Limit: filter.Limit}, 1), nil
		},
	}
	router, verifier := adminRouter(t, svc)

	rr := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodGet, "/ts-admin/orders?status=shipped&limit=5", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusShipped || captured.Limit != 5 {
		t.Fatalf("unexpected filter %+v", captured)
	}
}

func TestAdminOrderHandlersGetIncludesAdminNotes(t *testing.T) {
	var captured services.OrderReadOptions
	svc := &stubOrderService{
		getFn: func(_ context.Context, _ string, opts services.OrderReadOptions) (services.Order, error) {
			captured = opts
			return sampleOrder(), nil
		},
	}
	router, verifier := adminRouter(t, svc)

	rr := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodGet, "/ts-admin/orders/order-1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "" {
		t.Fatalf("admin reads must not be owner scoped, got %q", captured.UserID)
	}
	order := decodeJSON(t, rr)["order"].(map[string]any)
	if order["admin_notes"] != "checked by ops" {
		t.Fatalf("expected admin notes, got %v", order["admin_notes"])
	}
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var captured services.UpdateOrderStatusCommand
	svc := &stubOrderService{
		updateStatusFn: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = cmd.TargetStatus
			order.AdminNotes = cmd.AdminNotes
			return order, nil
		},
	}
	router, verifier := adminRouter(t, svc)

	rr := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodPut, "/ts-admin/orders/order-1/status", `{"status":"Confirmed","admin_notes":"called customer"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "order-1" || captured.TargetStatus != domain.OrderStatusConfirmed || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.AdminNotes == nil || *captured.AdminNotes != "called customer" {
		t.Fatalf("expected admin notes, got %v", captured.AdminNotes)
	}
	order := decodeJSON(t, rr)["order"].(map[string]any)
	if order["status"] != "confirmed" || order["admin_notes"] != "called customer" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestAdminOrderHandlersUpdateStatusErrors(t *testing.T) {
	svc := &stubOrderService{
		updateStatusFn: func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}
	router, verifier := adminRouter(t, svc)

	invalid := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodPut, "/ts-admin/orders/order-1/status", `{"status":"teleported"}`))
	assertErrorCode(t, invalid, http.StatusBadRequest, "invalid_request")

	illegal := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodPut, "/ts-admin/orders/order-1/status", `{"status":"delivered"}`))
	assertErrorCode(t, illegal, http.StatusBadRequest, "order_invalid_state")
}

func TestAdminOrderHandlersUpdatePaymentStatus(t *testing.T) {
	var captured services.UpdatePaymentStatusCommand
	svc := &stubOrderService{
		updatePaymentFn: func(_ context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.PaymentStatus = cmd.PaymentStatus
			order.Status = domain.OrderStatusConfirmed
			order.PaymentIntentID = cmd.PaymentIntentID
			order.PaymentProvider = cmd.Provider
			return order, nil
		},
	}
	router, verifier := adminRouter(t, svc)

	rr := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodPut, "/ts-admin/orders/order-1/payment-status", `{"payment_status":"paid","payment_intent_id":"pi_123","provider":"manual"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PaymentStatus != domain.PaymentStatusPaid || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.PaymentIntentID == nil || *captured.PaymentIntentID != "pi_123" || captured.Provider == nil || *captured.Provider != "manual" {
		t.Fatalf("expected intent and provider, got %+v", captured)
	}
	order := decodeJSON(t, rr)["order"].(map[string]any)
	if order["payment_status"] != "paid" || order["status"] != "confirmed" || order["payment_intent_id"] != "pi_123" {
		t.Fatalf("unexpected order %v", order)
	}

	bad := serve(router, signedRequest(t, verifier, "staff-1", []string{"admin"}, http.MethodPut, "/ts-admin/orders/order-1/payment-status", `{"payment_status":"partial"}`))
	assertErrorCode(t, bad, http.StatusBadRequest, "invalid_request")
}
