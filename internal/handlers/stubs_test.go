package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/services"
)

type stubCheckoutService struct {
	validateFn func(context.Context, services.CheckoutCommand) (services.CheckoutValidation, error)
	createFn   func(context.Context, services.CreateOrderCommand) (services.Order, error)
}

func (s *stubCheckoutService) Validate(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutValidation, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, cmd)
	}
	return services.CheckoutValidation{}, errors.New("not implemented")
}

func (s *stubCheckoutService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubOrderService struct {
	getFn           func(context.Context, string, services.OrderReadOptions) (services.Order, error)
	listForUserFn   func(context.Context, string, services.OrderListFilter) (domain.Page[services.Order], error)
	listAllFn       func(context.Context, services.OrderListFilter) (domain.Page[services.Order], error)
	updateStatusFn  func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	cancelFn        func(context.Context, services.CancelOrderCommand) (services.Order, error)
	updatePaymentFn func(context.Context, services.UpdatePaymentStatusCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, opts)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListForUser(ctx context.Context, userID string, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listForUserFn != nil {
		return s.listForUserFn(ctx, userID, filter)
	}
	return domain.Page[services.Order]{}, nil
}

func (s *stubOrderService) ListAll(ctx context.Context, filter services.OrderListFilter) (domain.Page[services.Order], error) {
	if s.listAllFn != nil {
		return s.listAllFn(ctx, filter)
	}
	return domain.Page[services.Order]{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdatePaymentStatus(ctx context.Context, cmd services.UpdatePaymentStatusCommand) (services.Order, error) {
	if s.updatePaymentFn != nil {
		return s.updatePaymentFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

var fixedNow = time.Date(2025, time.January, 9, 10, 30, 0, 0, time.UTC)

func sampleOrder() services.Order {
	note := "leave at door"
	admin := "checked by ops"
	return services.Order{
		ID:            "6f1d1d4e-1f49-4bb2-9d6b-2c0a52d1a001",
		OrderNumber:   "ORD-20250109-00001",
		UserID:        "user-1",
		CartID:        "cart-1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: domain.PaymentMethodCard,
		Currency:      "INR",
		Totals: services.OrderTotals{
			Subtotal: decimal.RequireFromString("3597"),
			Shipping: decimal.Zero,
			Tax:      decimal.RequireFromString("647.46"),
			Discount: decimal.Zero,
			Total:    decimal.RequireFromString("4244.46"),
		},
		ShippingAddress: services.AddressSnapshot{Recipient: "Asha", Line1: "1 MG Road", City: "Bengaluru", PostalCode: "560001", Country: "IN"},
		BillingAddress:  services.AddressSnapshot{Recipient: "Asha", Line1: "1 MG Road", City: "Bengaluru", PostalCode: "560001", Country: "IN"},
		Notes:           &note,
		AdminNotes:      &admin,
		Items: []services.OrderItem{
			{ID: "item-1", ProductID: "prod-1", Name: "Kurta", SKU: "KUR-1", UnitPrice: decimal.RequireFromString("1499"), Quantity: 2, LineTotal: decimal.RequireFromString("2998")},
			{ID: "item-2", ProductID: "prod-2", Name: "Scarf", SKU: "SCF-1", UnitPrice: decimal.RequireFromString("599"), Quantity: 1, LineTotal: decimal.RequireFromString("599")},
		},
		ItemCount: 3,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["error"] != code {
		t.Fatalf("expected error code %s, got %v", code, body["error"])
	}
	return body
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
