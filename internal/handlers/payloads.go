package handlers

import (
	"context"
	"errors"
	"net/http"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/services"
)

type totalsPayload struct {
	Subtotal string `json:"subtotal"`
	Shipping string `json:"shipping"`
	Tax      string `json:"tax"`
	Discount string `json:"discount"`
	Total    string `json:"total"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type orderItemPayload struct {
	ID                 string  `json:"id"`
	ProductID          string  `json:"product_id"`
	VariantID          *string `json:"variant_id,omitempty"`
	Name               string  `json:"name"`
	VariantDescription string  `json:"variant_description,omitempty"`
	SKU                string  `json:"sku"`
	Image              string  `json:"image,omitempty"`
	UnitPrice          string  `json:"unit_price"`
	Quantity           int     `json:"quantity"`
	LineTotal          string  `json:"line_total"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"order_number"`
	UserID          string             `json:"user_id"`
	CartID          string             `json:"cart_id,omitempty"`
	Status          string             `json:"status"`
	PaymentStatus   string             `json:"payment_status"`
	PaymentMethod   string             `json:"payment_method"`
	PaymentIntentID *string            `json:"payment_intent_id,omitempty"`
	PaymentProvider *string            `json:"payment_provider,omitempty"`
	Currency        string             `json:"currency"`
	Totals          totalsPayload      `json:"totals"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	BillingAddress  addressPayload     `json:"billing_address"`
	Notes           *string            `json:"notes,omitempty"`
	AdminNotes      *string            `json:"admin_notes,omitempty"`
	CancelReason    *string            `json:"cancel_reason,omitempty"`
	Items           []orderItemPayload `json:"items"`
	ItemCount       int                `json:"item_count"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	ConfirmedAt     string             `json:"confirmed_at,omitempty"`
	ShippedAt       string             `json:"shipped_at,omitempty"`
	DeliveredAt     string             `json:"delivered_at,omitempty"`
	CancelledAt     string             `json:"cancelled_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Currency      string `json:"currency"`
	Total         string `json:"total"`
	ItemCount     int    `json:"item_count"`
	CreatedAt     string `json:"created_at"`
}

type orderListResponse struct {
	Items      []orderSummaryPayload `json:"items"`
	Page       int                   `json:"page"`
	Limit      int                   `json:"limit"`
	Total      int                   `json:"total"`
	TotalPages int                   `json:"total_pages"`
}

type stockIssuePayload struct {
	CartItemID  string  `json:"cart_item_id"`
	ProductID   string  `json:"product_id"`
	VariantID   *string `json:"variant_id,omitempty"`
	ProductName string  `json:"product_name"`
	Reason      string  `json:"reason"`
	Requested   int     `json:"requested"`
	Available   int     `json:"available"`
}

func buildTotalsPayload(t services.OrderTotals) totalsPayload {
	return totalsPayload{
		Subtotal: formatMoney(t.Subtotal),
		Shipping: formatMoney(t.Shipping),
		Tax:      formatMoney(t.Tax),
		Discount: formatMoney(t.Discount),
		Total:    formatMoney(t.Total),
	}
}

func buildAddressPayload(a services.AddressSnapshot) addressPayload {
	return addressPayload{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      cloneStringPointer(a.Line2),
		City:       a.City,
		State:      cloneStringPointer(a.State),
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      cloneStringPointer(a.Phone),
	}
}

// buildOrderPayload renders an order. Admin notes are only included for staff views.
func buildOrderPayload(order services.Order, includeAdmin bool) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		CartID:          order.CartID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentIntentID: cloneStringPointer(order.PaymentIntentID),
		PaymentProvider: cloneStringPointer(order.PaymentProvider),
		Currency:        order.Currency,
		Totals:          buildTotalsPayload(order.Totals),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		BillingAddress:  buildAddressPayload(order.BillingAddress),
		Notes:           cloneStringPointer(order.Notes),
		CancelReason:    cloneStringPointer(order.CancelReason),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ItemCount:       order.ItemCount,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		ConfirmedAt:     formatTime(pointerTime(order.ConfirmedAt)),
		ShippedAt:       formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:     formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
	}
	if includeAdmin {
		payload.AdminNotes = cloneStringPointer(order.AdminNotes)
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ID:                 item.ID,
			ProductID:          item.ProductID,
			VariantID:          cloneStringPointer(item.VariantID),
			Name:               item.Name,
			VariantDescription: item.VariantDescription,
			SKU:                item.SKU,
			Image:              item.Image,
			UnitPrice:          formatMoney(item.UnitPrice),
			Quantity:           item.Quantity,
			LineTotal:          formatMoney(item.LineTotal),
		})
	}
	if payload.ItemCount == 0 && len(order.Items) > 0 {
		for _, item := range order.Items {
			payload.ItemCount += item.Quantity
		}
	}
	return payload
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Currency:      order.Currency,
		Total:         formatMoney(order.Totals.Total),
		ItemCount:     order.ItemCount,
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderList(page domain.Page[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	return orderListResponse{
		Items:      items,
		Page:       page.Page,
		Limit:      page.Limit,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	}
}

func buildStockIssues(issues []services.StockIssue) []stockIssuePayload {
	out := make([]stockIssuePayload, 0, len(issues))
	for _, issue := range issues {
		out = append(out, stockIssuePayload{
			CartItemID:  issue.CartItemID,
			ProductID:   issue.ProductID,
			VariantID:   cloneStringPointer(issue.VariantID),
			ProductName: issue.ProductName,
			Reason:      string(issue.Reason),
			Requested:   issue.Requested,
			Available:   issue.Available,
		})
	}
	return out
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var issuesErr *services.CheckoutIssuesError
	switch {
	case errors.As(err, &issuesErr):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"issues": buildStockIssues(issuesErr.Issues)}))
	case errors.Is(err, services.ErrCheckoutInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "active cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable), errors.Is(err, services.ErrOrderNumberUnavailable):
		writeServiceUnavailable(ctx, w, "checkout_unavailable", "checkout is temporarily unavailable")
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout", http.StatusInternalServerError))
	}
}

// writeOrderError hides whether a missing order exists under another owner.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		writeServiceUnavailable(ctx, w, "order_unavailable", "orders are temporarily unavailable")
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
