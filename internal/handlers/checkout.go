package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
	"github.com/hanko-field/commerce/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes checkout preview and order creation for authenticated users.
type CheckoutHandlers struct {
	authn      *auth.Authenticator
	checkout   services.CheckoutService
	idempotent func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers. idempotent wraps the create route when set.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, idempotent func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:      authn,
		checkout:   checkout,
		idempotent: idempotent,
	}
}

// Routes registers /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/validate", h.validate)
	create := r
	if h.idempotent != nil {
		create = r.With(h.idempotent)
	}
	create.Post("/create", h.create)
}

type checkoutRequest struct {
	ShippingAddressID string  `json:"shipping_address_id"`
	BillingAddressID  *string `json:"billing_address_id"`
	UseSameAddress    bool    `json:"use_same_address"`
}

type createOrderRequest struct {
	checkoutRequest
	PaymentMethod string  `json:"payment_method"`
	Notes         *string `json:"notes"`
}

type checkoutLinePayload struct {
	CartItemID     string  `json:"cart_item_id"`
	ProductID      string  `json:"product_id"`
	VariantID      *string `json:"variant_id,omitempty"`
	Name           string  `json:"name"`
	SKU            string  `json:"sku"`
	Image          string  `json:"image,omitempty"`
	UnitPrice      string  `json:"unit_price"`
	Quantity       int     `json:"quantity"`
	LineTotal      string  `json:"line_total"`
	AvailableStock int     `json:"available_stock"`
}

type checkoutValidationResponse struct {
	Valid           bool                  `json:"valid"`
	CartID          string                `json:"cart_id"`
	Currency        string                `json:"currency"`
	ItemCount       int                   `json:"item_count"`
	FreeShipping    bool                  `json:"free_shipping"`
	Totals          totalsPayload         `json:"totals"`
	Lines           []checkoutLinePayload `json:"lines"`
	Issues          []stockIssuePayload   `json:"issues"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	BillingAddress  addressPayload        `json:"billing_address"`
}

func (req checkoutRequest) command(userID string) services.CheckoutCommand {
	return services.CheckoutCommand{
		UserID:            userID,
		ShippingAddressID: strings.TrimSpace(req.ShippingAddressID),
		BillingAddressID:  trimmedPointer(req.BillingAddressID),
		UseSameAddress:    req.UseSameAddress,
	}
}

func (h *CheckoutHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req checkoutRequest
	if !decodeBody(ctx, w, r, maxCheckoutRequestBody, &req, false) {
		return
	}
	if strings.TrimSpace(req.ShippingAddressID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_address_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.checkout.Validate(ctx, req.command(identity.UID))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildValidationResponse(result))
}

func (h *CheckoutHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeServiceUnavailable(ctx, w, "checkout_unavailable", "checkout service unavailable")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeBody(ctx, w, r, maxCheckoutRequestBody, &req, false) {
		return
	}
	if strings.TrimSpace(req.ShippingAddressID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_address_id is required", http.StatusBadRequest))
		return
	}
	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if !method.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method must be one of card, upi, netbanking, cod", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.CreateOrder(ctx, services.CreateOrderCommand{
		CheckoutCommand: req.command(identity.UID),
		PaymentMethod:   method,
		Notes:           req.Notes,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/orders/"+order.ID)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order, false)})
}

func buildValidationResponse(result services.CheckoutValidation) checkoutValidationResponse {
	lines := make([]checkoutLinePayload, 0, len(result.Lines))
	for _, line := range result.Lines {
		lines = append(lines, checkoutLinePayload{
			CartItemID:     line.Item.ID,
			ProductID:      line.Item.ProductID,
			VariantID:      cloneStringPointer(line.Item.VariantID),
			Name:           line.Entity.Product.Name,
			SKU:            line.Entity.SKU(),
			Image:          line.Entity.Image(),
			UnitPrice:      formatMoney(line.Entity.UnitPrice),
			Quantity:       line.Item.Quantity,
			LineTotal:      formatMoney(line.LineTotal),
			AvailableStock: line.Entity.Stock,
		})
	}
	return checkoutValidationResponse{
		Valid:           result.Valid,
		CartID:          result.Cart.ID,
		Currency:        result.Currency,
		ItemCount:       result.ItemCount,
		FreeShipping:    result.FreeShipping,
		Totals:          buildTotalsPayload(result.Totals),
		Lines:           lines,
		Issues:          buildStockIssues(result.Issues),
		ShippingAddress: buildAddressPayload(result.ShippingAddress),
		BillingAddress:  buildAddressPayload(result.BillingAddress),
	}
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	return optionalString(*value)
}
