package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order           = domain.Order
	OrderItem       = domain.OrderItem
	OrderTotals     = domain.OrderTotals
	OrderStatus     = domain.OrderStatus
	PaymentStatus   = domain.PaymentStatus
	Cart            = domain.Cart
	CartItem        = domain.CartItem
	StockIssue      = domain.StockIssue
	AddressSnapshot = domain.AddressSnapshot
)

// CheckoutService previews and commits checkouts of a user's active cart.
type CheckoutService interface {
	// Validate computes totals and stock issues without mutating anything.
	Validate(ctx context.Context, cmd CheckoutCommand) (CheckoutValidation, error)
	// CreateOrder converts the active cart into an order in one transaction.
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
}

// OrderService exposes order reads and lifecycle transitions.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListForUser(ctx context.Context, userID string, filter OrderListFilter) (domain.Page[Order], error)
	ListAll(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error)
}

// OrderEventPublisher delivers order domain events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// TaxCalculator computes tax owed on a subtotal.
type TaxCalculator interface {
	Tax(subtotal decimal.Decimal) decimal.Decimal
}

// ShippingEstimator computes the shipping charge for a subtotal and reports
// whether the free-shipping threshold waived it.
type ShippingEstimator interface {
	Shipping(subtotal decimal.Decimal) (fee decimal.Decimal, free bool)
}

// CheckoutCommand identifies the addresses used for a checkout of the user's active cart.
type CheckoutCommand struct {
	UserID            string
	ShippingAddressID string
	BillingAddressID  *string
	UseSameAddress    bool
}

// CreateOrderCommand extends CheckoutCommand with payment and note details.
type CreateOrderCommand struct {
	CheckoutCommand
	PaymentMethod domain.PaymentMethod
	Notes         *string
}

// CheckoutLine is a cart line resolved against the catalog.
type CheckoutLine struct {
	Item      CartItem
	Entity    domain.PricedEntity
	LineTotal decimal.Decimal
}

// CheckoutValidation always carries totals and the issue list, even when invalid.
type CheckoutValidation struct {
	Valid           bool
	Cart            Cart
	Lines           []CheckoutLine
	Issues          []StockIssue
	Totals          OrderTotals
	ItemCount       int
	FreeShipping    bool
	Currency        string
	ShippingAddress AddressSnapshot
	BillingAddress  AddressSnapshot
}

// OrderReadOptions scopes a read to an owner when UserID is set.
type OrderReadOptions struct {
	UserID string
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	Status        []domain.OrderStatus
	PaymentStatus []domain.PaymentStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	NumberSearch  string
	Page          int
	Limit         int
}

// UpdateOrderStatusCommand drives an admin status transition.
type UpdateOrderStatusCommand struct {
	OrderID      string
	TargetStatus domain.OrderStatus
	AdminNotes   *string
	ActorID      string
}

// CancelOrderCommand is the owner-scoped cancellation request.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  *string
}

// UpdatePaymentStatusCommand records a payment provider outcome.
type UpdatePaymentStatusCommand struct {
	OrderID         string
	PaymentStatus   domain.PaymentStatus
	PaymentIntentID *string
	Provider        *string
	ActorID         string
}

// OrderEvent captures order state changes for downstream consumers.
type OrderEvent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	UserID         string    `json:"user_id"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	CurrentStatus  string    `json:"current_status"`
	PaymentStatus  string    `json:"payment_status"`
	ActorID        string    `json:"actor_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

const (
	OrderEventCreated              = "order.created"
	OrderEventStatusChanged        = "order.status_changed"
	OrderEventCancelled            = "order.cancelled"
	OrderEventPaymentStatusChanged = "order.payment_status_changed"
)
