package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// PageRequest holds offset paging inputs for list operations.
type PageRequest struct {
	Page  int
	Limit int
}

// Offset returns the zero-based row offset for the requested page.
func (p PageRequest) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Page is a generic page of results with totals for offset pagination.
type Page[T any] struct {
	Items      []T
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// NewPage computes TotalPages from the total row count.
func NewPage[T any](items []T, req PageRequest, total int) Page[T] {
	pages := 0
	if req.Limit > 0 && total > 0 {
		pages = (total + req.Limit - 1) / req.Limit
	}
	return Page[T]{
		Items:      items,
		Page:       req.Page,
		Limit:      req.Limit,
		Total:      total,
		TotalPages: pages,
	}
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment or staff confirmation was received.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is terminal; stock has been restored.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// Valid reports whether the status is one of the known values.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// PaymentStatus enumerates payment states tracked on an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid reports whether the payment status is one of the known values.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentMethod is the customer's chosen way to pay.
type PaymentMethod string

const (
	PaymentMethodCard       PaymentMethod = "card"
	PaymentMethodUPI        PaymentMethod = "upi"
	PaymentMethodNetBanking PaymentMethod = "netbanking"
	PaymentMethodCOD        PaymentMethod = "cod"
)

// Valid reports whether the payment method is accepted at checkout.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodUPI, PaymentMethodNetBanking, PaymentMethodCOD:
		return true
	default:
		return false
	}
}

// CartStatus enumerates the states of a shopping cart.
type CartStatus string

const (
	CartStatusActive    CartStatus = "active"
	CartStatusConverted CartStatus = "converted"
	CartStatusAbandoned CartStatus = "abandoned"
)

// Cart is the user's mutable basket. A converted cart is never checked out again.
type Cart struct {
	ID        string
	UserID    string
	Status    CartStatus
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is a single line of a cart.
type CartItem struct {
	ID        string
	ProductID string
	VariantID *string
	Quantity  int
}

// Product is the catalog entry a cart line refers to.
type Product struct {
	ID           string
	Name         string
	SKU          string
	Price        decimal.Decimal
	Stock        int
	Active       bool
	Deleted      bool
	PrimaryImage string
}

// Available reports whether the product can be sold.
func (p Product) Available() bool {
	return p.Active && !p.Deleted
}

// Variant is a purchasable option set of a product. Price and Stock fall back
// to the parent product when nil.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	Price     *decimal.Decimal
	Stock     *int
	Options   map[string]string
	Image     string
}

// StockOwnerKind identifies which catalog row holds the stock counter for a line.
type StockOwnerKind string

const (
	StockOwnerProduct StockOwnerKind = "product"
	StockOwnerVariant StockOwnerKind = "variant"
)

// PricedEntity is the resolved sellable unit of a cart line: either a bare
// product or one of its variants.
type PricedEntity struct {
	Kind      StockOwnerKind
	Product   Product
	Variant   *Variant
	UnitPrice decimal.Decimal
	Stock     int
	// StockOwner is the kind of row whose stock counter is read and mutated.
	StockOwner StockOwnerKind
}

// StockOwnerID returns the id of the row holding the stock counter.
func (e PricedEntity) StockOwnerID() string {
	if e.StockOwner == StockOwnerVariant && e.Variant != nil {
		return e.Variant.ID
	}
	return e.Product.ID
}

// SKU prefers the variant SKU.
func (e PricedEntity) SKU() string {
	if e.Variant != nil && e.Variant.SKU != "" {
		return e.Variant.SKU
	}
	return e.Product.SKU
}

// Image prefers the variant image.
func (e PricedEntity) Image() string {
	if e.Variant != nil && e.Variant.Image != "" {
		return e.Variant.Image
	}
	return e.Product.PrimaryImage
}

// StockIssueReason tags why a cart line cannot be fulfilled.
type StockIssueReason string

const (
	StockIssueOutOfStock         StockIssueReason = "out_of_stock"
	StockIssueInsufficientStock  StockIssueReason = "insufficient_stock"
	StockIssueProductUnavailable StockIssueReason = "product_unavailable"
)

// StockIssue identifies an unfulfillable cart line. It is never persisted.
type StockIssue struct {
	CartItemID  string
	ProductID   string
	VariantID   *string
	ProductName string
	Reason      StockIssueReason
	Requested   int
	Available   int
}

// Address is a user's saved address book entry.
type Address struct {
	ID         string
	UserID     string
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// AddressSnapshot is a frozen copy of an address taken when the order was placed.
type AddressSnapshot struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

// OrderTotals carries the monetary breakdown of an order.
type OrderTotals struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Rounded rounds each component to two places and derives Total from the
// rounded parts so the stored record always adds up.
func (t OrderTotals) Rounded() OrderTotals {
	out := OrderTotals{
		Subtotal: t.Subtotal.Round(2),
		Shipping: t.Shipping.Round(2),
		Tax:      t.Tax.Round(2),
		Discount: t.Discount.Round(2),
	}
	out.Total = out.Subtotal.Add(out.Shipping).Add(out.Tax).Sub(out.Discount)
	return out
}

// Order is the durable record of a completed checkout.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	CartID          string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	PaymentIntentID *string
	PaymentProvider *string
	Currency        string
	Totals          OrderTotals
	ShippingAddress AddressSnapshot
	BillingAddress  AddressSnapshot
	Notes           *string
	AdminNotes      *string
	CancelReason    *string
	Items           []OrderItem
	ItemCount       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// OrderItem is an immutable purchase-time snapshot of a cart line.
type OrderItem struct {
	ID                 string
	OrderID            string
	ProductID          string
	VariantID          *string
	StockOwner         StockOwnerKind
	Name               string
	VariantDescription string
	SKU                string
	Image              string
	UnitPrice          decimal.Decimal
	Quantity           int
	LineTotal          decimal.Decimal
	CreatedAt          time.Time
}

// StockOwnerID returns the catalog row whose stock this item decremented.
func (i OrderItem) StockOwnerID() string {
	if i.StockOwner == StockOwnerVariant && i.VariantID != nil {
		return *i.VariantID
	}
	return i.ProductID
}
