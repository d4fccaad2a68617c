package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// ErrDuplicateOrderNumber is wrapped by OrderRepository.Insert when the order
// number unique constraint rejects the row. Other conflicts do not carry it.
var ErrDuplicateOrderNumber = errors.New("repositories: order number already exists")

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Catalog() CatalogRepository
	Addresses() AddressRepository
	Orders() OrderRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in one transaction. Repositories
// called with the ctx handed to fn participate in that transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository reads carts and flips them to converted at checkout.
type CartRepository interface {
	// FindActiveByUser returns the user's active cart with its items. Returns a
	// RepositoryError with IsNotFound when the user has no active cart.
	FindActiveByUser(ctx context.Context, userID string) (domain.Cart, error)
	// MarkConverted moves an active cart to converted. Returns IsConflict when
	// the cart is no longer active.
	MarkConverted(ctx context.Context, cartID string, at time.Time) error
}

// CatalogRepository loads products and variants and owns the stock counters.
type CatalogRepository interface {
	// FindProduct returns the product including soft-deleted rows so callers
	// can report them as unavailable.
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
	FindVariant(ctx context.Context, productID, variantID string) (domain.Variant, error)
	// DecrementStock subtracts quantity only when at least quantity is
	// available. Otherwise returns *StockError with StockErrorInsufficient and
	// the stock left on the row in Available.
	DecrementStock(ctx context.Context, owner domain.StockOwnerKind, ownerID string, quantity int) error
	// RestoreStock adds quantity back. Returns IsNotFound when the row is gone.
	RestoreStock(ctx context.Context, owner domain.StockOwnerKind, ownerID string, quantity int) error
}

// AddressRepository resolves saved addresses owned by a user.
type AddressRepository interface {
	FindByUser(ctx context.Context, userID, addressID string) (domain.Address, error)
}

// OrderListFilter narrows order list queries.
type OrderListFilter struct {
	UserID        string
	Status        []domain.OrderStatus
	PaymentStatus []domain.PaymentStatus
	DateRange     domain.RangeQuery[time.Time]
	NumberSearch  string
	Pagination    domain.PageRequest
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	// Insert writes the header and every item. A taken order number returns a
	// conflict that wraps ErrDuplicateOrderNumber.
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	// FindByID loads the order with items.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByIDForUpdate loads the order with items and locks the header row
	// until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	// List returns order headers with ItemCount populated.
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
}

// CounterRepository issues monotonically increasing sequence values per key.
type CounterRepository interface {
	Next(ctx context.Context, counterID string) (int64, error)
}

// HealthRepository reports dependency status for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
