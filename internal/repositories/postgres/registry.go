package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/commerce/internal/repositories"
)

// Registry wires the Postgres repositories behind repositories.Registry.
type Registry struct {
	*Provider

	carts     *CartRepository
	catalog   *CatalogRepository
	addresses *AddressRepository
	orders    *OrderRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

// RegistryOption customises registry construction.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	checks []repositories.DependencyCheck
	clock  func() time.Time
}

// WithDependencyChecks adds readiness probes reported next to the database.
func WithDependencyChecks(checks ...repositories.DependencyCheck) RegistryOption {
	return func(o *registryOptions) {
		o.checks = append(o.checks, checks...)
	}
}

// WithClock overrides the clock used for health reports.
func WithClock(clock func() time.Time) RegistryOption {
	return func(o *registryOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewRegistry builds every repository over a shared provider.
func NewRegistry(provider *Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry: provider is required")
	}
	options := registryOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	checks := append([]repositories.DependencyCheck{{
		Name:     "postgres",
		Critical: true,
		Check:    provider.Ping,
	}}, options.checks...)
	health, err := repositories.NewDependencyHealthRepository(checks, options.clock)
	if err != nil {
		return nil, fmt.Errorf("postgres registry: %w", err)
	}

	reg := &Registry{Provider: provider, health: health}
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.catalog, err = NewCatalogRepository(provider); err != nil {
		return nil, err
	}
	if reg.addresses, err = NewAddressRepository(provider); err != nil {
		return nil, err
	}
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.counters, err = NewCounterRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Carts() repositories.CartRepository        { return r.carts }
func (r *Registry) Catalog() repositories.CatalogRepository   { return r.catalog }
func (r *Registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *Registry) Orders() repositories.OrderRepository      { return r.orders }
func (r *Registry) Counters() repositories.CounterRepository  { return r.counters }
func (r *Registry) Health() repositories.HealthRepository     { return r.health }

var _ repositories.Registry = (*Registry)(nil)

// Close releases the pool.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.Provider.Close(ctx)
}
