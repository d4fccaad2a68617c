package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

type memoryRepoError struct {
	msg      string
	notFound bool
	conflict bool
	err      error
}

func (e *memoryRepoError) Error() string       { return e.msg }
func (e *memoryRepoError) Unwrap() error       { return e.err }
func (e *memoryRepoError) IsNotFound() bool    { return e.notFound }
func (e *memoryRepoError) IsConflict() bool    { return e.conflict }
func (e *memoryRepoError) IsUnavailable() bool { return false }

func errNotFound(format string, args ...any) error {
	return &memoryRepoError{msg: fmt.Sprintf(format, args...), notFound: true}
}

func errConflict(format string, args ...any) error {
	return &memoryRepoError{msg: fmt.Sprintf(format, args...), conflict: true}
}

type memoryState struct {
	products  map[string]domain.Product
	variants  map[string]domain.Variant
	addresses map[string]domain.Address
	carts     map[string]domain.Cart
	orders    map[string]domain.Order
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		products:  make(map[string]domain.Product, len(s.products)),
		variants:  make(map[string]domain.Variant, len(s.variants)),
		addresses: make(map[string]domain.Address, len(s.addresses)),
		carts:     make(map[string]domain.Cart, len(s.carts)),
		orders:    make(map[string]domain.Order, len(s.orders)),
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.variants {
		if v.Stock != nil {
			stock := *v.Stock
			v.Stock = &stock
		}
		out.variants[k] = v
	}
	for k, v := range s.addresses {
		out.addresses[k] = v
	}
	for k, v := range s.carts {
		v.Items = append([]domain.CartItem(nil), v.Items...)
		out.carts[k] = v
	}
	for k, v := range s.orders {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		out.orders[k] = v
	}
	return out
}

// memoryStore implements every repository the services use. RunInTx
// serialises transactions and restores a snapshot when fn fails. Counters
// live outside the snapshot, like a sequence.
type memoryStore struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	state    memoryState
	counters map[string]int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		state: memoryState{
			products:  map[string]domain.Product{},
			variants:  map[string]domain.Variant{},
			addresses: map[string]domain.Address{},
			carts:     map[string]domain.Cart{},
			orders:    map[string]domain.Order{},
		},
		counters: map[string]int64{},
	}
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryStore) addProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

func (m *memoryStore) addVariant(v domain.Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.variants[v.ID] = v
}

func (m *memoryStore) addAddress(a domain.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.addresses[a.ID] = a
}

func (m *memoryStore) addCart(c domain.Cart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = domain.CartStatusActive
	}
	m.state.carts[c.ID] = c
}

func (m *memoryStore) productStock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.products[id].Stock
}

func (m *memoryStore) variantStock(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.state.variants[id]
	if v.Stock == nil {
		return -1
	}
	return *v.Stock
}

func (m *memoryStore) cartStatus(id string) domain.CartStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.carts[id].Status
}

func (m *memoryStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.orders)
}

// CartRepository

func (m *memoryStore) FindActiveByUser(_ context.Context, userID string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.state.carts {
		if cart.UserID == userID && cart.Status == domain.CartStatusActive {
			cart.Items = append([]domain.CartItem(nil), cart.Items...)
			return cart, nil
		}
	}
	return domain.Cart{}, errNotFound("cart for %s", userID)
}

func (m *memoryStore) MarkConverted(_ context.Context, cartID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.state.carts[cartID]
	if !ok {
		return errNotFound("cart %s", cartID)
	}
	if cart.Status != domain.CartStatusActive {
		return errConflict("cart %s is %s", cartID, cart.Status)
	}
	cart.Status = domain.CartStatusConverted
	cart.UpdatedAt = at
	m.state.carts[cartID] = cart
	return nil
}

// CatalogRepository

func (m *memoryStore) FindProduct(_ context.Context, productID string) (domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.products[productID]
	if !ok {
		return domain.Product{}, errNotFound("product %s", productID)
	}
	return p, nil
}

func (m *memoryStore) FindVariant(_ context.Context, productID, variantID string) (domain.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state.variants[variantID]
	if !ok || v.ProductID != productID {
		return domain.Variant{}, errNotFound("variant %s", variantID)
	}
	if v.Stock != nil {
		stock := *v.Stock
		v.Stock = &stock
	}
	return v, nil
}

func (m *memoryStore) DecrementStock(_ context.Context, owner domain.StockOwnerKind, ownerID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch owner {
	case domain.StockOwnerVariant:
		v, ok := m.state.variants[ownerID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorOwnerNotFound, ownerID, "variant not found", nil)
		}
		if v.Stock == nil {
			return repositories.NewInsufficientStockError(ownerID, quantity, 0)
		}
		if *v.Stock < quantity {
			return repositories.NewInsufficientStockError(ownerID, quantity, *v.Stock)
		}
		stock := *v.Stock - quantity
		v.Stock = &stock
		m.state.variants[ownerID] = v
	default:
		p, ok := m.state.products[ownerID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorOwnerNotFound, ownerID, "product not found", nil)
		}
		if p.Stock < quantity {
			return repositories.NewInsufficientStockError(ownerID, quantity, p.Stock)
		}
		p.Stock -= quantity
		m.state.products[ownerID] = p
	}
	return nil
}

func (m *memoryStore) RestoreStock(_ context.Context, owner domain.StockOwnerKind, ownerID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch owner {
	case domain.StockOwnerVariant:
		v, ok := m.state.variants[ownerID]
		if !ok || v.Stock == nil {
			return repositories.NewStockError(repositories.StockErrorOwnerNotFound, ownerID, "variant not found", nil)
		}
		stock := *v.Stock + quantity
		v.Stock = &stock
		m.state.variants[ownerID] = v
	default:
		p, ok := m.state.products[ownerID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorOwnerNotFound, ownerID, "product not found", nil)
		}
		p.Stock += quantity
		m.state.products[ownerID] = p
	}
	return nil
}

// AddressRepository

func (m *memoryStore) FindByUser(_ context.Context, userID, addressID string) (domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.state.addresses[addressID]
	if !ok || addr.UserID != userID {
		return domain.Address{}, errNotFound("address %s", addressID)
	}
	return addr, nil
}

// OrderRepository

func (m *memoryStore) Insert(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.orders {
		if existing.OrderNumber == order.OrderNumber {
			return &memoryRepoError{
				msg:      fmt.Sprintf("order number %s exists", order.OrderNumber),
				conflict: true,
				err:      repositories.ErrDuplicateOrderNumber,
			}
		}
	}
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	m.state.orders[order.ID] = order
	return nil
}

func (m *memoryStore) Update(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.state.orders[order.ID]
	if !ok {
		return errNotFound("order %s", order.ID)
	}
	order.Items = existing.Items
	m.state.orders[order.ID] = order
	return nil
}

func (m *memoryStore) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.state.orders[orderID]
	if !ok {
		return domain.Order{}, errNotFound("order %s", orderID)
	}
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	return order, nil
}

func (m *memoryStore) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return m.FindByID(ctx, orderID)
}

func (m *memoryStore) List(_ context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []domain.Order
	for _, order := range m.state.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !containsStatus(filter.Status, order.Status) {
			continue
		}
		if filter.NumberSearch != "" && !strings.Contains(order.OrderNumber, filter.NumberSearch) {
			continue
		}
		count := 0
		for _, item := range order.Items {
			count += item.Quantity
		}
		order.ItemCount = count
		order.Items = nil
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].OrderNumber > matched[j].OrderNumber })
	total := len(matched)
	start := filter.Pagination.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Pagination.Limit
	if end > total {
		end = total
	}
	return domain.NewPage(matched[start:end], filter.Pagination, total), nil
}

func containsStatus(list []domain.OrderStatus, status domain.OrderStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// CounterRepository

func (m *memoryStore) Next(_ context.Context, counterID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterID]++
	return m.counters[counterID], nil
}

// fixture helpers

var fixedNow = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

func price(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func decPtr(value string) *decimal.Decimal {
	d := price(value)
	return &d
}

type checkoutHarness struct {
	store    *memoryStore
	checkout CheckoutService
	orders   OrderService
	events   *captureOrderEvents
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type harnessOption func(*CheckoutServiceDeps, *memoryStore)

func withCatalog(catalog repositories.CatalogRepository) harnessOption {
	return func(deps *CheckoutServiceDeps, _ *memoryStore) {
		ledger, err := NewStockLedger(catalog, nil)
		if err != nil {
			panic(err)
		}
		deps.Ledger = ledger
	}
}

func withOrders(orders repositories.OrderRepository) harnessOption {
	return func(deps *CheckoutServiceDeps, _ *memoryStore) {
		deps.Orders = orders
	}
}

func withShippingFee(fee string) harnessOption {
	return func(deps *CheckoutServiceDeps, _ *memoryStore) {
		deps.Pricing.ShippingFee = price(fee)
	}
}

func withCounters(counters repositories.CounterRepository) harnessOption {
	return func(deps *CheckoutServiceDeps, _ *memoryStore) {
		gen, err := NewOrderNumberGenerator(OrderNumberGeneratorDeps{
			Counters: counters,
			Prefix:   "ORD",
			Clock:    func() time.Time { return fixedNow },
		})
		if err != nil {
			panic(err)
		}
		deps.OrderNumbers = gen
	}
}

func newCheckoutHarness(store *memoryStore, opts ...harnessOption) (*checkoutHarness, error) {
	ledger, err := NewStockLedger(store, nil)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressSnapshotResolver(store)
	if err != nil {
		return nil, err
	}
	numbers, err := NewOrderNumberGenerator(OrderNumberGeneratorDeps{
		Counters: store,
		Prefix:   "ORD",
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		return nil, err
	}
	events := &captureOrderEvents{}

	deps := CheckoutServiceDeps{
		Carts:        store,
		Orders:       store,
		Ledger:       ledger,
		Addresses:    addresses,
		OrderNumbers: numbers,
		UnitOfWork:   store,
		Pricing: PricingConfig{
			Currency:              "INR",
			TaxRate:               price("0.18"),
			ShippingFee:           price("99.00"),
			FreeShippingThreshold: price("999.00"),
		},
		Events: events,
		Clock:  func() time.Time { return fixedNow },
	}
	for _, opt := range opts {
		opt(&deps, store)
	}

	checkout, err := NewCheckoutService(deps)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:     store,
		Ledger:     ledger,
		UnitOfWork: store,
		Events:     events,
		Clock:      func() time.Time { return fixedNow.Add(time.Hour) },
	})
	if err != nil {
		return nil, err
	}
	return &checkoutHarness{store: store, checkout: checkout, orders: orders, events: events}, nil
}

// seedWorkedExample stocks a cart of 2x1499.00 (variant) and 1x599.00 (product) for user-1.
func seedWorkedExample(store *memoryStore) {
	store.addProduct(domain.Product{ID: "prod-shirt", Name: "Linen Shirt", SKU: "SHIRT", Price: price("1299.00"), Stock: 50, Active: true, PrimaryImage: "shirt.jpg"})
	store.addVariant(domain.Variant{
		ID:        "var-shirt-m",
		ProductID: "prod-shirt",
		SKU:       "SHIRT-M-BLUE",
		Price:     decPtr("1499.00"),
		Stock:     intPtr(5),
		Options:   map[string]string{"size": "M", "color": "Blue"},
		Image:     "shirt-blue.jpg",
	})
	store.addProduct(domain.Product{ID: "prod-socks", Name: "Wool Socks", SKU: "SOCKS", Price: price("599.00"), Stock: 3, Active: true, PrimaryImage: "socks.jpg"})
	store.addAddress(domain.Address{ID: "addr-home", UserID: "user-1", Recipient: "Asha Rao", Line1: "12 MG Road", City: "Bengaluru", PostalCode: "560001", Country: "IN"})
	store.addAddress(domain.Address{ID: "addr-office", UserID: "user-1", Recipient: "Asha Rao", Line1: "4 Residency Road", City: "Bengaluru", PostalCode: "560025", Country: "IN"})
	store.addCart(domain.Cart{
		ID:     "cart-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "ci-1", ProductID: "prod-shirt", VariantID: strPtr("var-shirt-m"), Quantity: 2},
			{ID: "ci-2", ProductID: "prod-socks", Quantity: 1},
		},
	})
}

func homeCheckout(userID string) CheckoutCommand {
	return CheckoutCommand{UserID: userID, ShippingAddressID: "addr-home", UseSameAddress: true}
}

var _ repositories.CartRepository = (*memoryStore)(nil)
var _ repositories.CatalogRepository = (*memoryStore)(nil)
var _ repositories.AddressRepository = (*memoryStore)(nil)
var _ repositories.OrderRepository = (*memoryStore)(nil)
var _ repositories.CounterRepository = (*memoryStore)(nil)
var _ repositories.UnitOfWork = (*memoryStore)(nil)
