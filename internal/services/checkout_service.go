package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput covers bad addresses, an empty cart, and malformed commands.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCartNotFound indicates the user has no active cart.
	ErrCheckoutCartNotFound = errors.New("checkout: active cart not found")
	// ErrCheckoutInsufficientStock indicates at least one line cannot be fulfilled.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutConflict indicates the cart changed state underneath the checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutUnavailable signals a dependency outage.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")

	errOrderNumberTaken = errors.New("checkout: order number taken")
)

// orderNumberAttempts bounds the retry on a duplicate order number.
const orderNumberAttempts = 2

// CheckoutIssuesError aggregates every unfulfillable line of a rejected checkout.
type CheckoutIssuesError struct {
	Issues []StockIssue
}

func (e *CheckoutIssuesError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ErrCheckoutInsufficientStock.Error()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		name := issue.ProductName
		if name == "" {
			name = issue.ProductID
		}
		parts = append(parts, fmt.Sprintf("%s: %s (requested %d, available %d)", name, issue.Reason, issue.Requested, issue.Available))
	}
	return fmt.Sprintf("%s: %s", ErrCheckoutInsufficientStock.Error(), strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrCheckoutInsufficientStock.
func (e *CheckoutIssuesError) Is(target error) bool {
	return target == ErrCheckoutInsufficientStock
}

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Carts        repositories.CartRepository
	Orders       repositories.OrderRepository
	Ledger       *StockLedger
	Addresses    *AddressSnapshotResolver
	OrderNumbers *OrderNumberGenerator
	UnitOfWork   repositories.UnitOfWork
	Pricing      PricingConfig
	// Tax and Shipping override the flat policies derived from Pricing.
	Tax         TaxCalculator
	Shipping    ShippingEstimator
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(context.Context, string, map[string]any)
}

type checkoutService struct {
	carts      repositories.CartRepository
	orders     repositories.OrderRepository
	ledger     *StockLedger
	addresses  *AddressSnapshotResolver
	numbers    *OrderNumberGenerator
	unitOfWork repositories.UnitOfWork
	currency   string
	tax        TaxCalculator
	shipping   ShippingEstimator
	events     OrderEventPublisher
	clock      func() time.Time
	newID      func() string
	metrics    orderMetrics
	logger     func(context.Context, string, map[string]any)
}

// NewCheckoutService constructs a CheckoutService.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("checkout service: stock ledger is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("checkout service: address resolver is required")
	}
	if deps.OrderNumbers == nil {
		return nil, errors.New("checkout service: order number generator is required")
	}
	if err := deps.Pricing.Validate(); err != nil {
		return nil, fmt.Errorf("checkout service: %w", err)
	}

	tax := deps.Tax
	if tax == nil {
		tax = FlatTaxCalculator{Rate: deps.Pricing.TaxRate}
	}
	shipping := deps.Shipping
	if shipping == nil {
		shipping = FlatShippingEstimator{Fee: deps.Pricing.ShippingFee, FreeThreshold: deps.Pricing.FreeShippingThreshold}
	}
	uow := deps.UnitOfWork
	if uow == nil {
		uow = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:      deps.Carts,
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		addresses:  deps.Addresses,
		numbers:    deps.OrderNumbers,
		unitOfWork: uow,
		currency:   strings.ToUpper(strings.TrimSpace(deps.Pricing.Currency)),
		tax:        tax,
		shipping:   shipping,
		events:     deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   newID,
		metrics: newOrderMetrics(deps.Meter),
		logger:  logger,
	}, nil
}

func (s *checkoutService) Validate(ctx context.Context, cmd CheckoutCommand) (CheckoutValidation, error) {
	ctx, span := startSpan(ctx, "checkout.validate", attribute.String("user.id", cmd.UserID))
	defer span.End()

	result, err := s.validate(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CheckoutValidation{}, err
	}
	span.SetAttributes(attribute.Bool("checkout.valid", result.Valid), attribute.Int("checkout.issues", len(result.Issues)))
	return result, nil
}

func (s *checkoutService) validate(ctx context.Context, cmd CheckoutCommand) (CheckoutValidation, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutValidation{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}

	cart, err := s.carts.FindActiveByUser(ctx, userID)
	if err != nil {
		return CheckoutValidation{}, s.translateRepoError(err, ErrCheckoutCartNotFound)
	}
	if len(cart.Items) == 0 {
		return CheckoutValidation{}, fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}

	shippingAddr, err := s.addresses.Snapshot(ctx, userID, cmd.ShippingAddressID)
	if err != nil {
		return CheckoutValidation{}, err
	}
	billingAddr := shippingAddr
	if !cmd.UseSameAddress {
		if cmd.BillingAddressID == nil || strings.TrimSpace(*cmd.BillingAddressID) == "" {
			return CheckoutValidation{}, fmt.Errorf("%w: billing address id is required", ErrCheckoutInvalidInput)
		}
		billingAddr, err = s.addresses.Snapshot(ctx, userID, *cmd.BillingAddressID)
		if err != nil {
			return CheckoutValidation{}, err
		}
	}

	result := CheckoutValidation{
		Cart:            cart,
		Currency:        s.currency,
		ShippingAddress: shippingAddr,
		BillingAddress:  billingAddr,
	}
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return CheckoutValidation{}, fmt.Errorf("%w: cart item %s has non-positive quantity", ErrCheckoutInvalidInput, item.ID)
		}
		assessment, err := s.ledger.Assess(ctx, item)
		if err != nil {
			if isRepoUnavailable(err) {
				return CheckoutValidation{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
			}
			return CheckoutValidation{}, err
		}
		if assessment.Issue != nil {
			result.Issues = append(result.Issues, *assessment.Issue)
		}
		if !assessment.Available {
			continue
		}
		result.Lines = append(result.Lines, CheckoutLine{
			Item:      item,
			Entity:    assessment.Entity,
			LineTotal: assessment.Entity.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}

	result.Totals, result.ItemCount, result.FreeShipping = computeTotals(result.Lines, s.tax, s.shipping)
	result.Valid = len(result.Issues) == 0
	return result, nil
}

func (s *checkoutService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	ctx, span := startSpan(ctx, "checkout.create_order", attribute.String("user.id", cmd.UserID))
	defer span.End()

	order, err := s.createOrder(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.number", order.OrderNumber))
	return order, nil
}

func (s *checkoutService) createOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(cmd.PaymentMethod))))
	if !method.Valid() {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, cmd.PaymentMethod)
	}
	cmd.PaymentMethod = method
	cmd.Notes = sanitizeNotes(cmd.Notes)

	var (
		order Order
		err   error
	)
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		var number string
		number, err = s.numbers.Next(ctx)
		if err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		order, err = s.createInTx(ctx, cmd, number)
		if !errors.Is(err, errOrderNumberTaken) {
			break
		}
		s.logger(ctx, "checkout.order_number_collision", map[string]any{
			"orderNumber": number,
			"attempt":     attempt,
		})
	}
	if err != nil {
		if errors.Is(err, errOrderNumberTaken) {
			return Order{}, fmt.Errorf("%w: order number collision persisted after retry", ErrCheckoutConflict)
		}
		var issues *CheckoutIssuesError
		if errors.As(err, &issues) {
			for _, issue := range issues.Issues {
				s.metrics.rejected(ctx, string(issue.Reason))
			}
		}
		return Order{}, err
	}

	s.metrics.orderCreated(ctx)
	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderID":     order.ID,
		"orderNumber": order.OrderNumber,
		"userID":      order.UserID,
		"total":       order.Totals.Total.StringFixed(2),
		"items":       order.ItemCount,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          OrderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		ActorID:       order.UserID,
		OccurredAt:    order.CreatedAt,
	})
	return order, nil
}

func (s *checkoutService) createInTx(ctx context.Context, cmd CreateOrderCommand, number string) (Order, error) {
	var created Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		validation, err := s.validate(txCtx, cmd.CheckoutCommand)
		if err != nil {
			return err
		}
		if !validation.Valid {
			return &CheckoutIssuesError{Issues: validation.Issues}
		}

		now := s.clock()
		order := s.buildOrder(cmd, validation, number, now)
		if err := s.orders.Insert(txCtx, order); err != nil {
			if errors.Is(err, repositories.ErrDuplicateOrderNumber) {
				return errOrderNumberTaken
			}
			return s.translateRepoError(err, ErrCheckoutConflict)
		}

		for _, line := range decrementOrder(validation.Lines) {
			if err := s.ledger.Decrement(txCtx, line.Entity, line.Item.Quantity); err != nil {
				var stockErr *repositories.StockError
				if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorInsufficient {
					reason := domain.StockIssueInsufficientStock
					if stockErr.Available <= 0 {
						reason = domain.StockIssueOutOfStock
					}
					return &CheckoutIssuesError{Issues: []StockIssue{{
						CartItemID:  line.Item.ID,
						ProductID:   line.Entity.Product.ID,
						VariantID:   line.Item.VariantID,
						ProductName: line.Entity.Product.Name,
						Reason:      reason,
						Requested:   line.Item.Quantity,
						Available:   max(stockErr.Available, 0),
					}}}
				}
				return s.translateRepoError(err, ErrCheckoutConflict)
			}
		}

		if err := s.carts.MarkConverted(txCtx, validation.Cart.ID, now); err != nil {
			if isRepoConflict(err) || isRepoNotFound(err) {
				return fmt.Errorf("%w: cart %s is no longer active", ErrCheckoutConflict, validation.Cart.ID)
			}
			return s.translateRepoError(err, ErrCheckoutConflict)
		}

		created = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return created, nil
}

// decrementOrder sorts lines by stock row so concurrent checkouts lock shared
// rows in the same order.
func decrementOrder(lines []CheckoutLine) []CheckoutLine {
	ordered := append([]CheckoutLine(nil), lines...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Entity, ordered[j].Entity
		if a.StockOwner != b.StockOwner {
			return a.StockOwner < b.StockOwner
		}
		return a.StockOwnerID() < b.StockOwnerID()
	})
	return ordered
}

func (s *checkoutService) buildOrder(cmd CreateOrderCommand, validation CheckoutValidation, number string, now time.Time) Order {
	orderID := s.newID()
	items := make([]OrderItem, 0, len(validation.Lines))
	for _, line := range validation.Lines {
		var variantID *string
		description := ""
		if line.Entity.Variant != nil {
			variantID = cloneString(&line.Entity.Variant.ID)
			description = describeVariant(line.Entity.Variant.Options)
		}
		items = append(items, OrderItem{
			ID:                 s.newID(),
			OrderID:            orderID,
			ProductID:          line.Entity.Product.ID,
			VariantID:          variantID,
			StockOwner:         line.Entity.StockOwner,
			Name:               line.Entity.Product.Name,
			VariantDescription: description,
			SKU:                line.Entity.SKU(),
			Image:              line.Entity.Image(),
			UnitPrice:          line.Entity.UnitPrice.Round(2),
			Quantity:           line.Item.Quantity,
			LineTotal:          line.LineTotal.Round(2),
			CreatedAt:          now,
		})
	}

	return Order{
		ID:              orderID,
		OrderNumber:     number,
		UserID:          validation.Cart.UserID,
		CartID:          validation.Cart.ID,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentMethod:   cmd.PaymentMethod,
		Currency:        validation.Currency,
		Totals:          validation.Totals.Rounded(),
		ShippingAddress: validation.ShippingAddress,
		BillingAddress:  validation.BillingAddress,
		Notes:           cmd.Notes,
		Items:           items,
		ItemCount:       validation.ItemCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *checkoutService) translateRepoError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return err
}

func (s *checkoutService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if err := events.PublishOrderEvent(context.WithoutCancel(ctx), event); err != nil {
		logger(ctx, "order.event_publish_failed", map[string]any{
			"type":    event.Type,
			"orderID": event.OrderID,
			"status":  event.CurrentStatus,
			"error":   err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
