package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates a malformed command or filter.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound hides whether an order is absent or owned by someone else.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates a transition the lifecycle forbids.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates concurrent modification.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable signals a dependency outage.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

const (
	defaultOrderPageLimit = 20
	maxOrderPageLimit     = 100
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {domain.OrderStatusRefunded},
	domain.OrderStatusCancelled:  {},
	domain.OrderStatusRefunded:   {},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, candidate := range orderStateTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Ledger     *StockLedger
	UnitOfWork repositories.UnitOfWork
	Events     OrderEventPublisher
	Clock      func() time.Time
	Meter      metric.Meter
	Logger     func(context.Context, string, map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	ledger     *StockLedger
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	clock      func() time.Time
	metrics    orderMetrics
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires the lifecycle and query paths.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: stock ledger is required")
	}
	uow := deps.UnitOfWork
	if uow == nil {
		uow = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders:     deps.Orders,
		ledger:     deps.Ledger,
		unitOfWork: uow,
		events:     deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		metrics: newOrderMetrics(deps.Meter),
		logger:  logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return Order{}, err
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if userID := strings.TrimSpace(opts.UserID); userID != "" && order.UserID != userID {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListForUser(ctx context.Context, userID string, filter OrderListFilter) (domain.Page[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Page[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	return s.list(ctx, userID, filter)
}

func (s *orderService) ListAll(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error) {
	return s.list(ctx, "", filter)
}

func (s *orderService) list(ctx context.Context, userID string, filter OrderListFilter) (domain.Page[Order], error) {
	repoFilter, err := buildListFilter(userID, filter)
	if err != nil {
		return domain.Page[Order]{}, err
	}
	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func buildListFilter(userID string, filter OrderListFilter) (repositories.OrderListFilter, error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return repositories.OrderListFilter{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	for _, status := range filter.PaymentStatus {
		if !status.Valid() {
			return repositories.OrderListFilter{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, status)
		}
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && filter.CreatedBefore.Before(*filter.CreatedAfter) {
		return repositories.OrderListFilter{}, fmt.Errorf("%w: created_before precedes created_after", ErrOrderInvalidInput)
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultOrderPageLimit
	}
	if limit > maxOrderPageLimit {
		limit = maxOrderPageLimit
	}

	return repositories.OrderListFilter{
		UserID:        userID,
		Status:        filter.Status,
		PaymentStatus: filter.PaymentStatus,
		DateRange: domain.RangeQuery[time.Time]{
			From: filter.CreatedAfter,
			To:   filter.CreatedBefore,
		},
		NumberSearch: normalizeNumberSearch(filter.NumberSearch),
		Pagination:   domain.PageRequest{Page: page, Limit: limit},
	}, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	ctx, span := startSpan(ctx, "order.update_status",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target_status", string(cmd.TargetStatus)),
	)
	defer span.End()

	orderID, err := normalizeOrderID(cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.TargetStatus))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	notes := sanitizeNotes(cmd.AdminNotes)

	var (
		updated  Order
		previous domain.OrderStatus
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !CanTransition(order.Status, target) {
			return fmt.Errorf("%w: cannot transition order from %s to %s", ErrOrderInvalidState, order.Status, target)
		}
		if target == domain.OrderStatusCancelled {
			if err := s.ledger.Restore(txCtx, order.Items); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		previous = order.Status
		now := s.clock()
		applyStatus(&order, target, now)
		if notes != nil {
			order.AdminNotes = notes
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}

	s.afterTransition(ctx, updated, previous, cmd.ActorID)
	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	ctx, span := startSpan(ctx, "order.cancel", attribute.String("order.id", cmd.OrderID))
	defer span.End()

	orderID, err := normalizeOrderID(cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	reason := sanitizeNotes(cmd.Reason)

	var (
		updated  Order
		previous domain.OrderStatus
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusConfirmed {
			return fmt.Errorf("%w: order cannot be cancelled in status %s", ErrOrderInvalidState, order.Status)
		}
		if err := s.ledger.Restore(txCtx, order.Items); err != nil {
			return s.mapRepositoryError(err)
		}

		previous = order.Status
		applyStatus(&order, domain.OrderStatusCancelled, s.clock())
		order.CancelReason = reason
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}

	s.afterTransition(ctx, updated, previous, userID)
	return updated, nil
}

func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error) {
	ctx, span := startSpan(ctx, "order.update_payment_status",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.payment_status", string(cmd.PaymentStatus)),
	)
	defer span.End()

	orderID, err := normalizeOrderID(cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	paymentStatus := domain.PaymentStatus(strings.ToLower(strings.TrimSpace(string(cmd.PaymentStatus))))
	if !paymentStatus.Valid() {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.PaymentStatus)
	}

	var (
		updated  Order
		previous domain.OrderStatus
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status
		now := s.clock()

		if paymentStatus == domain.PaymentStatusPaid {
			switch {
			case order.Status == domain.OrderStatusPending:
				applyStatus(&order, domain.OrderStatusConfirmed, now)
			case order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusRefunded:
				return fmt.Errorf("%w: cannot mark %s order as paid", ErrOrderInvalidState, order.Status)
			}
		}
		order.PaymentStatus = paymentStatus
		if id := optionalTrimmed(cmd.PaymentIntentID); id != nil {
			order.PaymentIntentID = id
		}
		if provider := optionalTrimmed(cmd.Provider); provider != nil {
			order.PaymentProvider = provider
		}
		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Order{}, err
	}

	s.logger(ctx, "order.payment_status_changed", map[string]any{
		"orderID":       updated.ID,
		"paymentStatus": string(updated.PaymentStatus),
		"status":        string(updated.Status),
	})
	if updated.Status != previous {
		s.metrics.transitioned(ctx, string(previous), string(updated.Status))
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           OrderEventPaymentStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		PaymentStatus:  string(updated.PaymentStatus),
		ActorID:        cmd.ActorID,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, nil
}

func (s *orderService) afterTransition(ctx context.Context, order Order, previous domain.OrderStatus, actorID string) {
	s.metrics.transitioned(ctx, string(previous), string(order.Status))
	s.logger(ctx, "order.status_changed", map[string]any{
		"orderID": order.ID,
		"from":    string(previous),
		"to":      string(order.Status),
		"actorID": actorID,
	})
	eventType := OrderEventStatusChanged
	if order.Status == domain.OrderStatusCancelled {
		eventType = OrderEventCancelled
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		ActorID:        actorID,
		OccurredAt:     order.UpdatedAt,
	})
}

// applyStatus sets the status and stamps the milestone timestamp for it.
func applyStatus(order *Order, target domain.OrderStatus, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	stamp := func(field **time.Time) {
		if *field == nil {
			t := now
			*field = &t
		}
	}
	switch target {
	case domain.OrderStatusConfirmed:
		stamp(&order.ConfirmedAt)
	case domain.OrderStatusShipped:
		stamp(&order.ShippedAt)
	case domain.OrderStatusDelivered:
		stamp(&order.DeliveredAt)
	case domain.OrderStatusCancelled:
		stamp(&order.CancelledAt)
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrOrderInvalidInput) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

// normalizeOrderID treats anything that is not a UUID as an unknown order.
func normalizeOrderID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, strings.TrimSpace(raw))
	}
	return id.String(), nil
}

func optionalTrimmed(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
