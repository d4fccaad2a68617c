package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// OrderRepository persists order headers and their immutable items.
type OrderRepository struct {
	provider *Provider
}

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(provider *Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires postgres provider")
	}
	return &OrderRepository{provider: provider}, nil
}

const orderColumns = `
id, order_number, user_id, cart_id, status, payment_status, payment_method,
payment_intent_id, payment_provider, currency,
subtotal::text, shipping::text, tax::text, discount::text, total::text,
shipping_address, billing_address, notes, admin_notes, cancel_reason,
created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Insert writes the header and all items in one round trip. A duplicate
// order number surfaces as a conflict wrapping repositories.ErrDuplicateOrderNumber.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("orders.insert: encode shipping address: %w", err)
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("orders.insert: encode billing address: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
INSERT INTO orders (
	id, order_number, user_id, cart_id, status, payment_status, payment_method,
	payment_intent_id, payment_provider, currency,
	subtotal, shipping, tax, discount, total,
	shipping_address, billing_address, notes, admin_notes, cancel_reason,
	created_at, updated_at, confirmed_at, shipped_at, delivered_at, cancelled_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	$11::numeric, $12::numeric, $13::numeric, $14::numeric, $15::numeric,
	$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
)`,
		order.ID,
		order.OrderNumber,
		order.UserID,
		order.CartID,
		string(order.Status),
		string(order.PaymentStatus),
		string(order.PaymentMethod),
		order.PaymentIntentID,
		order.PaymentProvider,
		order.Currency,
		money(order.Totals.Subtotal),
		money(order.Totals.Shipping),
		money(order.Totals.Tax),
		money(order.Totals.Discount),
		money(order.Totals.Total),
		shipping,
		billing,
		order.Notes,
		order.AdminNotes,
		order.CancelReason,
		order.CreatedAt.UTC(),
		order.UpdatedAt.UTC(),
		utcPtr(order.ConfirmedAt),
		utcPtr(order.ShippedAt),
		utcPtr(order.DeliveredAt),
		utcPtr(order.CancelledAt),
	)
	for i, item := range order.Items {
		batch.Queue(`
INSERT INTO order_items (
	id, order_id, product_id, variant_id, stock_owner, name, variant_description,
	sku, image, unit_price, quantity, line_total, position, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12::numeric, $13, $14)`,
			item.ID,
			order.ID,
			item.ProductID,
			item.VariantID,
			string(item.StockOwner),
			item.Name,
			item.VariantDescription,
			item.SKU,
			item.Image,
			money(item.UnitPrice),
			item.Quantity,
			money(item.LineTotal),
			i,
			item.CreatedAt.UTC(),
		)
	}

	results := r.provider.conn(ctx).SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return orderInsertError(err)
		}
	}
	return orderInsertError(results.Close())
}

// Update writes the mutable lifecycle fields. Items are never rewritten.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	tag, err := r.provider.conn(ctx).Exec(ctx, `
UPDATE orders SET
	status = $2,
	payment_status = $3,
	payment_intent_id = $4,
	payment_provider = $5,
	admin_notes = $6,
	cancel_reason = $7,
	updated_at = $8,
	confirmed_at = $9,
	shipped_at = $10,
	delivered_at = $11,
	cancelled_at = $12
WHERE id = $1`,
		order.ID,
		string(order.Status),
		string(order.PaymentStatus),
		order.PaymentIntentID,
		order.PaymentProvider,
		order.AdminNotes,
		order.CancelReason,
		order.UpdatedAt.UTC(),
		utcPtr(order.ConfirmedAt),
		utcPtr(order.ShippedAt),
		utcPtr(order.DeliveredAt),
		utcPtr(order.CancelledAt),
	)
	if err != nil {
		return WrapError("orders.update", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundError("orders.update", "order "+order.ID+" not found")
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, false)
}

func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, true)
}

func (r *OrderRepository) find(ctx context.Context, orderID string, lock bool) (domain.Order, error) {
	conn := r.provider.conn(ctx)
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	order, err := scanOrder(conn.QueryRow(ctx, query, orderID))
	if err != nil {
		return domain.Order{}, WrapError("orders.find", err)
	}

	rows, err := conn.Query(ctx, `
SELECT id, order_id, product_id, variant_id, stock_owner, name, variant_description,
	sku, image, unit_price::text, quantity, line_total::text, created_at
FROM order_items
WHERE order_id = $1
ORDER BY position, id`, orderID)
	if err != nil {
		return domain.Order{}, WrapError("orders.items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item      domain.OrderItem
			owner     string
			unitPrice string
			lineTotal string
		)
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.VariantID,
			&owner,
			&item.Name,
			&item.VariantDescription,
			&item.SKU,
			&item.Image,
			&unitPrice,
			&item.Quantity,
			&lineTotal,
			&item.CreatedAt,
		); err != nil {
			return domain.Order{}, WrapError("orders.items", err)
		}
		item.StockOwner = domain.StockOwnerKind(owner)
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return domain.Order{}, fmt.Errorf("orders.items: decode unit price: %w", err)
		}
		if item.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return domain.Order{}, fmt.Errorf("orders.items: decode line total: %w", err)
		}
		order.Items = append(order.Items, item)
		order.ItemCount += item.Quantity
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, WrapError("orders.items", err)
	}
	return order, nil
}

// List pages order headers newest first and fills ItemCount with one
// aggregate query for the whole page.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	conn := r.provider.conn(ctx)

	where, args := buildOrderWhere(filter)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return domain.Page[domain.Order]{}, WrapError("orders.count", err)
	}

	limit := filter.Pagination.Limit
	query := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at DESC, id DESC`
	pageArgs := append([]any(nil), args...)
	if limit > 0 {
		pageArgs = append(pageArgs, limit, filter.Pagination.Offset())
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(pageArgs)-1, len(pageArgs))
	}

	rows, err := conn.Query(ctx, query, pageArgs...)
	if err != nil {
		return domain.Page[domain.Order]{}, WrapError("orders.list", err)
	}
	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return domain.Page[domain.Order]{}, WrapError("orders.list", err)
		}
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Order]{}, WrapError("orders.list", err)
	}

	if err := r.fillItemCounts(ctx, conn, orders); err != nil {
		return domain.Page[domain.Order]{}, err
	}
	return domain.NewPage(orders, filter.Pagination, total), nil
}

func (r *OrderRepository) fillItemCounts(ctx context.Context, conn querier, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
	}

	rows, err := conn.Query(ctx, `
SELECT order_id, COALESCE(SUM(quantity), 0)
FROM order_items
WHERE order_id = ANY($1)
GROUP BY order_id`, ids)
	if err != nil {
		return WrapError("orders.itemCounts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			count int64
		)
		if err := rows.Scan(&id, &count); err != nil {
			return WrapError("orders.itemCounts", err)
		}
		if i, ok := index[id]; ok {
			orders[i].ItemCount = int(count)
		}
	}
	return WrapError("orders.itemCounts", rows.Err())
}

func buildOrderWhere(filter repositories.OrderListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(filter.PaymentStatus) > 0 {
		statuses := make([]string, len(filter.PaymentStatus))
		for i, s := range filter.PaymentStatus {
			statuses[i] = string(s)
		}
		add("payment_status = ANY($%d)", statuses)
	}
	if filter.DateRange.From != nil {
		add("created_at >= $%d", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		add("created_at <= $%d", filter.DateRange.To.UTC())
	}
	if term := strings.TrimSpace(filter.NumberSearch); term != "" {
		add(`order_number ILIKE '%%' || $%d || '%%'`, likeEscaper.Replace(term))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order                                    domain.Order
		status, paymentStatus, paymentMethod     string
		subtotal, shipping, tax, discount, total string
		shippingAddress, billingAddress          []byte
	)
	if err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.UserID,
		&order.CartID,
		&status,
		&paymentStatus,
		&paymentMethod,
		&order.PaymentIntentID,
		&order.PaymentProvider,
		&order.Currency,
		&subtotal,
		&shipping,
		&tax,
		&discount,
		&total,
		&shippingAddress,
		&billingAddress,
		&order.Notes,
		&order.AdminNotes,
		&order.CancelReason,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.ConfirmedAt,
		&order.ShippedAt,
		&order.DeliveredAt,
		&order.CancelledAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.PaymentMethod = domain.PaymentMethod(paymentMethod)

	amounts := []struct {
		raw    string
		target *decimal.Decimal
	}{
		{subtotal, &order.Totals.Subtotal},
		{shipping, &order.Totals.Shipping},
		{tax, &order.Totals.Tax},
		{discount, &order.Totals.Discount},
		{total, &order.Totals.Total},
	}
	for _, amount := range amounts {
		value, err := decimal.NewFromString(amount.raw)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode amount %q: %w", amount.raw, err)
		}
		*amount.target = value
	}
	if err := json.Unmarshal(shippingAddress, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billingAddress, &order.BillingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode billing address: %w", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func money(value decimal.Decimal) string {
	return value.StringFixed(2)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
