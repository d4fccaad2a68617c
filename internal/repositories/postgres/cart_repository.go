package postgres

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// CartRepository reads active carts and converts them at checkout.
type CartRepository struct {
	provider *Provider
}

// NewCartRepository constructs a Postgres-backed cart repository.
func NewCartRepository(provider *Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires postgres provider")
	}
	return &CartRepository{provider: provider}, nil
}

func (r *CartRepository) FindActiveByUser(ctx context.Context, userID string) (domain.Cart, error) {
	conn := r.provider.conn(ctx)

	var (
		cart   domain.Cart
		status string
	)
	err := conn.QueryRow(ctx, `
SELECT id, user_id, status, created_at, updated_at
FROM carts
WHERE user_id = $1 AND status = 'active'`, userID).Scan(&cart.ID, &cart.UserID, &status, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return domain.Cart{}, WrapError("carts.findActiveByUser", err)
	}
	cart.Status = domain.CartStatus(status)

	rows, err := conn.Query(ctx, `
SELECT id, product_id, variant_id, quantity
FROM cart_items
WHERE cart_id = $1
ORDER BY created_at, id`, cart.ID)
	if err != nil {
		return domain.Cart{}, WrapError("carts.items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.CartItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.VariantID, &item.Quantity); err != nil {
			return domain.Cart{}, WrapError("carts.items", err)
		}
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Cart{}, WrapError("carts.items", err)
	}
	return cart, nil
}

// MarkConverted flips the cart only while it is still active. A concurrent
// checkout of the same cart blocks on the row lock and then matches nothing.
func (r *CartRepository) MarkConverted(ctx context.Context, cartID string, at time.Time) error {
	tag, err := r.provider.conn(ctx).Exec(ctx, `
UPDATE carts SET status = 'converted', updated_at = $2
WHERE id = $1 AND status = 'active'`, cartID, at.UTC())
	if err != nil {
		return WrapError("carts.markConverted", err)
	}
	if tag.RowsAffected() == 0 {
		return conflictError("carts.markConverted", "cart "+cartID+" is no longer active")
	}
	return nil
}
