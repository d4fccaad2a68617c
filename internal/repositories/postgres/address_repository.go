package postgres

import (
	"context"
	"errors"

	domain "github.com/hanko-field/commerce/internal/domain"
)

// AddressRepository resolves saved addresses scoped to their owner.
type AddressRepository struct {
	provider *Provider
}

func NewAddressRepository(provider *Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires postgres provider")
	}
	return &AddressRepository{provider: provider}, nil
}

func (r *AddressRepository) FindByUser(ctx context.Context, userID, addressID string) (domain.Address, error) {
	var addr domain.Address
	err := r.provider.conn(ctx).QueryRow(ctx, `
SELECT id, user_id, recipient, line1, line2, city, state, postal_code, country, phone
FROM addresses
WHERE id = $1 AND user_id = $2`, addressID, userID).Scan(
		&addr.ID,
		&addr.UserID,
		&addr.Recipient,
		&addr.Line1,
		&addr.Line2,
		&addr.City,
		&addr.State,
		&addr.PostalCode,
		&addr.Country,
		&addr.Phone,
	)
	if err != nil {
		return domain.Address{}, WrapError("addresses.findByUser", err)
	}
	return addr, nil
}
