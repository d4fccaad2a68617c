package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// AddressSnapshotResolver loads a user's saved address and freezes it.
type AddressSnapshotResolver struct {
	addresses repositories.AddressRepository
}

// NewAddressSnapshotResolver wraps the address repository.
func NewAddressSnapshotResolver(addresses repositories.AddressRepository) (*AddressSnapshotResolver, error) {
	if addresses == nil {
		return nil, errors.New("address resolver: address repository is required")
	}
	return &AddressSnapshotResolver{addresses: addresses}, nil
}

// Snapshot returns a copy of the address owned by userID. Missing or foreign
// addresses are reported as ErrCheckoutInvalidInput.
func (r *AddressSnapshotResolver) Snapshot(ctx context.Context, userID, addressID string) (AddressSnapshot, error) {
	addressID = strings.TrimSpace(addressID)
	if addressID == "" {
		return AddressSnapshot{}, fmt.Errorf("%w: address id is required", ErrCheckoutInvalidInput)
	}
	addr, err := r.addresses.FindByUser(ctx, userID, addressID)
	if err != nil {
		if isRepoNotFound(err) {
			return AddressSnapshot{}, fmt.Errorf("%w: address %s not found", ErrCheckoutInvalidInput, addressID)
		}
		return AddressSnapshot{}, fmt.Errorf("address resolver: load %s: %w", addressID, err)
	}
	if addr.UserID != "" && addr.UserID != userID {
		return AddressSnapshot{}, fmt.Errorf("%w: address %s not found", ErrCheckoutInvalidInput, addressID)
	}
	return snapshotAddress(addr), nil
}

func snapshotAddress(addr domain.Address) AddressSnapshot {
	return AddressSnapshot{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      cloneString(addr.Line2),
		City:       addr.City,
		State:      cloneString(addr.State),
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      cloneString(addr.Phone),
	}
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}
