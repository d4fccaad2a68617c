package postgres

import (
	"context"
	"errors"
	"strings"
)

// CounterRepository issues per-key sequence values from an upserted row.
type CounterRepository struct {
	provider *Provider
}

func NewCounterRepository(provider *Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires postgres provider")
	}
	return &CounterRepository{provider: provider}, nil
}

// Next increments the counter in its own statement on the pool, outside any
// transaction bound to ctx, so the row lock is released immediately. Values
// consumed by a rolled back checkout are not reused.
func (r *CounterRepository) Next(ctx context.Context, counterID string) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, errors.New("counters.next: counter id is required")
	}
	var seq int64
	err := r.provider.Pool().QueryRow(ctx, `
INSERT INTO order_counters (id, seq, updated_at) VALUES ($1, 1, now())
ON CONFLICT (id) DO UPDATE SET seq = order_counters.seq + 1, updated_at = now()
RETURNING seq`, id).Scan(&seq)
	if err != nil {
		return 0, WrapError("counters.next", err)
	}
	return seq, nil
}
