package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/commerce/internal/repositories"
)

// ErrOrderNumberUnavailable is returned when the day counter cannot be advanced.
var ErrOrderNumberUnavailable = errors.New("order number: unavailable")

const orderNumberCounterScope = "orders"

// OrderNumberGenerator issues PREFIX-YYYYMMDD-NNNNN numbers from a per-day counter.
type OrderNumberGenerator struct {
	counters repositories.CounterRepository
	prefix   string
	location *time.Location
	clock    func() time.Time
}

// OrderNumberGeneratorDeps configures the generator.
type OrderNumberGeneratorDeps struct {
	Counters repositories.CounterRepository
	Prefix   string
	// Location decides which calendar day an instant belongs to. Defaults to UTC.
	Location *time.Location
	Clock    func() time.Time
}

// NewOrderNumberGenerator validates deps and applies defaults.
func NewOrderNumberGenerator(deps OrderNumberGeneratorDeps) (*OrderNumberGenerator, error) {
	if deps.Counters == nil {
		return nil, errors.New("order number generator: counter repository is required")
	}
	prefix := strings.ToUpper(strings.TrimSpace(deps.Prefix))
	if prefix == "" {
		return nil, errors.New("order number generator: prefix is required")
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OrderNumberGenerator{
		counters: deps.Counters,
		prefix:   prefix,
		location: loc,
		clock:    clock,
	}, nil
}

// Next advances today's counter and formats the number. Uniqueness is
// ultimately guarded by the orders table; callers retry on conflict.
func (g *OrderNumberGenerator) Next(ctx context.Context) (string, error) {
	day := g.clock().In(g.location).Format("20060102")
	seq, err := g.counters.Next(ctx, orderNumberCounterScope+":"+day)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOrderNumberUnavailable, err)
	}
	return FormatOrderNumber(g.prefix, day, seq), nil
}

// FormatOrderNumber renders the sequence zero padded to five digits.
func FormatOrderNumber(prefix, day string, seq int64) string {
	return fmt.Sprintf("%s-%s-%05d", prefix, day, seq)
}
