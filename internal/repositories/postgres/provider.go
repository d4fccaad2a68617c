package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/commerce/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// querier is the subset of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

// Provider owns the connection pool and runs units of work. Repositories
// resolve their connection through Provider so calls made with a ctx from
// RunInTx join that transaction.
type Provider struct {
	pool *pgxpool.Pool
}

// Open parses the DSN, applies pool limits and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Provider, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("postgres: database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Provider{pool: pool}, nil
}

// NewProvider wraps an existing pool.
func NewProvider(pool *pgxpool.Pool) (*Provider, error) {
	if pool == nil {
		return nil, errors.New("postgres: pool is required")
	}
	return &Provider{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations and probes.
func (p *Provider) Pool() *pgxpool.Pool {
	if p == nil {
		return nil
	}
	return p.pool
}

// Ping verifies a connection can be acquired.
func (p *Provider) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return ErrProviderClosed
	}
	return WrapError("postgres.ping", p.pool.Ping(ctx))
}

// Close releases all pooled connections.
func (p *Provider) Close(context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

// RunInTx runs fn inside a read committed transaction. A nested call joins
// the outer transaction. The transaction commits only when fn returns nil.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if p == nil || p.pool == nil {
		return ErrProviderClosed
	}
	if fn == nil {
		return errors.New("postgres: transaction function is required")
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("postgres.begin", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapError("postgres.commit", err)
	}
	return nil
}

// conn returns the transaction bound to ctx, or the pool.
func (p *Provider) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.pool
}
