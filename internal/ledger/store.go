// Package ledger provides the transactional credit ledger store: billing
// accounts, virtual keys, append-only ledger entries, and charge receipts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultQueryTimeout is the maximum time allowed for ledger queries.
const DefaultQueryTimeout = 30 * time.Second

// MaxConns caps the shared connection pool.
const MaxConns = 10

// Store wraps a PostgreSQL connection pool. All mutations run inside a
// transaction; the ledger entries table is the source of truth and the
// account balance is a materialized count maintained in the same
// transaction as each entry.
type Store struct {
	pool *pgxpool.Pool

	// settleFloor, when non-nil, marks settlements that drive the balance
	// below the floor for reconciliation. The write always completes.
	settleFloor *int64
}

// Option configures a Store.
type Option func(*Store)

// WithSettleFloor marks post-call settlements that would drive the
// balance below floor with a reconciliation flag in entry metadata.
func WithSettleFloor(floor int64) Option {
	return func(s *Store) {
		s.settleFloor = &floor
	}
}

// New creates a store from a postgres connection string.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newFromPool(pool, opts...), nil
}

// NewFromPool creates a store from an existing connection pool. This is
// primarily useful for testing.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	return newFromPool(pool, opts...)
}

func newFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
