package pgfixture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yuku/pgfixture/internal/logging"
	"go.uber.org/zap"
)

// DefaultTimezone is the session timezone applied to every transaction
// opened by the gateway unless WithTimezone says otherwise.
const DefaultTimezone = "+04:00"

// WorkFunc is a unit of work run inside a gateway transaction.
type WorkFunc[T any] func(ctx context.Context, tx pgx.Tx) (T, error)

// WithClient creates a connection pool for connString, acquires one
// connection, begins a transaction and runs fn in it.
//
// The transaction is always rolled back: WithClient is meant for throwaway
// test work, not for persisting anything. The connection is released and the
// pool closed before WithClient returns, whatever fn did. A failure to release
// the connection is logged and never replaces fn's result or error.
func WithClient[T any](ctx context.Context, connString string, fn WorkFunc[T], opts ...Option) (T, error) {
	return withTx(ctx, connString, pgx.TxOptions{}, false, fn, opts)
}

// WithTestClient is WithClient against TEST_DATABASE_URL.
func WithTestClient[T any](ctx context.Context, fn WorkFunc[T], opts ...Option) (T, error) {
	connString, err := databaseURL()
	if err != nil {
		var zero T
		return zero, err
	}
	return WithClient(ctx, connString, fn, opts...)
}

// WithDB is the durable variant of WithClient. The transaction runs at the
// SERIALIZABLE isolation level and is committed when fn succeeds. It is
// rolled back when fn fails, rather than committed regardless of the outcome.
func WithDB[T any](ctx context.Context, connString string, fn WorkFunc[T], opts ...Option) (T, error) {
	return withTx(ctx, connString, pgx.TxOptions{IsoLevel: pgx.Serializable}, true, fn, opts)
}

// WithRootDB is WithDB against TEST_DATABASE_URL.
func WithRootDB[T any](ctx context.Context, fn WorkFunc[T], opts ...Option) (T, error) {
	connString, err := databaseURL()
	if err != nil {
		var zero T
		return zero, err
	}
	return WithDB(ctx, connString, fn, opts...)
}

func withTx[T any](
	ctx context.Context,
	connString string,
	txOptions pgx.TxOptions,
	commit bool,
	fn WorkFunc[T],
	opts []Option,
) (result T, err error) {
	o := newOptions(opts)
	if connString == "" {
		return result, fmt.Errorf("connection string cannot be empty")
	}
	if fn == nil {
		return result, fmt.Errorf("work function cannot be nil")
	}

	// Cleanup must run to completion even when ctx gets cancelled midway.
	cleanupCtx := context.WithoutCancel(ctx)

	pool, err := o.openPool(ctx, connString, o.configurePool)
	if err != nil {
		return result, fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to acquire connection from pool: %w", err)
	}
	defer func() {
		if releaseErr := conn.Release(cleanupCtx); releaseErr != nil {
			o.logger.Error("failed to release connection", zap.Error(releaseErr))
		}
	}()

	tx, err := conn.BeginTx(ctx, txOptions)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// succeeded stays false when fn fails, panics or calls runtime.Goexit.
	succeeded := false
	defer func() {
		if commit && succeeded {
			if commitErr := tx.Commit(cleanupCtx); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
			return
		}
		rollbackErr := tx.Rollback(cleanupCtx)
		if rollbackErr == nil || errors.Is(rollbackErr, pgx.ErrTxClosed) {
			return
		}
		if succeeded {
			err = fmt.Errorf("failed to roll back transaction: %w", rollbackErr)
			return
		}
		o.logger.Error("failed to roll back transaction", zap.Error(rollbackErr))
	}()

	if o.timezone != "" {
		if _, err := tx.Exec(ctx, "SELECT set_config('timezone', $1, true)", o.timezone); err != nil {
			return result, fmt.Errorf("failed to set timezone: %w", err)
		}
	}

	result, err = fn(ctx, tx)
	if err != nil {
		return result, err
	}
	succeeded = true
	return result, nil
}

// Option configures the gateway.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	timezone      string
	configurePool func(*pgxpool.Config)
	openPool      poolOpener
}

var defaultLogger = sync.OnceValue(func() *zap.Logger {
	return logging.Default("pgfixture")
})

func newOptions(opts []Option) *options {
	o := &options{
		timezone: DefaultTimezone,
		openPool: openPgxPool,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	return o
}

// WithLogger sets the logger cleanup failures are reported to.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimezone sets the transaction-local timezone. An empty string leaves
// the server default untouched.
func WithTimezone(tz string) Option {
	return func(o *options) {
		o.timezone = tz
	}
}

// WithPoolConfig lets the caller adjust the pool configuration parsed from
// the connection string before the pool is created.
func WithPoolConfig(configure func(*pgxpool.Config)) Option {
	return func(o *options) {
		o.configurePool = configure
	}
}

// withPoolOpener replaces the pgxpool backed pool, for tests.
func withPoolOpener(open poolOpener) Option {
	return func(o *options) {
		o.openPool = open
	}
}
