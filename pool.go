package pgfixture

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbPool is the part of *pgxpool.Pool the gateway relies on.
type dbPool interface {
	Acquire(ctx context.Context) (dbConn, error)
	Close()
}

// dbConn is a connection acquired from a dbPool.
type dbConn interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)

	// Release hands the connection back to its pool. It reports connections
	// that could not be returned in a reusable state.
	Release(ctx context.Context) error
}

type poolOpener func(ctx context.Context, connString string, configure func(*pgxpool.Config)) (dbPool, error)

// openPgxPool creates a pgxpool.Pool for connString and verifies it can
// reach the server.
func openPgxPool(ctx context.Context, connString string, configure func(*pgxpool.Config)) (dbPool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if configure != nil {
		configure(config)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &pgxPool{pool: pool}, nil
}

type pgxPool struct {
	pool *pgxpool.Pool
}

func (p *pgxPool) Acquire(ctx context.Context) (dbConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (p *pgxPool) Close() {
	p.pool.Close()
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return c.conn.BeginTx(ctx, txOptions)
}

// Release returns the connection to the pool when it is idle. A connection
// that is closed, or still inside a transaction, is taken out of the pool
// and closed instead, and the condition is reported as an error.
func (c *pgxConn) Release(ctx context.Context) error {
	pgConn := c.conn.Conn().PgConn()
	if pgConn.IsClosed() {
		c.conn.Release()
		return errors.New("connection was closed before it could be released")
	}

	if status := pgConn.TxStatus(); status != 'I' {
		conn := c.conn.Hijack()
		if err := conn.Close(ctx); err != nil {
			return fmt.Errorf("failed to close connection in transaction status %q: %w", status, err)
		}
		return fmt.Errorf("connection in transaction status %q was closed instead of released", status)
	}

	c.conn.Release()
	return nil
}
