package pgfixture

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// fakeTx satisfies pgx.Tx and records the statements executed on it.
type fakeTx struct {
	mu sync.Mutex

	stmts []string
	// execErrs fails statements starting with the key.
	execErrs map[string]error

	commitErr   error
	rollbackErr error
	committed   bool
	rolledBack  bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTx) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed || f.rolledBack {
		return pgx.ErrTxClosed
	}
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committed || f.rolledBack {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return f.rollbackErr
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (f *fakeTx) Conn() *pgx.Conn                                  { return nil }

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)
	for prefix, err := range f.execErrs {
		if strings.HasPrefix(sql, prefix) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stmts...)
}

func (f *fakeTx) state() (committed, rolledBack bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed, f.rolledBack
}

type fakeConn struct {
	mu sync.Mutex

	tx         *fakeTx
	beginErr   error
	beginOpts  pgx.TxOptions
	releaseErr error
	released   int
	// releaseGate, when set, holds Release until it is closed.
	releaseGate chan struct{}
}

func (c *fakeConn) BeginTx(_ context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginOpts = txOptions
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return c.tx, nil
}

func (c *fakeConn) Release(context.Context) error {
	if c.releaseGate != nil {
		<-c.releaseGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	return c.releaseErr
}

func (c *fakeConn) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *fakeConn) txOptions() pgx.TxOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginOpts
}

type fakePool struct {
	mu sync.Mutex

	conn       *fakeConn
	acquireErr error
	closed     int
}

func (p *fakePool) Acquire(context.Context) (dbConn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.conn, nil
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func (p *fakePool) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// newFakePool wires a pool, a connection and a transaction together.
func newFakePool() (*fakePool, *fakeConn, *fakeTx) {
	tx := &fakeTx{}
	conn := &fakeConn{tx: tx}
	return &fakePool{conn: conn}, conn, tx
}

func fakeOpener(pool *fakePool) Option {
	return withPoolOpener(func(context.Context, string, func(*pgxpool.Config)) (dbPool, error) {
		return pool, nil
	})
}
