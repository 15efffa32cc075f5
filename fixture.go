package pgfixture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/yuku/pgfixture/internal/logging"
	"go.uber.org/zap"
)

// pristineSavepoint marks the freshly populated state inside the fixture
// transaction. Every Use rolls back to it.
const pristineSavepoint = "pristine"

// errDiscarded rejects the keepalive when the fixture is torn down with
// FixtureConfig.Discard set.
var errDiscarded = errors.New("fixture discarded")

// FixtureConfig holds the configuration for creating a Fixture.
type FixtureConfig struct {
	// ConnString is the connection string of the database the fixture is
	// loaded into. Required.
	ConnString string

	// Populate loads the fixture data. Required.
	Populate Populator

	// Migrations, when not nil, are applied with goose before Populate runs.
	// They are committed immediately and survive Teardown.
	Migrations fs.FS

	// MigrationsDir is the directory within Migrations holding the
	// migration files. Defaults to the root of Migrations.
	MigrationsDir string

	// Discard rolls the fixture transaction back on Teardown instead of
	// committing it, leaving the database as it was before Setup.
	Discard bool

	// SetupTimeout bounds Setup when it is driven by Main. Zero means no bound.
	SetupTimeout time.Duration

	// Logger receives setup and cleanup failures. Optional.
	Logger *zap.Logger

	// ClientOptions are passed to the WithDB call holding the fixture
	// transaction.
	ClientOptions []Option
}

func (c FixtureConfig) Validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("connection string cannot be empty")
	}
	if c.Populate == nil {
		return fmt.Errorf("populator cannot be nil")
	}
	if c.SetupTimeout < 0 {
		return fmt.Errorf("setup timeout cannot be negative: given %s", c.SetupTimeout)
	}
	return nil
}

// Fixture keeps one populated database transaction open across a group of
// tests. Tests borrow it one at a time through Use; each Use ends with a
// rollback to the state right after population, so every test starts from
// the same data without paying for population again.
//
// A Fixture is meant to be owned by a test package's TestMain. Use must not
// be called concurrently on the same Fixture.
type Fixture struct {
	conf   FixtureConfig
	logger *zap.Logger

	mu        sync.Mutex
	keepalive *keepalive
}

// keepalive is the state of one Setup..Teardown cycle: the background task
// holding the transaction open, the data it produced, and the controls to
// let it finish.
type keepalive struct {
	id string

	// tx and vars are set once population succeeded, guarded by Fixture.mu.
	tx   pgx.Tx
	vars Vars

	busy atomic.Bool

	settle  sync.Once
	release chan error
	cancel  context.CancelFunc

	done chan struct{}
	err  error // valid once done is closed
}

func newKeepalive(cancel context.CancelFunc) *keepalive {
	return &keepalive{
		id:      uuid.NewString(),
		release: make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// resolve lets the background transaction commit.
func (k *keepalive) resolve() {
	k.settle.Do(func() { k.release <- nil })
}

// reject makes the background transaction roll back with err.
func (k *keepalive) reject(err error) {
	k.settle.Do(func() { k.release <- err })
}

func (k *keepalive) wait() error {
	return <-k.release
}

// New creates a Fixture. Nothing is loaded until Setup is called.
func New(conf FixtureConfig) (*Fixture, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixture configuration: %w", err)
	}
	logger := conf.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	return &Fixture{conf: conf, logger: logger}, nil
}

// NewFromEnv creates a Fixture from the environment, see Config. The
// fixture is populated from Config.FixtureFile.
func NewFromEnv() (*Fixture, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Config{Component: "pgfixture", Level: cfg.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return New(FixtureConfig{
		ConnString:    cfg.DatabaseURL,
		Populate:      SQLFile(cfg.FixtureFile),
		SetupTimeout:  cfg.SetupTimeout,
		Logger:        logger,
		ClientOptions: []Option{WithTimezone(cfg.Timezone)},
	})
}

// Setup populates the database and keeps the populating transaction open
// until Teardown. It returns once the data is loaded and the pristine
// savepoint is in place.
//
// Setup fails with ErrAlreadyRunning when called twice without Teardown. If
// population fails or panics the transaction is rolled back, the error is
// returned and the Fixture is left as if Setup had never been called. A
// Teardown racing population makes Setup fail with ErrNotRunning.
func (f *Fixture) Setup(ctx context.Context) error {
	// The transaction outlives Setup, so it cannot run on ctx.
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ka := newKeepalive(cancel)

	f.mu.Lock()
	if f.keepalive != nil {
		f.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	f.keepalive = ka
	f.mu.Unlock()

	logger := f.logger.With(zap.String("fixture_id", ka.id))

	if f.conf.Migrations != nil {
		if err := Migrate(ctx, f.conf.ConnString, f.conf.Migrations, f.conf.MigrationsDir, logger); err != nil {
			f.clear(ka)
			cancel()
			return fmt.Errorf("failed to migrate fixture database: %w", err)
		}
	}

	ready := make(chan error, 1)
	go func() {
		defer close(ka.done)
		_, ka.err = WithDB(bgCtx, f.conf.ConnString, func(ctx context.Context, tx pgx.Tx) (struct{}, error) {
			vars, err := f.populate(ctx, tx)
			if err != nil {
				logger.Error("failed to prepopulate database", zap.Error(err))
				ready <- err
				return struct{}{}, err
			}
			if vars == nil {
				vars = Vars{}
			}
			if _, err := tx.Exec(ctx, "SAVEPOINT "+pristineSavepoint); err != nil {
				err = fmt.Errorf("failed to create savepoint %s: %w", pristineSavepoint, err)
				ready <- err
				return struct{}{}, err
			}
			f.publish(ka, tx, vars)
			ready <- nil
			return struct{}{}, ka.wait()
		}, f.clientOptions()...)
	}()

	select {
	case err := <-ready:
		return f.settleSetup(ka, logger, err)
	case <-ka.done:
		select {
		case err := <-ready:
			return f.settleSetup(ka, logger, err)
		default:
		}
		f.clear(ka)
		cancel()
		return fmt.Errorf("failed to open fixture transaction: %w", ka.err)
	case <-ctx.Done():
		ka.reject(ctx.Err())
		cancel()
		<-ka.done
		f.clear(ka)
		return ctx.Err()
	}
}

// settleSetup finishes Setup once population reported its outcome.
func (f *Fixture) settleSetup(ka *keepalive, logger *zap.Logger, err error) error {
	if err != nil {
		<-ka.done
		f.clear(ka)
		ka.cancel()
		return fmt.Errorf("failed to prepopulate database: %w", err)
	}

	f.mu.Lock()
	current := f.keepalive == ka
	f.mu.Unlock()
	if !current {
		return fmt.Errorf("fixture torn down during setup: %w", ErrNotRunning)
	}

	logger.Debug("fixture is ready")
	return nil
}

// populate runs the configured Populator, reporting a panic as an error so
// the transaction is rolled back and Setup returns.
func (f *Fixture) populate(ctx context.Context, tx pgx.Tx) (vars Vars, err error) {
	defer func() {
		if r := recover(); r != nil {
			vars, err = nil, fmt.Errorf("populator panicked: %v", r)
		}
	}()
	return f.conf.Populate(ctx, tx)
}

// UseFunc is a test body run against the fixture transaction. It must not
// commit or roll back tx itself.
type UseFunc func(ctx context.Context, tx pgx.Tx, vars Vars) error

// Use runs fn against the populated transaction, then rolls the transaction
// back to the pristine savepoint, so the next Use sees the same data. The
// rollback also happens when fn fails or panics, and fn's error is returned
// after it. A rollback failure is logged, and returned only when fn itself
// succeeded.
//
// Use fails without running fn with ErrNotSetUp before Setup or after
// Teardown, with ErrNoVars while Setup is still populating, and with
// ErrConcurrentUse when another Use is in flight.
func (f *Fixture) Use(ctx context.Context, fn UseFunc) (err error) {
	if fn == nil {
		return fmt.Errorf("use function cannot be nil")
	}

	f.mu.Lock()
	ka := f.keepalive
	var (
		tx   pgx.Tx
		vars Vars
	)
	if ka != nil {
		tx, vars = ka.tx, ka.vars
	}
	f.mu.Unlock()

	if ka == nil {
		return ErrNotSetUp
	}
	if vars == nil {
		return ErrNoVars
	}
	if !ka.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	defer ka.busy.Store(false)

	defer func() {
		_, rollbackErr := tx.Exec(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+pristineSavepoint)
		if rollbackErr == nil {
			return
		}
		f.logger.Error("failed to roll back to savepoint",
			zap.String("fixture_id", ka.id),
			zap.Error(rollbackErr),
		)
		if err == nil {
			err = fmt.Errorf("failed to roll back to savepoint %s: %w", pristineSavepoint, rollbackErr)
		}
	}()

	return fn(ctx, tx, vars)
}

// Teardown releases the fixture transaction. It is committed, or rolled back
// when FixtureConfig.Discard is set, and its connection and pool are closed
// before Teardown returns. Teardown fails with ErrNotRunning when there is
// nothing to tear down.
func (f *Fixture) Teardown(ctx context.Context) error {
	f.mu.Lock()
	ka := f.keepalive
	f.keepalive = nil
	f.mu.Unlock()

	if ka == nil {
		return ErrNotRunning
	}

	if f.conf.Discard {
		ka.reject(errDiscarded)
	} else {
		ka.resolve()
	}

	select {
	case <-ka.done:
		ka.cancel()
		if ka.err != nil && !errors.Is(ka.err, errDiscarded) {
			return fmt.Errorf("failed to release fixture transaction: %w", ka.err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			<-ka.done
			ka.cancel()
			if ka.err != nil && !errors.Is(ka.err, errDiscarded) {
				f.logger.Error("failed to release fixture transaction",
					zap.String("fixture_id", ka.id),
					zap.Error(ka.err),
				)
			}
		}()
		return ctx.Err()
	}
}

// Running reports whether Setup was called without a matching Teardown.
func (f *Fixture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepalive != nil
}

// Vars returns the data produced by population. ok is false until Setup
// completed.
func (f *Fixture) Vars() (vars Vars, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keepalive == nil || f.keepalive.vars == nil {
		return nil, false
	}
	return f.keepalive.vars, true
}

func (f *Fixture) publish(ka *keepalive, tx pgx.Tx, vars Vars) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ka.tx = tx
	ka.vars = vars
}

// clear empties the slot if it still holds ka.
func (f *Fixture) clear(ka *keepalive) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keepalive == ka {
		f.keepalive = nil
	}
}

func (f *Fixture) clientOptions() []Option {
	opts := make([]Option, 0, len(f.conf.ClientOptions)+1)
	opts = append(opts, WithLogger(f.logger))
	return append(opts, f.conf.ClientOptions...)
}
