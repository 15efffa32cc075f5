package pgfixture

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Runner runs a group of tests. *testing.M implements it.
type Runner interface {
	Run() int
}

// Main sets the fixture up, runs m and tears the fixture down. It returns
// the exit code for os.Exit, so a TestMain reads:
//
//	func TestMain(m *testing.M) {
//		fixture, err := pgfixture.NewFromEnv()
//		if err != nil {
//			log.Fatal(err)
//		}
//		os.Exit(fixture.Main(m))
//	}
func (f *Fixture) Main(m Runner) int {
	ctx := context.Background()

	setupCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.conf.SetupTimeout > 0 {
		setupCtx, cancel = context.WithTimeout(ctx, f.conf.SetupTimeout)
	}
	err := f.Setup(setupCtx)
	cancel()
	if err != nil {
		f.logger.Error("failed to set up fixture", zap.Error(err))
		return 1
	}

	code := m.Run()

	if err := f.Teardown(ctx); err != nil {
		f.logger.Error("failed to tear down fixture", zap.Error(err))
		if code == 0 {
			code = 1
		}
	}
	return code
}

// Run runs fn against the fixture as part of test t and fails t when the
// fixture cannot be used or cannot be rolled back afterwards. fn may call
// t.FailNow; the rollback still happens.
func (f *Fixture) Run(t testing.TB, fn func(tx pgx.Tx, vars Vars)) {
	t.Helper()
	err := f.Use(t.Context(), func(_ context.Context, tx pgx.Tx, vars Vars) error {
		fn(tx, vars)
		return nil
	})
	if err != nil {
		t.Fatalf("pgfixture: %v", err)
	}
}
