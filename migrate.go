package pgfixture

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// MigrationTableName is the goose version table created in the test database.
const MigrationTableName = "pgfixture_schema_migrations"

// migrationLockID serializes Migrate across processes, as go test runs
// packages in parallel against the same database.
const migrationLockID int64 = 0x70676678

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Migrate applies the goose migrations found in dir of fsys to the database
// at connString. Migrations are committed: they describe the schema the
// fixture data is loaded into, not the fixture data itself.
func Migrate(ctx context.Context, connString string, fsys fs.FS, dir string, logger *zap.Logger) error {
	if logger == nil {
		logger = defaultLogger()
	}
	if dir == "" {
		dir = "."
	}

	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close migration database", zap.Error(err))
		}
	}()

	unlock, err := lockMigrations(ctx, db)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Error("failed to release migration lock", zap.Error(err))
		}
	}()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(&zapGooseLogger{logger: logger.Named("goose")})
	goose.SetTableName(MigrationTableName)
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// lockMigrations takes a session advisory lock on a dedicated connection.
// The returned function releases the lock and the connection.
func lockMigrations(ctx context.Context, db *sql.DB) (func() error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	return func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)
		return err
	}, nil
}

// zapGooseLogger adapts goose.Logger to zap.
type zapGooseLogger struct {
	logger *zap.Logger
}

func (l *zapGooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs without exiting; goose reports the failure through its
// returned error as well.
func (l *zapGooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
