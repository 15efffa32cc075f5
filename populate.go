package pgfixture

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"

	"github.com/jackc/pgx/v5"
)

// DefaultFixtureFile is the script SQLFile loads when NewFromEnv is used
// without TEST_FIXTURE_FILE.
const DefaultFixtureFile = "testdata/p-data.sql"

// Vars is the data produced while populating the database, handed to every
// test using the fixture. A nil Vars means the database is not populated.
type Vars map[string]any

// Populator loads fixture data into the transaction and returns the Vars
// tests get to see.
type Populator func(ctx context.Context, tx pgx.Tx) (Vars, error)

// SQLFile returns a Populator executing the SQL script at path verbatim.
// Relative paths are resolved against the working directory, which for
// go test is the directory of the package under test.
func SQLFile(path string) Populator {
	return func(ctx context.Context, tx pgx.Tx) (Vars, error) {
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixture file: %w", err)
		}
		if err := execScript(ctx, tx, string(script)); err != nil {
			return nil, fmt.Errorf("failed to execute fixture file %s: %w", path, err)
		}
		return Vars{}, nil
	}
}

// SQLFS is SQLFile reading name from fsys, typically an embed.FS.
func SQLFS(fsys fs.FS, name string) Populator {
	return func(ctx context.Context, tx pgx.Tx) (Vars, error) {
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read fixture %s: %w", name, err)
		}
		if err := execScript(ctx, tx, string(script)); err != nil {
			return nil, fmt.Errorf("failed to execute fixture %s: %w", name, err)
		}
		return Vars{}, nil
	}
}

// SQLScript returns a Populator executing script verbatim.
func SQLScript(script string) Populator {
	return func(ctx context.Context, tx pgx.Tx) (Vars, error) {
		if err := execScript(ctx, tx, script); err != nil {
			return nil, fmt.Errorf("failed to execute fixture script: %w", err)
		}
		return Vars{}, nil
	}
}

// Chain runs populators in order and merges their Vars. Later populators
// win on duplicate keys.
func Chain(populators ...Populator) Populator {
	return func(ctx context.Context, tx pgx.Tx) (Vars, error) {
		vars := Vars{}
		for i, populate := range populators {
			v, err := populate(ctx, tx)
			if err != nil {
				return nil, fmt.Errorf("populator %d: %w", i, err)
			}
			maps.Copy(vars, v)
		}
		return vars, nil
	}
}

// execScript runs a multi-statement script. Without arguments pgx uses the
// simple protocol, which accepts several statements in one call.
func execScript(ctx context.Context, tx pgx.Tx, script string) error {
	_, err := tx.Exec(ctx, script)
	return err
}
