package pgfixture_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuku/pgfixture"
)

func TestLoadConfig(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		t.Setenv("TEST_DATABASE_URL", "postgres://localhost/test")
		t.Setenv("TEST_DATABASE_TIMEZONE", "+04:00")
		t.Setenv("TEST_FIXTURE_FILE", "testdata/p-data.sql")
		t.Setenv("TEST_SETUP_TIMEOUT", "20s")
		t.Setenv("LOG_LEVEL", "info")

		cfg, err := pgfixture.LoadConfig()

		require.NoError(t, err)
		assert.Equal(t, pgfixture.Config{
			DatabaseURL:  "postgres://localhost/test",
			Timezone:     pgfixture.DefaultTimezone,
			FixtureFile:  pgfixture.DefaultFixtureFile,
			SetupTimeout: 20 * time.Second,
			LogLevel:     "info",
		}, cfg)
	})

	t.Run("reads overrides", func(t *testing.T) {
		t.Setenv("TEST_DATABASE_URL", "postgres://db/other")
		t.Setenv("TEST_DATABASE_TIMEZONE", "UTC")
		t.Setenv("TEST_FIXTURE_FILE", "fixtures/data.sql")
		t.Setenv("TEST_SETUP_TIMEOUT", "1m")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := pgfixture.LoadConfig()

		require.NoError(t, err)
		assert.Equal(t, "UTC", cfg.Timezone)
		assert.Equal(t, "fixtures/data.sql", cfg.FixtureFile)
		assert.Equal(t, time.Minute, cfg.SetupTimeout)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("requires TEST_DATABASE_URL", func(t *testing.T) {
		t.Setenv("TEST_DATABASE_URL", "")

		_, err := pgfixture.LoadConfig()

		require.ErrorIs(t, err, pgfixture.ErrMissingDatabaseURL)
	})

	t.Run("rejects a malformed timeout", func(t *testing.T) {
		t.Setenv("TEST_DATABASE_URL", "postgres://localhost/test")
		t.Setenv("TEST_SETUP_TIMEOUT", "soon")

		_, err := pgfixture.LoadConfig()

		require.Error(t, err)
		assert.NotErrorIs(t, err, pgfixture.ErrMissingDatabaseURL)
	})
}

func TestEnvHelpers_MissingDatabaseURL(t *testing.T) {
	t.Setenv("TEST_DATABASE_URL", "")
	ctx := context.Background()
	work := func(context.Context, pgx.Tx) (int, error) {
		t.Fatal("work must not run")
		return 0, nil
	}

	_, err := pgfixture.WithTestClient(ctx, work)
	require.ErrorIs(t, err, pgfixture.ErrMissingDatabaseURL)

	_, err = pgfixture.WithRootDB(ctx, work)
	require.ErrorIs(t, err, pgfixture.ErrMissingDatabaseURL)

	_, err = pgfixture.NewFromEnv()
	require.ErrorIs(t, err, pgfixture.ErrMissingDatabaseURL)
}
