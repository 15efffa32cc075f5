package pgfixture

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DatabaseURLEnv is the environment variable holding the test database
// connection string.
const DatabaseURLEnv = "TEST_DATABASE_URL"

// Config holds the environment driven settings used by NewFromEnv and the
// TEST_DATABASE_URL based helpers.
type Config struct {
	// DatabaseURL is the connection string of the test database. Required.
	DatabaseURL string `env:"TEST_DATABASE_URL,required,notEmpty"`

	// Timezone is set with SET LOCAL semantics on every transaction so that
	// timestamps render the same way on every machine. Empty disables it.
	Timezone string `env:"TEST_DATABASE_TIMEZONE" envDefault:"+04:00"`

	// FixtureFile is the SQL script loaded by Setup, relative to the package
	// directory of the test binary.
	FixtureFile string `env:"TEST_FIXTURE_FILE" envDefault:"testdata/p-data.sql"`

	// SetupTimeout bounds Setup when it is driven by Main. Database round
	// trips in CI can be slow, hence the generous default.
	SetupTimeout time.Duration `env:"TEST_SETUP_TIMEOUT" envDefault:"20s"`

	// LogLevel is one of "debug", "info", "warn" or "error".
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		var aggErr env.AggregateError
		if errors.As(err, &aggErr) {
			for _, e := range aggErr.Errors {
				var notSet env.VarIsNotSetError
				var empty env.EmptyVarError
				if errors.As(e, &notSet) || errors.As(e, &empty) {
					return Config{}, ErrMissingDatabaseURL
				}
			}
		}
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// databaseURL returns the TEST_DATABASE_URL connection string.
func databaseURL() (string, error) {
	var cfg struct {
		DatabaseURL string `env:"TEST_DATABASE_URL"`
	}
	if err := env.Parse(&cfg); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", DatabaseURLEnv, err)
	}
	if cfg.DatabaseURL == "" {
		return "", ErrMissingDatabaseURL
	}
	return cfg.DatabaseURL, nil
}
