package pgfixture

import "errors"

var (
	// ErrAlreadyRunning is returned by Setup when the fixture already holds a
	// prepopulated database. Call Teardown first.
	ErrAlreadyRunning = errors.New("there is already a prepopulated database running")

	// ErrNotRunning is returned by Teardown when there is nothing to tear down.
	ErrNotRunning = errors.New("cannot tear down a fixture that is not running")

	// ErrNotSetUp is returned by Use when Setup has not been called, or when
	// Teardown already released the fixture.
	ErrNotSetUp = errors.New("fixture is not set up: call Setup and Teardown around its use")

	// ErrNoVars is returned by Use while the fixture is still being populated.
	ErrNoVars = errors.New("no prepopulated vars")

	// ErrConcurrentUse is returned by Use when another Use on the same fixture
	// has not returned yet.
	ErrConcurrentUse = errors.New("fixture is already in use")

	// ErrMissingDatabaseURL is returned when TEST_DATABASE_URL is not set.
	ErrMissingDatabaseURL = errors.New("TEST_DATABASE_URL is not set")
)
