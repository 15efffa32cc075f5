// Package pgfixture provides PostgreSQL test fixtures that are loaded once
// and reset cheaply between tests.
//
// A Fixture populates the database inside a single serializable transaction
// and keeps that transaction open for the lifetime of a test package. Each
// test borrows it through Use, and every Use ends with a rollback to a
// savepoint taken right after population, so tests see the same data
// without reloading it.
//
// Setup:
//
// Wire the fixture into TestMain. NewFromEnv reads TEST_DATABASE_URL and
// loads testdata/p-data.sql unless TEST_FIXTURE_FILE says otherwise:
//
//	func TestMain(m *testing.M) {
//		fixture, err := pgfixture.NewFromEnv()
//		if err != nil {
//			log.Fatal(err)
//		}
//		os.Exit(fixture.Main(m))
//	}
//
// Basic usage:
//
//	func TestPersons(t *testing.T) {
//		fixture.Run(t, func(tx pgx.Tx, vars pgfixture.Vars) {
//			_, err := tx.Exec(t.Context(), "DELETE FROM p.person")
//			require.NoError(t, err)
//		})
//		// The next test sees every person again.
//	}
//
// One-off transactions:
//
// WithClient and WithTestClient run work in a transaction that is always
// rolled back. WithDB and WithRootDB commit it when the work succeeds. All of
// them open a dedicated pool and close it before returning:
//
//	n, err := pgfixture.WithTestClient(ctx, func(ctx context.Context, tx pgx.Tx) (int, error) {
//		var n int
//		err := tx.QueryRow(ctx, "SELECT count(*) FROM p.person").Scan(&n)
//		return n, err
//	})
package pgfixture
