// internal/store/sqlstore/store_test.go
package sqlstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tollgate/internal/store/sqlstore"
	"tollgate/internal/store/storetest"
)

func openSQLite(t *testing.T) storetest.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "tollgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSQLiteRepositorySuite(t *testing.T) {
	storetest.Run(t, openSQLite)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := sqlstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "tollgate.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
}

// The Postgres run skips unless TOLLGATE_TEST_DATABASE_URL points at a
// disposable database.
func TestPostgresRepositorySuite(t *testing.T) {
	dsn := os.Getenv("TOLLGATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TOLLGATE_TEST_DATABASE_URL not set")
	}
	storetest.Run(t, func(t *testing.T) storetest.Store {
		ctx := context.Background()
		s, err := sqlstore.OpenPostgres(ctx, dsn)
		if err != nil {
			t.Skipf("could not connect to postgres: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		require.NoError(t, s.Migrate(ctx))
		_, err = s.DB().ExecContext(ctx, `TRUNCATE memberships, access_tokens, tariffs`)
		require.NoError(t, err)
		return s
	})
}
