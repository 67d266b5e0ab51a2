package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to CRM_TEST_DATABASE_URL, rebuilds the public schema
// and applies every migration. Tests skip when the variable is unset.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("CRM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CRM_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, migrationsDir, nil)
	require.NoError(t, err)
	return db
}

func resetPublicSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func seedCustomer(t *testing.T, db *sqlx.DB, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowxContext(context.Background(),
		`INSERT INTO customers (company_name) VALUES ($1) RETURNING id`, name).Scan(&id)
	require.NoError(t, err)
	return id
}
