package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"salescrm/api/internal/store"
)

func openIntegrationStore(t *testing.T) (*store.PostgresStore, *sqlx.DB) {
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

	db, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	_, err = store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil)
	require.NoError(t, err)

	return store.NewPostgresStore(db, 5*time.Second), db
}

func seedCustomerWithContact(t *testing.T, db *sqlx.DB) int64 {
	t.Helper()
	ctx := context.Background()
	var customerID int64
	require.NoError(t, db.QueryRowxContext(ctx,
		`INSERT INTO customers (company_name) VALUES ('Acme') RETURNING id`).Scan(&customerID))
	_, err := db.ExecContext(ctx,
		`INSERT INTO contacts (customer_id, name) VALUES ($1, 'Kim'), ($1, 'Lee')`, customerID)
	require.NoError(t, err)
	return customerID
}

func TestConcurrentLeadCreatesGetUniqueCodes(t *testing.T) {
	repo, db := openIntegrationStore(t)
	customerID := seedCustomerWithContact(t, db)
	c := NewCoordinator(repo, time.UTC, nil)

	const writers = 20
	codes := make([]string, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			result, err := c.CreateLead(context.Background(), store.Fields{"customer_id": customerID, "content": "bulk"})
			if err != nil {
				return err
			}
			codes[i] = result.Code
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[string]bool{}
	for _, code := range codes {
		require.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
	assert.Len(t, seen, writers)
}

func TestConcurrentConversionCreatesOneDeal(t *testing.T) {
	repo, db := openIntegrationStore(t)
	customerID := seedCustomerWithContact(t, db)
	c := NewCoordinator(repo, time.UTC, nil)
	ctx := context.Background()

	lead, err := c.CreateLead(ctx, store.Fields{"customer_id": customerID, "content": "Website"})
	require.NoError(t, err)

	const converters = 8
	var g errgroup.Group
	created := make([]bool, converters)
	for i := 0; i < converters; i++ {
		i := i
		g.Go(func() error {
			result, err := c.UpdateLead(ctx, lead.ID, store.Fields{"status": "converted"})
			if err != nil {
				return err
			}
			created[i] = result.DealCreated
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n := 0
	for _, ok := range created {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)

	var deals int
	require.NoError(t, db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM deals WHERE lead_id = $1 AND deleted_at IS NULL`, lead.ID).Scan(&deals))
	assert.Equal(t, 1, deals)
}

func TestLeadLifecycleAgainstPostgres(t *testing.T) {
	repo, db := openIntegrationStore(t)
	customerID := seedCustomerWithContact(t, db)
	c := NewCoordinator(repo, time.UTC, nil)
	ctx := context.Background()

	lead, err := c.CreateLead(ctx, store.Fields{"customer_id": customerID, "content": "CRM rollout", "status": "new"})
	require.NoError(t, err)
	assert.Regexp(t, `^\d{8}-L001$`, lead.Code)

	converted, err := c.UpdateLead(ctx, lead.ID, store.Fields{
		"status":              "converted",
		"next_action_date":    "2024-03-01",
		"next_action_content": "follow up",
	})
	require.NoError(t, err)
	require.True(t, converted.DealCreated)

	deal, err := repo.GetDeal(ctx, *converted.DealID)
	require.NoError(t, err)
	assert.Equal(t, "qualification", deal.Stage)
	assert.Equal(t, "CRM rollout", deal.ProjectName)
	require.NotNil(t, deal.NextActionDate)
	assert.Equal(t, "2024-03-01", deal.NextActionDate.Format(time.DateOnly))

	logs, err := repo.ListActivityLogs(ctx, store.ActivityFilter{LeadID: lead.ID})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, store.ActionConverted, logs[0].Action)
	require.NotNil(t, logs[1].ContactName)
	assert.Equal(t, "Kim", *logs[1].ContactName)
	require.NotNil(t, logs[0].CompanyName)
	assert.Equal(t, "Acme", *logs[0].CompanyName)

	result, err := c.DeleteLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	var live int
	require.NoError(t, db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM activity_logs WHERE deleted_at IS NULL`).Scan(&live))
	assert.Zero(t, live)

	var preDeleteBeforeCascade bool
	require.NoError(t, db.QueryRowxContext(ctx, `
		SELECT a.logged_at < l.deleted_at
		FROM activity_logs a JOIN leads l ON l.id = a.lead_id
		WHERE a.lead_id = $1 AND a.action = 'deleted'
	`, lead.ID).Scan(&preDeleteBeforeCascade))
	assert.True(t, preDeleteBeforeCascade)
}

func TestActivityFailureRollsBackLeadInsert(t *testing.T) {
	repo, db := openIntegrationStore(t)
	customerID := seedCustomerWithContact(t, db)
	c := NewCoordinator(&failingAppendRepo{PostgresStore: repo}, time.UTC, nil)
	ctx := context.Background()

	_, err := c.CreateLead(ctx, store.Fields{"customer_id": customerID, "content": "doomed"})
	require.ErrorIs(t, err, errAppendFailed)

	var leads int
	require.NoError(t, db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&leads))
	assert.Zero(t, leads)
}

type failingAppendRepo struct {
	*store.PostgresStore
}

func (failingAppendRepo) AppendActivity(context.Context, store.ActivityLog) (int64, error) {
	return 0, errAppendFailed
}
