package search

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	fail    error
	results []Result
	leads   []LeadRecord
	deleted []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	if f.fail != nil {
		return nil, 0, f.fail
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) IndexLeads(leads ...LeadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads = append(f.leads, leads...)
	return f.fail
}

func (f *fakeIndex) IndexDeals(...DealRecord) error         { return f.fail }
func (f *fakeIndex) IndexCustomers(...CustomerRecord) error { return f.fail }
func (f *fakeIndex) DeleteLeads(ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return f.fail
}
func (f *fakeIndex) DeleteDeals(ids ...string) error { return f.DeleteLeads(ids...) }

func newPgSearchMock(t *testing.T) (*PgSearch, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPgSearch(sqlx.NewDb(db, "pgx")), mock
}

func TestServiceUsesIndexWhenHealthy(t *testing.T) {
	idx := &fakeIndex{healthy: true, results: []Result{{Type: ResultLead, ID: "1", Code: "20240115-L001"}}}
	s := &Service{index: idx}

	resp := s.Search(context.Background(), Query{Text: "L001"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "20240115-L001", resp.Results[0].Code)
	assert.Equal(t, "L001", resp.Query)
}

func TestServiceFallsBackToPostgres(t *testing.T) {
	pg, mock := newPgSearchMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM")).
		WithArgs("%acme\\_co%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT type, id, code, title, snippet, company_name, status")).
		WithArgs("%acme\\_co%").
		WillReturnRows(sqlmock.NewRows([]string{"type", "id", "code", "title", "snippet", "company_name", "status"}).
			AddRow("customer", "7", "", "Acme_Co", "123-45", "Acme_Co", ""))

	s := &Service{index: &fakeIndex{healthy: true, fail: errors.New("timeout")}, fallback: pg}
	s.logger = nopLogger()

	resp := s.Search(context.Background(), Query{Text: "acme_co", FilterType: ResultCustomer})
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, ResultCustomer, resp.Results[0].Type)
	assert.Equal(t, "Acme_Co", resp.Results[0].Title)
}

func TestPgSearchBlankQuery(t *testing.T) {
	pg, _ := newPgSearchMock(t)
	results, total, err := pg.Search(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Zero(t, total)
}

func TestIndexWritesSkipUnhealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	s := &Service{index: idx, logger: nopLogger()}

	s.IndexLead(LeadRecord{ID: "1"})
	s.DeleteLead("1")
	assert.Empty(t, idx.leads)
	assert.Empty(t, idx.deleted)
}

func TestIndexWritesReachHealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	s := &Service{index: idx, logger: nopLogger()}
	s.async = false

	s.IndexLead(LeadRecord{ID: "1", Code: "20240115-L001"})
	s.DeleteDeal("9")
	require.Len(t, idx.leads, 1)
	assert.Equal(t, "20240115-L001", idx.leads[0].Code)
	assert.Equal(t, []string{"9"}, idx.deleted)
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	hit := meili.Hit{
		"id":          json.RawMessage(`"3"`),
		"code":        json.RawMessage(`"20240115-D003"`),
		"companyName": json.RawMessage(`"Acme"`),
		"projectName": json.RawMessage(`"ERP"`),
		"stage":       json.RawMessage(`"proposal"`),
		"_formatted":  json.RawMessage(`{"projectName":"<mark>ERP</mark>"}`),
	}

	r := hitToResult(hit, ResultDeal)
	assert.Equal(t, "3", r.ID)
	assert.Equal(t, "<mark>ERP</mark>", r.Title)
	assert.Equal(t, "Acme", r.Snippet)
	assert.Equal(t, "proposal", r.Status)
	assert.Equal(t, ResultDeal, indexToResultType(idxDeals))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now`, escapeLike("50% off_now"))
}

func nopLogger() *zap.Logger { return zap.NewNop() }
