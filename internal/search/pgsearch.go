package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// PgSearch implements Searcher with ILIKE matching in Postgres. It is the
// fallback when Meilisearch is not configured or unhealthy.
type PgSearch struct {
	db *sqlx.DB
}

func NewPgSearch(db *sqlx.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgSearch) Healthy() bool {
	return true
}

type pgHit struct {
	Type        string `db:"type"`
	ID          string `db:"id"`
	Code        string `db:"code"`
	Title       string `db:"title"`
	Snippet     string `db:"snippet"`
	CompanyName string `db:"company_name"`
	Status      string `db:"status"`
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultLead {
		subQueries = append(subQueries, `
			SELECT 'lead'::text AS type, l.id::text AS id, COALESCE(l.code, '') AS code,
				COALESCE(l.code, c.company_name) AS title, l.content AS snippet,
				c.company_name, l.status, l.created_at
			FROM leads l
			JOIN customers c ON c.id = l.customer_id
			WHERE l.deleted_at IS NULL
				AND (l.code ILIKE $1 OR l.content ILIKE $1 OR c.company_name ILIKE $1)`)
	}
	if q.FilterType == "" || q.FilterType == ResultDeal {
		subQueries = append(subQueries, `
			SELECT 'deal'::text AS type, d.id::text AS id, COALESCE(d.code, '') AS code,
				d.project_name AS title, c.company_name AS snippet,
				c.company_name, d.stage AS status, d.created_at
			FROM deals d
			JOIN leads l ON l.id = d.lead_id
			JOIN customers c ON c.id = l.customer_id
			WHERE d.deleted_at IS NULL
				AND (d.code ILIKE $1 OR d.project_name ILIKE $1 OR c.company_name ILIKE $1)`)
	}
	if q.FilterType == "" || q.FilterType == ResultCustomer {
		subQueries = append(subQueries, `
			SELECT 'customer'::text AS type, c.id::text AS id, ''::text AS code,
				c.company_name AS title, COALESCE(c.registration_number, '') AS snippet,
				c.company_name, ''::text AS status, c.created_at
			FROM customers c
			WHERE c.deleted_at IS NULL
				AND (c.company_name ILIKE $1 OR c.registration_number ILIKE $1)`)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	pattern := "%" + escapeLike(text) + "%"

	var total int
	if err := p.db.QueryRowxContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}

	var hits []pgHit
	dataSQL := fmt.Sprintf(`SELECT type, id, code, title, snippet, company_name, status
		FROM (%s) sub
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	if err := p.db.SelectContext(ctx, &hits, dataSQL, pattern); err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			Type:        ResultType(hit.Type),
			ID:          hit.ID,
			Code:        hit.Code,
			Title:       hit.Title,
			Snippet:     hit.Snippet,
			CompanyName: hit.CompanyName,
			Status:      hit.Status,
		})
	}
	return results, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// LoadAllRecords returns every live searchable row for a full reindex.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]LeadRecord, []DealRecord, []CustomerRecord, error) {
	leads := []LeadRecord{}
	if err := p.db.SelectContext(ctx, &leads, `
		SELECT l.id::text AS id, COALESCE(l.code, '') AS code, c.company_name, l.content, l.status
		FROM leads l
		JOIN customers c ON c.id = l.customer_id
		WHERE l.deleted_at IS NULL
	`); err != nil {
		return nil, nil, nil, fmt.Errorf("load leads: %w", err)
	}

	deals := []DealRecord{}
	if err := p.db.SelectContext(ctx, &deals, `
		SELECT d.id::text AS id, COALESCE(d.code, '') AS code, COALESCE(l.code, '') AS lead_code,
			c.company_name, d.project_name, d.stage
		FROM deals d
		JOIN leads l ON l.id = d.lead_id
		JOIN customers c ON c.id = l.customer_id
		WHERE d.deleted_at IS NULL
	`); err != nil {
		return nil, nil, nil, fmt.Errorf("load deals: %w", err)
	}

	customers := []CustomerRecord{}
	if err := p.db.SelectContext(ctx, &customers, `
		SELECT id::text AS id, company_name, COALESCE(registration_number, '') AS registration_number,
			COALESCE(industry, '') AS industry
		FROM customers
		WHERE deleted_at IS NULL
	`); err != nil {
		return nil, nil, nil, fmt.Errorf("load customers: %w", err)
	}

	return leads, deals, customers, nil
}
