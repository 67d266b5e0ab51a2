package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxLeads     = "crm_leads"
	idxDeals     = "crm_deals"
	idxCustomers = "crm_customers"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server leaves it unhealthy; the health loop retries.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxLeads,
			filterable: []string{"status"},
			searchable: []string{"code", "companyName", "content"},
		},
		{
			uid:        idxDeals,
			filterable: []string{"stage"},
			searchable: []string{"code", "leadCode", "companyName", "projectName"},
		},
		{
			uid:        idxCustomers,
			filterable: []string{"industry"},
			searchable: []string{"companyName", "registrationNumber"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			m.logger.Debug("create index (may already exist)", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the lead, deal and customer indexes (or one of them) and
// merges the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, ti := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxLeads, ResultLead},
		{idxDeals, ResultDeal},
		{idxCustomers, ResultCustomer},
	} {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxLeads:
		return ResultLead
	case idxDeals:
		return ResultDeal
	case idxCustomers:
		return ResultCustomer
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Code = decodeString(hit, "code")
	r.CompanyName = decodeString(hit, "companyName")

	switch rtyp {
	case ResultLead:
		r.Title = firstNonBlank(r.Code, r.CompanyName)
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
		r.Status = decodeString(hit, "status")
	case ResultDeal:
		r.Title = firstNonBlank(decodeFormattedString(hit, "projectName"), decodeString(hit, "projectName"), r.Code)
		r.Snippet = r.CompanyName
		r.Status = decodeString(hit, "stage")
	case ResultCustomer:
		r.Title = firstNonBlank(decodeFormattedString(hit, "companyName"), r.CompanyName)
		r.Snippet = decodeString(hit, "registrationNumber")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexLeads(leads ...LeadRecord) error {
	if len(leads) == 0 {
		return nil
	}
	_, err := m.client.Index(idxLeads).AddDocuments(leads, nil)
	return err
}

func (m *Meili) IndexDeals(deals ...DealRecord) error {
	if len(deals) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDeals).AddDocuments(deals, nil)
	return err
}

func (m *Meili) IndexCustomers(customers ...CustomerRecord) error {
	if len(customers) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCustomers).AddDocuments(customers, nil)
	return err
}

func (m *Meili) deleteFrom(uid string, ids []string) error {
	for _, id := range ids {
		if _, err := m.client.Index(uid).DeleteDocument(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *Meili) DeleteLeads(ids ...string) error { return m.deleteFrom(idxLeads, ids) }
func (m *Meili) DeleteDeals(ids ...string) error { return m.deleteFrom(idxDeals, ids) }
