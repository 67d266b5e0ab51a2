package search

import (
	"context"

	"go.uber.org/zap"

	"salescrm/api/internal/metrics"
)

// index is the write side of Meili, narrowed so tests can substitute it.
type index interface {
	Searcher
	IndexLeads(leads ...LeadRecord) error
	IndexDeals(deals ...DealRecord) error
	IndexCustomers(customers ...CustomerRecord) error
	DeleteLeads(ids ...string) error
	DeleteDeals(ids ...string) error
}

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	index    index
	fallback *PgSearch
	logger   *zap.Logger
	async    bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, fallback *PgSearch, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{fallback: fallback, logger: logger, async: true}
	if m != nil {
		s.index = m
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// dispatch runs an index write off the request path. Failures are logged
// and counted; Postgres stays the source of truth.
func (s *Service) dispatch(what string, fn func() error) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	run := func() {
		err := fn()
		metrics.RecordSearchIndex(err)
		if err != nil {
			s.logger.Warn("search index write failed", zap.String("op", what), zap.Error(err))
		}
	}
	if s.async {
		go run()
		return
	}
	run()
}

func (s *Service) IndexLead(rec LeadRecord) {
	s.dispatch("index lead "+rec.ID, func() error { return s.index.IndexLeads(rec) })
}

func (s *Service) IndexDeal(rec DealRecord) {
	s.dispatch("index deal "+rec.ID, func() error { return s.index.IndexDeals(rec) })
}

func (s *Service) IndexCustomer(rec CustomerRecord) {
	s.dispatch("index customer "+rec.ID, func() error { return s.index.IndexCustomers(rec) })
}

func (s *Service) DeleteLead(id string) {
	s.dispatch("delete lead "+id, func() error { return s.index.DeleteLeads(id) })
}

func (s *Service) DeleteDeal(id string) {
	s.dispatch("delete deal "+id, func() error { return s.index.DeleteDeals(id) })
}

// ReindexAllFromPG pushes every live searchable row into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return
	}
	leads, deals, customers, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("search reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexLeads(leads...); err != nil {
		s.logger.Warn("search reindex leads", zap.Error(err))
	}
	if err := s.index.IndexDeals(deals...); err != nil {
		s.logger.Warn("search reindex deals", zap.Error(err))
	}
	if err := s.index.IndexCustomers(customers...); err != nil {
		s.logger.Warn("search reindex customers", zap.Error(err))
	}
	s.logger.Info("search reindex complete",
		zap.Int("leads", len(leads)), zap.Int("deals", len(deals)), zap.Int("customers", len(customers)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
