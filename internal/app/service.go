package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"salescrm/api/internal/auth"
	"salescrm/api/internal/config"
	"salescrm/api/internal/lifecycle"
	"salescrm/api/internal/lookup"
	"salescrm/api/internal/metrics"
	"salescrm/api/internal/rbac"
	"salescrm/api/internal/search"
	"salescrm/api/internal/store"
)

type Session struct {
	Token     string
	UserID    int64
	UserName  string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	WritableColumns(context.Context, store.Entity) ([]string, error)
	InsertRow(context.Context, store.Entity, store.Fields) (int64, error)
	UpdateRow(context.Context, store.Entity, int64, store.Fields) error
	GetCustomer(context.Context, int64) (store.Customer, error)
	ListCustomers(context.Context, int) ([]store.Customer, error)
	RegistrationNumberTaken(context.Context, string, int64) (bool, error)
	ListContacts(context.Context, int64) ([]store.Contact, error)
	ContactBelongsTo(context.Context, int64, int64) (bool, error)
	GetLead(context.Context, int64) (store.Lead, error)
	ListLeads(context.Context, store.LeadFilter) ([]store.Lead, error)
	GetDeal(context.Context, int64) (store.Deal, error)
	ListDeals(context.Context, store.DealFilter) ([]store.Deal, error)
	PipelineSummary(context.Context) (store.PipelineSummary, error)
	ListActivityLogs(context.Context, store.ActivityFilter) ([]store.ActivityLog, error)
	SeedLookups(context.Context, []store.LookupValue) (int, error)
}

// leadWriter is the transactional write path for leads and deals.
type leadWriter interface {
	CreateLead(context.Context, store.Fields) (lifecycle.LeadResult, error)
	UpdateLead(context.Context, int64, store.Fields) (lifecycle.LeadResult, error)
	CreateDeal(context.Context, store.Fields) (lifecycle.DealResult, error)
	UpdateDeal(context.Context, int64, store.Fields) (lifecycle.DealResult, error)
	DeleteLead(context.Context, int64) (lifecycle.DeleteResult, error)
	DeleteDeal(context.Context, int64) (lifecycle.DeleteResult, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	writer  leadWriter
	lookups *lookup.Cache
	search  *search.Service
	signer  *auth.Signer
	logger  *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, coordinator *lifecycle.Coordinator, lookups *lookup.Cache, searchService *search.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		writer:  coordinator,
		lookups: lookups,
		search:  searchService,
		signer:  auth.NewSigner(cfg.TokenSecret, cfg.AccessTTL),
		logger:  logger,
	}
}

// Bootstrap applies the lookup seed file, if any, and rebuilds the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if path := strings.TrimSpace(s.cfg.LookupSeedFile); path != "" {
		values, err := store.LoadLookupSeed(path)
		if err != nil {
			return err
		}
		inserted, err := s.store.SeedLookups(ctx, values)
		if err != nil {
			return err
		}
		for _, category := range seededCategories(values) {
			s.lookups.Invalidate(ctx, category)
		}
		s.logger.Info("lookup seed applied", zap.String("file", path), zap.Int("inserted", inserted), zap.Int("total", len(values)))
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func seededCategories(values []store.LookupValue) []string {
	seen := map[string]struct{}{}
	var categories []string
	for _, value := range values {
		if _, ok := seen[value.Category]; ok {
			continue
		}
		seen[value.Category] = struct{}{}
		categories = append(categories, value.Category)
	}
	return categories
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports the lookup cache. Lookups keep working from Postgres
// when it is down.
func (s *Service) PingCache(ctx context.Context) error {
	return s.lookups.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, validationError("name is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, err
	}
	token, claims, err := s.signer.Issue(user.ID, user.DisplayName, user.Role)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromToken verifies token and reloads the user so role changes apply
// without reissuing tokens.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// observeWrite counts and logs a failed write. Client errors are not logged.
func (s *Service) observeWrite(ctx context.Context, op string, errp *error) {
	if *errp == nil {
		return
	}
	class := failureClass(*errp)
	metrics.RecordWriteFailure(class)
	if class == "internal" || class == "retryable" {
		s.logger.Warn("write failed",
			zap.String("op", op),
			zap.String("class", class),
			zap.String("request_id", lifecycle.RequestID(ctx)),
			zap.Error(*errp))
	}
}

// Customers

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]store.Customer, error) {
	return s.store.ListCustomers(ctx, limit)
}

func (s *Service) GetCustomer(ctx context.Context, id int64) (store.Customer, error) {
	return s.store.GetCustomer(ctx, id)
}

func (s *Service) CreateCustomer(ctx context.Context, fields store.Fields) (customer store.Customer, err error) {
	defer s.observeWrite(ctx, "create customer", &err)

	write, err := s.writable(ctx, store.EntityCustomer, fields)
	if err != nil {
		return store.Customer{}, err
	}
	if name, _ := write.String("company_name"); strings.TrimSpace(name) == "" {
		return store.Customer{}, validationError("company_name is required", nil)
	}
	if err := s.validateCustomer(ctx, write, 0); err != nil {
		return store.Customer{}, err
	}

	id, err := s.store.InsertRow(ctx, store.EntityCustomer, write)
	if err != nil {
		return store.Customer{}, err
	}
	customer, err = s.store.GetCustomer(ctx, id)
	if err != nil {
		return store.Customer{}, err
	}
	s.indexCustomer(customer)
	return customer, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, id int64, fields store.Fields) (customer store.Customer, err error) {
	defer s.observeWrite(ctx, "update customer", &err)

	write, err := s.writable(ctx, store.EntityCustomer, fields)
	if err != nil {
		return store.Customer{}, err
	}
	if len(write) == 0 {
		return store.Customer{}, validationError("no writable fields", nil)
	}
	if write.Has("company_name") {
		if name, _ := write.String("company_name"); strings.TrimSpace(name) == "" {
			return store.Customer{}, validationError("company_name cannot be blank", nil)
		}
	}
	if _, err := s.store.GetCustomer(ctx, id); err != nil {
		return store.Customer{}, err
	}
	if err := s.validateCustomer(ctx, write, id); err != nil {
		return store.Customer{}, err
	}

	if err := s.store.UpdateRow(ctx, store.EntityCustomer, id, write); err != nil {
		return store.Customer{}, err
	}
	customer, err = s.store.GetCustomer(ctx, id)
	if err != nil {
		return store.Customer{}, err
	}
	s.indexCustomer(customer)
	return customer, nil
}

func (s *Service) validateCustomer(ctx context.Context, write store.Fields, id int64) error {
	if err := s.requireLookup(ctx, store.LookupIndustry, "industry", write); err != nil {
		return err
	}
	number, ok := write.String("registration_number")
	if !ok || strings.TrimSpace(number) == "" {
		return nil
	}
	taken, err := s.store.RegistrationNumberTaken(ctx, number, id)
	if err != nil {
		return err
	}
	if taken {
		return conflictError("registration number already belongs to another customer",
			map[string]any{"registrationNumber": number})
	}
	return nil
}

func (s *Service) ListContacts(ctx context.Context, customerID int64) ([]store.Contact, error) {
	if _, err := s.store.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.store.ListContacts(ctx, customerID)
}

func (s *Service) CreateContact(ctx context.Context, customerID int64, fields store.Fields) (id int64, err error) {
	defer s.observeWrite(ctx, "create contact", &err)

	write, err := s.writable(ctx, store.EntityContact, fields)
	if err != nil {
		return 0, err
	}
	if name, _ := write.String("name"); strings.TrimSpace(name) == "" {
		return 0, validationError("name is required", nil)
	}
	if _, err := s.store.GetCustomer(ctx, customerID); err != nil {
		return 0, err
	}
	write["customer_id"] = customerID
	return s.store.InsertRow(ctx, store.EntityContact, write)
}

// Leads

func (s *Service) ListLeads(ctx context.Context, filter store.LeadFilter) ([]store.Lead, error) {
	return s.store.ListLeads(ctx, filter)
}

func (s *Service) GetLead(ctx context.Context, id int64) (store.Lead, error) {
	return s.store.GetLead(ctx, id)
}

// CreateLead validates references before handing the write to the
// coordinator. The caller becomes the owner unless owner_id is given.
func (s *Service) CreateLead(ctx context.Context, session Session, fields store.Fields) (result lifecycle.LeadResult, err error) {
	defer s.observeWrite(ctx, "create lead", &err)

	customerID, ok := fields.Int64("customer_id")
	if !ok {
		return lifecycle.LeadResult{}, validationError("customer_id is required", nil)
	}
	if err := s.requireCustomer(ctx, customerID); err != nil {
		return lifecycle.LeadResult{}, err
	}
	if err := s.validateLead(ctx, fields, customerID); err != nil {
		return lifecycle.LeadResult{}, err
	}
	if !fields.Has("owner_id") && session.UserID != 0 {
		fields = fields.Without()
		fields["owner_id"] = session.UserID
	}

	result, err = s.writer.CreateLead(ctx, fields)
	if err != nil {
		return lifecycle.LeadResult{}, err
	}
	s.indexLead(ctx, result.ID)
	if result.DealCreated && result.DealID != nil {
		s.indexDeal(ctx, *result.DealID)
	}
	return result, nil
}

func (s *Service) UpdateLead(ctx context.Context, id int64, fields store.Fields) (result lifecycle.LeadResult, err error) {
	defer s.observeWrite(ctx, "update lead", &err)

	current, err := s.store.GetLead(ctx, id)
	if err != nil {
		return lifecycle.LeadResult{}, err
	}
	customerID := current.CustomerID
	if fields.Has("customer_id") {
		next, ok := fields.Int64("customer_id")
		if !ok {
			return lifecycle.LeadResult{}, validationError("customer_id must be an id", nil)
		}
		if err := s.requireCustomer(ctx, next); err != nil {
			return lifecycle.LeadResult{}, err
		}
		customerID = next
	}
	if err := s.validateLead(ctx, fields, customerID); err != nil {
		return lifecycle.LeadResult{}, err
	}

	result, err = s.writer.UpdateLead(ctx, id, fields)
	if err != nil {
		return lifecycle.LeadResult{}, err
	}
	s.indexLead(ctx, id)
	if result.DealCreated && result.DealID != nil {
		s.indexDeal(ctx, *result.DealID)
	}
	return result, nil
}

func (s *Service) validateLead(ctx context.Context, fields store.Fields, customerID int64) error {
	if fields.Has("status") {
		raw, _ := fields.String("status")
		if _, err := lifecycle.ParseLeadStatus(raw); err != nil {
			return validationError(err.Error(), map[string]any{"field": "status"})
		}
	}
	if value, ok := fields["contact_id"]; ok && value != nil {
		contactID, ok := fields.Int64("contact_id")
		if !ok {
			return validationError("contact_id must be an id", nil)
		}
		belongs, err := s.store.ContactBelongsTo(ctx, contactID, customerID)
		if err != nil {
			return err
		}
		if !belongs {
			return validationError("contact does not belong to the customer",
				map[string]any{"contactId": contactID, "customerId": customerID})
		}
	}
	if err := s.requireLookup(ctx, store.LookupLeadSource, "source", fields); err != nil {
		return err
	}
	return requireDates(fields, "next_action_date")
}

func (s *Service) DeleteLead(ctx context.Context, id int64) (result lifecycle.DeleteResult, err error) {
	defer s.observeWrite(ctx, "delete lead", &err)

	var dealID *int64
	if lead, err := s.store.GetLead(ctx, id); err == nil {
		dealID = lead.DealID
	}
	result, err = s.writer.DeleteLead(ctx, id)
	if err != nil {
		return lifecycle.DeleteResult{}, err
	}
	if result.Deleted > 0 && s.search != nil {
		s.search.DeleteLead(strconv.FormatInt(id, 10))
		if dealID != nil {
			s.search.DeleteDeal(strconv.FormatInt(*dealID, 10))
		}
	}
	return result, nil
}

// Deals

func (s *Service) ListDeals(ctx context.Context, filter store.DealFilter) ([]store.Deal, error) {
	return s.store.ListDeals(ctx, filter)
}

func (s *Service) GetDeal(ctx context.Context, id int64) (store.Deal, error) {
	return s.store.GetDeal(ctx, id)
}

func (s *Service) CreateDeal(ctx context.Context, fields store.Fields) (result lifecycle.DealResult, err error) {
	defer s.observeWrite(ctx, "create deal", &err)

	if _, ok := fields.Int64("lead_id"); !ok {
		return lifecycle.DealResult{}, validationError("lead_id is required", nil)
	}
	if err := s.validateDeal(ctx, fields); err != nil {
		return lifecycle.DealResult{}, err
	}
	result, err = s.writer.CreateDeal(ctx, fields)
	if err != nil {
		return lifecycle.DealResult{}, err
	}
	s.indexDeal(ctx, result.ID)
	return result, nil
}

func (s *Service) UpdateDeal(ctx context.Context, id int64, fields store.Fields) (result lifecycle.DealResult, err error) {
	defer s.observeWrite(ctx, "update deal", &err)

	if err := s.validateDeal(ctx, fields); err != nil {
		return lifecycle.DealResult{}, err
	}
	result, err = s.writer.UpdateDeal(ctx, id, fields)
	if err != nil {
		return lifecycle.DealResult{}, err
	}
	s.indexDeal(ctx, id)
	return result, nil
}

func (s *Service) validateDeal(ctx context.Context, fields store.Fields) error {
	if err := s.requireLookup(ctx, store.LookupDealStage, "stage", fields); err != nil {
		return err
	}
	if value, ok := fields["expected_amount"]; ok && value != nil {
		raw, ok := fields.String("expected_amount")
		if !ok {
			return validationError("expected_amount must be a number", nil)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return validationError("expected_amount must be a number", map[string]any{"value": raw})
		}
		if amount.IsNegative() {
			return validationError("expected_amount cannot be negative", map[string]any{"value": raw})
		}
	}
	return requireDates(fields, "expected_close_date", "actual_close_date", "next_action_date")
}

func (s *Service) DeleteDeal(ctx context.Context, id int64) (result lifecycle.DeleteResult, err error) {
	defer s.observeWrite(ctx, "delete deal", &err)

	result, err = s.writer.DeleteDeal(ctx, id)
	if err != nil {
		return lifecycle.DeleteResult{}, err
	}
	if result.Deleted > 0 && s.search != nil {
		s.search.DeleteDeal(strconv.FormatInt(id, 10))
	}
	return result, nil
}

// Read models

func (s *Service) ActivityLogs(ctx context.Context, filter store.ActivityFilter) ([]store.ActivityLog, error) {
	return s.store.ListActivityLogs(ctx, filter)
}

func (s *Service) Pipeline(ctx context.Context) (store.PipelineSummary, error) {
	return s.store.PipelineSummary(ctx)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// Lookups

var lookupCategories = map[string]struct{}{
	store.LookupDealStage:  {},
	store.LookupLeadSource: {},
	store.LookupIndustry:   {},
}

func (s *Service) Lookups(ctx context.Context, category string, includeInactive bool) ([]store.LookupValue, error) {
	if _, ok := lookupCategories[category]; !ok {
		return nil, notFoundError("unknown lookup category")
	}
	if includeInactive {
		return s.lookups.All(ctx, category)
	}
	return s.lookups.Active(ctx, category)
}

func (s *Service) UpsertLookup(ctx context.Context, value store.LookupValue) (saved store.LookupValue, err error) {
	defer s.observeWrite(ctx, "upsert lookup", &err)

	if _, ok := lookupCategories[value.Category]; !ok {
		return store.LookupValue{}, notFoundError("unknown lookup category")
	}
	value.Code = strings.TrimSpace(value.Code)
	if value.Code == "" {
		return store.LookupValue{}, validationError("code is required", nil)
	}
	if strings.TrimSpace(value.Label) == "" {
		value.Label = value.Code
	}
	return s.lookups.Upsert(ctx, value)
}

// Validation helpers

func (s *Service) writable(ctx context.Context, entity store.Entity, fields store.Fields) (store.Fields, error) {
	columns, err := s.store.WritableColumns(ctx, entity)
	if err != nil {
		return nil, err
	}
	return fields.Only(columns), nil
}

func (s *Service) requireCustomer(ctx context.Context, id int64) error {
	if _, err := s.store.GetCustomer(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationError("customer does not exist", map[string]any{"customerId": id})
		}
		return err
	}
	return nil
}

// requireLookup accepts a null or absent value. A category with no active
// values is treated as unconfigured and accepts anything.
func (s *Service) requireLookup(ctx context.Context, category, field string, fields store.Fields) error {
	value, present := fields[field]
	if !present || value == nil {
		return nil
	}
	code, ok := fields.String(field)
	if !ok || strings.TrimSpace(code) == "" {
		return validationError(fmt.Sprintf("%s must be a non-empty code", field), nil)
	}
	values, err := s.lookups.Active(ctx, category)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	for _, v := range values {
		if v.Code == code {
			return nil
		}
	}
	return validationError(fmt.Sprintf("unknown %s %q", field, code), map[string]any{"field": field, "value": code})
}

func requireDates(fields store.Fields, names ...string) error {
	for _, name := range names {
		value, ok := fields[name]
		if !ok || value == nil {
			continue
		}
		raw, ok := value.(string)
		if !ok {
			return validationError(name+" must be a YYYY-MM-DD date", nil)
		}
		if _, err := time.Parse(time.DateOnly, raw); err != nil {
			return validationError(name+" must be a YYYY-MM-DD date", map[string]any{"value": raw})
		}
	}
	return nil
}

// Search indexing runs after commit. Failures only cost search freshness.

func (s *Service) indexLead(ctx context.Context, id int64) {
	if s.search == nil {
		return
	}
	lead, err := s.store.GetLead(ctx, id)
	if err != nil {
		s.logger.Warn("load lead for indexing", zap.Int64("lead_id", id), zap.Error(err))
		return
	}
	s.search.IndexLead(search.LeadRecord{
		ID:          strconv.FormatInt(lead.ID, 10),
		Code:        deref(lead.Code),
		CompanyName: lead.CompanyName,
		Content:     lead.Content,
		Status:      lead.Status,
	})
}

func (s *Service) indexDeal(ctx context.Context, id int64) {
	if s.search == nil {
		return
	}
	deal, err := s.store.GetDeal(ctx, id)
	if err != nil {
		s.logger.Warn("load deal for indexing", zap.Int64("deal_id", id), zap.Error(err))
		return
	}
	s.search.IndexDeal(search.DealRecord{
		ID:          strconv.FormatInt(deal.ID, 10),
		Code:        deref(deal.Code),
		LeadCode:    deref(deal.LeadCode),
		CompanyName: deal.CompanyName,
		ProjectName: deal.ProjectName,
		Stage:       deal.Stage,
	})
}

func (s *Service) indexCustomer(customer store.Customer) {
	if s.search == nil {
		return
	}
	s.search.IndexCustomer(search.CustomerRecord{
		ID:                 strconv.FormatInt(customer.ID, 10),
		CompanyName:        customer.CompanyName,
		RegistrationNumber: deref(customer.RegistrationNumber),
		Industry:           deref(customer.Industry),
	})
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
