package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"salescrm/api/internal/auth"
	"salescrm/api/internal/lifecycle"
	"salescrm/api/internal/metrics"
	"salescrm/api/internal/rbac"
	"salescrm/api/internal/search"
	"salescrm/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(metrics.InstrumentHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/api/session", s.handleSession)
	r.Post("/api/session/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Route("/api/customers", func(r chi.Router) {
			r.With(s.allow(rbac.ActionRead)).Get("/", s.handleListCustomers)
			r.With(s.allow(rbac.ActionWrite)).Post("/", s.handleCreateCustomer)
			r.With(s.allow(rbac.ActionRead)).Get("/{id}", s.handleGetCustomer)
			r.With(s.allow(rbac.ActionWrite)).Patch("/{id}", s.handleUpdateCustomer)
			r.With(s.allow(rbac.ActionRead)).Get("/{id}/contacts", s.handleListContacts)
			r.With(s.allow(rbac.ActionWrite)).Post("/{id}/contacts", s.handleCreateContact)
		})

		r.Route("/api/leads", func(r chi.Router) {
			r.With(s.allow(rbac.ActionRead)).Get("/", s.handleListLeads)
			r.With(s.allow(rbac.ActionWrite)).Post("/", s.handleCreateLead)
			r.With(s.allow(rbac.ActionRead)).Get("/{id}", s.handleGetLead)
			r.With(s.allow(rbac.ActionWrite)).Patch("/{id}", s.handleUpdateLead)
			r.With(s.allow(rbac.ActionDelete)).Delete("/{id}", s.handleDeleteLead)
		})

		r.Route("/api/deals", func(r chi.Router) {
			r.With(s.allow(rbac.ActionRead)).Get("/", s.handleListDeals)
			r.With(s.allow(rbac.ActionWrite)).Post("/", s.handleCreateDeal)
			r.With(s.allow(rbac.ActionRead)).Get("/{id}", s.handleGetDeal)
			r.With(s.allow(rbac.ActionWrite)).Patch("/{id}", s.handleUpdateDeal)
			r.With(s.allow(rbac.ActionDelete)).Delete("/{id}", s.handleDeleteDeal)
		})

		r.With(s.allow(rbac.ActionRead)).Get("/api/activity-logs", s.handleActivityLogs)
		r.With(s.allow(rbac.ActionRead)).Get("/api/pipeline", s.handlePipeline)
		r.With(s.allow(rbac.ActionRead)).Get("/api/search", s.handleSearch)
		r.With(s.allow(rbac.ActionRead)).Get("/api/lookups/{category}", s.handleListLookups)
		r.With(s.allow(rbac.ActionConfigure)).Put("/api/lookups/{category}/{code}", s.handleUpsertLookup)
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if err := s.service.PingCache(ctx); err != nil {
		checks["lookupCache"] = map[string]any{"status": "degraded", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userName":      session.UserName,
		"userId":        session.UserID,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userName":  session.UserName,
		"userId":    session.UserID,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Customers

func (s *HTTPServer) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	customers, err := s.service.ListCustomers(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": customers})
}

func (s *HTTPServer) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	customer, err := s.service.CreateCustomer(r.Context(), fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, customer)
}

func (s *HTTPServer) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	customer, err := s.service.GetCustomer(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (s *HTTPServer) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	customer, err := s.service.UpdateCustomer(r.Context(), id, fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (s *HTTPServer) handleListContacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	contacts, err := s.service.ListContacts(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": contacts})
}

func (s *HTTPServer) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	contactID, err := s.service.CreateContact(r.Context(), id, fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": contactID})
}

// Leads

func (s *HTTPServer) handleListLeads(w http.ResponseWriter, r *http.Request) {
	filter := store.LeadFilter{Status: strings.TrimSpace(r.URL.Query().Get("status"))}
	var err error
	if filter.CustomerID, err = queryInt64(r, "customerId"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.OwnerID, err = queryInt64(r, "ownerId"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		s.fail(w, r, err)
		return
	}
	leads, err := s.service.ListLeads(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": leads})
}

func (s *HTTPServer) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	result, err := s.service.CreateLead(r.Context(), sessionFrom(r.Context()), fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleGetLead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	lead, err := s.service.GetLead(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *HTTPServer) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	result, err := s.service.UpdateLead(r.Context(), id, fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.DeleteLead(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Deals

func (s *HTTPServer) handleListDeals(w http.ResponseWriter, r *http.Request) {
	filter := store.DealFilter{Stage: strings.TrimSpace(r.URL.Query().Get("stage"))}
	var err error
	if filter.LeadID, err = queryInt64(r, "leadId"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		s.fail(w, r, err)
		return
	}
	deals, err := s.service.ListDeals(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": deals})
}

func (s *HTTPServer) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	result, err := s.service.CreateDeal(r.Context(), fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	deal, err := s.service.GetDeal(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (s *HTTPServer) handleUpdateDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	fields, ok := s.fields(w, r)
	if !ok {
		return
	}
	result, err := s.service.UpdateDeal(r.Context(), id, fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	result, err := s.service.DeleteDeal(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Read models

func (s *HTTPServer) handleActivityLogs(w http.ResponseWriter, r *http.Request) {
	var filter store.ActivityFilter
	var err error
	if filter.LeadID, err = queryInt64(r, "leadId"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.DealID, err = queryInt64(r, "dealId"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.CustomerID, err = queryInt64(r, "customerId"); err != nil {
		s.fail(w, r, err)
		return
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		s.fail(w, r, err)
		return
	}
	logs, err := s.service.ActivityLogs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (s *HTTPServer) handlePipeline(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Pipeline(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	filterType := search.ResultType(strings.TrimSpace(r.URL.Query().Get("type")))
	switch filterType {
	case "", search.ResultLead, search.ResultDeal, search.ResultCustomer:
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be lead, deal or customer", nil)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit <= 0 {
		limit = 20
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:       q,
		FilterType: filterType,
		Limit:      limit,
		Offset:     offset,
	}))
}

// Lookups

func (s *HTTPServer) handleListLookups(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("all") == "true"
	values, err := s.service.Lookups(r.Context(), chi.URLParam(r, "category"), includeInactive)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": values})
}

func (s *HTTPServer) handleUpsertLookup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label     string `json:"label"`
		SortOrder int    `json:"sortOrder"`
		IsActive  *bool  `json:"isActive"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	value := store.LookupValue{
		Category:  chi.URLParam(r, "category"),
		Code:      chi.URLParam(r, "code"),
		Label:     body.Label,
		SortOrder: body.SortOrder,
		IsActive:  body.IsActive == nil || *body.IsActive,
	}
	saved, err := s.service.UpsertLookup(r.Context(), value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Plumbing

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", lifecycle.RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) fields(w http.ResponseWriter, r *http.Request) (store.Fields, bool) {
	fields, err := decodeFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return nil, false
	}
	return fields, true
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) allow(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sessionFrom(r.Context())
			if !s.service.Can(session.Role, action) {
				s.logger.Info("access denied",
					zap.Int64("user_id", session.UserID),
					zap.String("role", session.Role),
					zap.String("action", string(action)),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(lifecycle.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeFields reads a JSON object into a column map. Numbers stay
// json.Number so ids and amounts keep their exact text.
func decodeFields(r *http.Request) (store.Fields, error) {
	fields := store.Fields{}
	if r.Body == nil {
		return fields, nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return store.Fields{}, nil
		}
		return nil, fmt.Errorf("invalid JSON body")
	}
	if fields == nil {
		fields = store.Fields{}
	}
	return fields, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, validationError(key+" must be a non-negative integer", nil)
	}
	return parsed, nil
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, validationError(key+" must be a positive integer", nil)
	}
	return parsed, nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
