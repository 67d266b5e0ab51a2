package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescrm/api/internal/lifecycle"
	"salescrm/api/internal/store"
)

func authed(t *testing.T, svc *Service, fs *fakeStore, role, method, target, body string) *http.Request {
	t.Helper()
	user := store.User{ID: int64(len(fs.users) + 100), DisplayName: "user-" + role, Role: role}
	fs.users[user.ID] = user
	token, _, err := svc.signer.Issue(user.ID, user.DisplayName, user.Role)
	require.NoError(t, err)

	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSessionLoginReturnsContract(t *testing.T) {
	var ensuredName string
	fs := newFakeStore()
	fs.ensureUserByNameFn = func(_ context.Context, name string) (store.User, error) {
		ensuredName = name
		return store.User{ID: 12, DisplayName: name, Role: "manager"}, nil
	}
	svc := newTestService(fs, &fakeWriter{})

	req := httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":"  Avery  "}`))
	rr := serve(t, svc, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	payload := decodeResponse(t, rr)
	assert.NotEmpty(t, payload["token"])
	assert.Equal(t, "Avery", payload["userName"])
	assert.Equal(t, "manager", payload["role"])
	assert.EqualValues(t, 12, payload["userId"])
	assert.Equal(t, "Avery", ensuredName)
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":`)))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", decodeResponse(t, rr)["code"])
}

func TestSessionLoginRequiresName(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/session/login", bytes.NewBufferString(`{"name":" "}`)))

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSessionEndpointReportsAnonymous(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeResponse(t, rr)["authenticated"])
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	for _, target := range []string{"/api/leads", "/api/deals/1", "/api/activity-logs", "/api/pipeline"} {
		rr := serve(t, svc, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, target)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/leads", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr := serve(t, svc, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRoleChecks(t *testing.T) {
	fs := newFakeStore()
	fs.customers[7] = store.Customer{ID: 7}
	fs.leads[1] = store.Lead{ID: 1, CustomerID: 7}
	svc := newTestService(fs, &fakeWriter{})

	cases := []struct {
		role, method, target, body string
		want                       int
	}{
		{"viewer", http.MethodGet, "/api/leads", "", http.StatusOK},
		{"viewer", http.MethodPost, "/api/leads", `{"customer_id":7}`, http.StatusForbidden},
		{"sales", http.MethodPost, "/api/leads", `{"customer_id":7}`, http.StatusCreated},
		{"sales", http.MethodDelete, "/api/leads/1", "", http.StatusForbidden},
		{"manager", http.MethodDelete, "/api/leads/1", "", http.StatusOK},
		{"manager", http.MethodPut, "/api/lookups/deal_stage/proposal", `{"label":"Proposal"}`, http.StatusForbidden},
		{"admin", http.MethodPut, "/api/lookups/deal_stage/proposal", `{"label":"Proposal"}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s %s %s", tc.role, tc.method, tc.target), func(t *testing.T) {
			rr := serve(t, svc, authed(t, svc, fs, tc.role, tc.method, tc.target, tc.body))
			assert.Equal(t, tc.want, rr.Code, rr.Body.String())
		})
	}
}

func TestCreateLeadEndpointReturnsDealInfo(t *testing.T) {
	fs := newFakeStore()
	fs.customers[7] = store.Customer{ID: 7, CompanyName: "Acme"}
	var got store.Fields
	fw := &fakeWriter{createLeadFn: func(_ context.Context, fields store.Fields) (lifecycle.LeadResult, error) {
		got = fields
		dealID := int64(4)
		return lifecycle.LeadResult{ID: 3, Code: "20240115-L001", DealCreated: true, DealID: &dealID}, nil
	}}
	svc := newTestService(fs, fw)

	body := `{"customer_id":7,"status":"converted","content":"ERP","expected_amount":12.5}`
	rr := serve(t, svc, authed(t, svc, fs, "sales", http.MethodPost, "/api/leads", body))

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	payload := decodeResponse(t, rr)
	assert.EqualValues(t, 3, payload["id"])
	assert.Equal(t, true, payload["dealCreated"])
	assert.EqualValues(t, 4, payload["dealId"])
	assert.Equal(t, json.Number("7"), got["customer_id"])
}

func TestLeadWriteErrorsMapToStatus(t *testing.T) {
	fs := newFakeStore()
	fs.customers[7] = store.Customer{ID: 7}
	fs.leads[1] = store.Lead{ID: 1, CustomerID: 7, Status: "converted"}

	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"transition", fmt.Errorf("%w: converted -> new", lifecycle.ErrInvalidTransition), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"empty", lifecycle.ErrEmptyWrite, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"busy", fmt.Errorf("lock lead: %w", store.ErrRetryable), http.StatusServiceUnavailable, "RETRYABLE"},
		{"gone", fmt.Errorf("lock lead: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fw := &fakeWriter{updateLeadFn: func(context.Context, int64, store.Fields) (lifecycle.LeadResult, error) {
				return lifecycle.LeadResult{}, tc.err
			}}
			svc := newTestService(fs, fw)

			rr := serve(t, svc, authed(t, svc, fs, "sales", http.MethodPatch, "/api/leads/1", `{"content":"x"}`))

			require.Equal(t, tc.want, rr.Code, rr.Body.String())
			assert.Equal(t, tc.code, decodeResponse(t, rr)["code"])
			if tc.want == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCreateDealConflictMapsTo409(t *testing.T) {
	fs := newFakeStore()
	fw := &fakeWriter{createDealFn: func(context.Context, store.Fields) (lifecycle.DealResult, error) {
		return lifecycle.DealResult{}, fmt.Errorf("%w: lead 1 has deal 2", lifecycle.ErrDealExists)
	}}
	svc := newTestService(fs, fw)

	rr := serve(t, svc, authed(t, svc, fs, "sales", http.MethodPost, "/api/deals", `{"lead_id":1}`))

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CONFLICT", decodeResponse(t, rr)["code"])
}

func TestDeleteMissingDealReturnsZero(t *testing.T) {
	fs := newFakeStore()
	fw := &fakeWriter{deleteDealFn: func(context.Context, int64) (lifecycle.DeleteResult, error) {
		return lifecycle.DeleteResult{}, nil
	}}
	svc := newTestService(fs, fw)

	rr := serve(t, svc, authed(t, svc, fs, "manager", http.MethodDelete, "/api/deals/9", ""))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decodeResponse(t, rr)["deleted"])
}

func TestInvalidPathIDIsNotFound(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeWriter{})

	rr := serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/leads/abc", ""))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestActivityLogFilterParsing(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeWriter{})

	rr := serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/activity-logs?leadId=3&limit=20", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, fs.activity, 1)
	assert.Equal(t, store.ActivityFilter{LeadID: 3, Limit: 20}, fs.activity[0])

	rr = serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/activity-logs?dealId=x", ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestPipelineEndpoint(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeWriter{})

	rr := serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/pipeline", ""))

	require.Equal(t, http.StatusOK, rr.Code)
	payload := decodeResponse(t, rr)
	assert.EqualValues(t, 2, payload["leadsByStatus"].(map[string]any)["new"])
	assert.Equal(t, "0", payload["openAmount"])
}

func TestSearchWithoutIndexReturnsEmpty(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeWriter{})

	rr := serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/search?q=acme", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	payload := decodeResponse(t, rr)
	assert.Equal(t, "acme", payload["query"])
	assert.Empty(t, payload["results"])

	rr = serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/search?q=acme&type=invoice", ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestUnknownLookupCategoryIs404(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, &fakeWriter{})

	rr := serve(t, svc, authed(t, svc, fs, "viewer", http.MethodGet, "/api/lookups/colour", ""))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
