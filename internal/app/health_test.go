package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, svc *Service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	server := NewHTTPServer(svc, "*", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), "body=%s", rr.Body.String())
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeResponse(t, rr)["ok"])
}

func TestReadyEndpoint_Success(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	response := decodeResponse(t, rr)
	assert.Equal(t, true, response["ok"])
	assert.Equal(t, "ready", response["status"])
	checks, ok := response["checks"].(map[string]any)
	require.True(t, ok, "expected checks object, got %v", response["checks"])
	dbCheck, ok := checks["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", dbCheck["status"])
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := newFakeStore()
	fs.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}
	svc := newTestService(fs, &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	response := decodeResponse(t, rr)
	assert.Equal(t, false, response["ok"])
	assert.Equal(t, "not_ready", response["status"])
	dbCheck := response["checks"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "error", dbCheck["status"])
	assert.Equal(t, "connection refused", dbCheck["error"])
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodOptions, "/api/leads", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := serve(t, svc, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "req-1", rr.Header().Get("X-Request-ID"))
}

func TestRequestIDIsGeneratedWhenAbsent(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Len(t, rr.Header().Get("X-Request-ID"), 36)
}

func TestPingMethod(t *testing.T) {
	tests := []struct {
		name      string
		pingError error
		wantError bool
	}{
		{name: "healthy database"},
		{name: "unhealthy database", pingError: errors.New("connection failed"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.pingFn = func(context.Context) error { return tt.pingError }
			svc := newTestService(fs, &fakeWriter{})

			err := svc.Ping(context.Background())
			assert.Equal(t, tt.wantError, err != nil)
		})
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeWriter{})

	serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "salescrm_http_requests_total")
}
