package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmlicense.app/licensing/internal/email"
	"crmlicense.app/licensing/internal/metrics"
	"crmlicense.app/licensing/internal/testutil"
	"crmlicense.app/licensing/storage"
)

const testAdminToken = "admin-secret-token"

var fixedNow = time.Date(2025, time.January, 5, 9, 30, 0, 0, time.UTC)

type testServer struct {
	*Server
	store    *storage.MemoryStorage
	mailer   *email.RecordingSender
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testServer {
	t.Helper()
	store := testutil.TestStorage()
	require.NoError(t, testutil.SetupTestData(store))

	reg := prometheus.NewRegistry()
	mailer := &email.RecordingSender{}
	opts := Options{
		Version:             "1.2.3",
		AdminToken:          testAdminToken,
		StripeWebhookSecret: testWebhookSecret,
		Mailer:              mailer,
		Metrics:             metrics.New(reg),
		Gatherer:            reg,
		Now:                 func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&opts)
	}

	return &testServer{
		Server:   NewHttpServer(store, opts),
		store:    store,
		mailer:   mailer,
		registry: reg,
	}
}

func TestNewHttpServer(t *testing.T) {
	server := NewHttpServer(testutil.TestStorage(), Options{})

	require.NotNil(t, server)
	assert.NotNil(t, server.Mux)
	assert.NotNil(t, server.Storage)
	assert.NotNil(t, server.Registry)
	assert.Equal(t, "dev", server.opts.Version)
	assert.Equal(t, []string{"*"}, server.opts.CORSOrigins)
}

func TestServer_HealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.True(t, health.Timestamp.Equal(fixedNow))
}

func TestServer_NotFound(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Not found")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/license/validate", nil)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	testutil.AssertErrorResponse(t, w, http.StatusMethodNotAllowed, "Method not allowed")
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CORSRestrictedOrigins(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.CORSOrigins = []string{"https://admin.crmlicense.app"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimitsValidation(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RateLimit = 2
		o.RateWindow = time.Minute
	})

	for i := 0; i < 2; i++ {
		w := testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "example.com")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "example.com")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// health is outside the limited group
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	hw := httptest.NewRecorder()
	ts.ServeHTTP(hw, req)
	assert.Equal(t, http.StatusOK, hw.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "example.com")
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mw := httptest.NewRecorder()
	ts.ServeHTTP(mw, req)

	require.Equal(t, http.StatusOK, mw.Code)
	assert.True(t, strings.Contains(mw.Body.String(),
		`licensed_api_validations_total{endpoint="/api/v1/license/validate",status="active"} 1`),
		"metrics output:\n%s", mw.Body.String())
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{2999, "usd", "$29.99"},
		{150000, "TRY", "₺1500.00"},
		{500, "eur", "€5.00"},
		{1000, "nok", "10.00 NOK"},
		{-250, "gbp", "£-2.50"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatPrice(tt.amount, tt.currency))
	}
}
