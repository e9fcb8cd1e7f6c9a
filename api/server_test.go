package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelliceil/engine"
	"intelliceil/engine/config"
)

func newTestServer(t *testing.T, cfg *config.Config, auth AuthConfig) (*Server, *engine.Engine) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := config.NewStore(cfg, nil, nil)
	require.NoError(t, err)
	eng, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	srv := NewServer(Options{Engine: eng, Auth: auth, Version: "test"})
	return srv, eng
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/status", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "config")
	assert.Contains(t, body, "threat")
	assert.Contains(t, body, "baseline")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestUpdateConfig(t *testing.T) {
	srv, eng := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodPut, "/api/config",
		`{"alert_threshold_pct": 75, "max_requests_per_ip": 500}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	cfg := eng.Store().Config()
	assert.Equal(t, 75.0, cfg.AlertThresholdPct)
	assert.Equal(t, 500, cfg.MaxRequestsPerIP)
}

func TestUpdateConfigRejectsBadThresholds(t *testing.T) {
	srv, eng := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodPut, "/api/config",
		`{"alert_threshold_pct": 200, "mitigation_threshold_pct": 100}`, nil)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 50.0, eng.Store().Config().AlertThresholdPct)
}

func TestUpdateConfigRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodPut, "/api/config", `{broken`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlockAndUnblockIP(t *testing.T) {
	srv, eng := newTestServer(t, nil, AuthConfig{})
	r := srv.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/ips/block", `{"ip": "10.0.0.9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.Store().Policy().IsBlocked("10.0.0.9"))

	// Blocking again reports changed=false.
	rec = doJSON(t, r, http.MethodPost, "/api/ips/block", `{"ip": "10.0.0.9"}`, nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["changed"])

	rec = doJSON(t, r, http.MethodPost, "/api/ips/unblock", `{"ip": "10.0.0.9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Store().Policy().IsBlocked("10.0.0.9"))
}

func TestTrustAndUntrustIP(t *testing.T) {
	srv, eng := newTestServer(t, nil, AuthConfig{})
	r := srv.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/ips/trust", `{"ip": "9.9.9.9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.Store().Policy().IsTrustedIP("9.9.9.9"))

	rec = doJSON(t, r, http.MethodPost, "/api/ips/untrust", `{"ip": "9.9.9.9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Store().Policy().IsTrustedIP("9.9.9.9"))
}

func TestBlockIPRequiresBody(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/ips/block", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrustAndUntrustDomain(t *testing.T) {
	srv, eng := newTestServer(t, nil, AuthConfig{})
	r := srv.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/domains/trust", `{"domain": "partner.example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.Store().Policy().IsTrustedDomain("partner.example.com"))

	rec = doJSON(t, r, http.MethodDelete, "/api/domains/trust/partner.example.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Store().Policy().IsTrustedDomain("partner.example.com"))
}

func TestMitigationEndpoints(t *testing.T) {
	srv, eng := newTestServer(t, nil, AuthConfig{})
	r := srv.Router()

	rec := doJSON(t, r, http.MethodPost, "/api/mitigation/activate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.Status().Threat.MitigationActive)

	rec = doJSON(t, r, http.MethodPost, "/api/mitigation/deactivate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.Status().Threat.MitigationActive)
}

func TestAuthGuardsMutatingEndpoints(t *testing.T) {
	secret := "test-secret"
	srv, _ := newTestServer(t, nil, AuthConfig{Enabled: true, Secret: secret})
	r := srv.Router()

	// Reads stay open.
	rec := doJSON(t, r, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Writes need a token.
	rec = doJSON(t, r, http.MethodPost, "/api/ips/block", `{"ip": "10.0.0.9"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/ips/block", `{"ip": "10.0.0.9"}`,
		http.Header{"Authorization": []string{"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	rec = doJSON(t, r, http.MethodPost, "/api/ips/block", `{"ip": "10.0.0.9"}`,
		http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{Enabled: true, Secret: "right"})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong"))
	require.NoError(t, err)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/mitigation/activate", "",
		http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReloadWithoutWatcher(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodPost, "/reload", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	rec := doJSON(t, srv.Router(), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "intelliceil_")
}

func TestCompressionNegotiation(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	srv.compression = CompressConfig{Enabled: true}

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/status", "",
		http.Header{"Accept-Encoding": []string{"br, gzip"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))

	rec = doJSON(t, srv.Router(), http.MethodGet, "/api/status", "", nil)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}
