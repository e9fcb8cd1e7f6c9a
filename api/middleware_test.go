package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelliceil/engine/config"
)

func protectedEcho(srv *Server) http.Handler {
	return srv.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}))
}

func TestProtectAllowsNormalTraffic(t *testing.T) {
	srv, _ := newTestServer(t, nil, AuthConfig{})
	h := protectedEcho(srv)

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProtectRejectsBlockedIP(t *testing.T) {
	cfg := config.Default()
	cfg.BlockedIPs = []string{"198.51.100.4"}
	srv, _ := newTestServer(t, cfg, AuthConfig{})
	h := protectedEcho(srv)

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error": "request rejected"}`, rec.Body.String())
}

func TestProtectRateLimitsPerIP(t *testing.T) {
	cfg := config.Default()
	cfg.MaxRequestsPerIP = 3
	srv, _ := newTestServer(t, cfg, AuthConfig{})
	h := protectedEcho(srv)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/page", nil)
		req.RemoteAddr = "198.51.100.4:5123"
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestProtectHonorsMitigationAndTrust(t *testing.T) {
	cfg := config.Default()
	cfg.TrustedDomains = []string{"partner.example.com"}
	srv, eng := newTestServer(t, cfg, AuthConfig{})
	eng.ActivateMitigation("test")
	h := protectedEcho(srv)

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/page", nil)
	req.RemoteAddr = "198.51.100.5:5123"
	req.Header.Set("Referer", "https://partner.example.com/store")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIPPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:   "remote addr only",
			remote: "198.51.100.4:5123",
			want:   "198.51.100.4",
		},
		{
			name:    "x-forwarded-for wins",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1", "X-Real-IP": "203.0.113.9"},
			remote:  "198.51.100.4:5123",
			want:    "203.0.113.7",
		},
		{
			name:    "x-real-ip fallback",
			headers: map[string]string{"X-Real-IP": "203.0.113.9"},
			remote:  "198.51.100.4:5123",
			want:    "203.0.113.9",
		},
		{
			name:    "cloudflare header",
			headers: map[string]string{"CF-Connecting-IP": "203.0.113.11"},
			remote:  "198.51.100.4:5123",
			want:    "203.0.113.11",
		},
		{
			name:   "remote addr without port",
			remote: "198.51.100.4",
			want:   "198.51.100.4",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(req))
		})
	}
}

func TestRefererDomain(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, RefererDomain(req))

	req.Header.Set("Referer", "https://Partner.Example.COM:8443/checkout?x=1")
	assert.Equal(t, "partner.example.com", RefererDomain(req))
}
