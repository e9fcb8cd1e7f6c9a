package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"intelliceil/engine/admission"
)

// Protect runs the admission check inline on every request. Blocked requests
// get a JSON rejection with no internal detail; the per-IP window maps to
// 429, everything else to 403.
func (s *Server) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		decision, reason := s.engine.Admit(ip, RefererDomain(r))
		s.engine.RecordEndpoint(r.URL.Path)

		if decision == admission.Block {
			status := http.StatusForbidden
			if reason == admission.ReasonWindowExceeded {
				status = http.StatusTooManyRequests
				w.Header().Set("Retry-After", "60")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "request rejected",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the real client IP, handling proxies and load balancers.
func ClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	if cfIP := r.Header.Get("CF-Connecting-IP"); cfIP != "" {
		return strings.TrimSpace(cfIP)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RefererDomain returns the lowercased host of the Referer header, or "".
func RefererDomain(r *http.Request) string {
	ref := r.Referer()
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
