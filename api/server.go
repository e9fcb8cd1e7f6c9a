// Package api exposes the admin and status HTTP surface of the engine, plus
// the inline protection middleware the application mounts in front of its
// own routes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"intelliceil/engine"
	"intelliceil/engine/config"
	"intelliceil/engine/reload"
)

var startTime = time.Now()

// Server holds the HTTP surface around one engine instance.
type Server struct {
	engine      *engine.Engine
	reloader    *reload.Manager
	logger      *zap.Logger
	auth        AuthConfig
	compression CompressConfig
	version     string
}

// Options wires a Server. Reloader may be nil.
type Options struct {
	Engine      *engine.Engine
	Reloader    *reload.Manager
	Logger      *zap.Logger
	Auth        AuthConfig
	Compression CompressConfig
	Version     string
}

// NewServer builds the HTTP surface.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		engine:      opts.Engine,
		reloader:    opts.Reloader,
		logger:      opts.Logger,
		auth:        opts.Auth,
		compression: opts.Compression,
		version:     opts.Version,
	}
}

// Router returns the admin/status routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/reload", s.handleReload)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.compress)
		r.Get("/status", s.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Put("/config", s.handleUpdateConfig)
			r.Post("/ips/block", s.handleBlockIP)
			r.Post("/ips/unblock", s.handleUnblockIP)
			r.Post("/ips/trust", s.handleTrustIP)
			r.Post("/ips/untrust", s.handleUntrustIP)
			r.Post("/domains/trust", s.handleTrustDomain)
			r.Delete("/domains/trust/{domain}", s.handleUntrustDomain)
			r.Post("/mitigation/activate", s.handleActivateMitigation)
			r.Post("/mitigation/deactivate", s.handleDeactivateMitigation)
		})
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := s.engine.UpdateConfig(patch)
	if err != nil {
		if errors.Is(err, config.ErrInvalidThresholds) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type ipRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	changed := s.engine.BlockIP(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "blocked": true, "changed": changed})
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	changed := s.engine.UnblockIP(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "blocked": false, "changed": changed})
}

func (s *Server) handleTrustIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	changed := s.engine.TrustIP(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "trusted": true, "changed": changed})
}

func (s *Server) handleUntrustIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	changed := s.engine.UntrustIP(req.IP)
	writeJSON(w, http.StatusOK, map[string]any{"ip": req.IP, "trusted": false, "changed": changed})
}

type domainRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) handleTrustDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	changed := s.engine.TrustDomain(req.Domain)
	writeJSON(w, http.StatusOK, map[string]any{"domain": req.Domain, "trusted": true, "changed": changed})
}

func (s *Server) handleUntrustDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	changed := s.engine.UntrustDomain(domain)
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "trusted": false, "changed": changed})
}

func (s *Server) handleActivateMitigation(w http.ResponseWriter, r *http.Request) {
	s.engine.ActivateMitigation(ClientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{"mitigation_active": true})
}

func (s *Server) handleDeactivateMitigation(w http.ResponseWriter, r *http.Request) {
	s.engine.DeactivateMitigation(ClientIP(r))
	writeJSON(w, http.StatusOK, map[string]any{"mitigation_active": false})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "hot reload is not available")
		return
	}
	if err := s.reloader.Reload("endpoint"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(startTime)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime_seconds": int64(uptime.Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"system": map[string]any{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"memory_mb":  m.Alloc / 1024 / 1024,
			"num_cpu":    runtime.NumCPU(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
