package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// HTTP3Config holds the optional HTTP/3 listener settings for the admin API.
type HTTP3Config struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	MaxStreams  int64  `json:"max_streams"`
	IdleTimeout int    `json:"idle_timeout"` // seconds
}

// HTTP3Server serves the admin API over QUIC alongside the TCP listener.
type HTTP3Server struct {
	config  HTTP3Config
	server  *http3.Server
	mu      sync.Mutex
	running bool
}

// NewHTTP3Server builds the server; Start is a no-op when disabled.
func NewHTTP3Server(cfg HTTP3Config) *HTTP3Server {
	if cfg.Addr == "" {
		cfg.Addr = ":443"
	}
	if cfg.MaxStreams == 0 {
		cfg.MaxStreams = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30
	}
	return &HTTP3Server{config: cfg}
}

// Start begins serving in a background goroutine.
func (s *HTTP3Server) Start(handler http.Handler) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return err
	}

	s.server = &http3.Server{
		Addr:    s.config.Addr,
		Handler: handler,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{"h3"},
		},
		QUICConfig: &quic.Config{
			MaxIncomingStreams: s.config.MaxStreams,
			MaxIdleTimeout:     time.Duration(s.config.IdleTimeout) * time.Second,
			KeepAlivePeriod:    15 * time.Second,
		},
	}

	s.running = true
	go func() {
		_ = s.server.ListenAndServe()
	}()
	return nil
}

// Stop shuts the QUIC listener down.
func (s *HTTP3Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.server == nil {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}
