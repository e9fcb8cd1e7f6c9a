package config

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Persistence stores the policy durably. Failures are retried in the
// background and never block the in-memory decision path.
type Persistence interface {
	Load() (*Config, error)
	Save(cfg *Config) error
}

// Policy is the derived, read-optimized view the hot path consumes.
// It is swapped atomically on every mutation, never patched in place.
type Policy struct {
	Config         *Config
	BlockedIPs     map[string]struct{}
	TrustedIPs     map[string]struct{}
	TrustedDomains map[string]struct{}
}

// IsBlocked reports whether the IP is explicitly blocked.
func (p *Policy) IsBlocked(ip string) bool {
	_, ok := p.BlockedIPs[ip]
	return ok
}

// IsTrustedIP reports whether the IP was previously marked trusted.
func (p *Policy) IsTrustedIP(ip string) bool {
	_, ok := p.TrustedIPs[ip]
	return ok
}

// IsTrustedDomain reports whether the referrer domain is on the allowlist.
func (p *Policy) IsTrustedDomain(domain string) bool {
	_, ok := p.TrustedDomains[normalizeDomain(domain)]
	return ok
}

// Store is the single source of truth for the runtime policy. Mutations are
// serialized behind a mutex; readers load an immutable snapshot.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Policy]
	persist Persistence
	logger  *zap.Logger

	saveRetries  int
	saveBackoff  time.Duration
	persistErrs  atomic.Int64
	lastSavedAt  atomic.Int64
	saveInFlight sync.WaitGroup
}

// NewStore builds a store around an initial config. A nil persistence keeps
// the policy memory-only (tests, embedded use).
func NewStore(initial *Config, persist Persistence, logger *zap.Logger) (*Store, error) {
	if initial == nil {
		initial = Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		persist:     persist,
		logger:      logger,
		saveRetries: 3,
		saveBackoff: 500 * time.Millisecond,
	}
	s.current.Store(buildPolicy(initial))
	return s, nil
}

// Load replaces the in-memory policy with the persisted one, if any.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	cfg, err := s.persist.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current.Store(buildPolicy(cfg))
	s.mu.Unlock()
	s.logger.Info("policy loaded from persistence",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("blocked_ips", len(cfg.BlockedIPs)),
		zap.Int("trusted_domains", len(cfg.TrustedDomains)))
	return nil
}

// Policy returns the current immutable policy snapshot.
func (s *Store) Policy() *Policy {
	return s.current.Load()
}

// Config returns a copy of the current config safe for callers to hold.
func (s *Store) Config() *Config {
	return s.current.Load().Config.Clone()
}

// Update applies a validated partial update and returns the new config.
// An update that violates the threshold ordering leaves the policy unchanged.
func (s *Store) Update(patch Patch) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Config.Clone()
	patch.apply(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.swap(next)
	return next.Clone(), nil
}

// BlockIP adds an IP to the blocklist. Blocking an already-blocked IP is a
// no-op; the returned bool reports whether anything changed.
func (s *Store) BlockIP(ip string) bool {
	return s.mutateSet(func(c *Config) bool {
		if contains(c.BlockedIPs, ip) {
			return false
		}
		c.BlockedIPs = append(c.BlockedIPs, ip)
		c.TrustedIPs = remove(c.TrustedIPs, ip)
		return true
	})
}

// UnblockIP removes an IP from the blocklist, idempotently.
func (s *Store) UnblockIP(ip string) bool {
	return s.mutateSet(func(c *Config) bool {
		if !contains(c.BlockedIPs, ip) {
			return false
		}
		c.BlockedIPs = remove(c.BlockedIPs, ip)
		return true
	})
}

// TrustIP marks an IP as trusted. A blocked IP stays blocked; block wins.
func (s *Store) TrustIP(ip string) bool {
	return s.mutateSet(func(c *Config) bool {
		if contains(c.TrustedIPs, ip) {
			return false
		}
		c.TrustedIPs = append(c.TrustedIPs, ip)
		return true
	})
}

// UntrustIP removes an IP from the trusted set, idempotently.
func (s *Store) UntrustIP(ip string) bool {
	return s.mutateSet(func(c *Config) bool {
		if !contains(c.TrustedIPs, ip) {
			return false
		}
		c.TrustedIPs = remove(c.TrustedIPs, ip)
		return true
	})
}

// TrustDomain adds a referrer domain to the allowlist, idempotently.
func (s *Store) TrustDomain(domain string) bool {
	domain = normalizeDomain(domain)
	return s.mutateSet(func(c *Config) bool {
		if contains(c.TrustedDomains, domain) {
			return false
		}
		c.TrustedDomains = append(c.TrustedDomains, domain)
		return true
	})
}

// UntrustDomain removes a referrer domain from the allowlist, idempotently.
func (s *Store) UntrustDomain(domain string) bool {
	domain = normalizeDomain(domain)
	return s.mutateSet(func(c *Config) bool {
		if !contains(c.TrustedDomains, domain) {
			return false
		}
		c.TrustedDomains = remove(c.TrustedDomains, domain)
		return true
	})
}

// PersistErrors returns how many background saves have failed so far.
func (s *Store) PersistErrors() int64 {
	return s.persistErrs.Load()
}

// Flush waits for in-flight background saves. Used on shutdown and in tests.
func (s *Store) Flush() {
	s.saveInFlight.Wait()
}

func (s *Store) mutateSet(fn func(*Config) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Config.Clone()
	if !fn(next) {
		return false
	}
	s.swap(next)
	return true
}

// swap publishes the new policy and kicks off a background save.
// Caller must hold s.mu.
func (s *Store) swap(next *Config) {
	s.current.Store(buildPolicy(next))
	if s.persist == nil {
		return
	}
	saved := next.Clone()
	s.saveInFlight.Add(1)
	go func() {
		defer s.saveInFlight.Done()
		backoff := s.saveBackoff
		for attempt := 0; attempt <= s.saveRetries; attempt++ {
			if err := s.persist.Save(saved); err != nil {
				if attempt == s.saveRetries {
					s.persistErrs.Add(1)
					s.logger.Error("policy save failed, in-memory copy remains authoritative",
						zap.Error(err), zap.Int("attempts", attempt+1))
					return
				}
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			s.lastSavedAt.Store(time.Now().Unix())
			return
		}
	}()
}

func buildPolicy(cfg *Config) *Policy {
	p := &Policy{
		Config:         cfg,
		BlockedIPs:     make(map[string]struct{}, len(cfg.BlockedIPs)),
		TrustedIPs:     make(map[string]struct{}, len(cfg.TrustedIPs)),
		TrustedDomains: make(map[string]struct{}, len(cfg.TrustedDomains)),
	}
	for _, ip := range cfg.BlockedIPs {
		p.BlockedIPs[ip] = struct{}{}
	}
	for _, ip := range cfg.TrustedIPs {
		p.TrustedIPs[ip] = struct{}{}
	}
	for _, d := range cfg.TrustedDomains {
		p.TrustedDomains[normalizeDomain(d)] = struct{}{}
	}
	return p
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
