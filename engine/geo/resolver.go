package geo

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"intelliceil/engine/config"
)

const (
	defaultCacheSize     = 10000
	defaultLookupTimeout = 300 * time.Millisecond
)

type entry struct {
	mu  sync.Mutex
	loc Location
}

// ResolverOptions tunes the resolver. Zero values pick the defaults.
type ResolverOptions struct {
	CacheSize     int
	LookupTimeout time.Duration
}

// Resolver maps IPs to Location with an LRU-bounded cache. Trust status is
// recomputed from the policy on every resolve so admin changes are visible
// immediately; only geography is cached. Blocked IPs are pinned outside the
// LRU so eviction never drops them.
type Resolver struct {
	store    *config.Store
	provider Provider
	logger   *zap.Logger
	timeout  time.Duration

	cache *lru.Cache[string, *entry]

	mu       sync.Mutex
	pinned   map[string]*entry
	inflight map[string]struct{}
}

// NewResolver builds a resolver. provider may be nil, in which case geo
// fields stay empty and only trust policy is applied.
func NewResolver(store *config.Store, provider Provider, logger *zap.Logger, opts ResolverOptions) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}

	r := &Resolver{
		store:    store,
		provider: provider,
		logger:   logger,
		timeout:  opts.LookupTimeout,
		pinned:   make(map[string]*entry),
		inflight: make(map[string]struct{}),
	}

	cache, err := lru.NewWithEvict[string, *entry](opts.CacheSize, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Resolve returns the location and trust status for an IP. Cache hits return
// immediately; misses schedule a background provider lookup and return a
// provisional record with empty geo fields. Never blocks on I/O.
func (r *Resolver) Resolve(ip, referrerDomain string) Location {
	policy := r.store.Policy()
	trusted := trustStatus(policy, ip, referrerDomain)

	e := r.lookup(ip, policy)
	if e == nil {
		e = r.insert(ip, policy)
		r.scheduleLookup(ip, e)
	}

	e.mu.Lock()
	e.loc.RequestCount++
	e.loc.LastSeen = time.Now()
	e.loc.Trusted = trusted
	loc := e.loc
	e.mu.Unlock()
	return loc
}

// Peek returns the cached location without touching counters or scheduling
// lookups. Used by the snapshot aggregator.
func (r *Resolver) Peek(ip string) (Location, bool) {
	r.mu.Lock()
	e, pinnedOK := r.pinned[ip]
	r.mu.Unlock()
	if !pinnedOK {
		var ok bool
		e, ok = r.cache.Peek(ip)
		if !ok {
			return Location{}, false
		}
	}
	e.mu.Lock()
	loc := e.loc
	e.mu.Unlock()
	return loc, true
}

// Recent returns up to max locations, most recently used last. This is the
// bounded recent-activity set the top-K aggregation works from.
func (r *Resolver) Recent(max int) []Location {
	keys := r.cache.Keys()
	if len(keys) > max {
		keys = keys[len(keys)-max:]
	}
	out := make([]Location, 0, len(keys)+8)
	for _, ip := range keys {
		if e, ok := r.cache.Peek(ip); ok {
			e.mu.Lock()
			out = append(out, e.loc)
			e.mu.Unlock()
		}
	}
	r.mu.Lock()
	for _, e := range r.pinned {
		e.mu.Lock()
		out = append(out, e.loc)
		e.mu.Unlock()
	}
	r.mu.Unlock()
	return out
}

// TrackedIPs returns how many IPs are currently cached or pinned.
func (r *Resolver) TrackedIPs() int {
	r.mu.Lock()
	pinned := len(r.pinned)
	r.mu.Unlock()
	return r.cache.Len() + pinned
}

func (r *Resolver) lookup(ip string, policy *config.Policy) *entry {
	r.mu.Lock()
	e, ok := r.pinned[ip]
	if ok && !policy.IsBlocked(ip) {
		// Unblocked since it was pinned; demote back into the LRU.
		delete(r.pinned, ip)
		r.mu.Unlock()
		r.cache.Add(ip, e)
		return e
	}
	r.mu.Unlock()
	if ok {
		return e
	}
	if e, ok := r.cache.Get(ip); ok {
		return e
	}
	return nil
}

func (r *Resolver) insert(ip string, policy *config.Policy) *entry {
	e := &entry{loc: Location{IP: ip}}
	if policy.IsBlocked(ip) {
		r.mu.Lock()
		if existing, ok := r.pinned[ip]; ok {
			r.mu.Unlock()
			return existing
		}
		r.pinned[ip] = e
		r.mu.Unlock()
		return e
	}
	if prev, ok, _ := r.cache.PeekOrAdd(ip, e); ok {
		return prev
	}
	return e
}

// onEvict keeps blocked IPs resident when the LRU pushes them out.
func (r *Resolver) onEvict(ip string, e *entry) {
	if !r.store.Policy().IsBlocked(ip) {
		return
	}
	r.mu.Lock()
	if _, ok := r.pinned[ip]; !ok {
		r.pinned[ip] = e
	}
	r.mu.Unlock()
}

// scheduleLookup runs the provider call off the hot path with a hard timeout.
// Failures degrade gracefully: geo fields just stay empty.
func (r *Resolver) scheduleLookup(ip string, e *entry) {
	if r.provider == nil {
		return
	}
	r.mu.Lock()
	if _, busy := r.inflight[ip]; busy {
		r.mu.Unlock()
		return
	}
	r.inflight[ip] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, ip)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		res, err := r.provider.Lookup(ctx, ip)
		if err != nil {
			r.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
			return
		}
		e.mu.Lock()
		e.loc.Country = res.Country
		e.loc.CountryCode = res.CountryCode
		e.loc.City = res.City
		e.loc.Lat = res.Lat
		e.loc.Lon = res.Lon
		e.mu.Unlock()
	}()
}

// trustStatus: an explicit block always wins; otherwise trust comes from the
// referrer allowlist or a previously trusted IP.
func trustStatus(policy *config.Policy, ip, referrerDomain string) bool {
	if policy.IsBlocked(ip) {
		return false
	}
	if referrerDomain != "" && policy.IsTrustedDomain(referrerDomain) {
		return true
	}
	return policy.IsTrustedIP(ip)
}
