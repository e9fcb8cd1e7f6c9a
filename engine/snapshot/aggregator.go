// Package snapshot builds the read-only status view consumed by dashboards.
// It holds no locks shared with the admission hot path; everything here is
// fed by the 1 Hz engine ticker and lags it by at most one tick.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"intelliceil/engine/baseline"
	"intelliceil/engine/config"
	"intelliceil/engine/geo"
	"intelliceil/engine/threat"
)

const (
	defaultHistorySize = 3600 // 1 hour at one point per second
	defaultTopK        = 10
	recentActivityCap  = 1000
)

// TrafficPoint is one second of observed traffic.
type TrafficPoint struct {
	Timestamp int64 `json:"timestamp"`
	RPS       int64 `json:"rps"`
}

// Entry is one row of a top-K listing.
type Entry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Status is the full point-in-time read model.
type Status struct {
	Config         *config.Config    `json:"config"`
	Baseline       baseline.Baseline `json:"baseline"`
	Threat         threat.State      `json:"threat"`
	CurrentRPS     int64             `json:"current_rps"`
	UniqueIPs      int               `json:"unique_ips"`
	GeoLocations   []geo.Location    `json:"geo_locations"`
	TrafficHistory []TrafficPoint    `json:"traffic_history"`
	TopSources     []Entry           `json:"top_sources"`
	TopEndpoints   []Entry           `json:"top_endpoints"`
	TopCountries   []Entry           `json:"top_countries"`
}

// Options tunes the aggregator. Zero values pick the defaults.
type Options struct {
	HistorySize int
	TopK        int
}

// Aggregator keeps the traffic history ring buffer and the rolling top-K
// listings. Endpoint hits arrive from the request middleware; everything
// else arrives from the ticker.
type Aggregator struct {
	mu      sync.Mutex
	ring    []TrafficPoint
	head    int
	filled  bool
	topK    int
	current int64

	sources   map[string]int64
	endpoints map[string]int64

	topSources   []Entry
	topEndpoints []Entry
	topCountries []Entry
	uniqueIPs    int

	epMu       sync.Mutex
	epPending  map[string]int64
	lastDecay  time.Time
	decayEvery time.Duration
}

// New creates an aggregator.
func New(opts Options) *Aggregator {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	return &Aggregator{
		ring:       make([]TrafficPoint, opts.HistorySize),
		topK:       opts.TopK,
		sources:    make(map[string]int64),
		endpoints:  make(map[string]int64),
		epPending:  make(map[string]int64),
		lastDecay:  time.Now(),
		decayEvery: time.Minute,
	}
}

// RecordEndpoint notes one hit on an endpoint. Called per request; cheap.
func (a *Aggregator) RecordEndpoint(endpoint string) {
	a.epMu.Lock()
	a.epPending[endpoint]++
	a.epMu.Unlock()
}

// Tick ingests the just-closed second: appends the traffic point, folds
// per-IP counts into the source totals, and recomputes the top-K listings
// from the resolver's recent-activity set.
func (a *Aggregator) Tick(now time.Time, rps int64, perIP map[string]int64, resolver *geo.Resolver) {
	a.epMu.Lock()
	pending := a.epPending
	a.epPending = make(map[string]int64, len(pending))
	a.epMu.Unlock()

	var recent []geo.Location
	if resolver != nil {
		recent = resolver.Recent(recentActivityCap)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = rps
	a.ring[a.head] = TrafficPoint{Timestamp: now.Unix(), RPS: rps}
	a.head = (a.head + 1) % len(a.ring)
	if a.head == 0 {
		a.filled = true
	}

	for ip, n := range perIP {
		a.sources[ip] += n
	}
	for ep, n := range pending {
		a.endpoints[ep] += n
	}

	// Halve totals periodically so the listings reflect recent traffic
	// instead of all-time volume, and so the maps stay bounded.
	if now.Sub(a.lastDecay) >= a.decayEvery {
		a.lastDecay = now
		decay(a.sources)
		decay(a.endpoints)
	}

	a.topSources = topN(a.sources, a.topK)
	a.topEndpoints = topN(a.endpoints, a.topK)

	countries := make(map[string]int64)
	for _, loc := range recent {
		if loc.CountryCode != "" {
			countries[loc.CountryCode] += loc.RequestCount
		}
	}
	a.topCountries = topN(countries, a.topK)
	a.uniqueIPs = len(recent)
}

// History returns the traffic points oldest first.
func (a *Aggregator) History() []TrafficPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.historyLocked()
}

// Status assembles the full read model.
func (a *Aggregator) Status(cfg *config.Config, base baseline.Baseline, st threat.State, resolver *geo.Resolver, geoCap int) Status {
	var locs []geo.Location
	uniqueIPs := 0
	if resolver != nil {
		locs = resolver.Recent(geoCap)
		uniqueIPs = resolver.TrackedIPs()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Config:         cfg,
		Baseline:       base,
		Threat:         st,
		CurrentRPS:     a.current,
		UniqueIPs:      uniqueIPs,
		GeoLocations:   locs,
		TrafficHistory: a.historyLocked(),
		TopSources:     append([]Entry(nil), a.topSources...),
		TopEndpoints:   append([]Entry(nil), a.topEndpoints...),
		TopCountries:   append([]Entry(nil), a.topCountries...),
	}
}

func (a *Aggregator) historyLocked() []TrafficPoint {
	if !a.filled {
		return append([]TrafficPoint(nil), a.ring[:a.head]...)
	}
	out := make([]TrafficPoint, 0, len(a.ring))
	out = append(out, a.ring[a.head:]...)
	out = append(out, a.ring[:a.head]...)
	return out
}

func decay(m map[string]int64) {
	for k, v := range m {
		v /= 2
		if v == 0 {
			delete(m, k)
			continue
		}
		m[k] = v
	}
}

// topN is a bounded selection, not a full history scan: the maps it works on
// are decayed and the candidate set is capped upstream.
func topN(m map[string]int64, n int) []Entry {
	entries := make([]Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, Entry{Key: k, Count: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
