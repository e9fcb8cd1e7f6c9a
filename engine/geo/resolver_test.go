package geo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelliceil/engine/config"
)

type stubProvider struct {
	result Result
	err    error
	delay  time.Duration
	calls  chan string
}

func (p *stubProvider) Lookup(ctx context.Context, ip string) (Result, error) {
	if p.calls != nil {
		p.calls <- ip
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return p.result, p.err
}

func newTestStore(t *testing.T, cfg *config.Config) *config.Store {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := config.NewStore(cfg, nil, nil)
	require.NoError(t, err)
	return store
}

func TestResolveNeverBlocksOnSlowProvider(t *testing.T) {
	provider := &stubProvider{delay: 10 * time.Second}
	r, err := NewResolver(newTestStore(t, nil), provider, nil, ResolverOptions{LookupTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	loc := r.Resolve("1.2.3.4", "")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "1.2.3.4", loc.IP)
	assert.Empty(t, loc.Country)
}

func TestResolveFillsGeoFieldsAsynchronously(t *testing.T) {
	provider := &stubProvider{result: Result{Country: "Germany", CountryCode: "DE", City: "Berlin"}}
	r, err := NewResolver(newTestStore(t, nil), provider, nil, ResolverOptions{})
	require.NoError(t, err)

	r.Resolve("1.2.3.4", "")
	require.Eventually(t, func() bool {
		loc, ok := r.Peek("1.2.3.4")
		return ok && loc.CountryCode == "DE"
	}, 2*time.Second, 10*time.Millisecond)

	loc := r.Resolve("1.2.3.4", "")
	assert.Equal(t, "Germany", loc.Country)
	assert.Equal(t, "Berlin", loc.City)
}

func TestResolveCountsRequests(t *testing.T) {
	r, err := NewResolver(newTestStore(t, nil), nil, nil, ResolverOptions{})
	require.NoError(t, err)

	r.Resolve("1.2.3.4", "")
	r.Resolve("1.2.3.4", "")
	loc := r.Resolve("1.2.3.4", "")
	assert.Equal(t, int64(3), loc.RequestCount)
}

func TestTrustFollowsPolicyChanges(t *testing.T) {
	cfg := config.Default()
	cfg.TrustedDomains = []string{"partner.example.com"}
	store := newTestStore(t, cfg)
	r, err := NewResolver(store, nil, nil, ResolverOptions{})
	require.NoError(t, err)

	assert.True(t, r.Resolve("1.2.3.4", "partner.example.com").Trusted)
	assert.False(t, r.Resolve("1.2.3.4", "evil.example.com").Trusted)

	// Trust is not sticky on the cached record; revoking the domain takes
	// effect on the next resolve.
	store.UntrustDomain("partner.example.com")
	assert.False(t, r.Resolve("1.2.3.4", "partner.example.com").Trusted)
}

func TestBlockWinsOverTrust(t *testing.T) {
	cfg := config.Default()
	cfg.TrustedDomains = []string{"partner.example.com"}
	cfg.TrustedIPs = []string{"1.2.3.4"}
	cfg.BlockedIPs = []string{"1.2.3.4"}
	r, err := NewResolver(newTestStore(t, cfg), nil, nil, ResolverOptions{})
	require.NoError(t, err)

	assert.False(t, r.Resolve("1.2.3.4", "partner.example.com").Trusted)
}

func TestBlockedIPSurvivesCachePressure(t *testing.T) {
	cfg := config.Default()
	cfg.BlockedIPs = []string{"10.0.0.9"}
	r, err := NewResolver(newTestStore(t, cfg), nil, nil, ResolverOptions{CacheSize: 8})
	require.NoError(t, err)

	r.Resolve("10.0.0.9", "")
	for i := 0; i < 100; i++ {
		r.Resolve(fmt.Sprintf("172.16.0.%d", i), "")
	}

	loc, ok := r.Peek("10.0.0.9")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", loc.IP)
}

func TestUnblockedIPReturnsToCache(t *testing.T) {
	cfg := config.Default()
	cfg.BlockedIPs = []string{"10.0.0.9"}
	store := newTestStore(t, cfg)
	r, err := NewResolver(store, nil, nil, ResolverOptions{})
	require.NoError(t, err)

	r.Resolve("10.0.0.9", "")
	store.UnblockIP("10.0.0.9")
	loc := r.Resolve("10.0.0.9", "")

	// The pinned record was demoted, not lost: its counter carried over.
	assert.Equal(t, int64(2), loc.RequestCount)
	assert.Equal(t, 1, r.TrackedIPs())
}

func TestRecentIsBounded(t *testing.T) {
	r, err := NewResolver(newTestStore(t, nil), nil, nil, ResolverOptions{})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		r.Resolve(fmt.Sprintf("172.16.0.%d", i), "")
	}
	assert.Len(t, r.Recent(10), 10)
	assert.Equal(t, 50, r.TrackedIPs())
}

func TestInflightLookupsAreDeduplicated(t *testing.T) {
	calls := make(chan string, 16)
	provider := &stubProvider{delay: 100 * time.Millisecond, calls: calls}
	r, err := NewResolver(newTestStore(t, nil), provider, nil, ResolverOptions{LookupTimeout: time.Second})
	require.NoError(t, err)

	r.Resolve("1.2.3.4", "")
	r.Resolve("1.2.3.4", "")
	r.Resolve("1.2.3.4", "")

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, calls, 1)
}
