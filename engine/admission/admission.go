// Package admission is the synchronous per-request decision path. It must
// complete in microseconds and never touch blocking I/O.
package admission

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"intelliceil/engine/config"
	"intelliceil/engine/counter"
	"intelliceil/engine/geo"
	"intelliceil/engine/metrics"
	"intelliceil/engine/threat"
)

// Decision is the admission outcome. A decision is final, never retried.
type Decision int

const (
	Allow Decision = iota
	Block
)

func (d Decision) String() string {
	if d == Block {
		return "BLOCK"
	}
	return "ALLOW"
}

// Reason explains a block. Used as the metrics label.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBlockedIP
	ReasonWindowExceeded
	ReasonMitigation
	ReasonInternalError
)

func (r Reason) String() string {
	switch r {
	case ReasonBlockedIP:
		return "blocked_ip"
	case ReasonWindowExceeded:
		return "ip_window"
	case ReasonMitigation:
		return "mitigation"
	case ReasonInternalError:
		return "internal_error"
	default:
		return "none"
	}
}

const windowShards = 32

type ipWindow struct {
	start int64
	count int
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*ipWindow
}

// Controller gates every inbound request against trust policy, the per-IP
// sliding window, and the current mitigation state.
type Controller struct {
	store    *config.Store
	resolver *geo.Resolver
	counter  *counter.Counter
	threat   *threat.StateMachine
	logger   *zap.Logger
	shards   []*windowShard
}

// NewController wires the admission fast path.
func NewController(store *config.Store, resolver *geo.Resolver, ctr *counter.Counter, sm *threat.StateMachine, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:    store,
		resolver: resolver,
		counter:  ctr,
		threat:   sm,
		logger:   logger,
		shards:   make([]*windowShard, windowShards),
	}
	for i := range c.shards {
		c.shards[i] = &windowShard{windows: make(map[string]*ipWindow)}
	}
	return c
}

// Admit decides allow/block for one request.
//
// Fail-safe: an internal fault is caught here and resolved by mitigation
// state — allow when mitigation is off (favor availability), block when it is
// on (favor containment during an active incident).
func (c *Controller) Admit(ip, referrerDomain string, now time.Time) (decision Decision, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("admission fault", zap.Any("panic", r), zap.String("ip", ip))
			if c.threat.MitigationActive() {
				decision, reason = Block, ReasonInternalError
				c.record(ip, decision, reason)
			} else {
				decision, reason = Allow, ReasonNone
				c.record(ip, decision, reason)
			}
		}
	}()

	policy := c.store.Policy()
	if !policy.Config.Enabled {
		return Allow, ReasonNone
	}

	if policy.IsBlocked(ip) {
		c.record(ip, Block, ReasonBlockedIP)
		return Block, ReasonBlockedIP
	}

	loc := c.resolver.Resolve(ip, referrerDomain)

	// Always-on abuse protection, independent of mitigation state.
	if !c.withinWindow(ip, now, policy.Config.MaxRequestsPerIP, policy.Config.WindowSeconds) {
		c.record(ip, Block, ReasonWindowExceeded)
		return Block, ReasonWindowExceeded
	}

	if c.threat.MitigationActive() && !loc.Trusted {
		c.record(ip, Block, ReasonMitigation)
		return Block, ReasonMitigation
	}

	c.record(ip, Allow, ReasonNone)
	return Allow, ReasonNone
}

// withinWindow increments the per-IP sliding window and reports whether the
// request stays under the cap. The window resets when windowSeconds elapse.
func (c *Controller) withinWindow(ip string, now time.Time, maxPerIP, windowSeconds int) bool {
	s := c.shards[shardIndex(ip, len(c.shards))]
	nowUnix := now.Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[ip]
	if !ok || nowUnix-w.start >= int64(windowSeconds) {
		s.windows[ip] = &ipWindow{start: nowUnix, count: 1}
		return true
	}
	w.count++
	return w.count <= maxPerIP
}

// Sweep drops expired windows. Called from the engine ticker.
func (c *Controller) Sweep(now time.Time, windowSeconds int) {
	nowUnix := now.Unix()
	for _, s := range c.shards {
		s.mu.Lock()
		for ip, w := range s.windows {
			if nowUnix-w.start >= int64(windowSeconds) {
				delete(s.windows, ip)
			}
		}
		s.mu.Unlock()
	}
}

func (c *Controller) record(ip string, d Decision, reason Reason) {
	c.counter.Record(ip)
	if d == Allow {
		c.threat.RecordAllowed()
		metrics.RequestsAllowed.Inc()
		return
	}
	c.threat.RecordBlocked()
	metrics.RequestsBlocked.WithLabelValues(reason.String()).Inc()
}

func shardIndex(ip string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return int(h.Sum32() % uint32(n))
}
