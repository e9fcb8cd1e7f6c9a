// Package counter accumulates request counts at one-second granularity.
// The hot path only touches an atomic global counter and one shard lock,
// so admission latency stays flat under load.
package counter

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const defaultShards = 64

type shard struct {
	mu    sync.Mutex
	perIP map[string]int64
}

// Counter is the per-second accumulator. Record is called on every request;
// Roll is called once per second by the engine ticker and swaps the current
// second out for consumption by the baseline estimator and state machine.
type Counter struct {
	global atomic.Int64
	shards []*shard
}

// New creates a counter with the given shard count (0 picks the default).
func New(shardCount int) *Counter {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	c := &Counter{shards: make([]*shard, shardCount)}
	for i := range c.shards {
		c.shards[i] = &shard{perIP: make(map[string]int64)}
	}
	return c
}

// Record increments the current second's global and per-IP counters. O(1).
func (c *Counter) Record(ip string) {
	c.global.Add(1)
	s := c.shards[shardIndex(ip, len(c.shards))]
	s.mu.Lock()
	s.perIP[ip]++
	s.mu.Unlock()
}

// Roll atomically swaps out the closed second and returns its totals.
// The per-IP map is owned by the caller after return.
func (c *Counter) Roll() (total int64, perIP map[string]int64) {
	total = c.global.Swap(0)
	perIP = make(map[string]int64)
	for _, s := range c.shards {
		s.mu.Lock()
		for ip, n := range s.perIP {
			perIP[ip] += n
		}
		s.perIP = make(map[string]int64)
		s.mu.Unlock()
	}
	return total, perIP
}

// Current returns the running total for the still-open second.
func (c *Counter) Current() int64 {
	return c.global.Load()
}

func shardIndex(ip string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return int(h.Sum32() % uint32(n))
}
