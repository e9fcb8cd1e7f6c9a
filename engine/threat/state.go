// Package threat classifies live traffic against the baseline and owns the
// escalation state machine plus the mitigation flag.
package threat

import (
	"sync"
	"sync/atomic"
	"time"
)

// Thresholds carries the per-tick policy knobs. Read fresh from the config
// store on every tick so admin updates take effect immediately.
type Thresholds struct {
	AlertPct       float64
	MitigationPct  float64
	HardCeilingRPS float64
	CooldownTicks  int
	SustainedTicks int
	AutoMitigate   bool
}

// Transition describes a level change produced by a tick.
type Transition struct {
	From                Level
	To                  Level
	PercentOverBaseline float64
	RPS                 float64
	At                  time.Time
	MitigationActive    bool
	MitigationChanged   bool
}

// State is the exported snapshot for dashboards and the status API.
type State struct {
	Level               Level     `json:"level"`
	PercentOverBaseline float64   `json:"percent_over_baseline"`
	TriggeredAt         time.Time `json:"triggered_at"`
	MitigationActive    bool      `json:"mitigation_active"`
	BlockedRequests     uint64    `json:"blocked_requests"`
	AllowedRequests     uint64    `json:"allowed_requests"`
}

// StateMachine escalates NORMAL -> ELEVATED -> ATTACK -> CRITICAL one level
// per tick (the absolute hard ceiling may jump straight to CRITICAL) and only
// de-escalates after the metric stays below the alert threshold for a full
// cool-down period. After a drop, re-escalation is suppressed for another
// cool-down so a single transient spike cannot flap the level.
type StateMachine struct {
	mu           sync.Mutex
	level        Level
	pct          float64
	triggeredAt  time.Time
	sustained    int // consecutive ticks at/above the mitigation threshold
	belowLower   int // consecutive ticks below the alert threshold
	suppressRise int // remaining ticks during which upward moves are ignored

	// Manual activate/deactivate wins over automatic decisions until the
	// next auto-eligible transition.
	manualHold bool
	mitigation atomic.Bool

	blocked atomic.Uint64
	allowed atomic.Uint64
}

// New returns a state machine starting at NORMAL.
func New() *StateMachine {
	return &StateMachine{triggeredAt: time.Now()}
}

// Tick feeds the just-closed second. Returns the transition and whether the
// level changed. Must be called from the single engine ticker only.
func (sm *StateMachine) Tick(rps, avg float64, th Thresholds, now time.Time) (Transition, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	div := avg
	if div < 1 {
		div = 1
	}
	pct := (rps - avg) / div * 100
	sm.pct = pct

	if pct >= th.MitigationPct {
		sm.sustained++
	} else {
		sm.sustained = 0
	}
	if pct < th.AlertPct {
		sm.belowLower++
	} else {
		sm.belowLower = 0
	}
	if sm.suppressRise > 0 {
		sm.suppressRise--
	}

	from := sm.level
	to := sm.nextLevel(rps, pct, th)
	if to != from {
		sm.level = to
		sm.triggeredAt = now
		if to < from {
			// De-escalation resets the escalation evidence and arms the
			// anti-flap window.
			sm.sustained = 0
			sm.suppressRise = th.CooldownTicks
		}
	}

	mitChanged := sm.applyAutoMitigation(from, to, th)

	return Transition{
		From:                from,
		To:                  to,
		PercentOverBaseline: pct,
		RPS:                 rps,
		At:                  now,
		MitigationActive:    sm.mitigation.Load(),
		MitigationChanged:   mitChanged,
	}, to != from
}

// nextLevel applies the transition rules. Caller holds sm.mu.
func (sm *StateMachine) nextLevel(rps, pct float64, th Thresholds) Level {
	// Absolute hard ceiling overrides baseline math entirely.
	if th.HardCeilingRPS > 0 && rps >= th.HardCeilingRPS {
		return LevelCritical
	}

	var desired Level
	switch {
	case pct >= th.MitigationPct:
		desired = LevelAttack
	case pct >= th.AlertPct:
		desired = LevelElevated
	default:
		desired = LevelNormal
	}

	cur := sm.level

	// Sustained pressure at/above the mitigation threshold escalates an
	// ongoing attack to critical.
	if cur >= LevelAttack && th.SustainedTicks > 0 && sm.sustained >= th.SustainedTicks {
		desired = LevelCritical
	}

	if desired > cur {
		if sm.suppressRise > 0 {
			return cur
		}
		return cur + 1 // never skip a state upward in a single tick
	}

	if desired < cur {
		if th.CooldownTicks > 0 && sm.belowLower < th.CooldownTicks {
			return cur
		}
		// Cool-down satisfied: fall straight to where the metric says we are.
		return desired
	}

	return cur
}

// applyAutoMitigation flips the mitigation flag on auto-eligible transitions
// and clears any manual hold at those points. Caller holds sm.mu.
func (sm *StateMachine) applyAutoMitigation(from, to Level, th Thresholds) bool {
	if to > from && to >= LevelAttack {
		sm.manualHold = false
		if th.AutoMitigate {
			return !sm.mitigation.Swap(true)
		}
		return false
	}
	if to < from && to <= LevelElevated {
		sm.manualHold = false
		if th.AutoMitigate {
			return sm.mitigation.Swap(false)
		}
	}
	return false
}

// ActivateMitigation turns mitigation on manually. Returns false if it was
// already active.
func (sm *StateMachine) ActivateMitigation() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.manualHold = true
	return !sm.mitigation.Swap(true)
}

// DeactivateMitigation turns mitigation off manually. Returns false if it was
// already inactive.
func (sm *StateMachine) DeactivateMitigation() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.manualHold = true
	return sm.mitigation.Swap(false)
}

// MitigationActive is the hot-path read.
func (sm *StateMachine) MitigationActive() bool {
	return sm.mitigation.Load()
}

// Level returns the current level.
func (sm *StateMachine) Level() Level {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.level
}

// RecordAllowed bumps the monotonic allowed counter.
func (sm *StateMachine) RecordAllowed() { sm.allowed.Add(1) }

// RecordBlocked bumps the monotonic blocked counter.
func (sm *StateMachine) RecordBlocked() { sm.blocked.Add(1) }

// ResetCounters zeroes the admission counters. Explicit admin action only.
func (sm *StateMachine) ResetCounters() {
	sm.blocked.Store(0)
	sm.allowed.Store(0)
}

// Snapshot returns the current state.
func (sm *StateMachine) Snapshot() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return State{
		Level:               sm.level,
		PercentOverBaseline: sm.pct,
		TriggeredAt:         sm.triggeredAt,
		MitigationActive:    sm.mitigation.Load(),
		BlockedRequests:     sm.blocked.Load(),
		AllowedRequests:     sm.allowed.Load(),
	}
}
