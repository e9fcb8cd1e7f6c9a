// Package audit defines the durable trail of threat-level transitions and
// manual overrides. Writes happen outside the decision path.
package audit

import (
	"context"
	"time"
)

// Kind classifies an audit event.
const (
	KindLevelTransition  = "level_transition"
	KindMitigationManual = "mitigation_manual"
	KindConfigUpdate     = "config_update"
	KindIPBlock          = "ip_block"
	KindIPUnblock        = "ip_unblock"
	KindIPTrust          = "ip_trust"
	KindIPUntrust        = "ip_untrust"
	KindDomainTrust      = "domain_trust"
	KindDomainUntrust    = "domain_untrust"
)

// Event is one audit record.
type Event struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	FromLevel  string    `json:"from_level,omitempty"`
	ToLevel    string    `json:"to_level,omitempty"`
	Percentage float64   `json:"percentage,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Actor      string    `json:"actor,omitempty"`
}

// Log records events durably. Implementations retry on their own; a failed
// write never blocks the engine.
type Log interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
