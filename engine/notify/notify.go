// Package notify delivers threat-level transition alerts to outbound
// collaborators. Delivery is best-effort and always off the ticker's
// critical path.
package notify

import (
	"fmt"
	"time"

	"intelliceil/engine/threat"
)

// Event is the alert payload for a level transition.
type Event struct {
	From       threat.Level `json:"from"`
	To         threat.Level `json:"to"`
	Percentage float64      `json:"percentage_over_baseline"`
	RPS        float64      `json:"rps"`
	Timestamp  time.Time    `json:"timestamp"`
	Recipient  string       `json:"-"`
}

// Subject renders a short human-readable alert line.
func (e Event) Subject() string {
	return fmt.Sprintf("[intelliceil] threat level %s -> %s (%.0f%% over baseline)",
		e.From, e.To, e.Percentage)
}

// Notifier sends one alert. Implementations must not block indefinitely.
type Notifier interface {
	Send(e Event) error
}

// Multi fans an event out to several notifiers, returning the first error.
type Multi []Notifier

func (m Multi) Send(e Event) error {
	var firstErr error
	for _, n := range m {
		if err := n.Send(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Nop discards events. Used when alerting is not configured.
type Nop struct{}

func (Nop) Send(Event) error { return nil }
