package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission metrics
	RequestsAllowed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelliceil_requests_allowed_total",
			Help: "Total number of requests admitted",
		},
	)

	RequestsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelliceil_requests_blocked_total",
			Help: "Total number of requests blocked, by reason",
		},
		[]string{"reason"},
	)

	// Traffic metrics
	CurrentRPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelliceil_current_rps",
			Help: "Requests per second observed in the last closed second",
		},
	)

	BaselineRPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelliceil_baseline_rps",
			Help: "Exponentially smoothed baseline requests per second",
		},
	)

	PeakRPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelliceil_peak_rps",
			Help: "Decaying peak requests per second",
		},
	)

	// Threat metrics
	ThreatLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelliceil_threat_level",
			Help: "Current threat level (0=NORMAL 1=ELEVATED 2=ATTACK 3=CRITICAL)",
		},
	)

	MitigationActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelliceil_mitigation_active",
			Help: "Whether mitigation is currently active (0/1)",
		},
	)

	LevelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelliceil_level_transitions_total",
			Help: "Threat level transitions, by target level",
		},
		[]string{"to"},
	)

	// Resolver metrics
	TrackedIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intelliceil_tracked_ips",
			Help: "Number of IPs currently held by the geo/trust resolver",
		},
	)

	// Housekeeping
	TickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intelliceil_tick_errors_total",
			Help: "Background ticks that failed and were skipped",
		},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelliceil_config_reloads_total",
			Help: "Policy reloads, by trigger",
		},
		[]string{"trigger"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intelliceil_notifications_sent_total",
			Help: "Transition notifications dispatched, by outcome",
		},
		[]string{"outcome"},
	)
)
