package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Config holds the runtime protection policy. The in-memory copy is
// authoritative; persistence catches up in the background.
type Config struct {
	Enabled                bool     `json:"enabled"`
	AlertThresholdPct      float64  `json:"alert_threshold_pct"`      // % over baseline that raises ELEVATED
	MitigationThresholdPct float64  `json:"mitigation_threshold_pct"` // % over baseline that raises ATTACK
	HardCeilingRPS         float64  `json:"hard_ceiling_rps"`         // absolute rps that forces CRITICAL
	TrustedDomains         []string `json:"trusted_domains"`
	TrustedIPs             []string `json:"trusted_ips"`
	BlockedIPs             []string `json:"blocked_ips"`
	AutoMitigate           bool     `json:"auto_mitigate"`
	NotifyOnAttack         bool     `json:"notify_on_attack"`
	NotifyEmail            string   `json:"notify_email"`
	MaxRequestsPerIP       int      `json:"max_requests_per_ip"`
	WindowSeconds          int      `json:"window_seconds"`
	CooldownSeconds        int      `json:"cooldown_seconds"`
	SustainedTicks         int      `json:"sustained_ticks"` // ticks at/above mitigation threshold before CRITICAL
}

// ErrInvalidThresholds is returned when an update breaks the threshold ordering.
var ErrInvalidThresholds = errors.New("mitigation threshold must be >= alert threshold, both >= 0")

// Default returns sensible defaults for most deployments.
func Default() *Config {
	return &Config{
		Enabled:                true,
		AlertThresholdPct:      50,
		MitigationThresholdPct: 150,
		HardCeilingRPS:         10000,
		TrustedDomains:         []string{},
		TrustedIPs:             []string{},
		BlockedIPs:             []string{},
		AutoMitigate:           true,
		NotifyOnAttack:         true,
		NotifyEmail:            "",
		MaxRequestsPerIP:       100,
		WindowSeconds:          60,
		CooldownSeconds:        60,
		SustainedTicks:         30,
	}
}

// Validate checks the policy invariants.
func (c *Config) Validate() error {
	if c.AlertThresholdPct < 0 || c.MitigationThresholdPct < c.AlertThresholdPct {
		return ErrInvalidThresholds
	}
	if c.MaxRequestsPerIP < 1 {
		return fmt.Errorf("max_requests_per_ip must be >= 1, got %d", c.MaxRequestsPerIP)
	}
	if c.WindowSeconds < 1 {
		return fmt.Errorf("window_seconds must be >= 1, got %d", c.WindowSeconds)
	}
	for _, ip := range c.BlockedIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("blocked_ips contains invalid address %q", ip)
		}
	}
	return nil
}

// Clone returns a deep copy so readers never observe partial mutation.
func (c *Config) Clone() *Config {
	out := *c
	out.TrustedDomains = append([]string(nil), c.TrustedDomains...)
	out.TrustedIPs = append([]string(nil), c.TrustedIPs...)
	out.BlockedIPs = append([]string(nil), c.BlockedIPs...)
	return &out
}

// Patch is a partial config update. Nil fields are left untouched.
type Patch struct {
	Enabled                *bool    `json:"enabled,omitempty"`
	AlertThresholdPct      *float64 `json:"alert_threshold_pct,omitempty"`
	MitigationThresholdPct *float64 `json:"mitigation_threshold_pct,omitempty"`
	HardCeilingRPS         *float64 `json:"hard_ceiling_rps,omitempty"`
	AutoMitigate           *bool    `json:"auto_mitigate,omitempty"`
	NotifyOnAttack         *bool    `json:"notify_on_attack,omitempty"`
	NotifyEmail            *string  `json:"notify_email,omitempty"`
	MaxRequestsPerIP       *int     `json:"max_requests_per_ip,omitempty"`
	WindowSeconds          *int     `json:"window_seconds,omitempty"`
	CooldownSeconds        *int     `json:"cooldown_seconds,omitempty"`
	SustainedTicks         *int     `json:"sustained_ticks,omitempty"`
}

func (p Patch) apply(c *Config) {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.AlertThresholdPct != nil {
		c.AlertThresholdPct = *p.AlertThresholdPct
	}
	if p.MitigationThresholdPct != nil {
		c.MitigationThresholdPct = *p.MitigationThresholdPct
	}
	if p.HardCeilingRPS != nil {
		c.HardCeilingRPS = *p.HardCeilingRPS
	}
	if p.AutoMitigate != nil {
		c.AutoMitigate = *p.AutoMitigate
	}
	if p.NotifyOnAttack != nil {
		c.NotifyOnAttack = *p.NotifyOnAttack
	}
	if p.NotifyEmail != nil {
		c.NotifyEmail = *p.NotifyEmail
	}
	if p.MaxRequestsPerIP != nil {
		c.MaxRequestsPerIP = *p.MaxRequestsPerIP
	}
	if p.WindowSeconds != nil {
		c.WindowSeconds = *p.WindowSeconds
	}
	if p.CooldownSeconds != nil {
		c.CooldownSeconds = *p.CooldownSeconds
	}
	if p.SustainedTicks != nil {
		c.SustainedTicks = *p.SustainedTicks
	}
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
