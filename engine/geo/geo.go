// Package geo resolves source IPs to location and trust status. Lookups are
// cache-first and never block the request pipeline: a cache miss schedules a
// bounded background lookup and the in-flight request is treated as
// "unknown, not yet trusted".
package geo

import "time"

// Location is the per-IP record exposed to dashboards. Owned by the Resolver,
// read-only everywhere else.
type Location struct {
	IP           string    `json:"ip"`
	Country      string    `json:"country"`
	CountryCode  string    `json:"country_code"`
	City         string    `json:"city"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Trusted      bool      `json:"is_trusted"`
	RequestCount int64     `json:"request_count"`
	LastSeen     time.Time `json:"last_seen"`
}
