package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// Result is what a provider knows about an IP. Trust is not a provider
// concern; the resolver computes it from policy.
type Result struct {
	Country     string
	CountryCode string
	City        string
	Lat         float64
	Lon         float64
}

// Provider looks up geolocation for an IP. Implementations must honor the
// context deadline; the resolver never waits past its configured timeout.
type Provider interface {
	Lookup(ctx context.Context, ip string) (Result, error)
}

// MaxMindProvider reads a local MaxMind GeoLite2/GeoIP2 City database.
type MaxMindProvider struct {
	reader *geoip2.Reader
}

// NewMaxMindProvider opens the mmdb file at path.
func NewMaxMindProvider(path string) (*MaxMindProvider, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindProvider{reader: reader}, nil
}

func (p *MaxMindProvider) Lookup(_ context.Context, ip string) (Result, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Result{}, fmt.Errorf("invalid ip %q", ip)
	}
	record, err := p.reader.City(parsed)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Lat:         record.Location.Latitude,
		Lon:         record.Location.Longitude,
	}, nil
}

// Close releases the underlying database handle.
func (p *MaxMindProvider) Close() error {
	return p.reader.Close()
}

// WebProvider queries a JSON geolocation API (ip-api.com wire format).
type WebProvider struct {
	baseURL string
	client  *http.Client
}

// NewWebProvider builds a provider against baseURL; the lookup hits
// baseURL/<ip> and expects an ip-api style JSON body.
func NewWebProvider(baseURL string, timeout time.Duration) *WebProvider {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &WebProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *WebProvider) Lookup(ctx context.Context, ip string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("geo provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Country     string  `json:"country"`
		CountryCode string  `json:"countryCode"`
		City        string  `json:"city"`
		Lat         float64 `json:"lat"`
		Lon         float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, err
	}
	return Result{
		Country:     body.Country,
		CountryCode: body.CountryCode,
		City:        body.City,
		Lat:         body.Lat,
		Lon:         body.Lon,
	}, nil
}
