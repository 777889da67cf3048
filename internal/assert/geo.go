package assert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// Location is the egress-address geolocation reported by the lookup service.
type Location struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

// Field returns the named attribute of the location.
func (l Location) Field(f types.GeoField) string {
	switch f {
	case types.GeoFieldCity:
		return l.City
	case types.GeoFieldRegion:
		return l.Region
	case types.GeoFieldCountry:
		return l.Country
	}
	return ""
}

func (l Location) String() string {
	return fmt.Sprintf("%s, %s, %s (%s)", l.City, l.Region, l.Country, l.IP)
}

// GeoClient queries a public IP-geolocation service for the current egress
// address. The service is keyless, so a rate limiter keeps the monitor a
// polite client even when many tunnels carry geolocation asserts.
type GeoClient struct {
	client   *http.Client
	endpoint string
	limiter  *rate.Limiter
}

// GeoClientConfig configures a GeoClient.
type GeoClientConfig struct {
	Endpoint          string        // lookup URL, e.g. https://ipinfo.io/json
	RequestTimeout    time.Duration // per-request timeout (default 10s)
	RequestsPerMinute int           // rate cap across all tunnels (default 30)
	Client            *http.Client  // HTTP client (optional)
}

// NewGeoClient creates a geolocation lookup client.
func NewGeoClient(cfg GeoClientConfig) *GeoClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &GeoClient{
		client:   client,
		endpoint: cfg.Endpoint,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
	}
}

// Lookup fetches the current egress location. The returned duration covers
// only the HTTP round trip; waiting for rate-limiter admission happens
// before the clock starts so a queued request never reports inflated
// latency.
func (g *GeoClient) Lookup(ctx context.Context) (Location, time.Duration, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Location{}, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint, nil)
	if err != nil {
		return Location{}, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return Location{}, time.Since(start), fmt.Errorf("geolocation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Location{}, time.Since(start), fmt.Errorf("geolocation service returned %d", resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, time.Since(start), fmt.Errorf("decoding geolocation response: %w", err)
	}
	return loc, time.Since(start), nil
}

// GeoAssert verifies the tunnel's egress address geolocates to the expected
// value. The resolved location always lands in Detail, pass or fail, so an
// operator setting up a new tunnel can discover the correct expected_value
// from a deliberately failing assert.
type GeoAssert struct {
	client *GeoClient

	Field         types.GeoField
	ExpectedValue string
}

func (a *GeoAssert) Type() types.AssertType {
	return types.AssertGeolocation
}

func (a *GeoAssert) Describe() string {
	return fmt.Sprintf("egress %s is %s", a.Field, a.ExpectedValue)
}

// Check looks up the egress location and compares the configured field
// case-insensitively. Latency is the wall clock of the HTTP round trip.
func (a *GeoAssert) Check(ctx context.Context) types.CheckResult {
	result := types.CheckResult{AssertType: types.AssertGeolocation}

	loc, elapsed, err := a.client.Lookup(ctx)
	result.LatencyMs = float64(elapsed) / float64(time.Millisecond)

	if err != nil {
		result.Detail = fmt.Sprintf("geolocation lookup: %v", err)
		return result
	}

	got := loc.Field(a.Field)
	result.Success = strings.EqualFold(got, a.ExpectedValue)
	result.Detail = fmt.Sprintf("egress location: %s", loc)
	return result
}
