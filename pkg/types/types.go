// Package types defines the shared data model for the VPN health monitor.
//
// # Data Flow
//
// A TunnelConfig describes one monitored tunnel and its health asserts.
// Each scheduler tick produces one CycleResult per enabled tunnel, built
// from the CheckResults of its asserts. CycleResults accumulate into a
// per-tunnel SeriesDocument, which is what gets persisted.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TUNNEL CONFIGURATION
// =============================================================================

// AssertType identifies a health check implementation.
type AssertType string

const (
	AssertDNSLookup   AssertType = "dns_lookup"
	AssertGeolocation AssertType = "geolocation"
)

// GeoField selects which geolocation attribute an assert compares.
type GeoField string

const (
	GeoFieldCity    GeoField = "city"
	GeoFieldRegion  GeoField = "region"
	GeoFieldCountry GeoField = "country"
)

// AssertSpec is the declarative description of one health check.
// Exactly the fields for the chosen Type are required; Validate rejects
// anything else at config-load time so a bad spec can never reach a cycle.
type AssertSpec struct {
	Type        AssertType `yaml:"type" json:"type"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`

	// dns_lookup parameters
	Hostname       string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	ExpectedPrefix string `yaml:"expected_prefix,omitempty" json:"expected_prefix,omitempty"`

	// geolocation parameters
	Field         GeoField `yaml:"field,omitempty" json:"field,omitempty"`
	ExpectedValue string   `yaml:"expected_value,omitempty" json:"expected_value,omitempty"`
}

// Validate checks the spec is complete and well-formed.
func (s AssertSpec) Validate() error {
	switch s.Type {
	case AssertDNSLookup:
		if s.Hostname == "" {
			return fmt.Errorf("dns_lookup assert requires hostname")
		}
		if s.ExpectedPrefix == "" {
			return fmt.Errorf("dns_lookup assert requires expected_prefix")
		}
	case AssertGeolocation:
		switch s.Field {
		case GeoFieldCity, GeoFieldRegion, GeoFieldCountry:
		default:
			return fmt.Errorf("geolocation assert field must be city, region, or country (got %q)", s.Field)
		}
		if s.ExpectedValue == "" {
			return fmt.Errorf("geolocation assert requires expected_value")
		}
	default:
		return fmt.Errorf("unknown assert type: %q", s.Type)
	}
	return nil
}

// TunnelConfig is the identity and monitoring policy for one tunnel.
// Name matches the control-plane connection identifier and is immutable
// once created. An empty Asserts list means the tunnel is never auto-failed.
type TunnelConfig struct {
	Name        string       `yaml:"name" json:"name"`
	DisplayName string       `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Enabled     bool         `yaml:"enabled" json:"enabled"`
	Asserts     []AssertSpec `yaml:"asserts,omitempty" json:"asserts,omitempty"`
}

// Validate checks the tunnel and all of its assert specs.
func (t TunnelConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tunnel name is required")
	}
	for i, a := range t.Asserts {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("assert %d: %w", i, err)
		}
	}
	return nil
}

// =============================================================================
// CHECK CYCLE RESULTS
// =============================================================================

// CheckResult is the outcome of one assert execution.
type CheckResult struct {
	AssertType AssertType `json:"type"`
	Success    bool       `json:"success"`
	LatencyMs  float64    `json:"latency_ms"`
	Detail     string     `json:"detail,omitempty"`
}

// CycleResult is the outcome of one full check cycle for one tunnel.
// Success is the AND of all assert results and is vacuously true when no
// asserts are configured. LatencyMs is the sum of the assert latencies.
type CycleResult struct {
	Timestamp       time.Time     `json:"timestamp"`
	TunnelName      string        `json:"tunnel_name"`
	LatencyMs       float64       `json:"latency_ms"`
	Success         bool          `json:"success"`
	BounceTriggered bool          `json:"bounce_triggered"`
	AssertDetails   []CheckResult `json:"assert_details"`
}

// =============================================================================
// TUNNEL RUNTIME STATE
// =============================================================================

// Phase is the monitoring phase of one tunnel.
type Phase string

const (
	// PhaseInactive means the tunnel is not currently connected (or we have
	// not yet observed it connected).
	PhaseInactive Phase = "inactive"

	// PhaseGracePeriod means the tunnel recently (re)connected; failures are
	// recorded but do not count toward disabling.
	PhaseGracePeriod Phase = "grace_period"

	// PhaseMonitoring means failures count toward consecutive_failures.
	PhaseMonitoring Phase = "monitoring"

	// PhaseDisabled means the tunnel exceeded the failure threshold and is
	// excluded from checks until externally re-enabled.
	PhaseDisabled Phase = "disabled"
)

// TunnelState is a read-only snapshot of one tunnel's runtime state.
// The scheduler owns the mutable state; consumers only ever see copies.
type TunnelState struct {
	TunnelName          string     `json:"tunnel_name"`
	Phase               Phase      `json:"phase"`
	ConnectedSince      *time.Time `json:"connected_since,omitempty"`
	ConsecutiveFailures uint       `json:"consecutive_failures"`
}

// =============================================================================
// PERSISTED SERIES
// =============================================================================

// DataPoint is the persisted form of one CycleResult.
type DataPoint struct {
	Timestamp       time.Time     `json:"timestamp"`
	LatencyMs       float64       `json:"latency_ms"`
	Success         bool          `json:"success"`
	BounceTriggered bool          `json:"bounce_triggered"`
	AssertDetails   []CheckResult `json:"assert_details"`
}

// SeriesDocument is the on-disk/on-store JSON document for one tunnel,
// oldest data point first.
type SeriesDocument struct {
	TunnelName string      `json:"tunnel_name"`
	Created    time.Time   `json:"created"`
	DataPoints []DataPoint `json:"data_points"`
}

// Aggregate holds rolling statistics computed over a tunnel's retained series.
type Aggregate struct {
	TunnelName    string  `json:"tunnel_name"`
	Count         int     `json:"count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalFailures int     `json:"total_failures"`
	UptimePct     float64 `json:"uptime_pct"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventKind classifies monitor events emitted to listeners.
type EventKind string

const (
	EventCycleCompleted  EventKind = "cycle_completed"
	EventPhaseChanged    EventKind = "phase_changed"
	EventBounceAttempted EventKind = "bounce_attempted"
	EventTunnelDisabled  EventKind = "tunnel_disabled"
)

// Event is one monitor event. Exactly one of Cycle/Transition/Bounce is set
// depending on Kind; the presentation layer switches on Kind.
type Event struct {
	ID         string       `json:"id"`
	Kind       EventKind    `json:"kind"`
	Timestamp  time.Time    `json:"timestamp"`
	TunnelName string       `json:"tunnel_name"`
	Cycle      *CycleResult `json:"cycle,omitempty"`
	Transition *Transition  `json:"transition,omitempty"`
	Bounce     *BounceInfo  `json:"bounce,omitempty"`
}

// Transition records a phase change for one tunnel.
type Transition struct {
	From   Phase  `json:"from"`
	To     Phase  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// BounceInfo records one repair attempt.
type BounceInfo struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
