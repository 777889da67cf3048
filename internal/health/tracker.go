// Package health implements the per-tunnel monitoring state machine.
//
// # Phases
//
//	Inactive ──connect──▶ GracePeriod ──grace elapsed──▶ Monitoring
//	                          │                              │
//	                          ◀──────successful bounce───────┤
//	                          │                              │
//	                          └──failures ≥ threshold────────┴──▶ Disabled
//
// A grace period follows every (re)connection because DNS caches and routing
// tables are often stale right after a tunnel comes up; checking too early
// produces false failures and reconnect thrashing. Failures during grace are
// recorded for metrics but never counted toward disabling.
//
// The failure threshold bounds repair attempts: transient blips get a bounce
// or two, but a structurally broken tunnel is disabled rather than bounced
// forever. Disabled is sticky until an external re-enable.
package health

import (
	"fmt"
	"time"

	"github.com/pilot-net/vpnmon/pkg/types"
)

// BounceOutcome classifies a repair attempt for the state machine.
type BounceOutcome int

const (
	// BounceOK: down and up both succeeded; the tunnel is freshly connected.
	BounceOK BounceOutcome = iota

	// BounceDownFailed: the disconnect failed, so the tunnel was never torn
	// down. No new grace period applies.
	BounceDownFailed

	// BounceUpFailed: the reconnect failed, leaving the tunnel down by our
	// own hand. The control plane reporting it inactive afterwards is not an
	// external disconnect.
	BounceUpFailed
)

// Config holds the state machine tunables.
type Config struct {
	GracePeriod      time.Duration
	FailureThreshold uint
}

// Tracker is the mutable monitoring state for one tunnel. It is owned by
// the scheduler goroutine and must never be mutated from outside it; other
// consumers only ever see Snapshot copies.
type Tracker struct {
	name string
	cfg  Config
	now  func() time.Time

	phase          types.Phase
	connectedSince time.Time
	hasConnected   bool
	failures       uint

	// selfDown marks that our last bounce left the tunnel down, so an
	// inactive report from the control plane is self-inflicted rather than
	// an external disconnect.
	selfDown bool
}

// NewTracker creates a tracker in the Inactive phase.
func NewTracker(name string, cfg Config) *Tracker {
	return &Tracker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		phase: types.PhaseInactive,
	}
}

// Phase returns the current phase.
func (t *Tracker) Phase() types.Phase {
	return t.phase
}

// Snapshot returns a read-only copy of the runtime state.
func (t *Tracker) Snapshot() types.TunnelState {
	s := types.TunnelState{
		TunnelName:          t.name,
		Phase:               t.phase,
		ConsecutiveFailures: t.failures,
	}
	if t.hasConnected {
		since := t.connectedSince
		s.ConnectedSince = &since
	}
	return s
}

// ShouldCheck reports whether a check cycle should run at all.
func (t *Tracker) ShouldCheck() bool {
	return t.phase != types.PhaseDisabled
}

// Tick advances the phase from the control plane's view of the tunnel,
// called at the top of each check cycle before asserts run. Returns any
// transitions taken.
func (t *Tracker) Tick(active bool) []types.Transition {
	if t.phase == types.PhaseDisabled {
		return nil
	}

	if !active {
		if t.selfDown {
			// We took the tunnel down ourselves with a failed bounce; keep
			// counting repair attempts instead of demoting to Inactive.
			return nil
		}
		if t.phase == types.PhaseInactive {
			return nil
		}
		tr := t.transition(types.PhaseInactive, "control plane reports tunnel down")
		t.hasConnected = false
		return []types.Transition{tr}
	}

	t.selfDown = false

	var transitions []types.Transition
	if t.phase == types.PhaseInactive {
		t.connectedSince = t.now()
		t.hasConnected = true
		t.failures = 0
		transitions = append(transitions, t.transition(types.PhaseGracePeriod, "tunnel connected"))
	}
	if t.phase == types.PhaseGracePeriod && t.now().Sub(t.connectedSince) >= t.cfg.GracePeriod {
		transitions = append(transitions, t.transition(types.PhaseMonitoring, "grace period elapsed"))
	}
	return transitions
}

// ObserveSuccess records a passing check cycle. Any success clears the
// consecutive-failure counter, including one during a bounce-induced grace
// period; an intervening pass means the tunnel is not structurally broken.
func (t *Tracker) ObserveSuccess() {
	t.failures = 0
}

// ObserveFailure records a failing check cycle and reports whether the
// caller should attempt a bounce. Failures outside Monitoring are recorded
// by the metrics collector but never demand repair here.
func (t *Tracker) ObserveFailure() (needBounce bool) {
	if t.phase != types.PhaseMonitoring {
		return false
	}
	t.failures++
	return true
}

// RecordBounce feeds a repair attempt's outcome back into the state machine.
//
// The consecutive-failure counter survives bounce-induced grace periods: a
// tunnel is disabled after FailureThreshold failed-and-bounced cycles with
// no intervening check success, regardless of whether the bounces themselves
// succeeded. Only a fresh external connection or a passing cycle resets it.
func (t *Tracker) RecordBounce(outcome BounceOutcome) []types.Transition {
	if t.failures >= t.cfg.FailureThreshold {
		reason := fmt.Sprintf("%d consecutive failures reached threshold", t.failures)
		t.selfDown = false
		return []types.Transition{t.transition(types.PhaseDisabled, reason)}
	}

	switch outcome {
	case BounceOK:
		t.selfDown = false
		t.connectedSince = t.now()
		t.hasConnected = true
		return []types.Transition{t.transition(types.PhaseGracePeriod, "tunnel bounced")}
	case BounceUpFailed:
		t.selfDown = true
	case BounceDownFailed:
		// Tunnel never went down; stay in Monitoring with no new grace.
	}
	return nil
}

// Reset returns a Disabled (or any) tracker to Inactive. Used when the
// tunnel is externally re-enabled.
func (t *Tracker) Reset() []types.Transition {
	if t.phase == types.PhaseInactive {
		t.failures = 0
		t.selfDown = false
		return nil
	}
	tr := t.transition(types.PhaseInactive, "tunnel re-enabled")
	t.failures = 0
	t.selfDown = false
	t.hasConnected = false
	return []types.Transition{tr}
}

func (t *Tracker) transition(to types.Phase, reason string) types.Transition {
	from := t.phase
	t.phase = to
	return types.Transition{From: from, To: to, Reason: reason}
}

// SetClock overrides the tracker's time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}
