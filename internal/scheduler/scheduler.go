// Package scheduler drives the monitoring pipeline.
//
// # Check Loop
//
// One long-lived goroutine ticks at the configured interval. Each tick:
//  1. Apply any pending tunnel-list swap (config reloads land here)
//  2. Fan out one task per enabled tunnel, bounded by MaxConcurrentChecks
//  3. Per tunnel: skip if Disabled, advance the phase from the control
//     plane's view, run asserts sequentially under per-assert timeouts,
//     feed the state machine, bounce when it demands repair
//  4. Record the CycleResult and emit events to listeners
//
// # Graceful Handling
//
//   - Start while running is a no-op; Stop is safe from any state
//   - Stop cancels at tick boundaries and per-assert timeout boundaries;
//     in-flight network calls run to their own timeout rather than being
//     forcibly killed
//   - A hung check on one tunnel cannot starve another: every assert carries
//     a hard timeout, and tunnels fan out to independent tasks
//   - Listeners get buffered channels with drop-on-full, so a slow consumer
//     can never block the loop
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/vpnmon/internal/assert"
	"github.com/pilot-net/vpnmon/internal/controlplane"
	"github.com/pilot-net/vpnmon/internal/health"
	"github.com/pilot-net/vpnmon/internal/metrics"
	"github.com/pilot-net/vpnmon/internal/reconnect"
	"github.com/pilot-net/vpnmon/pkg/types"
)

// Bouncer issues repair actions. Implemented by reconnect.Controller.
type Bouncer interface {
	Bounce(ctx context.Context, name string) error
}

// Tunnel pairs a tunnel's configuration with its compiled asserts.
type Tunnel struct {
	Config  types.TunnelConfig
	Asserts []assert.Assert
}

// Config holds the scheduler tunables.
type Config struct {
	CheckInterval       time.Duration
	AssertTimeout       time.Duration
	GracePeriod         time.Duration
	FailureThreshold    uint
	MaxConcurrentChecks int
}

// Scheduler owns all per-tunnel runtime state and the check loop.
type Scheduler struct {
	cfg       Config
	cp        controlplane.ControlPlane
	bouncer   Bouncer
	collector *metrics.Collector
	logger    *slog.Logger

	// Tunnel list; swaps apply at tick boundaries.
	tunnelMu   sync.Mutex
	tunnels    []Tunnel
	pending    []Tunnel
	hasPending bool

	// Runtime state. Mutated only from check-loop tasks; the mutex exists
	// for map access and read-only snapshots.
	stateMu  sync.RWMutex
	trackers map[string]*health.Tracker

	// Listener fan-out.
	listenMu  sync.Mutex
	listeners map[string]chan types.Event

	// Control.
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. The tunnel list starts empty; call SetTunnels
// before or after Start.
func New(cfg Config, cp controlplane.ControlPlane, bouncer Bouncer, collector *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		cp:        cp,
		bouncer:   bouncer,
		collector: collector,
		logger:    logger,
		trackers:  make(map[string]*health.Tracker),
		listeners: make(map[string]chan types.Event),
	}
}

// SetTunnels replaces the monitored tunnel list. The swap takes effect at
// the next tick boundary; the in-flight tick finishes on the old list.
// A tunnel whose enabled flag flips from off to on restarts at Inactive.
func (s *Scheduler) SetTunnels(tunnels []Tunnel) {
	s.tunnelMu.Lock()
	defer s.tunnelMu.Unlock()
	s.pending = tunnels
	s.hasPending = true
}

// ReEnable resets a disabled tunnel's runtime state so monitoring restarts
// at Inactive. The explicit operator-triggered counterpart to the sticky
// Disabled phase.
func (s *Scheduler) ReEnable(name string) {
	s.stateMu.Lock()
	tr, ok := s.trackers[name]
	s.stateMu.Unlock()
	if !ok {
		return
	}
	for _, transition := range tr.Reset() {
		s.emit(types.Event{
			Kind:       types.EventPhaseChanged,
			TunnelName: name,
			Transition: &transition,
		})
	}
}

// Subscribe registers an event listener. The returned channel is buffered;
// events are dropped (not blocked on) when the buffer is full. The cancel
// function unregisters and closes the channel.
func (s *Scheduler) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	ch := make(chan types.Event, buffer)

	s.listenMu.Lock()
	s.listeners[id] = ch
	s.listenMu.Unlock()

	cancel := func() {
		s.listenMu.Lock()
		if _, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(ch)
		}
		s.listenMu.Unlock()
	}
	return ch, cancel
}

func (s *Scheduler) emit(ev types.Event) {
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for id, ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("dropping event for slow listener",
				"listener", id,
				"kind", ev.Kind,
				"tunnel", ev.TunnelName)
		}
	}
}

// Start launches the check loop. Starting an already-running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	// The channel travels as an argument: a Stop/Start pair could reassign
	// s.done before this goroutine is scheduled, and the deferred close
	// must hit this run's channel, not the new one.
	go s.run(ctx, s.done)
	s.logger.Info("scheduler started", "interval", s.cfg.CheckInterval)
}

// Stop halts the check loop and waits for the in-flight tick to finish.
// The wait is bounded by the per-assert timeouts; Stop never blocks
// indefinitely. Safe to call at any point, including before Start.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.runMu.Unlock()

	// run closes the channel it was handed, so this wait always resolves
	// even if another Start has already replaced s.done.
	<-done
	s.logger.Info("scheduler stopped")
}

// Running reports whether the check loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// TunnelStates returns read-only snapshots of per-tunnel runtime state.
func (s *Scheduler) TunnelStates() map[string]types.TunnelState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	states := make(map[string]types.TunnelState, len(s.trackers))
	for name, tr := range s.trackers {
		states[name] = tr.Snapshot()
	}
	return states
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start.
	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one full check cycle across all enabled tunnels. The
// loop calls this every tick; cmd/vpnmon calls it directly in --once mode.
func (s *Scheduler) RunCycle(ctx context.Context) {
	tunnels := s.applyPending()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentChecks)

	for _, tunnel := range tunnels {
		if !tunnel.Config.Enabled {
			continue
		}
		tunnel := tunnel
		g.Go(func() error {
			s.checkTunnel(gctx, tunnel)
			return nil
		})
	}
	g.Wait()

	s.logger.Debug("check cycle complete",
		"tunnels", len(tunnels),
		"elapsed", time.Since(start))
}

// applyPending swaps in a pending tunnel list and returns the current one.
func (s *Scheduler) applyPending() []Tunnel {
	s.tunnelMu.Lock()
	defer s.tunnelMu.Unlock()
	if !s.hasPending {
		return s.tunnels
	}

	previous := make(map[string]bool, len(s.tunnels))
	for _, t := range s.tunnels {
		previous[t.Config.Name] = t.Config.Enabled
	}
	for _, t := range s.pending {
		wasEnabled, known := previous[t.Config.Name]
		if t.Config.Enabled && known && !wasEnabled {
			s.ReEnable(t.Config.Name)
		}
	}

	s.tunnels = s.pending
	s.pending = nil
	s.hasPending = false
	return s.tunnels
}

func (s *Scheduler) tracker(name string) *health.Tracker {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	tr, ok := s.trackers[name]
	if !ok {
		tr = health.NewTracker(name, health.Config{
			GracePeriod:      s.cfg.GracePeriod,
			FailureThreshold: s.cfg.FailureThreshold,
		})
		s.trackers[name] = tr
	}
	return tr
}

// checkTunnel runs one tunnel's cycle: phase advancement, asserts, repair,
// metrics, events.
func (s *Scheduler) checkTunnel(ctx context.Context, tunnel Tunnel) {
	name := tunnel.Config.Name
	tr := s.tracker(name)

	if !tr.ShouldCheck() {
		s.logger.Debug("skipping disabled tunnel", "tunnel", name)
		return
	}

	// Advance the phase from the control plane's view before evaluating
	// anything. A control-plane error leaves the phase as-is; the asserts
	// still run and get recorded.
	statusCtx, cancel := context.WithTimeout(ctx, s.cfg.AssertTimeout)
	active, err := s.cp.IsActive(statusCtx, name)
	cancel()
	if err != nil {
		s.logger.Warn("control plane status check failed", "tunnel", name, "error", err)
	} else {
		s.emitTransitions(name, tr.Tick(active))
	}

	cycle := types.CycleResult{
		Timestamp:  time.Now().UTC(),
		TunnelName: name,
		Success:    true, // vacuous pass with zero asserts
	}

	for _, a := range tunnel.Asserts {
		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.AssertTimeout)
		result := a.Check(checkCtx)
		cancel()

		cycle.AssertDetails = append(cycle.AssertDetails, result)
		cycle.LatencyMs += result.LatencyMs
		if !result.Success {
			cycle.Success = false
			s.logger.Debug("assert failed",
				"tunnel", name,
				"type", result.AssertType,
				"detail", result.Detail)
		}
	}

	if cycle.Success {
		tr.ObserveSuccess()
	} else if tr.ObserveFailure() {
		cycle.BounceTriggered = true
		s.bounce(ctx, name, tr)
	}

	s.collector.Record(ctx, cycle)
	s.emit(types.Event{
		Kind:       types.EventCycleCompleted,
		Timestamp:  cycle.Timestamp,
		TunnelName: name,
		Cycle:      &cycle,
	})
}

// bounce runs one repair attempt and feeds the outcome into the tracker.
func (s *Scheduler) bounce(ctx context.Context, name string, tr *health.Tracker) {
	err := s.bouncer.Bounce(ctx, name)

	info := types.BounceInfo{Success: err == nil}
	if err != nil {
		info.Error = err.Error()
	}
	s.emit(types.Event{
		Kind:       types.EventBounceAttempted,
		TunnelName: name,
		Bounce:     &info,
	})

	outcome := health.BounceOK
	switch {
	case errors.Is(err, reconnect.ErrDownFailed):
		outcome = health.BounceDownFailed
	case err != nil:
		outcome = health.BounceUpFailed
	}

	s.emitTransitions(name, tr.RecordBounce(outcome))
}

func (s *Scheduler) emitTransitions(name string, transitions []types.Transition) {
	for _, transition := range transitions {
		transition := transition
		s.logger.Info("tunnel phase changed",
			"tunnel", name,
			"from", transition.From,
			"to", transition.To,
			"reason", transition.Reason)

		s.emit(types.Event{
			Kind:       types.EventPhaseChanged,
			TunnelName: name,
			Transition: &transition,
		})
		if transition.To == types.PhaseDisabled {
			s.emit(types.Event{
				Kind:       types.EventTunnelDisabled,
				TunnelName: name,
				Transition: &transition,
			})
		}
	}
}
