package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilot-net/vpnmon/internal/assert"
	"github.com/pilot-net/vpnmon/internal/metrics"
	"github.com/pilot-net/vpnmon/internal/reconnect"
	"github.com/pilot-net/vpnmon/internal/store"
	"github.com/pilot-net/vpnmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is a minimal in-memory store.Store.
type memStore struct {
	mu   sync.Mutex
	docs map[string]*types.SeriesDocument
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*types.SeriesDocument)}
}

func (m *memStore) Get(_ context.Context, tunnel string) (*types.SeriesDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[tunnel]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) Put(_ context.Context, doc *types.SeriesDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *doc
	copied.DataPoints = append([]types.DataPoint(nil), doc.DataPoints...)
	m.docs[doc.TunnelName] = &copied
	return nil
}

func (m *memStore) List(context.Context) ([]string, error) { return nil, nil }
func (m *memStore) Delete(context.Context, string) error   { return nil }
func (m *memStore) Close() error                           { return nil }

// fakeControlPlane reports a scripted active state per tunnel.
type fakeControlPlane struct {
	mu     sync.Mutex
	active map[string]bool
}

func newFakeControlPlane(active ...string) *fakeControlPlane {
	f := &fakeControlPlane{active: make(map[string]bool)}
	for _, name := range active {
		f.active[name] = true
	}
	return f
}

func (f *fakeControlPlane) ListConnections(context.Context) ([]string, error) { return nil, nil }

func (f *fakeControlPlane) IsActive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name], nil
}

func (f *fakeControlPlane) Connect(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[name] = true
	return nil
}

func (f *fakeControlPlane) Disconnect(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[name] = false
	return nil
}

func (f *fakeControlPlane) ActivationTime(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

// fakeBouncer counts bounces and returns a scripted error.
type fakeBouncer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeBouncer) Bounce(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeBouncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAssert is a scriptable health check counting executions.
type fakeAssert struct {
	succeed bool
	latency float64
	block   time.Duration
	calls   atomic.Int32
}

func (f *fakeAssert) Type() types.AssertType { return types.AssertDNSLookup }
func (f *fakeAssert) Describe() string       { return "fake assert" }

func (f *fakeAssert) Check(ctx context.Context) types.CheckResult {
	f.calls.Add(1)
	if f.block > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.block):
		}
	}
	return types.CheckResult{
		AssertType: types.AssertDNSLookup,
		Success:    f.succeed,
		LatencyMs:  f.latency,
		Detail:     "fake",
	}
}

func testConfig() Config {
	return Config{
		CheckInterval:       time.Hour, // ticks driven manually via RunCycle
		AssertTimeout:       time.Second,
		GracePeriod:         0, // straight to Monitoring in tests
		FailureThreshold:    3,
		MaxConcurrentChecks: 4,
	}
}

func newTestScheduler(cfg Config, cp *fakeControlPlane, b Bouncer) (*Scheduler, *metrics.Collector) {
	collector := metrics.NewCollector(newMemStore(), 100, testLogger())
	return New(cfg, cp, b, collector, testLogger()), collector
}

func tunnel(name string, asserts ...assert.Assert) Tunnel {
	return Tunnel{
		Config:  types.TunnelConfig{Name: name, Enabled: true},
		Asserts: asserts,
	}
}

func TestVacuousPassWithoutAsserts(t *testing.T) {
	cp := newFakeControlPlane("bare-vpn")
	b := &fakeBouncer{}
	s, collector := newTestScheduler(testConfig(), cp, b)
	s.SetTunnels([]Tunnel{tunnel("bare-vpn")})

	for i := 0; i < 3; i++ {
		s.RunCycle(context.Background())
	}

	agg, ok := collector.Aggregate("bare-vpn")
	if !ok || agg.Count != 3 {
		t.Fatalf("Aggregate = %+v, %v; want 3 cycles", agg, ok)
	}
	if agg.TotalFailures != 0 {
		t.Errorf("TotalFailures = %d, zero-assert cycles must pass vacuously", agg.TotalFailures)
	}
	if b.count() != 0 {
		t.Errorf("bounces = %d, want 0", b.count())
	}
}

func TestFailingCycleTriggersBounce(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{}
	s, collector := newTestScheduler(testConfig(), cp, b)

	failing := &fakeAssert{succeed: false, latency: 12}
	s.SetTunnels([]Tunnel{tunnel("office-vpn", failing)})

	s.RunCycle(context.Background())

	if b.count() != 1 {
		t.Fatalf("bounces = %d, want 1", b.count())
	}

	points, ok := collector.Series("office-vpn")
	if !ok || len(points) != 1 {
		t.Fatalf("points = %v, %v; want one recorded cycle", points, ok)
	}
	if points[0].Success {
		t.Error("cycle with a failing assert must be recorded as failed")
	}
	if !points[0].BounceTriggered {
		t.Error("BounceTriggered not set on the failing cycle")
	}
	if points[0].LatencyMs != 12 {
		t.Errorf("LatencyMs = %f, want the sum of assert latencies (12)", points[0].LatencyMs)
	}
}

func TestLatencyIsSumOfAsserts(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{}
	s, collector := newTestScheduler(testConfig(), cp, b)

	s.SetTunnels([]Tunnel{tunnel("office-vpn",
		&fakeAssert{succeed: true, latency: 10},
		&fakeAssert{succeed: true, latency: 15.5},
	)})

	s.RunCycle(context.Background())

	points, _ := collector.Series("office-vpn")
	if len(points) != 1 {
		t.Fatal("missing cycle")
	}
	if points[0].LatencyMs != 25.5 {
		t.Errorf("LatencyMs = %f, want 25.5", points[0].LatencyMs)
	}
	if len(points[0].AssertDetails) != 2 {
		t.Errorf("AssertDetails = %d entries, want 2", len(points[0].AssertDetails))
	}
}

func TestDisableAfterThresholdStopsChecks(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{err: fmt.Errorf("%w: activation failed", reconnect.ErrUpFailed)}
	s, _ := newTestScheduler(testConfig(), cp, b)

	failing := &fakeAssert{succeed: false}
	s.SetTunnels([]Tunnel{tunnel("office-vpn", failing)})

	for i := 0; i < 3; i++ {
		s.RunCycle(context.Background())
	}

	states := s.TunnelStates()
	if states["office-vpn"].Phase != types.PhaseDisabled {
		t.Fatalf("phase = %v, want Disabled after 3 failed-and-bounced cycles", states["office-vpn"].Phase)
	}
	if b.count() != 3 {
		t.Errorf("bounces = %d, want 3", b.count())
	}

	// A 4th cycle must not execute any assert for the disabled tunnel.
	before := failing.calls.Load()
	s.RunCycle(context.Background())
	if after := failing.calls.Load(); after != before {
		t.Errorf("asserts ran on a disabled tunnel (%d -> %d)", before, after)
	}
	if b.count() != 3 {
		t.Errorf("disabled tunnel was bounced again")
	}
}

func TestReEnableRestartsMonitoring(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{err: errors.New("down is dead")}
	cfg := testConfig()
	cfg.FailureThreshold = 1
	s, _ := newTestScheduler(cfg, cp, b)

	failing := &fakeAssert{succeed: false}
	s.SetTunnels([]Tunnel{tunnel("office-vpn", failing)})

	s.RunCycle(context.Background())
	if s.TunnelStates()["office-vpn"].Phase != types.PhaseDisabled {
		t.Fatal("tunnel should be disabled")
	}

	s.ReEnable("office-vpn")
	if got := s.TunnelStates()["office-vpn"].Phase; got != types.PhaseInactive {
		t.Fatalf("phase after ReEnable = %v, want Inactive", got)
	}

	// Monitoring resumes: the next cycle runs asserts again.
	before := failing.calls.Load()
	s.RunCycle(context.Background())
	if failing.calls.Load() == before {
		t.Error("asserts did not run after re-enable")
	}
}

func TestExternalDisconnectObserved(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{}
	s, _ := newTestScheduler(testConfig(), cp, b)
	s.SetTunnels([]Tunnel{tunnel("office-vpn", &fakeAssert{succeed: true})})

	s.RunCycle(context.Background())
	if got := s.TunnelStates()["office-vpn"].Phase; got != types.PhaseMonitoring {
		t.Fatalf("phase = %v, want Monitoring", got)
	}

	// Someone tears the tunnel down outside the monitor.
	cp.Disconnect(context.Background(), "office-vpn")
	s.RunCycle(context.Background())
	if got := s.TunnelStates()["office-vpn"].Phase; got != types.PhaseInactive {
		t.Errorf("phase after external disconnect = %v, want Inactive", got)
	}
}

func TestListenerReceivesEvents(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{}
	s, _ := newTestScheduler(testConfig(), cp, b)
	s.SetTunnels([]Tunnel{tunnel("office-vpn", &fakeAssert{succeed: false})})

	events, cancel := s.Subscribe(64)
	defer cancel()

	s.RunCycle(context.Background())

	kinds := make(map[types.EventKind]int)
drain:
	for {
		select {
		case ev := <-events:
			if ev.ID == "" {
				t.Error("event missing ID")
			}
			kinds[ev.Kind]++
		default:
			break drain
		}
	}

	if kinds[types.EventCycleCompleted] != 1 {
		t.Errorf("cycle events = %d, want 1", kinds[types.EventCycleCompleted])
	}
	if kinds[types.EventPhaseChanged] == 0 {
		t.Error("expected phase change events")
	}
	if kinds[types.EventBounceAttempted] != 1 {
		t.Errorf("bounce events = %d, want 1", kinds[types.EventBounceAttempted])
	}
}

func TestSlowListenerNeverBlocksCycle(t *testing.T) {
	cp := newFakeControlPlane("office-vpn")
	b := &fakeBouncer{}
	s, _ := newTestScheduler(testConfig(), cp, b)
	s.SetTunnels([]Tunnel{tunnel("office-vpn", &fakeAssert{succeed: true})})

	// A one-slot buffer that nobody drains.
	_, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.RunCycle(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler blocked on a slow listener")
	}
}

func TestConcurrencyBoundRespected(t *testing.T) {
	cp := newFakeControlPlane("vpn-a", "vpn-b", "vpn-c", "vpn-d")
	b := &fakeBouncer{}
	cfg := testConfig()
	cfg.MaxConcurrentChecks = 1
	s, _ := newTestScheduler(cfg, cp, b)

	var inFlight, peak atomic.Int32
	mk := func(name string) Tunnel {
		return tunnel(name, &trackingAssert{inFlight: &inFlight, peak: &peak})
	}
	s.SetTunnels([]Tunnel{mk("vpn-a"), mk("vpn-b"), mk("vpn-c"), mk("vpn-d")})

	s.RunCycle(context.Background())

	if got := peak.Load(); got > 1 {
		t.Errorf("peak concurrent checks = %d, want <= 1", got)
	}
}

// trackingAssert records the peak number of concurrent Check calls.
type trackingAssert struct {
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (a *trackingAssert) Type() types.AssertType { return types.AssertDNSLookup }
func (a *trackingAssert) Describe() string       { return "tracking assert" }

func (a *trackingAssert) Check(context.Context) types.CheckResult {
	n := a.inFlight.Add(1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	a.inFlight.Add(-1)
	return types.CheckResult{AssertType: types.AssertDNSLookup, Success: true}
}

func TestStartIdempotentStopSafe(t *testing.T) {
	cp := newFakeControlPlane()
	b := &fakeBouncer{}
	s, _ := newTestScheduler(testConfig(), cp, b)

	// Stop before Start is a no-op.
	s.Stop()

	s.Start()
	if !s.Running() {
		t.Fatal("scheduler not running after Start")
	}
	s.Start() // no-op
	if !s.Running() {
		t.Fatal("second Start broke the scheduler")
	}

	s.Stop()
	if s.Running() {
		t.Fatal("scheduler still running after Stop")
	}
	s.Stop() // safe to repeat

	// Restartable after Stop.
	s.Start()
	if !s.Running() {
		t.Fatal("scheduler not running after restart")
	}
	s.Stop()
}

// Each loop goroutine must close the done channel it was handed, not
// whatever s.done points at by the time it gets scheduled; otherwise a
// Stop racing a restart can wait on a channel nobody will close.
func TestRapidRestartNeverWedgesStop(t *testing.T) {
	cp := newFakeControlPlane()
	b := &fakeBouncer{}
	s, _ := newTestScheduler(testConfig(), cp, b)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 50; i++ {
			s.Start()
			s.Stop()
		}
	}()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop hung during rapid restart cycles")
	}
}

func TestSetTunnelsAppliesAtTickBoundary(t *testing.T) {
	cp := newFakeControlPlane("vpn-a", "vpn-b")
	b := &fakeBouncer{}
	s, collector := newTestScheduler(testConfig(), cp, b)

	s.SetTunnels([]Tunnel{tunnel("vpn-a", &fakeAssert{succeed: true})})
	s.RunCycle(context.Background())

	s.SetTunnels([]Tunnel{tunnel("vpn-b", &fakeAssert{succeed: true})})
	s.RunCycle(context.Background())

	if agg, ok := collector.Aggregate("vpn-a"); !ok || agg.Count != 1 {
		t.Errorf("vpn-a cycles = %+v, %v; want exactly 1", agg, ok)
	}
	if agg, ok := collector.Aggregate("vpn-b"); !ok || agg.Count != 1 {
		t.Errorf("vpn-b cycles = %+v, %v; want exactly 1", agg, ok)
	}
}

func TestDisabledByConfigFlagSkipped(t *testing.T) {
	cp := newFakeControlPlane("off-vpn")
	b := &fakeBouncer{}
	s, collector := newTestScheduler(testConfig(), cp, b)

	a := &fakeAssert{succeed: true}
	s.SetTunnels([]Tunnel{{
		Config:  types.TunnelConfig{Name: "off-vpn", Enabled: false},
		Asserts: []assert.Assert{a},
	}})

	s.RunCycle(context.Background())

	if a.calls.Load() != 0 {
		t.Error("asserts ran for a config-disabled tunnel")
	}
	if _, ok := collector.Aggregate("off-vpn"); ok {
		t.Error("cycle recorded for a config-disabled tunnel")
	}
}
