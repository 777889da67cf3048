// Package vpnmon provides the VPN health monitor: a background subsystem
// that periodically verifies named tunnels are healthy, repairs them when
// they are not, and records time-series health and latency data.
//
// # Monitor Lifecycle
//
//  1. Load configuration, rejecting tunnels with malformed asserts
//  2. Open the metrics store and restore persisted series
//  3. Compile asserts and hand the tunnel list to the scheduler
//  4. Run check cycles until shutdown
//
// Presentation layers consume the event stream via Subscribe and the
// read-only snapshots via Status; nothing outside the scheduler ever
// mutates tunnel runtime state.
package vpnmon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/vpnmon/internal/assert"
	"github.com/pilot-net/vpnmon/internal/config"
	"github.com/pilot-net/vpnmon/internal/controlplane"
	"github.com/pilot-net/vpnmon/internal/metrics"
	"github.com/pilot-net/vpnmon/internal/reconnect"
	"github.com/pilot-net/vpnmon/internal/scheduler"
	"github.com/pilot-net/vpnmon/internal/store"
	"github.com/pilot-net/vpnmon/internal/sysinfo"
	"github.com/pilot-net/vpnmon/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Monitor wires the assert engine, state machine, reconnect controller,
// metrics collector, and scheduler together.
type Monitor struct {
	cfg       *config.Config
	store     store.Store
	collector *metrics.Collector
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	startTime time.Time
}

// New creates a monitor from configuration. Tunnels with malformed assert
// specs are excluded with a diagnostic; the rest are monitored normally.
// cp may be nil to use the default nmcli control plane.
func New(cfg *config.Config, cp controlplane.ControlPlane, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cp == nil {
		cp = controlplane.NewNMCLI(nil)
	}

	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(st, cfg.Storage.RetentionCap, logger)

	compiler := assert.NewCompiler(nil, assert.NewGeoClient(assert.GeoClientConfig{
		Endpoint:          cfg.Geolocation.Endpoint,
		RequestTimeout:    cfg.Geolocation.RequestTimeout,
		RequestsPerMinute: cfg.Geolocation.RequestsPerMinute,
	}))

	bouncer := reconnect.New(cp, cfg.Monitor.SettleDelay, logger)

	sched := scheduler.New(scheduler.Config{
		CheckInterval:       cfg.Monitor.CheckInterval,
		AssertTimeout:       cfg.Monitor.AssertTimeout,
		GracePeriod:         cfg.Monitor.GracePeriod,
		FailureThreshold:    cfg.Monitor.FailureThreshold,
		MaxConcurrentChecks: cfg.Monitor.MaxConcurrentChecks,
	}, cp, bouncer, collector, logger)

	m := &Monitor{
		cfg:       cfg,
		store:     st,
		collector: collector,
		scheduler: sched,
		logger:    logger,
		startTime: time.Now(),
	}

	sched.SetTunnels(m.compileTunnels(cfg, compiler))
	return m, nil
}

// compileTunnels validates and compiles all configured tunnels, logging and
// excluding the ones that fail so a bad config entry never sinks the rest.
func (m *Monitor) compileTunnels(cfg *config.Config, compiler *assert.Compiler) []scheduler.Tunnel {
	valid, rejected := cfg.PartitionTunnels()
	for name, err := range rejected {
		m.logger.Error("excluding tunnel with invalid configuration",
			"tunnel", name,
			"error", err)
	}

	tunnels := make([]scheduler.Tunnel, 0, len(valid))
	for _, tc := range valid {
		asserts, err := compiler.CompileAll(tc.Asserts)
		if err != nil {
			m.logger.Error("excluding tunnel with uncompilable asserts",
				"tunnel", tc.Name,
				"error", err)
			continue
		}
		tunnels = append(tunnels, scheduler.Tunnel{Config: tc, Asserts: asserts})
	}
	return tunnels
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return store.NewFileStore(cfg.DataDir)
	case config.BackendRedis:
		return store.NewRedisStore(cfg.RedisURL)
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// Run restores persisted metrics, starts the scheduler, and blocks until
// ctx is cancelled, then shuts down cleanly.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.collector.Load(ctx); err != nil {
		// Persistence problems never stop monitoring; history restarts fresh.
		m.logger.Warn("failed to restore persisted metrics", "error", err)
	}

	m.scheduler.Start()
	<-ctx.Done()
	m.scheduler.Stop()

	if err := m.store.Close(); err != nil {
		m.logger.Warn("closing metrics store", "error", err)
	}
	return ctx.Err()
}

// RunOnce executes a single check cycle across all tunnels, for config
// smoke tests.
func (m *Monitor) RunOnce(ctx context.Context) error {
	if err := m.collector.Load(ctx); err != nil {
		m.logger.Warn("failed to restore persisted metrics", "error", err)
	}
	m.scheduler.RunCycle(ctx)
	return m.store.Close()
}

// Subscribe registers an event listener; see scheduler.Subscribe.
func (m *Monitor) Subscribe(buffer int) (<-chan types.Event, func()) {
	return m.scheduler.Subscribe(buffer)
}

// ReEnable restarts monitoring for a disabled tunnel.
func (m *Monitor) ReEnable(name string) {
	m.scheduler.ReEnable(name)
}

// ClearMetrics deletes all persisted series and resets in-memory history.
// Explicit operator action only.
func (m *Monitor) ClearMetrics(ctx context.Context) error {
	return m.collector.ClearAll(ctx)
}

// Aggregate returns rolling statistics for one tunnel; ok is false when the
// tunnel has no recorded data.
func (m *Monitor) Aggregate(tunnel string) (types.Aggregate, bool) {
	return m.collector.Aggregate(tunnel)
}

// Status is a display-oriented snapshot of the whole monitor.
type Status struct {
	Running    bool                         `json:"running"`
	Process    sysinfo.Snapshot             `json:"process"`
	States     map[string]types.TunnelState `json:"states"`
	Aggregates map[string]types.Aggregate   `json:"aggregates"`
}

// Status returns a read-only snapshot for presentation layers.
func (m *Monitor) Status() Status {
	states := m.scheduler.TunnelStates()
	aggregates := make(map[string]types.Aggregate)
	for _, name := range m.collector.Tunnels() {
		if agg, ok := m.collector.Aggregate(name); ok {
			aggregates[name] = agg
		}
	}
	return Status{
		Running:    m.scheduler.Running(),
		Process:    sysinfo.Collect(m.startTime),
		States:     states,
		Aggregates: aggregates,
	}
}
