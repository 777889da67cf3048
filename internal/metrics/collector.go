// Package metrics records per-tunnel check history and computes rolling
// aggregates over it.
//
// # Concurrency
//
// The scheduler is the only writer for a given tunnel, but cycles for
// different tunnels land concurrently. Each tunnel's series carries its own
// lock, so writes to different tunnels never contend and readers never
// observe a partially appended series. Locks bound only the in-memory
// append or read; store writes happen on a snapshot, outside any lock.
//
// # Persistence
//
// The full series document is written after every recorded cycle. A failed
// write is logged and the cycle continues on the in-memory copy; because
// every write replaces the whole document, the next successful write
// repairs the on-disk state without any special retry path.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/vpnmon/internal/store"
	"github.com/pilot-net/vpnmon/pkg/types"
)

// Collector owns the in-memory series and their persisted copies.
type Collector struct {
	store  store.Store
	cap    int
	logger *slog.Logger

	mu     sync.Mutex
	series map[string]*tunnelSeries
}

// tunnelSeries is one tunnel's history plus its writer lock.
type tunnelSeries struct {
	mu  sync.Mutex
	doc types.SeriesDocument
}

// NewCollector creates a collector persisting through st and retaining at
// most retentionCap data points per tunnel.
func NewCollector(st store.Store, retentionCap int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionCap <= 0 {
		retentionCap = 10000
	}
	return &Collector{
		store:  st,
		cap:    retentionCap,
		logger: logger,
		series: make(map[string]*tunnelSeries),
	}
}

// Load restores persisted series at startup. A corrupt or unreadable
// document only costs that tunnel its history; everything else loads.
func (c *Collector) Load(ctx context.Context) error {
	tunnels, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	for _, tunnel := range tunnels {
		doc, err := c.store.Get(ctx, tunnel)
		if err != nil {
			c.logger.Warn("discarding unreadable series, starting fresh",
				"tunnel", tunnel,
				"error", err)
			continue
		}
		c.mu.Lock()
		c.series[tunnel] = &tunnelSeries{doc: *doc}
		c.mu.Unlock()
	}
	return nil
}

// entry returns the series for a tunnel, creating it lazily.
func (c *Collector) entry(tunnel string) *tunnelSeries {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.series[tunnel]
	if !ok {
		ts = &tunnelSeries{doc: types.SeriesDocument{
			TunnelName: tunnel,
			Created:    time.Now().UTC(),
		}}
		c.series[tunnel] = ts
	}
	return ts
}

// Record appends one cycle to the tunnel's series, persists the document,
// and enforces the retention cap. Persistence failures are logged, never
// escalated: the monitoring loop must not die because a disk is full.
func (c *Collector) Record(ctx context.Context, cycle types.CycleResult) {
	ts := c.entry(cycle.TunnelName)

	ts.mu.Lock()
	ts.doc.DataPoints = append(ts.doc.DataPoints, types.DataPoint{
		Timestamp:       cycle.Timestamp,
		LatencyMs:       cycle.LatencyMs,
		Success:         cycle.Success,
		BounceTriggered: cycle.BounceTriggered,
		AssertDetails:   cycle.AssertDetails,
	})

	// Evict the oldest 10% in one batch rather than one-by-one, bounding
	// write amplification once the series runs at the cap.
	if len(ts.doc.DataPoints) > c.cap {
		keep := c.cap - c.cap/10
		ts.doc.DataPoints = append(
			ts.doc.DataPoints[:0:0],
			ts.doc.DataPoints[len(ts.doc.DataPoints)-keep:]...,
		)
	}

	// Snapshot under the lock, persist outside it. Put can be a network
	// round trip on the redis and postgres backends and must never stall
	// readers; the scheduler being the sole writer per tunnel keeps write
	// ordering intact.
	snapshot := ts.doc
	snapshot.DataPoints = append([]types.DataPoint(nil), ts.doc.DataPoints...)
	ts.mu.Unlock()

	if err := c.store.Put(ctx, &snapshot); err != nil {
		c.logger.Warn("series write failed, continuing with in-memory copy",
			"tunnel", cycle.TunnelName,
			"points", len(snapshot.DataPoints),
			"error", err)
	}
}

// Aggregate computes rolling statistics over the tunnel's retained series.
// ok is false when the tunnel has no recorded data.
func (c *Collector) Aggregate(tunnel string) (types.Aggregate, bool) {
	c.mu.Lock()
	ts, exists := c.series[tunnel]
	c.mu.Unlock()
	if !exists {
		return types.Aggregate{}, false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	count := len(ts.doc.DataPoints)
	if count == 0 {
		return types.Aggregate{}, false
	}

	var latencySum float64
	failures := 0
	for _, p := range ts.doc.DataPoints {
		latencySum += p.LatencyMs
		if !p.Success {
			failures++
		}
	}

	return types.Aggregate{
		TunnelName:    tunnel,
		Count:         count,
		AvgLatencyMs:  latencySum / float64(count),
		TotalFailures: failures,
		UptimePct:     float64(count-failures) / float64(count) * 100,
	}, true
}

// Series returns a copy of the tunnel's retained data points, oldest first.
func (c *Collector) Series(tunnel string) ([]types.DataPoint, bool) {
	c.mu.Lock()
	ts, exists := c.series[tunnel]
	c.mu.Unlock()
	if !exists {
		return nil, false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	points := make([]types.DataPoint, len(ts.doc.DataPoints))
	copy(points, ts.doc.DataPoints)
	return points, true
}

// Tunnels returns the tunnels with in-memory series.
func (c *Collector) Tunnels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	return names
}

// ClearAll deletes every persisted series and resets in-memory state. Only
// ever invoked by an explicit operator action.
func (c *Collector) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	c.series = make(map[string]*tunnelSeries)
	c.mu.Unlock()

	tunnels, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	for _, tunnel := range tunnels {
		if err := c.store.Delete(ctx, tunnel); err != nil {
			return err
		}
	}
	return nil
}
