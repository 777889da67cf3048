// Package sysinfo reports the monitor's own process health for display.
package sysinfo

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time view of the monitor process.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
}

// Collect gathers a snapshot. Process metrics are best-effort: on platforms
// or permission setups where gopsutil cannot read them, the corresponding
// fields stay zero rather than failing the snapshot.
func Collect(startTime time.Time) Snapshot {
	snap := Snapshot{
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	return snap
}
