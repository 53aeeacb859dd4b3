// Package monitor samples host health for the status endpoint.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const snapshotCacheTTL = 2 * time.Second

type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    snapshot
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

type HostStatus struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryUsedPct    float64 `json:"memory_used_pct"`

	Platform    string `json:"platform"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type snapshot struct {
	collectedAt time.Time
	data        HostStatus
}

// Snapshot returns the current host status, reusing a recent sample so a
// status endpoint under load does not hammer the kernel accounting.
func (s *Service) Snapshot(ctx context.Context) HostStatus {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snap.collectedAt) < snapshotCacheTTL {
		out := s.snap.data
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()

	return snap.data
}

func (s *Service) collect(ctx context.Context) snapshot {
	collectedAt := time.Now()

	status := HostStatus{
		Platform: runtime.GOOS,
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		status.CPUUsage = usage
	} else {
		s.log.Warn("status: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		status.CPUCores = cores
	} else {
		s.log.Warn("status: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		status.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("status: get load average failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		status.MemoryTotalBytes = vm.Total
		status.MemoryUsedBytes = vm.Used
		status.MemoryUsedPct = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("status: get memory failed", "error", err)
	}

	status.TimestampMs = collectedAt.UnixMilli()

	return snapshot{collectedAt: collectedAt, data: status}
}

// readCPUUsage prefers non-blocking sampling (diff from the last call) and
// falls back to a short blocking interval to bootstrap the counters.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}
