package degradation

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/agentbridge/bridge/infrastructure/resilience"
)

// HealthSample is one point-in-time reading of host resource pressure,
// independent of the write-latency/backlog signals Observe handles.
type HealthSample struct {
	MemoryUsedPercent float64
	DiskUsedPercent   float64
}

// HealthChecker periodically samples host resources and feeds them into a
// Controller as an additional breach signal: a host under memory or disk
// pressure is treated the same as a slow write path.
type HealthChecker struct {
	controller        *Controller
	mountPath         string
	memoryThreshold   float64
	diskThreshold     float64
	interval          time.Duration
}

// NewHealthChecker builds a checker polling every interval.
func NewHealthChecker(controller *Controller, mountPath string, memoryThreshold, diskThreshold float64, interval time.Duration) *HealthChecker {
	if mountPath == "" {
		mountPath = "/"
	}
	if memoryThreshold <= 0 {
		memoryThreshold = 90
	}
	if diskThreshold <= 0 {
		diskThreshold = 90
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthChecker{
		controller:      controller,
		mountPath:       mountPath,
		memoryThreshold: memoryThreshold,
		diskThreshold:   diskThreshold,
		interval:        interval,
	}
}

// sampleRetry bounds how hard Sample retries a transient gopsutil read
// failure (a momentary /proc read glitch) before treating it as a real
// collection failure. Short, fixed backoff: a host under enough pressure
// to fail a memory/disk read is also the host we want Run to keep polling
// promptly, not one we want to spend seconds retrying against.
var sampleRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// Sample takes one reading of host memory and disk usage, retrying a
// transient read failure before surfacing it.
func (h *HealthChecker) Sample(ctx context.Context) (HealthSample, error) {
	var sample HealthSample
	err := resilience.Retry(ctx, sampleRetry, func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return err
		}
		du, err := disk.Usage(h.mountPath)
		if err != nil {
			return err
		}
		sample = HealthSample{MemoryUsedPercent: vm.UsedPercent, DiskUsedPercent: du.UsedPercent}
		return nil
	})
	if err != nil {
		return HealthSample{}, err
	}
	return sample, nil
}

// Run polls Sample on interval until ctx is cancelled. When resource
// pressure is high it feeds the controller a synthetic observation just past
// both the latency and backlog thresholds, so it counts as a breach;
// otherwise it feeds a clean zero-latency, zero-backlog observation. This
// keeps HealthChecker decoupled from the write path's own latency/backlog
// instrumentation.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := h.Sample(ctx)
			if err != nil {
				continue
			}
			if sample.MemoryUsedPercent >= h.memoryThreshold || sample.DiskUsedPercent >= h.diskThreshold {
				h.controller.Observe(h.controller.cfg.LatencyThreshold+1, h.controller.cfg.BacklogThreshold+1)
			} else {
				h.controller.Observe(0, 0)
			}
		}
	}
}
