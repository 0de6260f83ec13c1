package monitor

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/zjrosen/quill/internal/orchestration/events"
)

// Sampler reads current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (events.Resources, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (events.Resources, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (events.Resources, error) { return f(ctx) }

// HostSampler samples host CPU and memory with gopsutil.
type HostSampler struct{}

// Sample implements Sampler. CPU is measured since the previous call, so the
// first sample after start-up may read zero.
func (HostSampler) Sample(ctx context.Context) (events.Resources, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return events.Resources{}, fmt.Errorf("sampling cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return events.Resources{}, fmt.Errorf("sampling memory: %w", err)
	}

	r := events.Resources{
		MemoryPercent:   vm.UsedPercent,
		MemoryUsed:      vm.Used,
		MemoryAvailable: vm.Available,
		Goroutines:      runtime.NumGoroutine(),
	}
	if len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	return r, nil
}
