package monitor

import (
	"context"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// cpuSampleWindow is the wall-clock window CPU time is sampled over
const cpuSampleWindow = 100 * time.Millisecond

// sampleCPU returns system-wide CPU utilization in percent, sampled over a
// short window and clamped to [0,100]
func sampleCPU(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return clampPercent(round2(percents[0])), nil
}

// sampleMemory returns resident-vs-total memory utilization in percent
func sampleMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return clampPercent(round2(vm.UsedPercent)), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
