package sensor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostMetrics is the CPU/memory/temperature half of a sys_info row; the
// other half comes from the DHT22 Sampler.
type HostMetrics struct {
	CPUAvg     float64
	CPUTempC   float64
	MemPercent float64
	TempOK     bool
}

// CollectHostMetrics samples system-wide CPU load, memory usage, and CPU
// package temperature (when the host exposes one).
func CollectHostMetrics(ctx context.Context) HostMetrics {
	var m HostMetrics

	if percents, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false); err == nil && len(percents) > 0 {
		m.CPUAvg = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemPercent = vm.UsedPercent
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil && len(temps) > 0 {
		var sum, count float64
		for _, s := range temps {
			if s.Temperature == 0 {
				continue
			}
			sum += s.Temperature
			count++
		}
		if count > 0 {
			m.CPUTempC = sum / count
			m.TempOK = true
		}
	}

	return m
}
