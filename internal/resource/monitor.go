// Package resource probes host memory and load so the download loop can
// pause cooperatively under pressure.
package resource

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"docfetch/internal/config"
)

// Status is one probe observation.
type Status struct {
	ShouldPause   bool
	MemoryPercent float64
	LoadAverage   float64
	Reasons       []string
}

// Probe returns a pause signal for the orchestrator. Probe failures are
// never fatal; an unobservable host is treated as unloaded.
type Probe interface {
	Check() Status
}

// Monitor implements Probe against the local host.
type Monitor struct {
	maxMemoryPercent float64
	maxLoadAverage   float64
	log              zerolog.Logger
}

func NewMonitor(cfg config.ResourceConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		maxMemoryPercent: cfg.MaxMemoryPercent,
		maxLoadAverage:   cfg.MaxLoadAverage,
		log:              logger.With().Str("component", "resource").Logger(),
	}
}

func (m *Monitor) Check() Status {
	var status Status

	if vm, err := mem.VirtualMemory(); err != nil {
		m.log.Debug().Err(err).Msg("memory probe failed")
	} else {
		status.MemoryPercent = vm.UsedPercent
		if vm.UsedPercent > m.maxMemoryPercent {
			status.ShouldPause = true
			status.Reasons = append(status.Reasons,
				fmt.Sprintf("high memory usage: %.1f%%", vm.UsedPercent))
		}
	}

	if avg, err := load.Avg(); err != nil {
		m.log.Debug().Err(err).Msg("load probe failed")
	} else {
		status.LoadAverage = avg.Load1
		if avg.Load1 > m.maxLoadAverage {
			status.ShouldPause = true
			status.Reasons = append(status.Reasons,
				fmt.Sprintf("high system load: %.2f", avg.Load1))
		}
	}

	return status
}
