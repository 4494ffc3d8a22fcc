// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"agentworker/src/logging"
)

// Usage is one sample of host pressure.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// Monitor samples CPU and memory and exposes an admission signal. Samples
// are read-only inputs to the scheduler; nothing here is mutated by the
// engine.
type Monitor struct {
	cpuThreshold float64
	memThreshold float64
	interval     time.Duration
	sustainAfter int // consecutive constrained samples before Sustained()

	cpuBits     atomic.Uint64
	memBits     atomic.Uint64
	constrained atomic.Int64
}

func New(cpuThreshold, memThreshold float64, interval time.Duration, sustainAfter int) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if sustainAfter <= 0 {
		sustainAfter = 3
	}
	return &Monitor{
		cpuThreshold: cpuThreshold,
		memThreshold: memThreshold,
		interval:     interval,
		sustainAfter: sustainAfter,
	}
}

// Run samples until ctx is done. Call in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		logging.Log(fmt.Sprintf("cpu sample failed: %v", err), slog.LevelWarn)
	} else if len(pcts) > 0 {
		m.cpuBits.Store(math.Float64bits(pcts[0]))
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logging.Log(fmt.Sprintf("memory sample failed: %v", err), slog.LevelWarn)
	} else {
		m.memBits.Store(math.Float64bits(vm.UsedPercent))
	}

	if ok, _ := m.Headroom(); ok {
		m.constrained.Store(0)
	} else {
		m.constrained.Add(1)
	}
}

// Snapshot returns the last sampled usage.
func (m *Monitor) Snapshot() Usage {
	return Usage{
		CPUPercent: math.Float64frombits(m.cpuBits.Load()),
		MemPercent: math.Float64frombits(m.memBits.Load()),
	}
}

// Headroom reports whether the host has capacity for another task, with the
// constrained dimension as reason.
func (m *Monitor) Headroom() (bool, string) {
	u := m.Snapshot()
	if m.cpuThreshold > 0 && u.CPUPercent >= m.cpuThreshold {
		return false, "cpu"
	}
	if m.memThreshold > 0 && u.MemPercent >= m.memThreshold {
		return false, "memory"
	}
	return true, ""
}

// Sustained reports whether pressure has held for enough consecutive samples
// to justify lowering the admission limit.
func (m *Monitor) Sustained() bool {
	return m.constrained.Load() >= int64(m.sustainAfter)
}
