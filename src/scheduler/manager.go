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

package scheduler

import (
	"sync"
	"time"

	"agentworker/src/monitor"
)

// RefusalReason is a typed admission refusal.
type RefusalReason string

const (
	RefusedAtCapacity          RefusalReason = "at_capacity"
	RefusedResourceConstrained RefusalReason = "resource_constrained"
)

// Sampler is the Resource Monitor surface the manager consults before
// admitting work. monitor.Monitor satisfies it; tests substitute a stub.
type Sampler interface {
	Headroom() (bool, string)
	Sustained() bool
	Snapshot() monitor.Usage
}

// Slot is one occupied position under the concurrency ceiling. Release is
// idempotent so every exit path can defer it.
type Slot struct {
	mgr      *Manager
	taskID   string
	mu       sync.Mutex
	idle     bool
	released bool
}

// SetTask records which task owns the slot, for Load reporting.
func (s *Slot) SetTask(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

// SetIdle marks the slot idle-but-reserved (paused task). The slot still
// counts against the ceiling.
func (s *Slot) SetIdle(idle bool) {
	s.mu.Lock()
	s.idle = idle
	s.mu.Unlock()
}

// Release returns the slot to the manager. Safe to call more than once.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	s.mgr.release(s)
}

// Load is the manager's current occupancy.
type Load struct {
	Running        int           `json:"running"`
	Idle           int           `json:"idle"`
	Limit          int           `json:"limit"`
	EffectiveLimit int           `json:"effective_limit"`
	Resources      monitor.Usage `json:"resources"`
}

// Manager enforces the simultaneous-task ceiling and degrades it gracefully
// under sustained resource pressure.
type Manager struct {
	sampler Sampler

	mu             sync.Mutex
	limit          int
	effective      int
	slots          map[*Slot]struct{}
	refusalStreak  int       // consecutive resource_constrained refusals
	lastPressure   time.Time // most recent constrained refusal or pressure signal
	degradeStreak  int       // refusals needed before stepping the limit down
	cooldownWindow time.Duration
}

func NewManager(limit int, sampler Sampler, cooldown time.Duration) *Manager {
	if limit < 1 {
		limit = 1
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Manager{
		sampler:        sampler,
		limit:          limit,
		effective:      limit,
		slots:          map[*Slot]struct{}{},
		degradeStreak:  3,
		cooldownWindow: cooldown,
	}
}

// TryAdmit grants a slot when the ceiling and the resource monitor both
// allow another task. The refusal reason is RefusedAtCapacity or
// RefusedResourceConstrained.
func (m *Manager) TryAdmit() (*Slot, RefusalReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeRestoreLocked()

	if len(m.slots) >= m.effective {
		return nil, RefusedAtCapacity
	}
	if ok, _ := m.sampler.Headroom(); !ok {
		m.notePressureLocked()
		return nil, RefusedResourceConstrained
	}

	m.refusalStreak = 0
	s := &Slot{mgr: m}
	m.slots[s] = struct{}{}
	return s, ""
}

// NotePressure is the engine's signal that a step failed with a resource
// error; it feeds the same degradation path as refused admissions.
func (m *Manager) NotePressure() {
	m.mu.Lock()
	m.notePressureLocked()
	m.mu.Unlock()
}

func (m *Manager) notePressureLocked() {
	m.lastPressure = time.Now()
	m.refusalStreak++
	if m.refusalStreak >= m.degradeStreak && m.sampler.Sustained() && m.effective > 1 {
		m.effective--
		m.refusalStreak = 0
	}
}

// maybeRestoreLocked steps the effective limit back up once pressure has
// been absent for a full cooldown window.
func (m *Manager) maybeRestoreLocked() {
	if m.effective >= m.limit {
		return
	}
	if m.lastPressure.IsZero() || time.Since(m.lastPressure) >= m.cooldownWindow {
		m.effective++
		m.lastPressure = time.Now()
	}
}

func (m *Manager) release(s *Slot) {
	m.mu.Lock()
	delete(m.slots, s)
	m.mu.Unlock()
}

// SetLimit changes the operator ceiling. The effective limit follows,
// clamped to at least 1.
func (m *Manager) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.limit = n
	if m.effective > n {
		m.effective = n
	}
	if m.effective < 1 {
		m.effective = 1
	}
	m.mu.Unlock()
}

func (m *Manager) Load() Load {
	m.mu.Lock()
	idle := 0
	for s := range m.slots {
		s.mu.Lock()
		if s.idle {
			idle++
		}
		s.mu.Unlock()
	}
	l := Load{
		Running:        len(m.slots),
		Idle:           idle,
		Limit:          m.limit,
		EffectiveLimit: m.effective,
	}
	m.mu.Unlock()
	l.Resources = m.sampler.Snapshot()
	return l
}
