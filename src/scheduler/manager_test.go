package scheduler

import (
	"sync"
	"testing"
	"time"

	"agentworker/src/monitor"
)

// stubSampler is a controllable Sampler.
type stubSampler struct {
	mu        sync.Mutex
	headroom  bool
	sustained bool
}

func (s *stubSampler) Headroom() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headroom {
		return true, ""
	}
	return false, "cpu"
}

func (s *stubSampler) Sustained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sustained
}

func (s *stubSampler) Snapshot() monitor.Usage { return monitor.Usage{} }

func (s *stubSampler) set(headroom, sustained bool) {
	s.mu.Lock()
	s.headroom = headroom
	s.sustained = sustained
	s.mu.Unlock()
}

func TestCeilingNeverExceeded(t *testing.T) {
	sampler := &stubSampler{headroom: true}
	m := NewManager(3, sampler, time.Minute)

	var granted []*Slot
	for i := 0; i < 100; i++ {
		s, reason := m.TryAdmit()
		if s != nil {
			granted = append(granted, s)
			continue
		}
		if reason != RefusedAtCapacity {
			t.Fatalf("refusal %d: reason %s, want %s", i, reason, RefusedAtCapacity)
		}
	}
	if len(granted) != 3 {
		t.Fatalf("granted %d slots under limit 3", len(granted))
	}

	// Releasing frees exactly one admission.
	granted[0].Release()
	granted[0].Release() // idempotent
	s, _ := m.TryAdmit()
	if s == nil {
		t.Fatal("expected one admission after release")
	}
	if s2, _ := m.TryAdmit(); s2 != nil {
		t.Fatal("double release freed two slots")
	}
}

func TestResourceRefusal(t *testing.T) {
	sampler := &stubSampler{headroom: false}
	m := NewManager(3, sampler, time.Minute)

	s, reason := m.TryAdmit()
	if s != nil || reason != RefusedResourceConstrained {
		t.Fatalf("TryAdmit = (%v, %s), want refused resource_constrained", s, reason)
	}
}

func TestDegradeStepsDownOneAtATime(t *testing.T) {
	sampler := &stubSampler{headroom: false, sustained: true}
	m := NewManager(3, sampler, time.Hour)

	for i := 0; i < 3; i++ {
		m.TryAdmit()
	}
	if got := m.Load().EffectiveLimit; got != 2 {
		t.Fatalf("after 3 sustained refusals effective = %d, want 2", got)
	}

	// Another full streak steps down again.
	for i := 0; i < 3; i++ {
		m.TryAdmit()
	}
	if got := m.Load().EffectiveLimit; got != 1 {
		t.Fatalf("effective = %d, want 1", got)
	}

	// Never below one.
	for i := 0; i < 10; i++ {
		m.TryAdmit()
	}
	if got := m.Load().EffectiveLimit; got != 1 {
		t.Fatalf("effective dropped below 1: %d", got)
	}
}

func TestNoDegradeWithoutSustainedPressure(t *testing.T) {
	sampler := &stubSampler{headroom: false, sustained: false}
	m := NewManager(3, sampler, time.Hour)

	for i := 0; i < 10; i++ {
		m.TryAdmit()
	}
	if got := m.Load().EffectiveLimit; got != 3 {
		t.Fatalf("transient pressure degraded the limit to %d", got)
	}
}

func TestRestoreAfterCooldown(t *testing.T) {
	sampler := &stubSampler{headroom: false, sustained: true}
	m := NewManager(3, sampler, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		m.TryAdmit()
	}
	if got := m.Load().EffectiveLimit; got != 2 {
		t.Fatalf("effective = %d, want 2 after degradation", got)
	}

	sampler.set(true, false)
	time.Sleep(20 * time.Millisecond)

	s, _ := m.TryAdmit()
	if s == nil {
		t.Fatal("expected admission after pressure cleared")
	}
	if got := m.Load().EffectiveLimit; got != 3 {
		t.Fatalf("effective = %d, want 3 restored after cooldown", got)
	}
}

func TestNotePressureFeedsDegradation(t *testing.T) {
	sampler := &stubSampler{headroom: true, sustained: true}
	m := NewManager(4, sampler, time.Hour)

	for i := 0; i < 3; i++ {
		m.NotePressure()
	}
	if got := m.Load().EffectiveLimit; got != 3 {
		t.Fatalf("effective = %d, want 3 after pressure signals", got)
	}
}

func TestIdleSlotStillCounts(t *testing.T) {
	sampler := &stubSampler{headroom: true}
	m := NewManager(1, sampler, time.Minute)

	s, _ := m.TryAdmit()
	if s == nil {
		t.Fatal("expected admission")
	}
	s.SetTask("t1")
	s.SetIdle(true)

	if s2, reason := m.TryAdmit(); s2 != nil || reason != RefusedAtCapacity {
		t.Fatal("idle slot must keep counting against the ceiling")
	}
	load := m.Load()
	if load.Running != 1 || load.Idle != 1 {
		t.Fatalf("Load = %+v, want 1 running 1 idle", load)
	}
}
