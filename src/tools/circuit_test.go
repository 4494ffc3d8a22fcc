package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

// probeAdapter reports a scripted health value.
type probeAdapter struct {
	name   string
	health Health
}

func (p *probeAdapter) Name() string { return p.name }
func (p *probeAdapter) Execute(ctx context.Context, params map[string]any) (any, error) {
	return "ok", nil
}
func (p *probeAdapter) Validate(map[string]any) error                  { return nil }
func (p *probeAdapter) EstimatedDuration(map[string]any) time.Duration { return 0 }
func (p *probeAdapter) HealthCheck(context.Context) Health             { return p.health }

func TestCircuitOpensAfterConsecutiveDowns(t *testing.T) {
	r := NewRegistry()
	r.Register(&probeAdapter{name: "flaky"})

	if err := r.Allow("flaky"); err != nil {
		t.Fatalf("fresh tool refused: %v", err)
	}

	r.RecordHealth("flaky", Down)
	r.RecordHealth("flaky", Down)
	if err := r.Allow("flaky"); err != nil {
		t.Fatal("two downs must not open the circuit")
	}

	r.RecordHealth("flaky", Down)
	err := r.Allow("flaky")
	if err == nil {
		t.Fatal("three consecutive downs must open the circuit")
	}
	if !strings.Contains(err.Error(), "suspended") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCircuitClosesOnRecovery(t *testing.T) {
	r := NewRegistry()
	r.Register(&probeAdapter{name: "flaky"})

	for i := 0; i < 3; i++ {
		r.RecordHealth("flaky", Down)
	}
	if r.Allow("flaky") == nil {
		t.Fatal("circuit should be open")
	}

	r.RecordHealth("flaky", Healthy)
	if err := r.Allow("flaky"); err != nil {
		t.Fatalf("healthy probe should close the circuit: %v", err)
	}
}

func TestDegradedResetsDownStreak(t *testing.T) {
	r := NewRegistry()
	r.Register(&probeAdapter{name: "flaky"})

	r.RecordHealth("flaky", Down)
	r.RecordHealth("flaky", Down)
	r.RecordHealth("flaky", Degraded)
	r.RecordHealth("flaky", Down)
	r.RecordHealth("flaky", Down)

	if err := r.Allow("flaky"); err != nil {
		t.Fatal("degraded must reset the down streak")
	}
}

func TestAllowUnknownTool(t *testing.T) {
	r := NewRegistry()
	if r.Allow("nope") == nil {
		t.Fatal("unknown tool must be refused")
	}
}

func TestCircuitStatusSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(&probeAdapter{name: "a"})
	r.Register(&probeAdapter{name: "b"})
	for i := 0; i < 3; i++ {
		r.RecordHealth("b", Down)
	}

	st := r.CircuitStatus()
	if len(st) != 2 {
		t.Fatalf("status has %d tools, want 2", len(st))
	}
	if st["a"].(map[string]any)["state"] != "closed" {
		t.Errorf("a: %+v", st["a"])
	}
	if st["b"].(map[string]any)["state"] != "open" {
		t.Errorf("b: %+v", st["b"])
	}
}

func TestBuiltinValidation(t *testing.T) {
	echo := &EchoAdapter{}
	if echo.Validate(map[string]any{}) == nil {
		t.Error("echo must require text")
	}
	if err := echo.Validate(map[string]any{"text": "hi"}); err != nil {
		t.Errorf("echo validate: %v", err)
	}

	get := &HTTPGetAdapter{}
	if get.Validate(map[string]any{"url": "ftp://x"}) == nil {
		t.Error("http_get must reject non-http schemes")
	}
	if err := get.Validate(map[string]any{"url": "https://example.com"}); err != nil {
		t.Errorf("http_get validate: %v", err)
	}
}
