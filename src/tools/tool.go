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

package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Health is a tool adapter's self-reported condition.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Down     Health = "down"
)

// Adapter wraps one external capability behind a uniform interface.
// Implementations are stateless per invocation; the engine owns retries and
// timeouts.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (any, error)
	// Validate runs before Execute; a failure aborts the step as a
	// configuration error with no retry.
	Validate(params map[string]any) error
	// EstimatedDuration sizes the per-call timeout. Zero means "use the
	// engine default".
	EstimatedDuration(params map[string]any) time.Duration
	HealthCheck(ctx context.Context) Health
}

// CredentialRefresher is implemented by adapters that can recover from a
// permission error by refreshing credentials once.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// DegradedExecutor is implemented by adapters that support a reduced
// resource footprint for retrying resource errors.
type DegradedExecutor interface {
	ExecuteDegraded(ctx context.Context, params map[string]any) (any, error)
}

// Registry holds the closed set of adapters, keyed by name. New tools are
// added by registering an implementation at startup, never at runtime.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	breakers map[string]*circuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		breakers: map[string]*circuitBreaker{},
	}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.breakers[a.Name()] = newCircuitBreaker()
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	r.mu.RUnlock()
	return out
}

// Allow reports whether steps using the named tool may be admitted. A tool
// whose circuit is open fails fast until a health probe succeeds.
func (r *Registry) Allow(name string) error {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if !cb.allow() {
		return fmt.Errorf("tool %s is suspended (circuit open)", name)
	}
	return nil
}

// RecordHealth feeds one health observation into the tool's breaker.
func (r *Registry) RecordHealth(name string, h Health) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		cb.record(h)
	}
}

// CircuitStatus snapshots every breaker for the status endpoint.
func (r *Registry) CircuitStatus() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.statusInfo()
	}
	return out
}

// RunHealthChecks probes every adapter on the given cadence and records the
// results, closing circuits again once a probe succeeds.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			adapters := make([]Adapter, 0, len(r.adapters))
			for _, a := range r.adapters {
				adapters = append(adapters, a)
			}
			r.mu.RUnlock()
			for _, a := range adapters {
				probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				r.RecordHealth(a.Name(), a.HealthCheck(probeCtx))
				cancel()
			}
		}
	}
}
