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
	"sync"
	"time"
)

// downThreshold is the number of consecutive down observations that opens a
// tool's circuit.
const downThreshold = 3

// circuitBreaker suspends step admission for a tool after consecutive down
// health results and re-admits once a probe succeeds.
type circuitBreaker struct {
	mu              sync.Mutex
	open            bool
	consecutiveDown int
	lastDown        time.Time
	lastStateChange time.Time
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{lastStateChange: time.Now()}
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.open
}

func (cb *circuitBreaker) record(h Health) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch h {
	case Down:
		cb.consecutiveDown++
		cb.lastDown = time.Now()
		if !cb.open && cb.consecutiveDown >= downThreshold {
			cb.open = true
			cb.lastStateChange = time.Now()
		}
	case Healthy, Degraded:
		// Degraded still serves requests; only down counts against the
		// streak.
		cb.consecutiveDown = 0
		if cb.open {
			cb.open = false
			cb.lastStateChange = time.Now()
		}
	}
}

func (cb *circuitBreaker) statusInfo() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := "closed"
	if cb.open {
		state = "open"
	}
	info := map[string]any{
		"state":            state,
		"consecutive_down": cb.consecutiveDown,
	}
	if !cb.lastDown.IsZero() {
		info["last_down"] = cb.lastDown.Format(time.RFC3339)
	}
	return info
}
