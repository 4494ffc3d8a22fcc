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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"agentworker/src/logging"
	"agentworker/src/model"
	"agentworker/src/queue"
)

// Runner executes one admitted task to a terminal (or paused-out) state.
// The engine implements it.
type Runner interface {
	Run(ctx context.Context, taskID string, slot *Slot) model.TaskStatus
}

// Dispatcher moves tasks from the queue into free worker slots. One task per
// worker; steps within a task stay sequential inside that worker.
type Dispatcher struct {
	Queue    queue.Queue
	Manager  *Manager
	Runner   Runner
	Interval time.Duration // fallback polling cadence

	// Notify carries external wakeups (Postgres LISTEN/NOTIFY). Optional.
	Notify <-chan struct{}

	// OnFinish observes each task's terminal status for worker stats.
	// Optional.
	OnFinish func(model.TaskStatus)

	// Refusals counts refused admissions by reason. Optional.
	Refusals metric.Float64Counter

	wg sync.WaitGroup
}

// Run drains the queue until ctx is cancelled, waking on queue signals,
// external notifications, and the fallback ticker. It blocks; call it from
// main and wait for in-flight workers via Wait after cancellation.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Log("Dispatcher started. Waiting for tasks (wake channel + fallback polling)...", slog.LevelInfo)
	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Queue.Wake():
			d.drain(ctx)
		case <-d.notify():
			d.drain(ctx)
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) notify() <-chan struct{} {
	if d.Notify != nil {
		return d.Notify
	}
	// Never fires.
	return make(chan struct{})
}

// drain admits and launches tasks until the queue empties or admission is
// refused.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		slot, refusal := d.Manager.TryAdmit()
		if slot == nil {
			logging.Count(d.Refusals, 1, attribute.String("reason", string(refusal)))
			if refusal == RefusedResourceConstrained {
				logging.Logf(slog.LevelWarn, "Admission refused", "reason", string(refusal))
			}
			return
		}
		taskID, ok, err := d.Queue.DequeueNext()
		if err != nil {
			slot.Release()
			logging.Log(fmt.Sprintf("Error dequeuing task: %v", err), slog.LevelError)
			return
		}
		if !ok {
			slot.Release()
			return
		}
		slot.SetTask(taskID)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer slot.Release()
			status := d.Runner.Run(ctx, taskID, slot)
			if d.OnFinish != nil {
				d.OnFinish(status)
			}
			// A freed slot may unblock the next queued task.
			d.drain(ctx)
		}()
	}
}

// Wait blocks until all in-flight workers have returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }
