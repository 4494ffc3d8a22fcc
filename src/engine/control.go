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

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"agentworker/src/model"
	"agentworker/src/store"
)

// control is the live handle for one running task's worker. Pause, resume,
// and cancel requests travel through it; the worker observes them at
// checkpoints so in-flight adapter calls are never interrupted mid-write.
type control struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func (c *control) requestPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return false
	}
	c.paused = true
	c.resumeCh = make(chan struct{})
	return true
}

func (c *control) requestResume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return false
	}
	c.paused = false
	close(c.resumeCh)
	return true
}

// forceResume clears the pause after a timeout without requiring an external
// resume call.
func (c *control) forceResume() {
	c.mu.Lock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
	c.mu.Unlock()
}

func (c *control) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *control) resumed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.resumeCh
}

type controlTable struct {
	mu       sync.Mutex
	controls map[string]*control
}

func newControlTable() *controlTable {
	return &controlTable{controls: map[string]*control{}}
}

func (ct *controlTable) register(taskID string, cancel context.CancelFunc) *control {
	c := &control{cancel: cancel}
	ct.mu.Lock()
	ct.controls[taskID] = c
	ct.mu.Unlock()
	return c
}

func (ct *controlTable) unregister(taskID string) {
	ct.mu.Lock()
	delete(ct.controls, taskID)
	ct.mu.Unlock()
}

func (ct *controlTable) get(taskID string) *control {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.controls[taskID]
}

// Pause freezes a running or approval-blocked task at its next checkpoint.
func (e *Engine) Pause(ctx context.Context, taskID string) error {
	ctl := e.controls.get(taskID)
	if ctl == nil {
		return e.noControlErr(ctx, taskID)
	}
	t, err := e.store.CasStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskRunning, model.TaskAwaitingApproval}, model.TaskPaused)
	if err != nil {
		if err == store.ErrConflict {
			return ErrInvalidState
		}
		return err
	}
	if !ctl.requestPause() {
		return ErrInvalidState
	}
	e.hub.Publish(ctx, taskID, model.EventPaused, map[string]any{"step": t.CurrentStepIndex + 1})
	e.publishStatus(ctx, t)
	return nil
}

// Resume unfreezes a paused task. The worker performs the status transition
// when it wakes.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	ctl := e.controls.get(taskID)
	if ctl == nil {
		return e.noControlErr(ctx, taskID)
	}
	if !ctl.requestResume() {
		return ErrInvalidState
	}
	return nil
}

// noControlErr distinguishes an unknown task from a known one that has no
// live worker: the former propagates the store's not-found error.
func (e *Engine) noControlErr(ctx context.Context, taskID string) error {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	return ErrInvalidState
}

// Cancel stops a task at any non-terminal state. Running tasks are stopped
// cooperatively at the next checkpoint; queued and pending ones are removed
// directly.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	if ctl := e.controls.get(taskID); ctl != nil {
		ctl.cancelled.Store(true)
		ctl.forceResume() // a paused task must wake to observe the cancel
		ctl.cancel()
		return nil
	}

	t, err := e.store.CasStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskPending, model.TaskQueued}, model.TaskCancelled)
	if err != nil {
		if err == store.ErrConflict {
			return ErrInvalidState
		}
		return err
	}
	if _, err := e.queue.Remove(taskID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range t.Steps {
		if t.Steps[i].Status == model.StepPending {
			t.Steps[i].Status = model.StepSkipped
		}
	}
	t.CompletedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	e.hub.Publish(ctx, taskID, model.EventCancelled, nil)
	e.publishStatus(ctx, t)
	return nil
}
