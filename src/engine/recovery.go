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
	"fmt"
	"log/slog"

	"agentworker/src/logging"
	"agentworker/src/model"
)

// Recover sweeps the store at boot and repairs tasks the previous process
// left behind. Pending and queued tasks simply re-enter the queue. Tasks
// caught mid-run (running, awaiting_approval, paused) count an
// interruption; the in-flight step resets so its work is re-attempted, and
// a second consecutive interruption fails the task instead of looping
// through a poisoned step forever.
func (e *Engine) Recover(ctx context.Context) error {
	active, err := e.store.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}

	var requeued, failed int
	for _, t := range active {
		switch t.Status {
		case model.TaskPending, model.TaskQueued:
			if t.Status == model.TaskPending {
				t.Status = model.TaskQueued
				if err := e.store.UpdateTask(ctx, t); err != nil {
					logging.Log(fmt.Sprintf("Error requeueing task %s: %v", t.ID, err), slog.LevelError)
					continue
				}
			}
			if _, err := e.queue.Enqueue(t.ID, t.Priority); err != nil {
				logging.Log(fmt.Sprintf("Error enqueueing task %s: %v", t.ID, err), slog.LevelError)
				continue
			}
			requeued++

		case model.TaskRunning, model.TaskAwaitingApproval, model.TaskPaused:
			t.Interrupted++
			if t.Interrupted >= 2 {
				e.failTask(ctx, t, model.NewTaskError(model.ErrRecoveryExhausted,
					"interrupted %d times at step %d", t.Interrupted, t.CurrentStepIndex+1))
				failed++
				continue
			}
			if step := t.CurrentStep(); step != nil && step.Status == model.StepRunning {
				// Re-attempt the interrupted step from scratch.
				step.Status = model.StepPending
				step.StartedAt = nil
				step.Result = nil
				step.Error = nil
			}
			t.Status = model.TaskQueued
			if err := e.store.UpdateTask(ctx, t); err != nil {
				logging.Log(fmt.Sprintf("Error resetting interrupted task %s: %v", t.ID, err), slog.LevelError)
				continue
			}
			e.hub.Publish(ctx, t.ID, model.EventWarning, map[string]any{
				"message":     "task interrupted by restart, requeued",
				"interrupted": t.Interrupted,
			})
			if _, err := e.queue.Enqueue(t.ID, t.Priority); err != nil {
				logging.Log(fmt.Sprintf("Error enqueueing recovered task %s: %v", t.ID, err), slog.LevelError)
				continue
			}
			requeued++
		}
	}

	if requeued > 0 || failed > 0 {
		logging.Log(fmt.Sprintf("Recovery: %d tasks requeued, %d failed as exhausted", requeued, failed), slog.LevelInfo)
	}
	return nil
}
