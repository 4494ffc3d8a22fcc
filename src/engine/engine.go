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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentworker/src/events"
	"agentworker/src/logging"
	"agentworker/src/model"
	"agentworker/src/scheduler"
	"agentworker/src/store"
	"agentworker/src/tools"
)

var (
	// ErrInvalidState signals an operation against a task whose status does
	// not permit it (API maps it to 409).
	ErrInvalidState = errors.New("invalid task state for this operation")

	// ErrUnknownApproval signals an absent or already consumed approval id.
	ErrUnknownApproval = errors.New("unknown or already consumed approval")

	// ErrRollbackExpired signals a rollback request past the deadline.
	ErrRollbackExpired = errors.New("rollback deadline has passed")

	// ErrMissingCompensation signals a rollback range containing a step
	// with no compensating action. Rollback fails closed.
	ErrMissingCompensation = errors.New("step has no compensation defined")
)

// PauseTimeoutAction decides what happens when a pause outlives its budget.
type PauseTimeoutAction string

const (
	PauseTimeoutResume PauseTimeoutAction = "resume"
	PauseTimeoutCancel PauseTimeoutAction = "cancel"
)

// PressureSink receives resource-error signals so admission can tighten.
// scheduler.Manager satisfies it.
type PressureSink interface {
	NotePressure()
}

// Config tunes the per-task state machine.
type Config struct {
	ToolTimeout        time.Duration // default bound per adapter call
	ApprovalTimeout    time.Duration // unresolved past this = rejection
	PauseTimeout       time.Duration
	PauseAction        PauseTimeoutAction
	MaxRetries         int           // transient retries per step
	RetryBase          time.Duration // exponential backoff base
	CancelGrace        time.Duration // wait for in-flight calls on cancel
	RollbackWindow     time.Duration // rollback offered this long after completion
}

func (c *Config) defaults() {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 5 * time.Minute
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = 30 * time.Minute
	}
	if c.PauseAction == "" {
		c.PauseAction = PauseTimeoutResume
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.RollbackWindow <= 0 {
		c.RollbackWindow = 24 * time.Hour
	}
}

// Enqueuer is the queue surface the engine needs for cancellation and crash
// recovery. queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(taskID string, priority int) (int, error)
	Remove(taskID string) (bool, error)
}

// Engine walks each admitted task's step plan: one worker per task, steps
// strictly sequential, every transition persisted before the cursor moves.
type Engine struct {
	store    store.Store
	queue    Enqueuer
	hub      *events.Hub
	registry *tools.Registry
	pressure PressureSink
	cfg      Config

	gate     *Gate
	controls *controlTable
}

func New(st store.Store, q Enqueuer, hub *events.Hub, reg *tools.Registry, pressure PressureSink, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		store:    st,
		queue:    q,
		hub:      hub,
		registry: reg,
		pressure: pressure,
		cfg:      cfg,
		gate:     NewGate(),
		controls: newControlTable(),
	}
}

// Gate exposes the approval gate for the API layer.
func (e *Engine) Gate() *Gate { return e.gate }

// Run drives one task to a terminal status. It implements
// scheduler.Runner; the caller owns the concurrency slot and releases it
// after Run returns.
func (e *Engine) Run(ctx context.Context, taskID string, slot *scheduler.Slot) model.TaskStatus {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		logging.Log(fmt.Sprintf("Error loading task %s: %v", taskID, err), slog.LevelError)
		return model.TaskFailed
	}
	if t.Status.IsTerminal() {
		// Cancelled while queued; nothing to do.
		return t.Status
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl := e.controls.register(taskID, cancel)
	defer e.controls.unregister(taskID)

	if t.Status == model.TaskQueued {
		// Claim the task by CAS so a cancel landing between the load above
		// and this point wins instead of being overwritten.
		claimed, err := e.store.CasStatus(taskCtx, t.ID,
			[]model.TaskStatus{model.TaskQueued}, model.TaskRunning)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				if cur, gerr := e.store.GetTask(taskCtx, t.ID); gerr == nil {
					return cur.Status
				}
				return model.TaskCancelled
			}
			logging.Log(fmt.Sprintf("Error marking task %s running: %v", taskID, err), slog.LevelError)
			return model.TaskFailed
		}
		t = claimed
		now := time.Now().UTC()
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		if err := e.store.UpdateTask(taskCtx, t); err != nil {
			logging.Log(fmt.Sprintf("Error marking task %s running: %v", taskID, err), slog.LevelError)
			return model.TaskFailed
		}
		e.publishStatus(taskCtx, t)
	}

	logging.Log(fmt.Sprintf("Processing task: %s (%d steps)", t.ID, len(t.Steps)), slog.LevelInfo)

	for t.CurrentStepIndex < len(t.Steps) {
		if stop, st := e.checkpoint(taskCtx, t, ctl, slot); stop {
			return st
		}

		step := &t.Steps[t.CurrentStepIndex]
		if step.Status == model.StepCompleted || step.Status == model.StepSkipped {
			// Already settled (crash recovery replays the cursor).
			e.advanceCursor(taskCtx, t)
			continue
		}

		params := step.Parameters
		if step.RequiresApproval {
			decision, modified, stop, st := e.awaitApproval(taskCtx, t, ctl, step)
			if stop {
				return st
			}
			switch decision {
			case model.DecisionApproved:
				// proceed with the planned parameters
			case model.DecisionModified:
				params = modified
			case model.DecisionRejected:
				e.settleStep(taskCtx, t, step, model.StepSkipped, nil, nil)
				if step.Critical {
					return e.failTask(taskCtx, t, model.NewTaskError(model.ErrLogic,
						"approval rejected for critical step %d", step.StepNumber))
				}
				e.advanceCursor(taskCtx, t)
				continue
			}
			// Pause may have been requested while awaiting approval.
			if stop, st := e.checkpoint(taskCtx, t, ctl, slot); stop {
				return st
			}
		}

		if te := e.runStep(taskCtx, t, step, params); te != nil {
			if ctl.cancelled.Load() {
				return e.cancelTask(context.WithoutCancel(taskCtx), t)
			}
			if taskCtx.Err() != nil {
				return t.Status // shutdown mid-step; recovery re-attempts it
			}
			if step.Optional {
				// Non-critical tool failure: bounded blast radius.
				e.settleStep(taskCtx, t, step, model.StepSkipped, nil, te)
				e.hub.Publish(taskCtx, t.ID, model.EventWarning, map[string]any{
					"step":       step.StepNumber,
					"error_kind": te.Kind,
					"message":    "optional step failed, skipping",
				})
				e.advanceCursor(taskCtx, t)
				continue
			}
			return e.failTask(taskCtx, t, te)
		}

		// First completed step after an interrupted run clears the
		// consecutive-interruption counter.
		t.Interrupted = 0
		e.advanceCursor(taskCtx, t)
	}

	return e.completeTask(taskCtx, t)
}

// advanceCursor persists step N's effects before step N+1 can begin.
func (e *Engine) advanceCursor(ctx context.Context, t *model.Task) {
	t.CurrentStepIndex++
	if err := e.store.UpdateTask(ctx, t); err != nil {
		logging.Log(fmt.Sprintf("Error persisting cursor for task %s: %v", t.ID, err), slog.LevelError)
	}
}

// checkpoint is evaluated between steps and before each adapter call. It
// handles cancellation and pause; other tasks' workers are never blocked.
func (e *Engine) checkpoint(ctx context.Context, t *model.Task, ctl *control, slot *scheduler.Slot) (bool, model.TaskStatus) {
	if ctl.cancelled.Load() {
		return true, e.cancelTask(context.WithoutCancel(ctx), t)
	}
	if ctx.Err() != nil {
		// Process shutdown, not a user cancel: leave the row as-is so the
		// restart recovery sweep re-queues it as an interrupted run.
		return true, t.Status
	}
	if !ctl.isPaused() {
		return false, ""
	}

	// Frozen cursor; the slot stays occupied but is reported idle. The
	// worker's own step-cursor write may have landed after the pause CAS,
	// so the paused status is re-asserted here before parking.
	if t.Status != model.TaskPaused {
		t.Status = model.TaskPaused
		if err := e.store.UpdateTask(ctx, t); err != nil {
			logging.Log(fmt.Sprintf("Error persisting pause for task %s: %v", t.ID, err), slog.LevelError)
		}
	}
	if slot != nil {
		slot.SetIdle(true)
		defer slot.SetIdle(false)
	}
	timer := time.NewTimer(e.cfg.PauseTimeout)
	defer timer.Stop()
	select {
	case <-ctl.resumed():
	case <-timer.C:
		if e.cfg.PauseAction == PauseTimeoutCancel {
			logging.Log(fmt.Sprintf("Pause timeout for task %s, cancelling", t.ID), slog.LevelWarn)
			ctl.forceResume()
			return true, e.cancelTask(context.WithoutCancel(ctx), t)
		}
		logging.Log(fmt.Sprintf("Pause timeout for task %s, auto-resuming", t.ID), slog.LevelWarn)
		ctl.forceResume()
	case <-ctx.Done():
		if ctl.cancelled.Load() {
			return true, e.cancelTask(context.WithoutCancel(ctx), t)
		}
		return true, t.Status
	}

	// A cancel wakes the pause wait through forceResume; observe it before
	// touching the status.
	if ctl.cancelled.Load() {
		return true, e.cancelTask(context.WithoutCancel(ctx), t)
	}

	loaded, err := e.store.CasStatus(ctx, t.ID, []model.TaskStatus{model.TaskPaused}, model.TaskRunning)
	if err == nil {
		t.Status = loaded.Status
	}
	e.hub.Publish(ctx, t.ID, model.EventResumed, map[string]any{"step": t.CurrentStepIndex + 1})
	e.publishStatus(ctx, t)
	return false, ""
}

func (e *Engine) completeTask(ctx context.Context, t *model.Task) model.TaskStatus {
	now := time.Now().UTC()
	t.Status = model.TaskSuccess
	t.CompletedAt = &now
	t.Interrupted = 0
	for i := range t.Steps {
		if t.Steps[i].Status == model.StepCompleted && t.Steps[i].Compensation != nil {
			d := now.Add(e.cfg.RollbackWindow)
			t.RollbackDeadline = &d
			break
		}
	}
	if err := e.store.UpdateTask(ctx, t); err != nil {
		logging.Log(fmt.Sprintf("Error completing task %s: %v", t.ID, err), slog.LevelError)
	}
	e.hub.Publish(ctx, t.ID, model.EventCompleted, map[string]any{"steps": len(t.Steps)})
	e.publishStatus(ctx, t)
	logging.Log(fmt.Sprintf("Task %s completed successfully", t.ID), slog.LevelInfo)
	return t.Status
}

func (e *Engine) failTask(ctx context.Context, t *model.Task, te *model.TaskError) model.TaskStatus {
	now := time.Now().UTC()
	t.Status = model.TaskFailed
	t.Error = te
	t.CompletedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		logging.Log(fmt.Sprintf("Error persisting failure for task %s: %v", t.ID, err), slog.LevelError)
	}
	e.hub.Publish(ctx, t.ID, model.EventError, map[string]any{
		"error_kind": te.Kind,
		"message":    te.Message,
	})
	e.publishStatus(ctx, t)
	logging.Log(fmt.Sprintf("Task %s failed: %v", t.ID, te), slog.LevelError)
	return t.Status
}

func (e *Engine) cancelTask(ctx context.Context, t *model.Task) model.TaskStatus {
	now := time.Now().UTC()
	for i := t.CurrentStepIndex; i < len(t.Steps); i++ {
		if t.Steps[i].Status == model.StepPending || t.Steps[i].Status == model.StepRunning {
			t.Steps[i].Status = model.StepSkipped
		}
	}
	t.Status = model.TaskCancelled
	t.CompletedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		logging.Log(fmt.Sprintf("Error persisting cancellation for task %s: %v", t.ID, err), slog.LevelError)
	}
	e.hub.Publish(ctx, t.ID, model.EventCancelled, nil)
	e.publishStatus(ctx, t)
	return t.Status
}

// settleStep records a step's single terminal transition.
func (e *Engine) settleStep(ctx context.Context, t *model.Task, step *model.Step, status model.StepStatus, result any, te *model.TaskError) {
	now := time.Now().UTC()
	step.Status = status
	step.Result = result
	step.Error = te
	step.CompletedAt = &now
	if err := e.store.SaveStep(ctx, t.ID, step); err != nil {
		logging.Log(fmt.Sprintf("Error persisting step %d of task %s: %v", step.StepNumber, t.ID, err), slog.LevelError)
	}
}

func (e *Engine) publishStatus(ctx context.Context, t *model.Task) {
	e.hub.Publish(ctx, t.ID, model.EventStatusChange, map[string]any{"status": t.Status})
}
