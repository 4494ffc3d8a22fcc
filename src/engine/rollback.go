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
	"time"

	"agentworker/src/logging"
	"agentworker/src/model"
)

// Rollback undoes the effects of a finished task back to (but not
// including) toStepNumber by running compensations in reverse completion
// order. It fails closed: if any step in the range lacks a compensation,
// nothing runs.
func (e *Engine) Rollback(ctx context.Context, taskID string, toStepNumber int) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != model.TaskSuccess && t.Status != model.TaskFailed {
		return ErrInvalidState
	}
	if t.RollbackDeadline == nil || time.Now().UTC().After(*t.RollbackDeadline) {
		return ErrRollbackExpired
	}

	// Completed steps after the target, newest first.
	var targets []*model.Step
	for i := len(t.Steps) - 1; i >= 0; i-- {
		s := &t.Steps[i]
		if s.StepNumber <= toStepNumber {
			break
		}
		if s.Status != model.StepCompleted || s.Compensated {
			continue
		}
		targets = append(targets, s)
	}
	if len(targets) == 0 {
		return nil
	}
	for _, s := range targets {
		if s.Compensation == nil {
			return fmt.Errorf("%w: step %d (%s)", ErrMissingCompensation, s.StepNumber, s.ToolName)
		}
	}

	logging.Log(fmt.Sprintf("Rolling back task %s to step %d (%d compensations)", t.ID, toStepNumber, len(targets)), slog.LevelInfo)
	for _, s := range targets {
		adapter, ok := e.registry.Get(s.Compensation.ToolName)
		if !ok {
			return model.NewTaskError(model.ErrConfiguration, "unknown compensation tool: %s", s.Compensation.ToolName)
		}
		e.hub.Publish(ctx, t.ID, model.EventStepProgress, map[string]any{
			"step":  s.StepNumber,
			"phase": "rollback",
			"tool":  s.Compensation.ToolName,
		})
		if _, err := e.invoke(ctx, adapter, s.Compensation.Parameters, false); err != nil {
			// Partial rollback: everything compensated so far stays marked.
			e.hub.Publish(ctx, t.ID, model.EventError, map[string]any{
				"step":       s.StepNumber,
				"phase":      "rollback",
				"error_kind": model.KindOf(err),
				"message":    err.Error(),
			})
			return fmt.Errorf("compensation for step %d failed: %w", s.StepNumber, err)
		}
		s.Compensated = true
		if serr := e.store.SaveStep(ctx, t.ID, s); serr != nil {
			logging.Log(fmt.Sprintf("Error persisting compensation for task %s step %d: %v", t.ID, s.StepNumber, serr), slog.LevelError)
		}
		e.hub.Publish(ctx, t.ID, model.EventStepProgress, map[string]any{
			"step":  s.StepNumber,
			"phase": "rolled_back",
		})
	}
	return nil
}
