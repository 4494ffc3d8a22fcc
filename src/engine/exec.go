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
	"math/rand"
	"time"

	"agentworker/src/logging"
	"agentworker/src/model"
	"agentworker/src/tools"
)

// runStep executes one step through its adapter, applying the error
// taxonomy: transient errors retry with exponential backoff, permission
// errors get one credential-refresh retry, resource errors get one degraded
// retry and tighten admission, configuration and logic errors fail
// immediately. Returns nil when the step completed (or was already
// settled).
func (e *Engine) runStep(ctx context.Context, t *model.Task, step *model.Step, params map[string]any) *model.TaskError {
	adapter, ok := e.registry.Get(step.ToolName)
	if !ok {
		te := model.NewTaskError(model.ErrConfiguration, "unknown tool: %s", step.ToolName)
		e.settleStep(ctx, t, step, model.StepFailed, nil, te)
		return te
	}
	if err := e.registry.Allow(step.ToolName); err != nil {
		// Circuit open: fail fast, do not burn retries against a tool that
		// is known down.
		te := model.WrapError(model.ErrResource, err)
		e.settleStep(ctx, t, step, model.StepFailed, nil, te)
		e.publishStepError(ctx, t, step, te)
		return te
	}
	if err := adapter.Validate(params); err != nil {
		te := model.WrapError(model.ErrConfiguration, err)
		e.settleStep(ctx, t, step, model.StepFailed, nil, te)
		e.publishStepError(ctx, t, step, te)
		return te
	}

	now := time.Now().UTC()
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.Status = model.StepRunning
	if err := e.store.SaveStep(ctx, t.ID, step); err != nil {
		logging.Log(fmt.Sprintf("Error persisting step %d of task %s: %v", step.StepNumber, t.ID, err), slog.LevelError)
	}
	e.hub.Publish(ctx, t.ID, model.EventStepStart, map[string]any{
		"step": step.StepNumber,
		"tool": step.ToolName,
	})

	var (
		permRetried bool
		degraded    bool
	)
	for {
		result, err := e.invoke(ctx, adapter, params, degraded)
		if err == nil {
			e.settleStep(ctx, t, step, model.StepCompleted, result, nil)
			e.hub.Publish(ctx, t.ID, model.EventStepComplete, map[string]any{
				"step": step.StepNumber,
				"tool": step.ToolName,
			})
			return nil
		}
		if ctx.Err() != nil {
			// Cancelled or shut down mid-call; the result is discarded and
			// no compensation runs for an uncompleted step.
			return model.WrapError(model.ErrTransient, ctx.Err())
		}

		te := model.Classify(err)
		switch te.Kind {
		case model.ErrTransient:
			if step.RetryCount < e.cfg.MaxRetries {
				step.RetryCount++
				if serr := e.store.SaveStep(ctx, t.ID, step); serr != nil {
					logging.Log(fmt.Sprintf("Error persisting retry count: %v", serr), slog.LevelError)
				}
				// Mid-retry the task stays "running"; the UI sees a warning,
				// not a failure.
				e.hub.Publish(ctx, t.ID, model.EventWarning, map[string]any{
					"step":       step.StepNumber,
					"retry":      step.RetryCount,
					"error_kind": te.Kind,
					"message":    te.Message,
				})
				if !e.backoff(ctx, step.RetryCount) {
					return model.WrapError(model.ErrTransient, ctx.Err())
				}
				continue
			}
		case model.ErrPermission:
			if refresher, ok := adapter.(tools.CredentialRefresher); ok && !permRetried {
				permRetried = true
				if rerr := refresher.RefreshCredentials(ctx); rerr == nil {
					continue
				}
			}
		case model.ErrResource:
			if e.pressure != nil {
				e.pressure.NotePressure()
			}
			if _, ok := adapter.(tools.DegradedExecutor); ok && !degraded {
				degraded = true
				continue
			}
		case model.ErrConfiguration, model.ErrLogic:
			// No automatic remediation.
		}

		e.settleStep(ctx, t, step, model.StepFailed, nil, te)
		e.publishStepError(ctx, t, step, te)
		return te
	}
}

// invoke runs one adapter call under the per-tool timeout. On external
// cancellation the in-flight call gets a grace period before being
// abandoned.
func (e *Engine) invoke(ctx context.Context, adapter tools.Adapter, params map[string]any, degraded bool) (any, error) {
	timeout := e.cfg.ToolTimeout
	if est := adapter.EstimatedDuration(params); est > 0 {
		timeout = est
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		var v any
		var err error
		if degraded {
			v, err = adapter.(tools.DegradedExecutor).ExecuteDegraded(callCtx, params)
		} else {
			v, err = adapter.Execute(callCtx, params)
		}
		done <- callResult{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		// Grace period for the in-flight call to notice callCtx.
		grace := time.NewTimer(e.cfg.CancelGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
		}
		return nil, ctx.Err()
	}
}

// backoff sleeps for base * 2^(attempt-1) with jitter. Returns false when
// the context expired instead.
func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	d := e.cfg.RetryBase * time.Duration(1<<uint(attempt-1))
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) publishStepError(ctx context.Context, t *model.Task, step *model.Step, te *model.TaskError) {
	e.hub.Publish(ctx, t.ID, model.EventError, map[string]any{
		"step":       step.StepNumber,
		"error_kind": te.Kind,
		"message":    te.Message,
	})
}
