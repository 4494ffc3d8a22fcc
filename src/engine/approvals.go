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
	"sync"
	"time"

	"github.com/google/uuid"

	"agentworker/src/logging"
	"agentworker/src/model"
)

// resolution is what the API hands back for a pending approval.
type resolution struct {
	decision model.ApprovalDecision
	params   map[string]any
}

type pendingApproval struct {
	req model.ApprovalRequest
	ch  chan resolution
}

// Gate holds approval requests in flight between a blocked worker and the
// API. Each request is resolvable exactly once; a second resolution (or one
// against an expired request) gets ErrUnknownApproval.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval // keyed by approval id
}

func NewGate() *Gate {
	return &Gate{pending: make(map[string]*pendingApproval)}
}

func (g *Gate) create(req model.ApprovalRequest) *pendingApproval {
	p := &pendingApproval{req: req, ch: make(chan resolution, 1)}
	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()
	return p
}

// Resolve consumes the pending request. The worker blocked on it observes
// the decision; params carry the substituted parameters for
// DecisionModified and are ignored otherwise.
func (g *Gate) Resolve(approvalID string, decision model.ApprovalDecision, params map[string]any) error {
	g.mu.Lock()
	p, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}
	// Past ExpiresAt the worker has already taken the timeout branch; a
	// late decision must not report success.
	if time.Now().UTC().After(p.req.ExpiresAt) {
		return ErrUnknownApproval
	}
	p.ch <- resolution{decision: decision, params: params}
	return nil
}

// expire withdraws a request the worker stopped waiting on.
func (g *Gate) expire(approvalID string) {
	g.mu.Lock()
	delete(g.pending, approvalID)
	g.mu.Unlock()
}

// PendingForTask returns the open approval request for a task, if any.
func (g *Gate) PendingForTask(taskID string) (model.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.pending {
		if p.req.TaskID == taskID {
			return p.req, true
		}
	}
	return model.ApprovalRequest{}, false
}

// awaitApproval parks the task in awaiting_approval until the gate resolves
// or the approval window lapses (a lapse counts as rejection). The returned
// stop/status pair mirrors checkpoint: stop means Run must exit with that
// status.
func (e *Engine) awaitApproval(ctx context.Context, t *model.Task, ctl *control, step *model.Step) (model.ApprovalDecision, map[string]any, bool, model.TaskStatus) {
	now := time.Now().UTC()
	req := model.ApprovalRequest{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		StepNumber: step.StepNumber,
		Parameters: step.Parameters,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.ApprovalTimeout),
	}
	p := e.gate.create(req)
	defer e.gate.expire(req.ID)

	t.Status = model.TaskAwaitingApproval
	if err := e.store.UpdateTask(ctx, t); err != nil {
		logging.Log(fmt.Sprintf("Error parking task %s for approval: %v", t.ID, err), slog.LevelError)
	}
	e.hub.Publish(ctx, t.ID, model.EventApprovalRequest, map[string]any{
		"approval_id": req.ID,
		"step":        step.StepNumber,
		"tool":        step.ToolName,
		"parameters":  step.Parameters,
		"expires_at":  req.ExpiresAt,
	})
	e.publishStatus(ctx, t)
	logging.Log(fmt.Sprintf("Task %s awaiting approval for step %d (%s)", t.ID, step.StepNumber, step.ToolName), slog.LevelInfo)

	timer := time.NewTimer(e.cfg.ApprovalTimeout)
	defer timer.Stop()

	var res resolution
	select {
	case res = <-p.ch:
	case <-timer.C:
		logging.Log(fmt.Sprintf("Approval for task %s step %d expired, treating as rejection", t.ID, step.StepNumber), slog.LevelWarn)
		res = resolution{decision: model.DecisionRejected}
	case <-ctx.Done():
		if ctl.cancelled.Load() {
			return "", nil, true, e.cancelTask(context.WithoutCancel(ctx), t)
		}
		return "", nil, true, t.Status
	}

	if ctl.cancelled.Load() {
		return "", nil, true, e.cancelTask(context.WithoutCancel(ctx), t)
	}

	// Back to running unless a pause arrived while we waited; checkpoint
	// handles the paused case right after.
	if !ctl.isPaused() {
		t.Status = model.TaskRunning
		if err := e.store.UpdateTask(ctx, t); err != nil {
			logging.Log(fmt.Sprintf("Error resuming task %s after approval: %v", t.ID, err), slog.LevelError)
		}
		e.publishStatus(ctx, t)
	}
	return res.decision, res.params, false, ""
}
