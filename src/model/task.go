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

package model

import "time"

type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskQueued           TaskStatus = "queued"
	TaskRunning          TaskStatus = "running"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskPaused           TaskStatus = "paused"
	TaskSuccess          TaskStatus = "success"
	TaskFailed           TaskStatus = "failed"
	TaskCancelled        TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status accepts no further mutation.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// allowedTransitions encodes the task state machine. Terminal statuses have
// no outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskQueued:    {},
		TaskCancelled: {},
	},
	TaskQueued: {
		TaskRunning:   {},
		TaskCancelled: {},
	},
	TaskRunning: {
		TaskAwaitingApproval: {},
		TaskPaused:           {},
		TaskSuccess:          {},
		TaskFailed:           {},
		TaskCancelled:        {},
	},
	TaskAwaitingApproval: {
		TaskRunning:   {},
		TaskPaused:    {},
		TaskFailed:    {},
		TaskCancelled: {},
	},
	TaskPaused: {
		TaskRunning:   {},
		TaskFailed:    {},
		TaskCancelled: {},
	},
}

// CanTransition reports whether moving a task from one status to another is
// legal under the state machine.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Compensation is the reverse action undoing a completed step's effect.
// Steps without one cannot be rolled back.
type Compensation struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Step is one tool invocation within a task's ordered plan.
type Step struct {
	StepNumber       int            `json:"step_number"` // 1-based, unique within task
	ToolName         string         `json:"tool_name"`
	Parameters       map[string]any `json:"parameters,omitempty"` // opaque to the engine
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Critical         bool           `json:"critical,omitempty"` // rejected approval fails the task
	Optional         bool           `json:"optional,omitempty"` // failure is skipped, not fatal
	Compensation     *Compensation  `json:"compensation,omitempty"`
	Status           StepStatus     `json:"status"`
	Result           any            `json:"result,omitempty"`
	Error            *TaskError     `json:"error,omitempty"`
	RetryCount       int            `json:"retry_count"`
	Compensated      bool           `json:"compensated,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Task is one unit of autonomous multi-step work submitted by a caller.
type Task struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id,omitempty"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	Description      string     `json:"description"`
	Priority         int        `json:"priority"` // higher = scheduled sooner
	Status           TaskStatus `json:"status"`
	Steps            []Step     `json:"steps"` // append-only once execution starts
	CurrentStepIndex int        `json:"current_step_index"`
	Interrupted      int        `json:"interrupted,omitempty"` // consecutive crash recoveries
	Error            *TaskError `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	QueuedAt         *time.Time `json:"queued_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RollbackDeadline *time.Time `json:"rollback_deadline,omitempty"`
}

// CurrentStep returns the step the cursor points at, or nil when the plan is
// exhausted.
func (t *Task) CurrentStep() *Step {
	if t.CurrentStepIndex < 0 || t.CurrentStepIndex >= len(t.Steps) {
		return nil
	}
	return &t.Steps[t.CurrentStepIndex]
}

// Clone returns a deep copy so concurrent readers never alias the
// single-writer's working copy.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Steps = make([]Step, len(t.Steps))
	copy(cp.Steps, t.Steps)
	for i := range cp.Steps {
		cp.Steps[i].Parameters = cloneParams(cp.Steps[i].Parameters)
		if c := cp.Steps[i].Compensation; c != nil {
			cc := *c
			cc.Parameters = cloneParams(cc.Parameters)
			cp.Steps[i].Compensation = &cc
		}
		if e := cp.Steps[i].Error; e != nil {
			cp.Steps[i].Error = e.clonePtr()
		}
		cp.Steps[i].StartedAt = cloneTime(cp.Steps[i].StartedAt)
		cp.Steps[i].CompletedAt = cloneTime(cp.Steps[i].CompletedAt)
	}
	if t.Error != nil {
		cp.Error = t.Error.clonePtr()
	}
	cp.QueuedAt = cloneTime(t.QueuedAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.RollbackDeadline = cloneTime(t.RollbackDeadline)
	return &cp
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	c := *ts
	return &c
}

// QueueEntry pairs a task id with its scheduling key. The queue never holds
// task content; only this pointer.
type QueueEntry struct {
	TaskID     string    `json:"task_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
