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

// EventType tags a broadcast event variant.
type EventType string

const (
	EventStatusChange    EventType = "status_change"
	EventStepStart       EventType = "step_start"
	EventStepProgress    EventType = "step_progress"
	EventStepComplete    EventType = "step_complete"
	EventError           EventType = "error"
	EventWarning         EventType = "warning"
	EventApprovalRequest EventType = "approval_request"
	EventPaused          EventType = "paused"
	EventResumed         EventType = "resumed"
	EventCompleted       EventType = "completed"
	EventCancelled       EventType = "cancelled"
	EventQueueUpdate     EventType = "queue_update"
)

// Event is one entry in a task's push stream. Sequence increases
// monotonically per task; subscribers de-duplicate by it on reconnect.
type Event struct {
	TaskID    string         `json:"task_id"`
	Sequence  int64          `json:"sequence"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ApprovalDecision is the external resolution of an ApprovalRequest.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
	DecisionModified ApprovalDecision = "modified"
)

// ApprovalRequest is emitted when the engine reaches a gated step. It is
// resolved by an external decision or by timeout (treated as rejection) and
// consumed exactly once.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	StepNumber int            `json:"step_number"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}
