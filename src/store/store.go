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

package store

import (
	"context"
	"errors"
	"time"

	"agentworker/src/model"
)

var (
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a compare-and-swap loses — the caller's
	// expected status no longer matches the row.
	ErrConflict = errors.New("conflicting task state")
)

// HistoryFilter narrows the task history listing.
type HistoryFilter struct {
	Status  model.TaskStatus
	From    *time.Time
	To      *time.Time
	Search  string // free-text match on description
	Page    int    // 1-based
	PerPage int    // default 20
}

// HistoryPage is one page of the task history listing.
type HistoryPage struct {
	Tasks   []*model.Task `json:"tasks"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// Store is the durable source of truth for tasks, steps and the per-task
// event log. The queue holds only pointers; everything rebuildable comes
// from here.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// UpdateTask persists the full task row and its steps. Only the worker
	// holding the task's concurrency slot may call it (single-writer rule).
	UpdateTask(ctx context.Context, t *model.Task) error

	// CasStatus transitions id from one of the expected statuses to the
	// target, atomically. Returns ErrConflict when the row is in none of
	// them. Used for externally triggered transitions (cancel of a queued
	// task, pause requests racing completion).
	CasStatus(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus) (*model.Task, error)

	// SaveStep persists a single step row before the cursor advances past it.
	SaveStep(ctx context.Context, taskID string, step *model.Step) error

	// AppendEvent assigns the next per-task sequence number to ev and
	// persists it. The assigned sequence is written back into ev.
	AppendEvent(ctx context.Context, ev *model.Event) error

	// EventsSince returns up to limit events with sequence strictly greater
	// than afterSeq, in sequence order.
	EventsSince(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error)

	// ActiveTasks lists every task in a non-terminal status, ordered by
	// (priority desc, queued_at asc) for queue rebuild after restart.
	ActiveTasks(ctx context.Context) ([]*model.Task, error)

	History(ctx context.Context, f HistoryFilter) (*HistoryPage, error)
}
