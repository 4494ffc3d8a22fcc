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
	"sort"
	"strings"
	"sync"

	"agentworker/src/model"
)

// Memory is an in-process Store with the same semantics as the Postgres
// implementation. It backs tests and single-node setups that accept losing
// state on restart.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*model.Task
	events map[string][]model.Event
	seqs   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		tasks:  map[string]*model.Task{},
		events: map[string][]model.Event{},
		seqs:   map[string]int64{},
	}
}

func (m *Memory) CreateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) UpdateTask(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) CasStatus(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, s := range from {
		if t.Status == s {
			t.Status = to
			return t.Clone(), nil
		}
	}
	return nil, ErrConflict
}

func (m *Memory) SaveStep(ctx context.Context, taskID string, step *model.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	for i := range t.Steps {
		if t.Steps[i].StepNumber == step.StepNumber {
			t.Steps[i] = *step
			return nil
		}
	}
	t.Steps = append(t.Steps, *step)
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[ev.TaskID]++
	ev.Sequence = m.seqs[ev.TaskID]
	m.events[ev.TaskID] = append(m.events[ev.TaskID], *ev)
	return nil
}

func (m *Memory) EventsSince(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Event
	for _, ev := range m.events[taskID] {
		if ev.Sequence > afterSeq {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ActiveTasks(ctx context.Context) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		qi, qj := out[i].QueuedAt, out[j].QueuedAt
		if qi != nil && qj != nil && !qi.Equal(*qj) {
			return qi.Before(*qj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) History(ctx context.Context, f HistoryFilter) (*HistoryPage, error) {
	if f.PerPage <= 0 {
		f.PerPage = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	m.mu.RLock()
	var matched []*model.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.From != nil && t.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && t.CreatedAt.After(*f.To) {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(t.Description), strings.ToLower(f.Search)) {
			continue
		}
		matched = append(matched, t.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &HistoryPage{Total: len(matched), Page: f.Page, PerPage: f.PerPage}
	start := (f.Page - 1) * f.PerPage
	if start < len(matched) {
		end := start + f.PerPage
		if end > len(matched) {
			end = len(matched)
		}
		page.Tasks = matched[start:end]
	}
	return page, nil
}
