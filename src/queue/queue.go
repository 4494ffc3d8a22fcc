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

package queue

import (
	"container/heap"
	"sync"
	"time"

	"agentworker/src/model"
)

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Depth     int            `json:"depth"`
	Positions map[string]int `json:"positions"` // taskID -> 1-based position
}

// Queue is the priority-ordered holding area for tasks awaiting a worker
// slot. Ordering is (priority desc, enqueuedAt asc); entries are pointers,
// never task content.
type Queue interface {
	// Enqueue adds the task and returns its 1-based position.
	Enqueue(taskID string, priority int) (int, error)
	// DequeueNext pops the highest-priority entry, FIFO within a band.
	DequeueNext() (string, bool, error)
	// Reposition changes an entry's priority without touching its enqueue
	// time, so fairness history is kept.
	Reposition(taskID string, newPriority int) error
	// Remove is idempotent; removing an absent task is a no-op.
	Remove(taskID string) (bool, error)
	Status() (*Status, error)
	// Wake is signalled after local enqueues so the dispatcher can skip the
	// polling interval.
	Wake() <-chan struct{}
}

type memEntry struct {
	model.QueueEntry
	seq   int64 // tiebreak for identical enqueue times
	index int
}

type memHeap []*memEntry

func (h memHeap) Len() int { return len(h) }

func (h memHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h memHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *memHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *memHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Memory is an in-process Queue. Durability comes from the store: the
// dispatcher rebuilds it from ActiveTasks at boot, so losing the heap on
// restart loses nothing.
type Memory struct {
	mu      sync.Mutex
	entries memHeap
	byTask  map[string]*memEntry
	nextSeq int64
	wake    chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		byTask: map[string]*memEntry{},
		wake:   make(chan struct{}, 1),
	}
}

func (q *Memory) Enqueue(taskID string, priority int) (int, error) {
	q.mu.Lock()
	if e, ok := q.byTask[taskID]; ok {
		// Re-enqueue of a known task updates priority only.
		e.Priority = priority
		heap.Fix(&q.entries, e.index)
		pos := q.positionLocked(taskID)
		q.mu.Unlock()
		q.signal()
		return pos, nil
	}
	e := &memEntry{
		QueueEntry: model.QueueEntry{TaskID: taskID, Priority: priority, EnqueuedAt: time.Now().UTC()},
		seq:        q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.entries, e)
	q.byTask[taskID] = e
	pos := q.positionLocked(taskID)
	q.mu.Unlock()
	q.signal()
	return pos, nil
}

func (q *Memory) DequeueNext() (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries.Len() == 0 {
		return "", false, nil
	}
	e := heap.Pop(&q.entries).(*memEntry)
	delete(q.byTask, e.TaskID)
	return e.TaskID, true, nil
}

func (q *Memory) Reposition(taskID string, newPriority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byTask[taskID]
	if !ok {
		return nil
	}
	e.Priority = newPriority
	heap.Fix(&q.entries, e.index)
	return nil
}

func (q *Memory) Remove(taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byTask[taskID]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.entries, e.index)
	delete(q.byTask, taskID)
	return true, nil
}

func (q *Memory) Status() (*Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := &Status{Depth: q.entries.Len(), Positions: make(map[string]int, q.entries.Len())}
	for id := range q.byTask {
		st.Positions[id] = q.positionLocked(id)
	}
	return st, nil
}

func (q *Memory) Wake() <-chan struct{} { return q.wake }

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// positionLocked counts entries ordered ahead of taskID. O(n), only used for
// snapshots and enqueue acknowledgements.
func (q *Memory) positionLocked(taskID string) int {
	target, ok := q.byTask[taskID]
	if !ok {
		return 0
	}
	pos := 1
	for _, e := range q.entries {
		if e.TaskID == taskID {
			continue
		}
		if e.Priority > target.Priority ||
			(e.Priority == target.Priority && e.EnqueuedAt.Before(target.EnqueuedAt)) ||
			(e.Priority == target.Priority && e.EnqueuedAt.Equal(target.EnqueuedAt) && e.seq < target.seq) {
			pos++
		}
	}
	return pos
}
