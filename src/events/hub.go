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

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentworker/src/logging"
	"agentworker/src/model"
)

// Log is the durable side of the hub: every event is appended before fan-out
// so reconnecting subscribers can replay past the in-memory buffer.
// store.Store satisfies it.
type Log interface {
	AppendEvent(ctx context.Context, ev *model.Event) error
	EventsSince(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error)
}

type subscriber chan model.Event

type taskStream struct {
	buffer []model.Event // ring of the last bufferSize events
	subs   map[subscriber]struct{}
}

// Hub fans out per-task events to subscribers. Delivery is at-least-once:
// a slow subscriber may drop live events, but reconnecting with the last
// seen sequence replays the gap from the buffer or the durable log.
type Hub struct {
	log        Log
	bufferSize int

	mu      sync.RWMutex
	streams map[string]*taskStream
}

func NewHub(log Log, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{log: log, bufferSize: bufferSize, streams: map[string]*taskStream{}}
}

// Publish persists the event, assigns its sequence, and fans it out without
// blocking on any subscriber.
func (h *Hub) Publish(ctx context.Context, taskID string, typ model.EventType, payload map[string]any) {
	ev := model.Event{
		TaskID:    taskID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := h.log.AppendEvent(ctx, &ev); err != nil {
		logging.Log(fmt.Sprintf("Error persisting event for task %s: %v", taskID, err), slog.LevelError)
		return
	}

	h.mu.Lock()
	st := h.streams[taskID]
	if st == nil {
		st = &taskStream{subs: map[subscriber]struct{}{}}
		h.streams[taskID] = st
	}
	st.buffer = append(st.buffer, ev)
	if len(st.buffer) > h.bufferSize {
		st.buffer = st.buffer[len(st.buffer)-h.bufferSize:]
	}
	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
			// Dropped; the subscriber heals via sequence-gap replay.
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a stream of this task's events with sequence strictly
// greater than lastSeen, replaying history first and then following live.
// Call the returned func to unsubscribe.
func (h *Hub) Subscribe(ctx context.Context, taskID string, lastSeen int64) (<-chan model.Event, func()) {
	live := make(subscriber, 64)

	h.mu.Lock()
	st := h.streams[taskID]
	if st == nil {
		st = &taskStream{subs: map[subscriber]struct{}{}}
		h.streams[taskID] = st
	}

	// Snapshot the replay under the lock so nothing published after the
	// snapshot is missed: it lands in live. Events in both are de-duplicated
	// by sequence below.
	var replay []model.Event
	fromBuffer := len(st.buffer) > 0 && st.buffer[0].Sequence <= lastSeen+1
	if fromBuffer {
		for _, ev := range st.buffer {
			if ev.Sequence > lastSeen {
				replay = append(replay, ev)
			}
		}
	}
	st.subs[live] = struct{}{}
	h.mu.Unlock()

	if !fromBuffer {
		stored, err := h.log.EventsSince(ctx, taskID, lastSeen, 0)
		if err != nil {
			logging.Log(fmt.Sprintf("Error replaying events for task %s: %v", taskID, err), slog.LevelError)
		} else {
			replay = stored
		}
	}

	out := make(chan model.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		next := lastSeen + 1
		for _, ev := range replay {
			if ev.Sequence < next {
				continue
			}
			select {
			case out <- ev:
				next = ev.Sequence + 1
			case <-done:
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Sequence < next {
					continue // duplicate of the replay
				}
				if ev.Sequence > next {
					// Gap from a dropped live event; refill from the log.
					missed, err := h.log.EventsSince(ctx, taskID, next-1, 0)
					if err == nil {
						for _, mev := range missed {
							if mev.Sequence < next || mev.Sequence > ev.Sequence {
								continue
							}
							select {
							case out <- mev:
								next = mev.Sequence + 1
							case <-done:
								return
							}
						}
						continue
					}
				}
				select {
				case out <- ev:
					next = ev.Sequence + 1
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	unsubscribe := func() {
		h.mu.Lock()
		if st, ok := h.streams[taskID]; ok {
			delete(st.subs, live)
		}
		h.mu.Unlock()
		close(done)
	}
	return out, unsubscribe
}
