package events

import (
	"context"
	"testing"
	"time"

	"agentworker/src/model"
	"agentworker/src/store"
)

func collect(t *testing.T, ch <-chan model.Event, n int) []model.Event {
	t.Helper()
	var out []model.Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishAssignsMonotonicSequences(t *testing.T) {
	hub := NewHub(store.NewMemory(), 16)
	ctx := context.Background()

	ch, cancel := hub.Subscribe(ctx, "t1", 0)
	defer cancel()

	hub.Publish(ctx, "t1", model.EventStepStart, map[string]any{"step": 1})
	hub.Publish(ctx, "t1", model.EventStepComplete, map[string]any{"step": 1})
	hub.Publish(ctx, "t1", model.EventCompleted, nil)

	evs := collect(t, ch, 3)
	for i, ev := range evs {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
	}
	if evs[0].Type != model.EventStepStart || evs[2].Type != model.EventCompleted {
		t.Errorf("order broken: %s ... %s", evs[0].Type, evs[2].Type)
	}
}

func TestReplayFromBuffer(t *testing.T) {
	hub := NewHub(store.NewMemory(), 16)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		hub.Publish(ctx, "t1", model.EventStepProgress, map[string]any{"i": i})
	}

	// Reconnect having seen up to sequence 2.
	ch, cancel := hub.Subscribe(ctx, "t1", 2)
	defer cancel()

	evs := collect(t, ch, 3)
	if evs[0].Sequence != 3 || evs[2].Sequence != 5 {
		t.Errorf("replay = %d..%d, want 3..5", evs[0].Sequence, evs[2].Sequence)
	}
}

func TestReplayFromDurableLog(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// Buffer of 2 only retains the newest events; older ones must come from
	// the log.
	hub := NewHub(st, 2)
	for i := 0; i < 6; i++ {
		hub.Publish(ctx, "t1", model.EventStepProgress, nil)
	}

	ch, cancel := hub.Subscribe(ctx, "t1", 0)
	defer cancel()

	evs := collect(t, ch, 6)
	for i, ev := range evs {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("replay gap: position %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestLiveAfterReplayNoDuplicates(t *testing.T) {
	hub := NewHub(store.NewMemory(), 16)
	ctx := context.Background()

	hub.Publish(ctx, "t1", model.EventStepStart, nil)
	hub.Publish(ctx, "t1", model.EventStepComplete, nil)

	ch, cancel := hub.Subscribe(ctx, "t1", 0)
	defer cancel()

	hub.Publish(ctx, "t1", model.EventCompleted, nil)

	evs := collect(t, ch, 3)
	seen := map[int64]bool{}
	for _, ev := range evs {
		if seen[ev.Sequence] {
			t.Fatalf("duplicate sequence %d", ev.Sequence)
		}
		seen[ev.Sequence] = true
	}
	if evs[2].Type != model.EventCompleted {
		t.Errorf("live event out of order: %s", evs[2].Type)
	}
}

func TestSubscribersAreIndependentPerTask(t *testing.T) {
	hub := NewHub(store.NewMemory(), 16)
	ctx := context.Background()

	ch1, cancel1 := hub.Subscribe(ctx, "t1", 0)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe(ctx, "t2", 0)
	defer cancel2()

	hub.Publish(ctx, "t1", model.EventStepStart, nil)

	ev := collect(t, ch1, 1)[0]
	if ev.TaskID != "t1" {
		t.Errorf("wrong task id %s", ev.TaskID)
	}
	select {
	case ev := <-ch2:
		t.Fatalf("t2 subscriber received %s for %s", ev.Type, ev.TaskID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(store.NewMemory(), 16)
	ctx := context.Background()

	ch, cancel := hub.Subscribe(ctx, "t1", 0)
	cancel()

	hub.Publish(ctx, "t1", model.EventStepStart, nil)

	// The channel closes once the forwarder notices the unsubscribe.
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after unsubscribe")
		}
	}
}
