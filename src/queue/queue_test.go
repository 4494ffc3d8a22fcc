package queue

import (
	"testing"
	"time"
)

func drainOrder(t *testing.T, q Queue) []string {
	t.Helper()
	var order []string
	for {
		id, ok, err := q.DequeueNext()
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		if !ok {
			return order
		}
		order = append(order, id)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewMemory()
	for _, sub := range []struct {
		id       string
		priority int
	}{
		{"a", 1}, {"b", 3}, {"c", 1}, {"d", 2},
	} {
		if _, err := q.Enqueue(sub.id, sub.priority); err != nil {
			t.Fatalf("Enqueue(%s): %v", sub.id, err)
		}
	}

	got := drainOrder(t, q)
	want := []string{"b", "d", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestFIFOWithinPriorityBand(t *testing.T) {
	q := NewMemory()
	for _, id := range []string{"first", "second", "third"} {
		q.Enqueue(id, 5)
		time.Sleep(time.Millisecond)
	}
	got := drainOrder(t, q)
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FIFO violated: got %v", got)
		}
	}
}

func TestEnqueuePosition(t *testing.T) {
	q := NewMemory()
	if pos, _ := q.Enqueue("a", 1); pos != 1 {
		t.Errorf("first enqueue position = %d, want 1", pos)
	}
	if pos, _ := q.Enqueue("b", 2); pos != 1 {
		t.Errorf("higher priority position = %d, want 1", pos)
	}
	if pos, _ := q.Enqueue("c", 1); pos != 3 {
		t.Errorf("lower priority position = %d, want 3", pos)
	}
}

func TestRepositionKeepsEnqueueTime(t *testing.T) {
	q := NewMemory()
	q.Enqueue("old", 1)
	time.Sleep(time.Millisecond)
	q.Enqueue("new", 1)

	// Both bumped to the same higher band; "old" keeps its head start.
	if err := q.Reposition("new", 5); err != nil {
		t.Fatalf("Reposition: %v", err)
	}
	if err := q.Reposition("old", 5); err != nil {
		t.Fatalf("Reposition: %v", err)
	}

	got := drainOrder(t, q)
	if got[0] != "old" {
		t.Errorf("reposition lost fairness history: order %v", got)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	q := NewMemory()
	q.Enqueue("a", 1)

	removed, err := q.Remove("a")
	if err != nil || !removed {
		t.Fatalf("Remove = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = q.Remove("a")
	if err != nil || removed {
		t.Fatalf("second Remove = (%v, %v), want (false, nil)", removed, err)
	}
	if _, err := q.Remove("never-enqueued"); err != nil {
		t.Fatalf("Remove of absent task: %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	q := NewMemory()
	q.Enqueue("a", 1)
	q.Enqueue("b", 9)

	st, err := q.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Depth != 2 {
		t.Errorf("Depth = %d, want 2", st.Depth)
	}
	if st.Positions["b"] != 1 || st.Positions["a"] != 2 {
		t.Errorf("Positions = %v", st.Positions)
	}
}

func TestWakeSignal(t *testing.T) {
	q := NewMemory()
	q.Enqueue("a", 1)
	select {
	case <-q.Wake():
	default:
		t.Error("expected wake signal after enqueue")
	}
}

func TestReEnqueueUpdatesPriority(t *testing.T) {
	q := NewMemory()
	q.Enqueue("a", 1)
	q.Enqueue("b", 2)
	q.Enqueue("a", 3) // duplicate enqueue promotes, never duplicates

	got := drainOrder(t, q)
	if len(got) != 2 {
		t.Fatalf("duplicate enqueue created a second entry: %v", got)
	}
	if got[0] != "a" {
		t.Errorf("promotion not applied: order %v", got)
	}
}
