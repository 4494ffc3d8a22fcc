package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentworker/src/events"
	"agentworker/src/model"
	"agentworker/src/queue"
	"agentworker/src/store"
	"agentworker/src/tools"
)

type pressureCounter struct{ n atomic.Int64 }

func (p *pressureCounter) NotePressure() { p.n.Add(1) }

type fixture struct {
	store    *store.Memory
	queue    *queue.Memory
	hub      *events.Hub
	registry *tools.Registry
	pressure *pressureCounter
	engine   *Engine
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		queue:    queue.NewMemory(),
		registry: tools.NewRegistry(),
		pressure: &pressureCounter{},
	}
	f.hub = events.NewHub(f.store, 64)
	cfg := Config{
		ToolTimeout:     2 * time.Second,
		ApprovalTimeout: 2 * time.Second,
		PauseTimeout:    2 * time.Second,
		MaxRetries:      3,
		RetryBase:       time.Millisecond,
		CancelGrace:     10 * time.Millisecond,
		RollbackWindow:  time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.engine = New(f.store, f.queue, f.hub, f.registry, f.pressure, cfg)
	return f
}

func (f *fixture) addTask(t *testing.T, steps ...model.Step) *model.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &model.Task{
		ID:          "task-" + t.Name(),
		Description: "test task",
		Priority:    1,
		Status:      model.TaskQueued,
		Steps:       steps,
		CreatedAt:   now,
		QueuedAt:    &now,
	}
	if err := f.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func (f *fixture) reload(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func step(n int, tool string) model.Step {
	return model.Step{StepNumber: n, ToolName: tool, Parameters: map[string]any{}, Status: model.StepPending}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	var order []int
	var mu sync.Mutex
	for i := 1; i <= 3; i++ {
		i := i
		f.registry.Register(&tools.Func{ToolName: tname("step", i), Fn: func(context.Context, map[string]any) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}})
	}
	task := f.addTask(t, step(1, tname("step", 1)), step(2, tname("step", 2)), step(3, tname("step", 3)))

	status := f.engine.Run(context.Background(), task.ID, nil)
	if status != model.TaskSuccess {
		t.Fatalf("status = %s, want success", status)
	}

	got := f.reload(t, task.ID)
	if got.Status != model.TaskSuccess || got.CompletedAt == nil || got.StartedAt == nil {
		t.Errorf("task not finalized: %+v", got)
	}
	if got.CurrentStepIndex != 3 {
		t.Errorf("cursor = %d, want 3", got.CurrentStepIndex)
	}
	for i, s := range got.Steps {
		if s.Status != model.StepCompleted {
			t.Errorf("step %d status = %s", i+1, s.Status)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[2] != 3 {
		t.Errorf("execution order = %v", order)
	}
}

func tname(prefix string, i int) string {
	return prefix + string(rune('0'+i))
}

func TestTransientRetryEventuallySucceeds(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int64
	f.registry.Register(&tools.Func{ToolName: "flaky", Fn: func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, model.NewTaskError(model.ErrTransient, "blip")
		}
		return "ok", nil
	}})
	task := f.addTask(t, step(1, "flaky"))

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskSuccess {
		t.Fatalf("status = %s, want success", status)
	}
	got := f.reload(t, task.ID)
	if got.Steps[0].RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.Steps[0].RetryCount)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestTransientRetriesExhausted(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int64
	f.registry.Register(&tools.Func{ToolName: "dead", Fn: func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, model.NewTaskError(model.ErrTransient, "always down")
	}})
	task := f.addTask(t, step(1, "dead"))

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	got := f.reload(t, task.ID)
	if got.Error == nil || got.Error.Kind != model.ErrTransient {
		t.Errorf("task error = %+v, want transient", got.Error)
	}
	if got.Steps[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.Steps[0].RetryCount)
	}
	// Initial attempt plus three retries.
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4", calls.Load())
	}
}

func TestConfigurationErrorFailsFast(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int64
	f.registry.Register(&tools.Func{ToolName: "misconfigured", Fn: func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, model.NewTaskError(model.ErrConfiguration, "bad params")
	}})
	task := f.addTask(t, step(1, "misconfigured"))

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskFailed {
		t.Fatal("configuration errors must fail the task")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, configuration errors must not retry", calls.Load())
	}
	got := f.reload(t, task.ID)
	if got.Error.Kind != model.ErrConfiguration {
		t.Errorf("kind = %s", got.Error.Kind)
	}
}

func TestResourceErrorNotesPressure(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "hungry", Fn: func(context.Context, map[string]any) (any, error) {
		return nil, model.NewTaskError(model.ErrResource, "out of quota")
	}})
	task := f.addTask(t, step(1, "hungry"))

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskFailed {
		t.Fatal("expected failure")
	}
	if f.pressure.n.Load() == 0 {
		t.Error("resource error did not signal pressure")
	}
	got := f.reload(t, task.ID)
	if got.Error.Kind != model.ErrResource {
		t.Errorf("kind = %s", got.Error.Kind)
	}
}

func TestOptionalStepFailureIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "brokenopt", Fn: func(context.Context, map[string]any) (any, error) {
		return nil, model.NewTaskError(model.ErrLogic, "cannot do it")
	}})
	f.registry.Register(&tools.Func{ToolName: "finisher", Fn: func(context.Context, map[string]any) (any, error) {
		return "done", nil
	}})
	s1 := step(1, "brokenopt")
	s1.Optional = true
	task := f.addTask(t, s1, step(2, "finisher"))

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskSuccess {
		t.Fatalf("optional failure must not fail the task")
	}
	got := f.reload(t, task.ID)
	if got.Steps[0].Status != model.StepSkipped {
		t.Errorf("optional step status = %s, want skipped", got.Steps[0].Status)
	}
	if got.Steps[1].Status != model.StepCompleted {
		t.Errorf("second step status = %s", got.Steps[1].Status)
	}
}

func TestUnknownToolFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	task := f.addTask(t, step(1, "no-such-tool"))

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskFailed {
		t.Fatal("unknown tool must fail the task")
	}
	got := f.reload(t, task.ID)
	if got.Error.Kind != model.ErrConfiguration {
		t.Errorf("kind = %s, want configuration", got.Error.Kind)
	}
}

// resolvePending polls the gate until the task's approval request appears,
// then resolves it.
func resolvePending(t *testing.T, g *Gate, taskID string, d model.ApprovalDecision, params map[string]any) model.ApprovalRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if req, ok := g.PendingForTask(taskID); ok {
			if err := g.Resolve(req.ID, d, params); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			return req
		}
		select {
		case <-deadline:
			t.Fatal("approval request never appeared")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestApprovalApproved(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int64
	f.registry.Register(&tools.Func{ToolName: "guarded", Fn: func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "ok", nil
	}})
	s := step(1, "guarded")
	s.RequiresApproval = true
	task := f.addTask(t, s)

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	resolvePending(t, f.engine.Gate(), task.ID, model.DecisionApproved, nil)

	if status := <-done; status != model.TaskSuccess {
		t.Fatalf("status = %s, want success", status)
	}
	if calls.Load() != 1 {
		t.Errorf("approved step executed %d times", calls.Load())
	}
}

func TestApprovalModifiedSubstitutesParameters(t *testing.T) {
	f := newFixture(t, nil)
	var got atomic.Value
	f.registry.Register(&tools.Func{ToolName: "guarded2", Fn: func(_ context.Context, params map[string]any) (any, error) {
		got.Store(params["target"])
		return "ok", nil
	}})
	s := step(1, "guarded2")
	s.Parameters = map[string]any{"target": "original"}
	s.RequiresApproval = true
	task := f.addTask(t, s)

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	resolvePending(t, f.engine.Gate(), task.ID, model.DecisionModified, map[string]any{"target": "replaced"})

	if status := <-done; status != model.TaskSuccess {
		t.Fatalf("status = %s", status)
	}
	if got.Load() != "replaced" {
		t.Errorf("executed with %v, want replaced", got.Load())
	}
}

func TestApprovalRejectedNonCriticalSkips(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int64
	f.registry.Register(&tools.Func{ToolName: "guarded3", Fn: func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "ok", nil
	}})
	f.registry.Register(&tools.Func{ToolName: "after", Fn: func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}})
	s := step(1, "guarded3")
	s.RequiresApproval = true
	task := f.addTask(t, s, step(2, "after"))

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	resolvePending(t, f.engine.Gate(), task.ID, model.DecisionRejected, nil)

	if status := <-done; status != model.TaskSuccess {
		t.Fatalf("status = %s, want success", status)
	}
	if calls.Load() != 0 {
		t.Error("rejected step must not execute")
	}
	got := f.reload(t, task.ID)
	if got.Steps[0].Status != model.StepSkipped {
		t.Errorf("rejected step status = %s", got.Steps[0].Status)
	}
}

func TestApprovalRejectedCriticalFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "guarded4", Fn: func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}})
	s := step(1, "guarded4")
	s.RequiresApproval = true
	s.Critical = true
	task := f.addTask(t, s)

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	resolvePending(t, f.engine.Gate(), task.ID, model.DecisionRejected, nil)

	if status := <-done; status != model.TaskFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	got := f.reload(t, task.ID)
	if got.Error == nil || got.Error.Kind != model.ErrLogic {
		t.Errorf("error = %+v, want logic", got.Error)
	}
}

func TestApprovalTimeoutIsRejection(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ApprovalTimeout = 20 * time.Millisecond })
	var calls atomic.Int64
	f.registry.Register(&tools.Func{ToolName: "guarded5", Fn: func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "ok", nil
	}})
	s := step(1, "guarded5")
	s.RequiresApproval = true
	task := f.addTask(t, s)

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskSuccess {
		t.Fatalf("status = %s, want success (timeout skips non-critical)", status)
	}
	if calls.Load() != 0 {
		t.Error("timed-out approval must not execute the step")
	}
}

func TestResolveConsumedExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "guarded6", Fn: func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}})
	s := step(1, "guarded6")
	s.RequiresApproval = true
	task := f.addTask(t, s)

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	req := resolvePending(t, f.engine.Gate(), task.ID, model.DecisionApproved, nil)
	if err := f.engine.Gate().Resolve(req.ID, model.DecisionRejected, nil); err != ErrUnknownApproval {
		t.Errorf("second resolve = %v, want ErrUnknownApproval", err)
	}
	<-done
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "never", Fn: func(context.Context, map[string]any) (any, error) {
		t.Error("cancelled task executed a step")
		return nil, nil
	}})
	task := f.addTask(t, step(1, "never"))
	f.queue.Enqueue(task.ID, task.Priority)

	if err := f.engine.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := f.reload(t, task.ID)
	if got.Status != model.TaskCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Steps[0].Status != model.StepSkipped {
		t.Errorf("step status = %s, want skipped", got.Steps[0].Status)
	}
	if _, ok, _ := f.queue.DequeueNext(); ok {
		t.Error("cancelled task left in the queue")
	}

	// Run on the already-cancelled task is a no-op.
	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskCancelled {
		t.Errorf("Run on cancelled task = %s", status)
	}
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register(&tools.Func{ToolName: "slow", Fn: func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})
	f.registry.Register(&tools.Func{ToolName: "unreached", Fn: func(context.Context, map[string]any) (any, error) {
		t.Error("step after cancel executed")
		return nil, nil
	}})
	task := f.addTask(t, step(1, "slow"), step(2, "unreached"))

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	<-started
	if err := f.engine.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if status := <-done; status != model.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}
	got := f.reload(t, task.ID)
	if got.Steps[1].Status != model.StepSkipped {
		t.Errorf("remaining step status = %s, want skipped", got.Steps[1].Status)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	secondRan := make(chan struct{}, 1)
	f.registry.Register(&tools.Func{ToolName: "first", Fn: func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	}})
	f.registry.Register(&tools.Func{ToolName: "second", Fn: func(context.Context, map[string]any) (any, error) {
		secondRan <- struct{}{}
		return "ok", nil
	}})
	task := f.addTask(t, step(1, "first"), step(2, "second"))

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	<-started
	if err := f.engine.Pause(context.Background(), task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release) // first step finishes; the worker freezes at the checkpoint

	// The second step must not start while paused.
	select {
	case <-secondRan:
		t.Fatal("step started while paused")
	case <-time.After(50 * time.Millisecond):
	}
	if got := f.reload(t, task.ID); got.Status != model.TaskPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	if err := f.engine.Resume(context.Background(), task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status := <-done; status != model.TaskSuccess {
		t.Fatalf("status = %s, want success", status)
	}
	select {
	case <-secondRan:
	default:
		t.Error("second step never ran after resume")
	}
}

func TestPauseTimeoutAutoResume(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PauseTimeout = 30 * time.Millisecond })
	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register(&tools.Func{ToolName: "gate1", Fn: func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	}})
	f.registry.Register(&tools.Func{ToolName: "tail1", Fn: func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}})
	task := f.addTask(t, step(1, "gate1"), step(2, "tail1"))

	done := make(chan model.TaskStatus, 1)
	go func() { done <- f.engine.Run(context.Background(), task.ID, nil) }()

	<-started
	if err := f.engine.Pause(context.Background(), task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	// No Resume call; the pause budget lapses and the task completes.
	if status := <-done; status != model.TaskSuccess {
		t.Fatalf("status = %s, want success after auto-resume", status)
	}
}

func TestPauseInvalidStates(t *testing.T) {
	f := newFixture(t, nil)
	task := f.addTask(t, step(1, "whatever"))

	// Not live: the worker has not picked it up.
	if err := f.engine.Pause(context.Background(), task.ID); err != ErrInvalidState {
		t.Errorf("Pause on queued task = %v, want ErrInvalidState", err)
	}
	if err := f.engine.Resume(context.Background(), task.ID); err != ErrInvalidState {
		t.Errorf("Resume on queued task = %v, want ErrInvalidState", err)
	}
}

func TestInterruptedCounterResetsOnProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "fine", Fn: func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}})
	task := f.addTask(t, step(1, "fine"))
	loaded := f.reload(t, task.ID)
	loaded.Interrupted = 1
	f.store.UpdateTask(context.Background(), loaded)

	if status := f.engine.Run(context.Background(), task.ID, nil); status != model.TaskSuccess {
		t.Fatalf("status = %s", status)
	}
	if got := f.reload(t, task.ID); got.Interrupted != 0 {
		t.Errorf("Interrupted = %d, want 0 after completed step", got.Interrupted)
	}
}

// cancelOnLoad flips the task to cancelled through the store right after the
// worker's first load, mimicking a cancel landing before the running claim.
type cancelOnLoad struct {
	store.Store
	once sync.Once
}

func (s *cancelOnLoad) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := s.Store.GetTask(ctx, id)
	s.once.Do(func() {
		s.Store.CasStatus(ctx, id, []model.TaskStatus{model.TaskQueued}, model.TaskCancelled)
	})
	return t, err
}

func TestCancelBeforeClaimWins(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register(&tools.Func{ToolName: "untouched", Fn: func(context.Context, map[string]any) (any, error) {
		t.Error("cancelled task executed a step")
		return nil, nil
	}})
	task := f.addTask(t, step(1, "untouched"))

	eng := New(&cancelOnLoad{Store: f.store}, f.queue, f.hub, f.registry, f.pressure, Config{RetryBase: time.Millisecond})
	if status := eng.Run(context.Background(), task.ID, nil); status != model.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", status)
	}
	if got := f.reload(t, task.ID); got.Status != model.TaskCancelled {
		t.Errorf("stored status = %s, want cancelled", got.Status)
	}
}

func TestPauseResumeUnknownTask(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.engine.Pause(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Pause on unknown task = %v, want ErrNotFound", err)
	}
	if err := f.engine.Resume(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Resume on unknown task = %v, want ErrNotFound", err)
	}
}

func TestResolveAfterExpiryRefused(t *testing.T) {
	g := NewGate()
	past := time.Now().UTC().Add(-time.Second)
	g.create(model.ApprovalRequest{ID: "late", TaskID: "t", StepNumber: 1, ExpiresAt: past})

	if err := g.Resolve("late", model.DecisionApproved, nil); err != ErrUnknownApproval {
		t.Fatalf("Resolve past expiry = %v, want ErrUnknownApproval", err)
	}
}
