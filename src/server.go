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

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"agentworker/src/engine"
	"agentworker/src/events"
	"agentworker/src/logging"
	"agentworker/src/model"
	"agentworker/src/queue"
	"agentworker/src/scheduler"
	"agentworker/src/store"
	"agentworker/src/tools"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID              string         `json:"id"`
	StartTime       time.Time      `json:"start_time"`
	Uptime          string         `json:"uptime"`
	TasksProcessed  uint64         `json:"tasks_processed"`
	TasksSuccessful uint64         `json:"tasks_successful"`
	TasksFailed     uint64         `json:"tasks_failed"`
	TasksCancelled  uint64         `json:"tasks_cancelled"`
	StoreFailures   uint64         `json:"store_failures"`
	Load            scheduler.Load `json:"load"`
	Queue           *queue.Status  `json:"queue,omitempty"`
	Tools           map[string]any `json:"tools,omitempty"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(workerID string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        workerID,
			StartTime: time.Now(),
		},
	}
}

// RecordFinish counts one terminal task status.
func (s *WorkerStats) RecordFinish(status model.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed++
	switch status {
	case model.TaskSuccess:
		s.statusResponse.TasksSuccessful++
	case model.TaskFailed:
		s.statusResponse.TasksFailed++
	case model.TaskCancelled:
		s.statusResponse.TasksCancelled++
	}

	logging.UpdateSpanValue("worker_tasks_total", float64(s.statusResponse.TasksProcessed))
	logging.UpdateSpanValue("worker_tasks_succeeded", float64(s.statusResponse.TasksSuccessful))
	logging.UpdateSpanValue("worker_tasks_failed", float64(s.statusResponse.TasksFailed))
	logging.UpdateSpanValue("worker_tasks_error_rate", float64(s.statusResponse.TasksFailed)/float64(s.statusResponse.TasksProcessed))
}

// RecordStoreFailure counts a failed write against the task store.
func (s *WorkerStats) RecordStoreFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.StoreFailures++
	logging.UpdateSpanValue("worker_store_failures", float64(s.statusResponse.StoreFailures))
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}

// GlobalStats represents system-wide metrics
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	QueuedTasks     int     `json:"queued_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	SucceededTasks  int     `json:"succeeded_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	db       *sql.DB // nil with the memory store; /global-status degrades
	store    store.Store
	queue    queue.Queue
	manager  *scheduler.Manager
	engine   *engine.Engine
	hub      *events.Hub
	registry *tools.Registry
	stats    *WorkerStats
	limiter  *rate.Limiter
}

// routes builds the API surface. Split out so tests can exercise handlers
// without a listener.
func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.createTaskHandler)
	mux.HandleFunc("GET /tasks/history", s.historyHandler)
	mux.HandleFunc("GET /tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("GET /tasks/{id}/events", s.eventsHandler)
	mux.HandleFunc("POST /tasks/{id}/approve", s.approveHandler)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.cancelHandler)
	mux.HandleFunc("POST /tasks/{id}/pause", s.pauseHandler)
	mux.HandleFunc("POST /tasks/{id}/resume", s.resumeHandler)
	mux.HandleFunc("POST /tasks/{id}/rollback", s.rollbackHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	return s.rateLimit(mux)
}

// StartAPIServer starts the HTTP server with OTel instrumentation. It
// returns when ctx is cancelled or the listener fails.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	// CRITICAL: We must use the returned handler from otelhttp.NewHandler
	otelHandler := otelhttp.NewHandler(srv.routes(), "worker-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}

	return nil
}

// rateLimit rejects bursts beyond the configured token bucket with 429 and
// a Retry-After hint.
func (s *APIServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type compensationSpec struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

type stepSpec struct {
	Tool             string            `json:"tool"`
	Parameters       map[string]any    `json:"parameters"`
	RequiresApproval bool              `json:"requires_approval"`
	Critical         bool              `json:"critical"`
	Optional         bool              `json:"optional"`
	Compensation     *compensationSpec `json:"compensation"`
}

// defaultStep builds a one-step plan for submissions that carry only a
// description: run it in the sandbox when one is registered, echo otherwise.
func defaultStep(reg *tools.Registry, description string) stepSpec {
	if _, ok := reg.Get("sandbox_exec"); ok {
		return stepSpec{Tool: "sandbox_exec", Parameters: map[string]any{"code": description}}
	}
	return stepSpec{Tool: "echo", Parameters: map[string]any{"text": description}}
}

type createTaskRequest struct {
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Description    string     `json:"description"`
	Priority       int        `json:"priority"`
	Steps          []stepSpec `json:"steps"`
}

type createTaskResponse struct {
	ID            string           `json:"task_id"`
	Status        model.TaskStatus `json:"status"`
	QueuePosition int              `json:"queue_position"`
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if len(req.Steps) == 0 {
		// No explicit plan: wrap the description into a single step.
		req.Steps = []stepSpec{defaultStep(s.registry, req.Description)}
	}
	for i, sp := range req.Steps {
		if _, ok := s.registry.Get(sp.Tool); !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("step %d: unknown tool %q", i+1, sp.Tool))
			return
		}
		if sp.Compensation != nil {
			if _, ok := s.registry.Get(sp.Compensation.Tool); !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("step %d: unknown compensation tool %q", i+1, sp.Compensation.Tool))
				return
			}
		}
	}

	now := time.Now().UTC()
	t := &model.Task{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Description:    req.Description,
		Priority:       req.Priority,
		Status:         model.TaskQueued,
		CreatedAt:      now,
		QueuedAt:       &now,
	}
	for i, sp := range req.Steps {
		step := model.Step{
			StepNumber:       i + 1,
			ToolName:         sp.Tool,
			Parameters:       sp.Parameters,
			RequiresApproval: sp.RequiresApproval,
			Critical:         sp.Critical,
			Optional:         sp.Optional,
			Status:           model.StepPending,
		}
		if sp.Compensation != nil {
			step.Compensation = &model.Compensation{
				ToolName:   sp.Compensation.Tool,
				Parameters: sp.Compensation.Parameters,
			}
		}
		t.Steps = append(t.Steps, step)
	}

	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.stats.RecordStoreFailure()
		writeError(w, http.StatusInternalServerError, "failed to persist task")
		return
	}
	pos, err := s.queue.Enqueue(t.ID, t.Priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	s.hub.Publish(r.Context(), t.ID, model.EventQueueUpdate, map[string]any{"position": pos})

	writeJSON(w, http.StatusAccepted, createTaskResponse{
		ID:            t.ID,
		Status:        t.Status,
		QueuePosition: pos,
	})
}

type taskDetail struct {
	*model.Task
	RecentEvents []model.Event `json:"recent_events,omitempty"`
}

const taskLogTail = 20

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	evs, err := s.store.EventsSince(r.Context(), t.ID, 0, 0)
	if err != nil {
		s.stats.RecordStoreFailure()
		evs = nil
	}
	if len(evs) > taskLogTail {
		evs = evs[len(evs)-taskLogTail:]
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: t, RecentEvents: evs})
}

type approveRequest struct {
	ApprovalID string                 `json:"approval_id"`
	Decision   model.ApprovalDecision `json:"decision"`
	Parameters map[string]any         `json:"parameters"`
}

func (s *APIServer) approveHandler(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Decision {
	case model.DecisionApproved, model.DecisionRejected:
	case model.DecisionModified:
		if req.Parameters == nil {
			writeError(w, http.StatusBadRequest, "modified decision requires parameters")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "decision must be approved, rejected or modified")
		return
	}
	if req.ApprovalID == "" {
		// Convenience: resolve the task's only open request.
		pending, ok := s.engine.Gate().PendingForTask(r.PathValue("id"))
		if !ok {
			writeDomainError(w, engine.ErrUnknownApproval)
			return
		}
		req.ApprovalID = pending.ID
	}
	if err := s.engine.Gate().Resolve(req.ApprovalID, req.Decision, req.Parameters); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": req.ApprovalID, "decision": req.Decision})
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.TaskCancelled})
}

func (s *APIServer) pauseHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Pause(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.TaskPaused})
}

func (s *APIServer) resumeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Resume(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.TaskRunning})
}

type rollbackRequest struct {
	ToStep int `json:"to_step"`
}

func (s *APIServer) rollbackHandler(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	// An empty body means "roll back everything" (to_step 0).
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToStep < 0 {
		writeError(w, http.StatusBadRequest, "to_step must be >= 0")
		return
	}
	id := r.PathValue("id")
	if err := s.engine.Rollback(r.Context(), id, req.ToStep); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "rolled_back_to": req.ToStep})
}

func (s *APIServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.HistoryFilter{
		Status: model.TaskStatus(q.Get("status")),
		Search: q.Get("q"),
	}
	if v := q.Get("page"); v != "" {
		f.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("per_page"); v != "" {
		f.PerPage, _ = strconv.Atoi(v)
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &ts
		}
	}
	page, err := s.store.History(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := s.stats.GetStats()
	resp.Load = s.manager.Load()
	if qs, err := s.queue.Status(); err == nil {
		resp.Queue = qs
	}
	resp.Tools = s.registry.CircuitStatus()
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.globalStatusFromStore(w, r)
		return
	}

	var gs GlobalStats

	// Combined query for better performance
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status IN ('pending', 'queued')) as queued,
				COUNT(*) FILTER (WHERE status IN ('running', 'awaiting_approval', 'paused')) as running,
				COUNT(*) FILTER (WHERE status = 'success') as succeeded,
				COUNT(*) FILTER (WHERE status = 'failed') as failed
			FROM TASKS
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE completed_at > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM TASKS
			WHERE status = 'success' AND completed_at IS NOT NULL AND started_at IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`

	err := s.db.QueryRowContext(r.Context(), query).Scan(
		&gs.TotalTasks, &gs.QueuedTasks, &gs.RunningTasks,
		&gs.SucceededTasks, &gs.FailedTasks, &gs.AvgExecutionSec, &gs.ThroughputTasks,
	)

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query system stats")
		return
	}

	writeJSON(w, http.StatusOK, gs)
}

// globalStatusFromStore aggregates in process for the memory backend.
func (s *APIServer) globalStatusFromStore(w http.ResponseWriter, r *http.Request) {
	var gs GlobalStats
	active, err := s.store.ActiveTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query system stats")
		return
	}
	for _, t := range active {
		switch t.Status {
		case model.TaskPending, model.TaskQueued:
			gs.QueuedTasks++
		default:
			gs.RunningTasks++
		}
	}
	page, err := s.store.History(r.Context(), store.HistoryFilter{PerPage: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query system stats")
		return
	}
	var execSum float64
	var execCount int
	cutoff := time.Now().Add(-time.Hour)
	for _, t := range page.Tasks {
		switch t.Status {
		case model.TaskSuccess:
			gs.SucceededTasks++
			if t.StartedAt != nil && t.CompletedAt != nil {
				execSum += t.CompletedAt.Sub(*t.StartedAt).Seconds()
				execCount++
				if t.CompletedAt.After(cutoff) {
					gs.ThroughputTasks++
				}
			}
		case model.TaskFailed:
			gs.FailedTasks++
		}
	}
	if execCount > 0 {
		gs.AvgExecutionSec = execSum / float64(execCount)
	}
	gs.TotalTasks = page.Total
	writeJSON(w, http.StatusOK, gs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrUnknownApproval),
		errors.Is(err, engine.ErrRollbackExpired),
		errors.Is(err, engine.ErrMissingCompensation):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
