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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"agentworker/src/model"
)

// NotifyChannel is the LISTEN/NOTIFY channel the dispatcher wakes on.
const NotifyChannel = "tasks_updated"

const schema = `
CREATE TABLE IF NOT EXISTS TASKS (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	conversation_id  TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL,
	priority         INT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	current_step     INT NOT NULL DEFAULT 0,
	interrupted      INT NOT NULL DEFAULT 0,
	last_error       JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	queued_at        TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	rollback_deadline TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_queue
	ON TASKS (status, priority DESC, queued_at ASC);

CREATE TABLE IF NOT EXISTS TASK_STEPS (
	task_id           TEXT NOT NULL REFERENCES TASKS(id),
	step_number       INT NOT NULL,
	tool_name         TEXT NOT NULL,
	parameters        JSONB,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	critical          BOOLEAN NOT NULL DEFAULT FALSE,
	optional          BOOLEAN NOT NULL DEFAULT FALSE,
	compensation      JSONB,
	status            TEXT NOT NULL,
	result            JSONB,
	last_error        JSONB,
	retry_count       INT NOT NULL DEFAULT 0,
	compensated       BOOLEAN NOT NULL DEFAULT FALSE,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	PRIMARY KEY (task_id, step_number)
);

CREATE TABLE IF NOT EXISTS TASK_LOGS (
	task_id    TEXT NOT NULL REFERENCES TASKS(id),
	seq        BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, seq)
);
`

// Postgres implements Store on a durable relational database using lib/pq.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the three tables and the queue-rebuild index.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (p *Postgres) CreateTask(ctx context.Context, t *model.Task) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lastErr, err := marshal(t.Error)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO TASKS (id, user_id, conversation_id, description, priority, status,
			current_step, interrupted, last_error, created_at, queued_at, started_at,
			completed_at, rollback_deadline)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.UserID, t.ConversationID, t.Description, t.Priority, t.Status,
		t.CurrentStepIndex, t.Interrupted, nullJSON(lastErr), t.CreatedAt, t.QueuedAt,
		t.StartedAt, t.CompletedAt, t.RollbackDeadline)
	if err != nil {
		return err
	}
	for i := range t.Steps {
		if err := upsertStep(ctx, tx, t.ID, &t.Steps[i]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, t.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, description, priority, status,
			current_step, interrupted, last_error, created_at, queued_at,
			started_at, completed_at, rollback_deadline
		FROM TASKS WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT step_number, tool_name, parameters, requires_approval, critical,
			optional, compensation, status, result, last_error, retry_count,
			compensated, started_at, completed_at
		FROM TASK_STEPS WHERE task_id = $1 ORDER BY step_number ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		t.Steps = append(t.Steps, *step)
	}
	return t, rows.Err()
}

func (p *Postgres) UpdateTask(ctx context.Context, t *model.Task) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lastErr, err := marshal(t.Error)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE TASKS SET priority = $2, status = $3, current_step = $4,
			interrupted = $5, last_error = $6, queued_at = $7, started_at = $8,
			completed_at = $9, rollback_deadline = $10
		WHERE id = $1`,
		t.ID, t.Priority, t.Status, t.CurrentStepIndex, t.Interrupted,
		nullJSON(lastErr), t.QueuedAt, t.StartedAt, t.CompletedAt, t.RollbackDeadline)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for i := range t.Steps {
		if err := upsertStep(ctx, tx, t.ID, &t.Steps[i]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, t.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) CasStatus(ctx context.Context, id string, from []model.TaskStatus, to model.TaskStatus) (*model.Task, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE TASKS SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, to, pq.Array(states))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing row from lost race.
		if _, err := p.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return p.GetTask(ctx, id)
}

func (p *Postgres) SaveStep(ctx context.Context, taskID string, step *model.Step) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertStep(ctx, tx, taskID, step); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *model.Event) error {
	payload, err := marshal(ev.Payload)
	if err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO TASK_LOGS (task_id, seq, event_type, payload, created_at)
		VALUES ($1,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM TASK_LOGS WHERE task_id = $1),
			$2, $3, $4)
		RETURNING seq`,
		ev.TaskID, ev.Type, nullJSON(payload), ev.Timestamp).Scan(&ev.Sequence)
}

func (p *Postgres) EventsSince(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, event_type, payload, created_at
		FROM TASK_LOGS WHERE task_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev := model.Event{TaskID: taskID}
		var payload []byte
		if err := rows.Scan(&ev.Sequence, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM TASKS
		WHERE status NOT IN ('success', 'failed', 'cancelled')
		ORDER BY priority DESC, queued_at ASC NULLS LAST, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		t, err := p.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *Postgres) History(ctx context.Context, f HistoryFilter) (*HistoryPage, error) {
	if f.PerPage <= 0 {
		f.PerPage = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.From != nil {
		where = append(where, "created_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= "+arg(*f.To))
	}
	if f.Search != "" {
		where = append(where, "description ILIKE "+arg("%"+f.Search+"%"))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	page := &HistoryPage{Page: f.Page, PerPage: f.PerPage}
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM TASKS"+cond, args...).Scan(&page.Total); err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_id, conversation_id, description, priority, status,
			current_step, interrupted, last_error, created_at, queued_at,
			started_at, completed_at, rollback_deadline
		FROM TASKS` + cond +
		" ORDER BY created_at DESC LIMIT " + arg(f.PerPage) + " OFFSET " + arg((f.Page-1)*f.PerPage)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, t)
	}
	return page, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var lastErr []byte
	var queuedAt, startedAt, completedAt, rollbackDeadline sql.NullTime
	err := r.Scan(&t.ID, &t.UserID, &t.ConversationID, &t.Description, &t.Priority,
		&t.Status, &t.CurrentStepIndex, &t.Interrupted, &lastErr, &t.CreatedAt,
		&queuedAt, &startedAt, &completedAt, &rollbackDeadline)
	if err != nil {
		return nil, err
	}
	if len(lastErr) > 0 {
		t.Error = &model.TaskError{}
		if err := json.Unmarshal(lastErr, t.Error); err != nil {
			return nil, err
		}
	}
	t.QueuedAt = timePtr(queuedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.RollbackDeadline = timePtr(rollbackDeadline)
	return t, nil
}

func scanStep(r rowScanner) (*model.Step, error) {
	s := &model.Step{}
	var params, comp, result, lastErr []byte
	var startedAt, completedAt sql.NullTime
	err := r.Scan(&s.StepNumber, &s.ToolName, &params, &s.RequiresApproval,
		&s.Critical, &s.Optional, &comp, &s.Status, &result, &lastErr,
		&s.RetryCount, &s.Compensated, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Parameters); err != nil {
			return nil, err
		}
	}
	if len(comp) > 0 {
		s.Compensation = &model.Compensation{}
		if err := json.Unmarshal(comp, s.Compensation); err != nil {
			return nil, err
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &s.Result); err != nil {
			return nil, err
		}
	}
	if len(lastErr) > 0 {
		s.Error = &model.TaskError{}
		if err := json.Unmarshal(lastErr, s.Error); err != nil {
			return nil, err
		}
	}
	s.StartedAt = timePtr(startedAt)
	s.CompletedAt = timePtr(completedAt)
	return s, nil
}

func upsertStep(ctx context.Context, tx *sql.Tx, taskID string, s *model.Step) error {
	params, err := marshal(s.Parameters)
	if err != nil {
		return err
	}
	comp, err := marshal(s.Compensation)
	if err != nil {
		return err
	}
	result, err := marshal(s.Result)
	if err != nil {
		return err
	}
	lastErr, err := marshal(s.Error)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO TASK_STEPS (task_id, step_number, tool_name, parameters,
			requires_approval, critical, optional, compensation, status, result,
			last_error, retry_count, compensated, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (task_id, step_number) DO UPDATE SET
			tool_name = EXCLUDED.tool_name,
			parameters = EXCLUDED.parameters,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			last_error = EXCLUDED.last_error,
			retry_count = EXCLUDED.retry_count,
			compensated = EXCLUDED.compensated,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		taskID, s.StepNumber, s.ToolName, nullJSON(params), s.RequiresApproval,
		s.Critical, s.Optional, nullJSON(comp), s.Status, nullJSON(result),
		nullJSON(lastErr), s.RetryCount, s.Compensated, s.StartedAt, s.CompletedAt)
	return err
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
