package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	jsonx "taskplane/internal/shared/json"
)

const (
	auditTable = "taskplane_audit_events"
	tasksTable = "taskplane_tasks"
)

// PostgresStore implements the audit sink and the task archive on Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ audit.Sink   = (*PostgresStore)(nil)
	_ task.Archive = (*PostgresStore)(nil)
)

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indices if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + auditTable + ` (
    id         BIGSERIAL PRIMARY KEY,
    kind       TEXT NOT NULL,
    task_id    TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    step_id    TEXT NOT NULL DEFAULT '',
    tool_id    TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL DEFAULT '',
    fields     JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_taskplane_audit_task
    ON ` + auditTable + ` (task_id, id)`,
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    task_id            TEXT PRIMARY KEY,
    state              TEXT NOT NULL,
    channel_session_id TEXT NOT NULL,
    document           JSONB NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    archived_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_taskplane_tasks_session
    ON ` + tasksTable + ` (channel_session_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure taskplane schema: %w", err)
		}
	}
	return nil
}

// Append inserts one audit event.
func (s *PostgresStore) Append(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	fields, err := jsonx.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("encode audit fields: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+auditTable+` (kind, task_id, session_id, step_id, tool_id, message, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(event.Kind), event.TaskID, event.SessionID, event.StepID, event.ToolID,
		event.Message, fields, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Events returns the audit events of a task in insertion order.
func (s *PostgresStore) Events(ctx context.Context, taskID string) ([]audit.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, task_id, session_id, step_id, tool_id, message, fields, created_at
		   FROM `+auditTable+` WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			event  audit.Event
			kind   string
			fields []byte
		)
		if err := rows.Scan(&kind, &event.TaskID, &event.SessionID, &event.StepID, &event.ToolID,
			&event.Message, &fields, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Kind = audit.Kind(kind)
		if len(fields) > 0 {
			if err := jsonx.Unmarshal(fields, &event.Fields); err != nil {
				return nil, fmt.Errorf("decode audit fields: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ArchiveTask upserts the task document.
func (s *PostgresStore) ArchiveTask(ctx context.Context, t *task.Task) error {
	doc, err := jsonx.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+tasksTable+` (task_id, state, channel_session_id, document, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (task_id) DO UPDATE SET state = EXCLUDED.state, document = EXCLUDED.document, archived_at = now()`,
		t.ID, string(t.State), t.ChannelSessionID, doc, t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask reads an archived task.
func (s *PostgresStore) LoadTask(ctx context.Context, taskID string) (*task.Task, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM `+tasksTable+` WHERE task_id = $1`, taskID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrArchiveMiss, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var t task.Task
	if err := jsonx.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}
