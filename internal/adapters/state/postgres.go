package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowdeck/pulse/internal/core"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflows (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    graph        JSONB NOT NULL,
    trigger_kind TEXT NOT NULL DEFAULT 'none',
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    type              TEXT NOT NULL DEFAULT '',
    encrypted_payload TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
    id               TEXT PRIMARY KEY,
    workflow_id      TEXT NOT NULL UNIQUE REFERENCES workflows(id) ON DELETE CASCADE,
    interval_seconds BIGINT NOT NULL,
    start_at         TIMESTAMPTZ,
    next_run_at      TIMESTAMPTZ NOT NULL,
    last_run_at      TIMESTAMPTZ,
    is_active        BOOLEAN NOT NULL DEFAULT TRUE,
    run_count        BIGINT NOT NULL DEFAULT 0,
    failure_count    INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(is_active, next_run_at);
`

// PostgresStore implements core.Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects the pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// Schedules
// =============================================================================

const pgScheduleColumns = `id, workflow_id, interval_seconds, start_at, next_run_at,
	last_run_at, is_active, run_count, failure_count, last_error, created_at, updated_at`

func (s *PostgresStore) CreateSchedule(ctx context.Context, rec *core.ScheduleRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (`+pgScheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.WorkflowID, rec.IntervalSeconds, rec.StartAt, rec.NextRunAt,
		rec.LastRunAt, rec.IsActive, rec.RunCount, rec.FailureCount, rec.LastError,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.ErrScheduleExists(rec.WorkflowID).WithCause(err)
		}
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*core.ScheduleRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgScheduleColumns+` FROM schedules WHERE id = $1`, id)
	rec, err := scanPgSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound("schedule", id)
	}
	return rec, err
}

func (s *PostgresStore) GetScheduleByWorkflow(ctx context.Context, workflowID string) (*core.ScheduleRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgScheduleColumns+` FROM schedules WHERE workflow_id = $1`, workflowID)
	rec, err := scanPgSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, rec *core.ScheduleRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET
			interval_seconds = $1, start_at = $2, next_run_at = $3, last_run_at = $4,
			is_active = $5, run_count = $6, failure_count = $7, last_error = $8, updated_at = $9
		WHERE id = $10`,
		rec.IntervalSeconds, rec.StartAt, rec.NextRunAt, rec.LastRunAt,
		rec.IsActive, rec.RunCount, rec.FailureCount, rec.LastError, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound("schedule", rec.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, cutoff time.Time) ([]*core.ScheduleRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgScheduleColumns+` FROM schedules
		WHERE is_active AND next_run_at <= $1
		ORDER BY next_run_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()
	return scanPgSchedules(rows)
}

func (s *PostgresStore) ListSchedulesByWorkflows(ctx context.Context, workflowIDs []string) ([]*core.ScheduleRecord, error) {
	if len(workflowIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgScheduleColumns+` FROM schedules
		WHERE workflow_id = ANY($1)
		ORDER BY workflow_id ASC`, workflowIDs)
	if err != nil {
		return nil, fmt.Errorf("querying schedules by workflow: %w", err)
	}
	defer rows.Close()
	return scanPgSchedules(rows)
}

func (s *PostgresStore) CountActiveSchedules(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE is_active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active schedules: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RecordScheduleOutcome(ctx context.Context, id string, outcome core.ScheduleOutcome, disableAfter int) (*core.ScheduleRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE schedules SET
			run_count = run_count + 1,
			failure_count = CASE WHEN $1 THEN failure_count + 1 ELSE 0 END,
			last_error = $2,
			last_run_at = $3,
			next_run_at = $4,
			is_active = CASE WHEN $1 AND failure_count + 1 >= $5 THEN FALSE ELSE is_active END,
			updated_at = $3
		WHERE id = $6
		RETURNING `+pgScheduleColumns,
		outcome.Failed(), outcome.ErrorMessage(), outcome.AttemptedAt,
		outcome.NextRunAt, disableAfter, id)
	rec, err := scanPgSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound("schedule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("recording schedule outcome: %w", err)
	}
	return rec, nil
}

// =============================================================================
// Workflows
// =============================================================================

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	var w core.Workflow
	var graphJSON []byte
	var kind string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, graph, trigger_kind, created_at, updated_at
		FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &graphJSON, &kind, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workflow: %w", err)
	}

	var graph core.WorkflowGraph
	if err := json.Unmarshal(graphJSON, &graph); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "workflow graph is not valid JSON").WithCause(err).WithDetail("workflow_id", id)
	}
	w.Graph = &graph
	w.TriggerKind = core.TriggerKind(kind)
	return &w, nil
}

func (s *PostgresStore) GetWorkflowGraph(ctx context.Context, id string) (*core.WorkflowGraph, error) {
	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Graph, nil
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, w *core.Workflow) error {
	graphJSON, err := json.Marshal(w.Graph)
	if err != nil {
		return fmt.Errorf("marshaling workflow graph: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, name, graph, trigger_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, graph = EXCLUDED.graph,
			trigger_kind = EXCLUDED.trigger_kind, updated_at = EXCLUDED.updated_at`,
		w.ID, w.Name, graphJSON, string(w.TriggerKind), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTriggerKind(ctx context.Context, id string, kind core.TriggerKind) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET trigger_kind = $1, updated_at = NOW() WHERE id = $2`,
		string(kind), id)
	if err != nil {
		return fmt.Errorf("setting trigger kind: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound("workflow", id)
	}
	return nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	return nil
}

// =============================================================================
// Credentials
// =============================================================================

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*core.Credential, error) {
	var c core.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, type, encrypted_payload, created_at, updated_at
		FROM credentials WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Type, &c.EncryptedPayload, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound("credential", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveCredential(ctx context.Context, c *core.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (id, name, type, encrypted_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type,
			encrypted_payload = EXCLUDED.encrypted_payload, updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.Type, c.EncryptedPayload, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// =============================================================================
// Row helpers
// =============================================================================

func scanPgSchedule(row pgx.Row) (*core.ScheduleRecord, error) {
	var rec core.ScheduleRecord
	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.IntervalSeconds, &rec.StartAt,
		&rec.NextRunAt, &rec.LastRunAt, &rec.IsActive, &rec.RunCount,
		&rec.FailureCount, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanPgSchedules(rows pgx.Rows) ([]*core.ScheduleRecord, error) {
	var out []*core.ScheduleRecord
	for rows.Next() {
		rec, err := scanPgSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedule rows: %w", err)
	}
	return out, nil
}
