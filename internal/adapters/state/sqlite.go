// Package state provides the persistence backends for schedules, workflows
// and credentials. Two interchangeable implementations exist behind the
// core.Store interface: an embedded SQLite file (default) and a PostgreSQL
// pool, selected by the configured DSN.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowdeck/pulse/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var sqliteMigrationV1 string

// SQLiteStore implements core.Store with an embedded SQLite database.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex // serializes writes; reads go through WAL
}

// NewSQLiteStore opens (creating if needed) the database at the given path
// and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	s := &SQLiteStore{dbPath: dbPath}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// WAL mode keeps per-schedule bookkeeping writes from blocking the
	// tick's due query; the busy timeout absorbs writer contention.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(sqliteMigrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}

	return nil
}

// =============================================================================
// Schedules
// =============================================================================

const sqliteScheduleColumns = `id, workflow_id, interval_seconds, start_at, next_run_at,
	last_run_at, is_active, run_count, failure_count, last_error, created_at, updated_at`

func (s *SQLiteStore) CreateSchedule(ctx context.Context, rec *core.ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+sqliteScheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.IntervalSeconds,
		encodeNullableTime(rec.StartAt), encodeTime(rec.NextRunAt), encodeNullableTime(rec.LastRunAt),
		boolToInt(rec.IsActive), rec.RunCount, rec.FailureCount, rec.LastError,
		encodeTime(rec.CreatedAt), encodeTime(rec.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.ErrScheduleExists(rec.WorkflowID).WithCause(err)
		}
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*core.ScheduleRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteScheduleColumns+` FROM schedules WHERE id = ?`, id)
	rec, err := scanScheduleRow(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("schedule", id)
	}
	return rec, err
}

func (s *SQLiteStore) GetScheduleByWorkflow(ctx context.Context, workflowID string) (*core.ScheduleRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteScheduleColumns+` FROM schedules WHERE workflow_id = ?`, workflowID)
	rec, err := scanScheduleRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) UpdateSchedule(ctx context.Context, rec *core.ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			interval_seconds = ?, start_at = ?, next_run_at = ?, last_run_at = ?,
			is_active = ?, run_count = ?, failure_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		rec.IntervalSeconds, encodeNullableTime(rec.StartAt), encodeTime(rec.NextRunAt),
		encodeNullableTime(rec.LastRunAt), boolToInt(rec.IsActive), rec.RunCount,
		rec.FailureCount, rec.LastError, encodeTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("schedule", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDueSchedules(ctx context.Context, cutoff time.Time) ([]*core.ScheduleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteScheduleColumns+` FROM schedules
		WHERE is_active = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC`, encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanScheduleRows(rows)
}

func (s *SQLiteStore) ListSchedulesByWorkflows(ctx context.Context, workflowIDs []string) ([]*core.ScheduleRecord, error) {
	if len(workflowIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(workflowIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(workflowIDs))
	for i, id := range workflowIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteScheduleColumns+` FROM schedules
		WHERE workflow_id IN (`+placeholders+`)
		ORDER BY workflow_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules by workflow: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanScheduleRows(rows)
}

func (s *SQLiteStore) CountActiveSchedules(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE is_active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active schedules: %w", err)
	}
	return n, nil
}

// RecordScheduleOutcome applies the entire post-attempt state change in one
// UPDATE so a crash between statements can never leave a half-written row.
// The auto-disable flip is one-way: a success keeps is_active as it was.
func (s *SQLiteStore) RecordScheduleOutcome(ctx context.Context, id string, outcome core.ScheduleOutcome, disableAfter int) (*core.ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := boolToInt(outcome.Failed())
	at := encodeTime(outcome.AttemptedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			run_count = run_count + 1,
			failure_count = CASE WHEN ? = 1 THEN failure_count + 1 ELSE 0 END,
			last_error = ?,
			last_run_at = ?,
			next_run_at = ?,
			is_active = CASE WHEN ? = 1 AND failure_count + 1 >= ? THEN 0 ELSE is_active END,
			updated_at = ?
		WHERE id = ?`,
		failed, outcome.ErrorMessage(), at, encodeTime(outcome.NextRunAt),
		failed, disableAfter, at, id)
	if err != nil {
		return nil, fmt.Errorf("recording schedule outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.ErrNotFound("schedule", id)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteScheduleColumns+` FROM schedules WHERE id = ?`, id)
	return scanScheduleRow(row)
}

// =============================================================================
// Workflows
// =============================================================================

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, graph, trigger_kind, created_at, updated_at
		FROM workflows WHERE id = ?`, id)

	var w core.Workflow
	var graphJSON, kind, createdAt, updatedAt string
	err := row.Scan(&w.ID, &w.Name, &graphJSON, &kind, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workflow: %w", err)
	}

	var graph core.WorkflowGraph
	if err := json.Unmarshal([]byte(graphJSON), &graph); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "workflow graph is not valid JSON").WithCause(err).WithDetail("workflow_id", id)
	}
	w.Graph = &graph
	w.TriggerKind = core.TriggerKind(kind)
	if w.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) GetWorkflowGraph(ctx context.Context, id string) (*core.WorkflowGraph, error) {
	w, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Graph, nil
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, w *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	graphJSON, err := json.Marshal(w.Graph)
	if err != nil {
		return fmt.Errorf("marshaling workflow graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, graph, trigger_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, graph = excluded.graph,
			trigger_kind = excluded.trigger_kind, updated_at = excluded.updated_at`,
		w.ID, w.Name, string(graphJSON), string(w.TriggerKind),
		encodeTime(w.CreatedAt), encodeTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetTriggerKind(ctx context.Context, id string, kind core.TriggerKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET trigger_kind = ?, updated_at = ? WHERE id = ?`,
		string(kind), encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("setting trigger kind: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("workflow", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// ON DELETE CASCADE removes the workflow's schedule with it.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	return nil
}

// =============================================================================
// Credentials
// =============================================================================

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*core.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, encrypted_payload, created_at, updated_at
		FROM credentials WHERE id = ?`, id)

	var c core.Credential
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.EncryptedPayload, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("credential", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCredential(ctx context.Context, c *core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, name, type, encrypted_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, type = excluded.type,
			encrypted_payload = excluded.encrypted_payload, updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Type, c.EncryptedPayload, encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

// =============================================================================
// Row helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduleRow(row rowScanner) (*core.ScheduleRecord, error) {
	var rec core.ScheduleRecord
	var startAt, lastRunAt sql.NullString
	var nextRunAt, createdAt, updatedAt string
	var isActive int

	err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.IntervalSeconds, &startAt, &nextRunAt,
		&lastRunAt, &isActive, &rec.RunCount, &rec.FailureCount, &rec.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.IsActive = isActive != 0
	if rec.NextRunAt, err = decodeTime(nextRunAt); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	if rec.StartAt, err = decodeNullableTime(startAt); err != nil {
		return nil, err
	}
	if rec.LastRunAt, err = decodeNullableTime(lastRunAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanScheduleRows(rows *sql.Rows) ([]*core.ScheduleRecord, error) {
	var out []*core.ScheduleRecord
	for rows.Next() {
		rec, err := scanScheduleRow(rows)
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

// Times are stored as fixed-width UTC strings so lexicographic comparison in
// SQL matches chronological order (the due query depends on this). The
// variable-width RFC3339Nano would sort "05Z" after "05.5Z".
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func encodeNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func decodeNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
