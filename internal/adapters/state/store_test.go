package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowdeck/pulse/internal/core"
	"github.com/flowdeck/pulse/internal/testutil"
)

// newTestStores returns every backend available in this environment. SQLite
// always runs; PostgreSQL joins when PULSE_TEST_POSTGRES_DSN is set, so the
// same assertions cover both.
func newTestStores(t *testing.T) map[string]core.Store {
	t.Helper()
	stores := make(map[string]core.Store)

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	stores["sqlite"] = sqlite

	if dsn := os.Getenv("PULSE_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("opening postgres store: %v", err)
		}
		// The postgres database is shared across test functions; start clean.
		if _, err := pg.pool.Exec(context.Background(), "TRUNCATE schedules, workflows, credentials"); err != nil {
			t.Fatalf("truncating postgres tables: %v", err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		stores["postgres"] = pg
	}

	return stores
}

func seedWorkflow(t *testing.T, store core.Store, id string) {
	t.Helper()
	if err := store.SaveWorkflow(context.Background(), testutil.Workflow(id, testutil.TriggerGraph())); err != nil {
		t.Fatalf("seeding workflow %s: %v", id, err)
	}
}

func mustCreate(t *testing.T, store core.Store, rec *core.ScheduleRecord) {
	t.Helper()
	if err := store.CreateSchedule(context.Background(), rec); err != nil {
		t.Fatalf("creating schedule %s: %v", rec.ID, err)
	}
}

func TestStore_ScheduleRoundTrip(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorkflow(t, store, "wf-rt")

			start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			rec := testutil.Schedule("sched-rt", "wf-rt", 300, start)
			rec.StartAt = &start
			mustCreate(t, store, rec)

			got, err := store.GetSchedule(ctx, "sched-rt")
			if err != nil {
				t.Fatalf("get schedule: %v", err)
			}
			if got.WorkflowID != "wf-rt" || got.IntervalSeconds != 300 {
				t.Fatalf("round trip mangled record: %+v", got)
			}
			if got.StartAt == nil || !got.StartAt.Equal(start) {
				t.Fatalf("start_at lost: %v", got.StartAt)
			}
			if got.LastRunAt != nil {
				t.Fatalf("expected nil last_run_at on fresh record, got %v", got.LastRunAt)
			}
			if !got.IsActive {
				t.Fatalf("expected record active")
			}

			byWf, err := store.GetScheduleByWorkflow(ctx, "wf-rt")
			if err != nil {
				t.Fatalf("get by workflow: %v", err)
			}
			if byWf == nil || byWf.ID != "sched-rt" {
				t.Fatalf("lookup by workflow returned %+v", byWf)
			}
		})
	}
}

func TestStore_GetScheduleByWorkflow_AbsentIsNil(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := store.GetScheduleByWorkflow(context.Background(), "no-such-workflow")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec != nil {
				t.Fatalf("expected nil for absent schedule, got %+v", rec)
			}
		})
	}
}

func TestStore_CreateSchedule_DuplicateWorkflowConflicts(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorkflow(t, store, "wf-dup")
			now := time.Now().UTC()
			mustCreate(t, store, testutil.Schedule("sched-dup-1", "wf-dup", 60, now))

			err := store.CreateSchedule(ctx, testutil.Schedule("sched-dup-2", "wf-dup", 60, now))
			if !core.IsCategory(err, core.ErrCatConflict) {
				t.Fatalf("expected conflict on duplicate workflow schedule, got %v", err)
			}

			// The first record must be untouched.
			got, err := store.GetSchedule(ctx, "sched-dup-1")
			if err != nil || got.WorkflowID != "wf-dup" {
				t.Fatalf("original record disturbed: %+v, %v", got, err)
			}
		})
	}
}

func TestStore_ListDueSchedules(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

			seedWorkflow(t, store, "wf-due-1")
			seedWorkflow(t, store, "wf-due-2")
			seedWorkflow(t, store, "wf-due-3")
			seedWorkflow(t, store, "wf-due-4")

			mustCreate(t, store, testutil.Schedule("due-late", "wf-due-1", 60, now.Add(-time.Minute)))
			mustCreate(t, store, testutil.Schedule("due-early", "wf-due-2", 60, now.Add(-time.Hour)))
			mustCreate(t, store, testutil.Schedule("not-due", "wf-due-3", 60, now.Add(time.Hour)))
			inactive := testutil.Schedule("inactive", "wf-due-4", 60, now.Add(-time.Hour))
			inactive.IsActive = false
			mustCreate(t, store, inactive)

			due, err := store.ListDueSchedules(ctx, now)
			if err != nil {
				t.Fatalf("listing due: %v", err)
			}
			if len(due) != 2 {
				t.Fatalf("expected 2 due schedules, got %d", len(due))
			}
			if due[0].ID != "due-early" || due[1].ID != "due-late" {
				t.Fatalf("expected earliest-first ordering, got %s, %s", due[0].ID, due[1].ID)
			}

			// A record due exactly at the cutoff is included.
			due, err = store.ListDueSchedules(ctx, now.Add(time.Hour))
			if err != nil {
				t.Fatalf("listing due at cutoff: %v", err)
			}
			if len(due) != 3 {
				t.Fatalf("expected 3 due schedules at inclusive cutoff, got %d", len(due))
			}
		})
	}
}

func TestStore_RecordScheduleOutcome_Success(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			seedWorkflow(t, store, "wf-ok")
			rec := testutil.Schedule("sched-ok", "wf-ok", 300, now)
			rec.FailureCount = 3
			rec.LastError = "previous failure"
			mustCreate(t, store, rec)

			updated, err := store.RecordScheduleOutcome(ctx, "sched-ok", core.ScheduleOutcome{
				AttemptedAt: now,
				NextRunAt:   now.Add(300 * time.Second),
			}, 5)
			if err != nil {
				t.Fatalf("recording success: %v", err)
			}
			if updated.RunCount != 1 {
				t.Fatalf("expected run_count 1, got %d", updated.RunCount)
			}
			if updated.FailureCount != 0 || updated.LastError != "" {
				t.Fatalf("success must reset failure bookkeeping: %+v", updated)
			}
			if updated.LastRunAt == nil || !updated.LastRunAt.Equal(now) {
				t.Fatalf("last_run_at not set: %v", updated.LastRunAt)
			}
			if !updated.NextRunAt.Equal(now.Add(300 * time.Second)) {
				t.Fatalf("next_run_at not advanced: %v", updated.NextRunAt)
			}
			if !updated.IsActive {
				t.Fatalf("success must not deactivate")
			}
		})
	}
}

func TestStore_RecordScheduleOutcome_FailureAndAutoDisable(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			seedWorkflow(t, store, "wf-fail")
			mustCreate(t, store, testutil.Schedule("sched-fail", "wf-fail", 10, now))

			var rec *core.ScheduleRecord
			var err error
			for i := 1; i <= 5; i++ {
				at := now.Add(time.Duration(i) * 10 * time.Second)
				rec, err = store.RecordScheduleOutcome(ctx, "sched-fail", core.ScheduleOutcome{
					AttemptedAt: at,
					NextRunAt:   at.Add(10 * time.Second),
					Err:         errors.New("publish failed"),
				}, 5)
				if err != nil {
					t.Fatalf("recording failure %d: %v", i, err)
				}
				if rec.FailureCount != i {
					t.Fatalf("expected failure_count %d, got %d", i, rec.FailureCount)
				}
				wantActive := i < 5
				if rec.IsActive != wantActive {
					t.Fatalf("after failure %d expected is_active=%v, got %v", i, wantActive, rec.IsActive)
				}
			}
			if rec.LastError != "publish failed" {
				t.Fatalf("last_error not persisted: %q", rec.LastError)
			}
			if rec.RunCount != 5 {
				t.Fatalf("expected run_count 5, got %d", rec.RunCount)
			}

			// A sixth failure is idempotent on the disable flip.
			rec, err = store.RecordScheduleOutcome(ctx, "sched-fail", core.ScheduleOutcome{
				AttemptedAt: now.Add(time.Minute),
				NextRunAt:   now.Add(70 * time.Second),
				Err:         errors.New("publish failed"),
			}, 5)
			if err != nil {
				t.Fatalf("recording sixth failure: %v", err)
			}
			if rec.IsActive {
				t.Fatalf("sixth failure must leave schedule disabled")
			}
			if rec.FailureCount != 6 {
				t.Fatalf("expected failure_count 6, got %d", rec.FailureCount)
			}
		})
	}
}

func TestStore_RecordScheduleOutcome_SuccessNeverReactivates(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			seedWorkflow(t, store, "wf-oneway")
			rec := testutil.Schedule("sched-oneway", "wf-oneway", 10, now)
			rec.IsActive = false
			rec.FailureCount = 5
			mustCreate(t, store, rec)

			updated, err := store.RecordScheduleOutcome(ctx, "sched-oneway", core.ScheduleOutcome{
				AttemptedAt: now,
				NextRunAt:   now.Add(10 * time.Second),
			}, 5)
			if err != nil {
				t.Fatalf("recording outcome: %v", err)
			}
			if updated.IsActive {
				t.Fatalf("a success must not re-enable a disabled schedule; reactivation is an explicit lifecycle action")
			}
			if updated.FailureCount != 0 {
				t.Fatalf("success still resets the consecutive counter, got %d", updated.FailureCount)
			}
		})
	}
}

func TestStore_RecordScheduleOutcome_UnknownSchedule(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.RecordScheduleOutcome(context.Background(), "ghost", core.ScheduleOutcome{
				AttemptedAt: time.Now(),
				NextRunAt:   time.Now().Add(time.Minute),
			}, 5)
			if !core.IsNotFound(err) {
				t.Fatalf("expected not-found for unknown schedule, got %v", err)
			}
		})
	}
}

func TestStore_DeleteWorkflowCascadesSchedule(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorkflow(t, store, "wf-cascade")
			mustCreate(t, store, testutil.Schedule("sched-cascade", "wf-cascade", 60, time.Now().UTC()))

			if err := store.DeleteWorkflow(ctx, "wf-cascade"); err != nil {
				t.Fatalf("deleting workflow: %v", err)
			}
			rec, err := store.GetScheduleByWorkflow(ctx, "wf-cascade")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec != nil {
				t.Fatalf("expected schedule removed with its workflow, got %+v", rec)
			}
		})
	}
}

func TestStore_WorkflowGraphRoundTrip(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			graph := testutil.CredentialGraph("cred-1")
			if err := store.SaveWorkflow(ctx, testutil.Workflow("wf-graph", graph)); err != nil {
				t.Fatalf("saving workflow: %v", err)
			}

			got, err := store.GetWorkflowGraph(ctx, "wf-graph")
			if err != nil {
				t.Fatalf("loading graph: %v", err)
			}
			if len(got.Nodes) != 2 || len(got.Edges) != 1 {
				t.Fatalf("graph shape lost: %+v", got)
			}
			if !got.Nodes[0].IsTrigger {
				t.Fatalf("trigger flag lost on node: %+v", got.Nodes[0])
			}
			if got.Nodes[1].Credentials == nil || got.Nodes[1].Credentials.ID != "cred-1" {
				t.Fatalf("credential reference lost: %+v", got.Nodes[1])
			}

			if _, err := store.GetWorkflowGraph(ctx, "missing"); !core.IsNotFound(err) {
				t.Fatalf("expected not-found for missing workflow, got %v", err)
			}
		})
	}
}

func TestStore_SetTriggerKind(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedWorkflow(t, store, "wf-kind")

			if err := store.SetTriggerKind(ctx, "wf-kind", core.TriggerScheduled); err != nil {
				t.Fatalf("setting trigger kind: %v", err)
			}
			w, err := store.GetWorkflow(ctx, "wf-kind")
			if err != nil {
				t.Fatalf("loading workflow: %v", err)
			}
			if w.TriggerKind != core.TriggerScheduled {
				t.Fatalf("expected trigger kind scheduled, got %q", w.TriggerKind)
			}

			if err := store.SetTriggerKind(ctx, "missing", core.TriggerManual); !core.IsNotFound(err) {
				t.Fatalf("expected not-found, got %v", err)
			}
		})
	}
}

func TestStore_CredentialRoundTrip(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)
			cred := &core.Credential{
				ID:               "cred-rt",
				Name:             "API token",
				Type:             "httpAuth",
				EncryptedPayload: "b64-ciphertext",
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := store.SaveCredential(ctx, cred); err != nil {
				t.Fatalf("saving credential: %v", err)
			}
			got, err := store.GetCredential(ctx, "cred-rt")
			if err != nil {
				t.Fatalf("loading credential: %v", err)
			}
			if got.EncryptedPayload != "b64-ciphertext" || got.Type != "httpAuth" {
				t.Fatalf("credential mangled: %+v", got)
			}

			if _, err := store.GetCredential(ctx, "missing"); !core.IsNotFound(err) {
				t.Fatalf("expected not-found, got %v", err)
			}
		})
	}
}

func TestStore_ListSchedulesByWorkflows(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			seedWorkflow(t, store, "wf-set-a")
			seedWorkflow(t, store, "wf-set-b")
			seedWorkflow(t, store, "wf-set-c")
			mustCreate(t, store, testutil.Schedule("set-a", "wf-set-a", 60, now))
			mustCreate(t, store, testutil.Schedule("set-b", "wf-set-b", 60, now))
			mustCreate(t, store, testutil.Schedule("set-c", "wf-set-c", 60, now))

			got, err := store.ListSchedulesByWorkflows(ctx, []string{"wf-set-a", "wf-set-c"})
			if err != nil {
				t.Fatalf("listing by workflows: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 schedules, got %d", len(got))
			}

			empty, err := store.ListSchedulesByWorkflows(ctx, nil)
			if err != nil || len(empty) != 0 {
				t.Fatalf("expected empty result for empty set, got %v, %v", empty, err)
			}
		})
	}
}

func TestIsPostgresDSN(t *testing.T) {
	cases := map[string]bool{
		"postgres://u:p@localhost:5432/pulse":   true,
		"postgresql://u:p@localhost:5432/pulse": true,
		"pulse.db":                              false,
		"/var/lib/pulse/pulse.db":               false,
	}
	for dsn, want := range cases {
		if got := IsPostgresDSN(dsn); got != want {
			t.Fatalf("IsPostgresDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}
