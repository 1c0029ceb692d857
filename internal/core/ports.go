package core

import (
	"context"
	"time"
)

// =============================================================================
// Schedule Store Port
// =============================================================================

// ScheduleStore persists schedule records and their bookkeeping.
type ScheduleStore interface {
	// CreateSchedule inserts a new record. Fails with a conflict error when
	// the workflow already has one (UNIQUE constraint backstop).
	CreateSchedule(ctx context.Context, s *ScheduleRecord) error

	// GetSchedule loads a record by its own ID.
	GetSchedule(ctx context.Context, id string) (*ScheduleRecord, error)

	// GetScheduleByWorkflow loads the record for a workflow, nil when none
	// exists (absence is an expected state, not an error).
	GetScheduleByWorkflow(ctx context.Context, workflowID string) (*ScheduleRecord, error)

	// UpdateSchedule overwrites the mutable fields of an existing record.
	UpdateSchedule(ctx context.Context, s *ScheduleRecord) error

	// DeleteSchedule removes a record by ID.
	DeleteSchedule(ctx context.Context, id string) error

	// ListDueSchedules returns active records with next_run_at at or before
	// the cutoff, earliest first.
	ListDueSchedules(ctx context.Context, cutoff time.Time) ([]*ScheduleRecord, error)

	// ListSchedulesByWorkflows returns the records for a set of workflows.
	ListSchedulesByWorkflows(ctx context.Context, workflowIDs []string) ([]*ScheduleRecord, error)

	// CountActiveSchedules returns how many records are currently active.
	CountActiveSchedules(ctx context.Context) (int64, error)

	// RecordScheduleOutcome applies post-attempt bookkeeping in one atomic
	// write: run count, consecutive-failure count, last error, last run,
	// advanced next run, and the auto-disable flip once the consecutive
	// failure count reaches disableAfter. Returns the updated record.
	RecordScheduleOutcome(ctx context.Context, id string, outcome ScheduleOutcome, disableAfter int) (*ScheduleRecord, error)
}

// =============================================================================
// Workflow Store Port
// =============================================================================

// WorkflowStore reads workflow definitions and maintains the trigger kind
// marker. Graph authoring belongs to the platform API; the engine only
// consumes it.
type WorkflowStore interface {
	// GetWorkflow loads a full workflow row.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowGraph loads just the node/edge definition.
	GetWorkflowGraph(ctx context.Context, id string) (*WorkflowGraph, error)

	// SaveWorkflow upserts a workflow row (platform writes, test fixtures).
	SaveWorkflow(ctx context.Context, w *Workflow) error

	// SetTriggerKind updates the workflow's trigger kind marker.
	SetTriggerKind(ctx context.Context, id string, kind TriggerKind) error

	// DeleteWorkflow removes a workflow; its schedule goes with it.
	DeleteWorkflow(ctx context.Context, id string) error
}

// =============================================================================
// Credential Store Port
// =============================================================================

// CredentialStore holds encrypted credential rows. Payloads are opaque
// ciphertext; only the resolver's cipher can open them.
type CredentialStore interface {
	// GetCredential loads a credential row by ID.
	GetCredential(ctx context.Context, id string) (*Credential, error)

	// SaveCredential upserts a credential row (platform writes, fixtures).
	SaveCredential(ctx context.Context, c *Credential) error

	// DeleteCredential removes a credential row.
	DeleteCredential(ctx context.Context, id string) error
}

// =============================================================================
// Store Aggregate
// =============================================================================

// Store bundles the persistence ports behind a single backend handle.
type Store interface {
	ScheduleStore
	WorkflowStore
	CredentialStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying pool or file handle.
	Close() error
}

// =============================================================================
// Publisher Port
// =============================================================================

// Publisher ships execution messages to the worker fleet's queue.
type Publisher interface {
	// Publish sends one message. It reports success or failure and never
	// returns an error: every broker-level problem routes into the same
	// failure-bookkeeping path as a structural one.
	Publish(ctx context.Context, msg *ExecutionMessage) bool

	// Close shuts the broker connection down cleanly.
	Close() error
}

// =============================================================================
// Resolver Port
// =============================================================================

// GraphResolver substitutes credential references with decrypted values on
// a copy of the graph, immediately before dispatch.
type GraphResolver interface {
	Resolve(ctx context.Context, graph *WorkflowGraph) (*WorkflowGraph, error)
}
