// Package schedule implements the schedule lifecycle: creation preconditions,
// next-run computation, updates, deletion, and the post-attempt bookkeeping
// write shared by the daemon. The platform's management API calls the same
// operations, so every rule lives here exactly once.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/flowdeck/pulse/internal/core"
)

// Service owns schedule lifecycle operations.
type Service struct {
	store        core.Store
	clock        clock.Clock
	disableAfter int
	logger       *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithClock injects a clock, used by tests to control time.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New creates the lifecycle service. disableAfter is the consecutive-failure
// threshold at which a schedule auto-deactivates.
func New(store core.Store, disableAfter int, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		clock:        clock.New(),
		disableAfter: disableAfter,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create attaches a time trigger to a workflow. The workflow must exist,
// its graph must contain a trigger node, the interval must lie in
// (0, MaxIntervalSeconds], and no schedule may already exist for it.
// On success the workflow's trigger kind marker flips to "scheduled".
func (s *Service) Create(ctx context.Context, workflowID string, intervalSeconds int64, startAt *time.Time, isActive bool) (*core.ScheduleRecord, error) {
	graph, err := s.store.GetWorkflowGraph(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !graph.HasTriggerNode() {
		return nil, core.ErrNoTriggerNode(workflowID)
	}
	if intervalSeconds <= 0 || intervalSeconds > core.MaxIntervalSeconds {
		return nil, core.ErrInvalidInterval(intervalSeconds)
	}
	existing, err := s.store.GetScheduleByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, core.ErrScheduleExists(workflowID)
	}

	now := s.clock.Now().UTC()
	rec := &core.ScheduleRecord{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		IntervalSeconds: intervalSeconds,
		StartAt:         startAt,
		NextRunAt:       core.InitialNextRun(now, startAt),
		IsActive:        isActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.store.SetTriggerKind(ctx, workflowID, core.TriggerScheduled); err != nil {
		return nil, fmt.Errorf("marking workflow as scheduled: %w", err)
	}

	s.logger.Info("schedule created",
		"schedule_id", rec.ID, "workflow_id", workflowID,
		"interval_seconds", intervalSeconds, "next_run_at", rec.NextRunAt)
	return rec, nil
}

// Get returns the schedule for a workflow, nil when none exists.
func (s *Service) Get(ctx context.Context, workflowID string) (*core.ScheduleRecord, error) {
	return s.store.GetScheduleByWorkflow(ctx, workflowID)
}

// UpdateParams carries the optional fields of an update. Nil means leave
// unchanged.
type UpdateParams struct {
	IntervalSeconds *int64
	StartAt         *time.Time
	IsActive        *bool
}

// Update applies an explicit update. NextRunAt is recomputed only when the
// interval or the start time changed: toggling IsActive alone never resets
// cadence, so deactivate/reactivate keeps the original rhythm.
func (s *Service) Update(ctx context.Context, rec *core.ScheduleRecord, params UpdateParams) (*core.ScheduleRecord, error) {
	updated := *rec
	cadenceChanged := false

	if params.IntervalSeconds != nil && *params.IntervalSeconds != rec.IntervalSeconds {
		if *params.IntervalSeconds <= 0 || *params.IntervalSeconds > core.MaxIntervalSeconds {
			return nil, core.ErrInvalidInterval(*params.IntervalSeconds)
		}
		updated.IntervalSeconds = *params.IntervalSeconds
		cadenceChanged = true
	}
	if params.StartAt != nil && (rec.StartAt == nil || !params.StartAt.Equal(*rec.StartAt)) {
		updated.StartAt = params.StartAt
		cadenceChanged = true
	}
	if params.IsActive != nil {
		updated.IsActive = *params.IsActive
	}

	now := s.clock.Now().UTC()
	if cadenceChanged {
		if updated.LastRunAt == nil {
			updated.NextRunAt = core.InitialNextRun(now, updated.StartAt)
		} else {
			updated.NextRunAt = updated.NextAfter(now)
		}
	}
	updated.UpdatedAt = now

	if err := s.store.UpdateSchedule(ctx, &updated); err != nil {
		return nil, err
	}
	s.logger.Info("schedule updated",
		"schedule_id", updated.ID, "workflow_id", updated.WorkflowID,
		"is_active", updated.IsActive, "next_run_at", updated.NextRunAt)
	return &updated, nil
}

// Delete removes a schedule permanently and resets the workflow's trigger
// kind marker to "manual". Unlike deactivation this cannot be undone.
func (s *Service) Delete(ctx context.Context, rec *core.ScheduleRecord) error {
	if err := s.store.DeleteSchedule(ctx, rec.ID); err != nil {
		return err
	}
	if err := s.store.SetTriggerKind(ctx, rec.WorkflowID, core.TriggerManual); err != nil {
		// The schedule is already gone; a missing workflow just means the
		// cascade got there first.
		if !core.IsNotFound(err) {
			return fmt.Errorf("resetting trigger kind: %w", err)
		}
	}
	s.logger.Info("schedule deleted", "schedule_id", rec.ID, "workflow_id", rec.WorkflowID)
	return nil
}

// ListDue returns the active schedules due within the look-ahead window,
// earliest first.
func (s *Service) ListDue(ctx context.Context, now time.Time, lookAhead time.Duration) ([]*core.ScheduleRecord, error) {
	return s.store.ListDueSchedules(ctx, now.Add(lookAhead))
}

// ListForWorkflows returns schedules for a set of workflows; the management
// API uses it to decorate workflow listings.
func (s *Service) ListForWorkflows(ctx context.Context, workflowIDs []string) ([]*core.ScheduleRecord, error) {
	return s.store.ListSchedulesByWorkflows(ctx, workflowIDs)
}

// RecordOutcome persists the bookkeeping for one attempt: the run counter
// always increments and NextRunAt always advances by one interval from the
// attempt time, success or failure, so a broken schedule can never be
// re-attempted within the same interval forever.
func (s *Service) RecordOutcome(ctx context.Context, rec *core.ScheduleRecord, attemptErr error, at time.Time) (*core.ScheduleRecord, error) {
	outcome := core.ScheduleOutcome{
		AttemptedAt: at.UTC(),
		NextRunAt:   rec.NextAfter(at.UTC()),
		Err:         attemptErr,
	}
	updated, err := s.store.RecordScheduleOutcome(ctx, rec.ID, outcome, s.disableAfter)
	if err != nil {
		return nil, err
	}
	if !updated.IsActive && rec.IsActive {
		s.logger.Warn("schedule auto-disabled after consecutive failures",
			"schedule_id", updated.ID, "workflow_id", updated.WorkflowID,
			"failure_count", updated.FailureCount, "last_error", updated.LastError)
	}
	return updated, nil
}
