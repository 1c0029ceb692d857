// Package testutil provides in-memory fakes and fixture builders shared by
// the engine's test suites.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowdeck/pulse/internal/core"
)

// FakeStore is an in-memory core.Store. It mirrors the real backends'
// semantics closely enough for service and daemon tests: workflow-unique
// schedules, cascading workflow deletes, and the atomic outcome write.
type FakeStore struct {
	mu          sync.Mutex
	schedules   map[string]*core.ScheduleRecord // by schedule id
	workflows   map[string]*core.Workflow
	credentials map[string]*core.Credential

	// PingErr, when set, is returned by Ping.
	PingErr error
	// FailListDue, when set, makes ListDueSchedules return this error once.
	FailListDue error
	// FailOutcome, when set, makes RecordScheduleOutcome return this error.
	FailOutcome error

	// OutcomeCalls counts RecordScheduleOutcome invocations.
	OutcomeCalls int
}

// NewFakeStore creates an empty in-memory store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		schedules:   make(map[string]*core.ScheduleRecord),
		workflows:   make(map[string]*core.Workflow),
		credentials: make(map[string]*core.Credential),
	}
}

func (f *FakeStore) CreateSchedule(_ context.Context, s *core.ScheduleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.schedules {
		if existing.WorkflowID == s.WorkflowID {
			return core.ErrScheduleExists(s.WorkflowID)
		}
	}
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *FakeStore) GetSchedule(_ context.Context, id string) (*core.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, core.ErrNotFound("schedule", id)
	}
	cp := *s
	return &cp, nil
}

func (f *FakeStore) GetScheduleByWorkflow(_ context.Context, workflowID string) (*core.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.schedules {
		if s.WorkflowID == workflowID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) UpdateSchedule(_ context.Context, s *core.ScheduleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[s.ID]; !ok {
		return core.ErrNotFound("schedule", s.ID)
	}
	cp := *s
	f.schedules[s.ID] = &cp
	return nil
}

func (f *FakeStore) DeleteSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, id)
	return nil
}

func (f *FakeStore) ListDueSchedules(_ context.Context, cutoff time.Time) ([]*core.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListDue != nil {
		err := f.FailListDue
		f.FailListDue = nil
		return nil, err
	}
	var due []*core.ScheduleRecord
	for _, s := range f.schedules {
		if s.IsActive && !s.NextRunAt.After(cutoff) {
			cp := *s
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due, nil
}

func (f *FakeStore) ListSchedulesByWorkflows(_ context.Context, workflowIDs []string) ([]*core.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]struct{}, len(workflowIDs))
	for _, id := range workflowIDs {
		wanted[id] = struct{}{}
	}
	var out []*core.ScheduleRecord
	for _, s := range f.schedules {
		if _, ok := wanted[s.WorkflowID]; ok {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (f *FakeStore) CountActiveSchedules(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.schedules {
		if s.IsActive {
			n++
		}
	}
	return n, nil
}

func (f *FakeStore) RecordScheduleOutcome(_ context.Context, id string, outcome core.ScheduleOutcome, disableAfter int) (*core.ScheduleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OutcomeCalls++
	if f.FailOutcome != nil {
		return nil, f.FailOutcome
	}
	s, ok := f.schedules[id]
	if !ok {
		return nil, core.ErrNotFound("schedule", id)
	}
	s.RunCount++
	at := outcome.AttemptedAt
	s.LastRunAt = &at
	s.NextRunAt = outcome.NextRunAt
	if outcome.Failed() {
		s.FailureCount++
		s.LastError = outcome.ErrorMessage()
		if s.FailureCount >= disableAfter {
			s.IsActive = false
		}
	} else {
		s.FailureCount = 0
		s.LastError = ""
	}
	s.UpdatedAt = at
	cp := *s
	return &cp, nil
}

func (f *FakeStore) GetWorkflow(_ context.Context, id string) (*core.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return nil, core.ErrNotFound("workflow", id)
	}
	cp := *w
	return &cp, nil
}

func (f *FakeStore) GetWorkflowGraph(_ context.Context, id string) (*core.WorkflowGraph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return nil, core.ErrNotFound("workflow", id)
	}
	return w.Graph.Clone(), nil
}

func (f *FakeStore) SaveWorkflow(_ context.Context, w *core.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workflows[w.ID] = &cp
	return nil
}

func (f *FakeStore) SetTriggerKind(_ context.Context, id string, kind core.TriggerKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return core.ErrNotFound("workflow", id)
	}
	w.TriggerKind = kind
	return nil
}

func (f *FakeStore) DeleteWorkflow(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workflows, id)
	for sid, s := range f.schedules {
		if s.WorkflowID == id {
			delete(f.schedules, sid)
		}
	}
	return nil
}

func (f *FakeStore) GetCredential(_ context.Context, id string) (*core.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[id]
	if !ok {
		return nil, core.ErrNotFound("credential", id)
	}
	cp := *c
	return &cp, nil
}

func (f *FakeStore) SaveCredential(_ context.Context, c *core.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.credentials[c.ID] = &cp
	return nil
}

func (f *FakeStore) DeleteCredential(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.credentials, id)
	return nil
}

func (f *FakeStore) Ping(_ context.Context) error { return f.PingErr }

func (f *FakeStore) Close() error { return nil }

// TriggerKindOf returns the stored trigger kind for a workflow, empty when
// the workflow is unknown.
func (f *FakeStore) TriggerKindOf(id string) core.TriggerKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workflows[id]; ok {
		return w.TriggerKind
	}
	return ""
}

// FakePublisher is an in-memory core.Publisher that records everything it
// was asked to publish. FailNext makes the next n publishes report failure.
type FakePublisher struct {
	mu        sync.Mutex
	published []*core.ExecutionMessage

	// FailNext fails this many publishes before succeeding again. Negative
	// means fail forever.
	FailNext int
	// Hook, when set, runs at the start of every Publish with the publish
	// context, letting tests act mid-flight.
	Hook func(ctx context.Context)
	// Closed reports whether Close was called.
	Closed bool
}

// NewFakePublisher creates an always-succeeding publisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (p *FakePublisher) Publish(ctx context.Context, msg *core.ExecutionMessage) bool {
	if p.Hook != nil {
		p.Hook(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext != 0 {
		if p.FailNext > 0 {
			p.FailNext--
		}
		return false
	}
	p.published = append(p.published, msg)
	return true
}

func (p *FakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Published returns a snapshot of the successfully published messages.
func (p *FakePublisher) Published() []*core.ExecutionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.ExecutionMessage, len(p.published))
	copy(out, p.published)
	return out
}

// FakeResolver is a core.GraphResolver whose behavior tests can script.
type FakeResolver struct {
	// Err, when set, is returned for every Resolve call.
	Err error
	// PanicWith, when set, makes Resolve panic with this value.
	PanicWith any
}

func (r *FakeResolver) Resolve(_ context.Context, graph *core.WorkflowGraph) (*core.WorkflowGraph, error) {
	if r.PanicWith != nil {
		panic(r.PanicWith)
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return graph.Clone(), nil
}
