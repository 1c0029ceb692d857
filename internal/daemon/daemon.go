// Package daemon runs the due-detection loop: every tick it fetches the
// schedules due within the look-ahead window and dispatches them
// concurrently, each one ending in a bookkeeping write no matter how the
// attempt went.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flowdeck/pulse/internal/adapters/broker"
	"github.com/flowdeck/pulse/internal/core"
	"github.com/flowdeck/pulse/internal/service/schedule"
)

// State is the daemon's lifecycle phase.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StatePolling    State = "polling"
)

// Config holds the poller parameters.
type Config struct {
	Interval        time.Duration
	LookAhead       time.Duration
	DispatchTimeout time.Duration
}

// Stats is a snapshot of the poller's aggregate counters.
type Stats struct {
	Ticks      uint64    `json:"ticks"`
	Dispatched uint64    `json:"dispatched"`
	Failed     uint64    `json:"failed"`
	Skipped    uint64    `json:"skipped"`
	LastTick   time.Time `json:"last_tick"`
}

// Daemon is the poller. Construct with New, run with Run; it owns no
// connections itself — store, resolver and publisher are injected.
type Daemon struct {
	cfg       Config
	schedules *schedule.Service
	store     core.Store
	resolver  core.GraphResolver
	publisher core.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	stats Stats
}

// Option configures the daemon.
type Option func(*Daemon)

// WithClock injects a clock, used by tests to control ticks and dueness.
func WithClock(c clock.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// New creates a daemon.
func New(cfg Config, schedules *schedule.Service, store core.Store, resolver core.GraphResolver, publisher core.Publisher, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		schedules: schedules,
		store:     store,
		resolver:  resolver,
		publisher: publisher,
		clock:     clock.New(),
		logger:    logger,
		state:     StateStopped,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current lifecycle phase.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the poller counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run blocks until the context is cancelled. It verifies the store is
// reachable, then polls forever. Cancellation is observed between ticks:
// in-flight dispatches finish before Run returns, so no bookkeeping write
// is lost to shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(StateConnecting)
	if err := d.store.Ping(ctx); err != nil {
		d.setState(StateStopped)
		return fmt.Errorf("store unreachable: %w", err)
	}
	d.setState(StatePolling)
	d.logger.Info("poller started",
		"interval", d.cfg.Interval, "look_ahead", d.cfg.LookAhead,
		"dispatch_timeout", d.cfg.DispatchTimeout)

	ticker := d.clock.Ticker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.setState(StateStopped)
			d.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one poll cycle. A fetch error aborts only this tick — nothing
// was attempted yet, so there is nothing to record — and the next tick
// retries naturally.
func (d *Daemon) tick(ctx context.Context) {
	now := d.clock.Now()
	due, err := d.schedules.ListDue(ctx, now, d.cfg.LookAhead)
	if err != nil {
		d.logger.Warn("due query failed, skipping tick", "error", err)
		return
	}

	if len(due) > 0 {
		d.logger.Debug("tick", "due", len(due))
	}

	// Fan out one goroutine per due schedule and join all of them before
	// the next fetch. A WaitGroup, not an errgroup: one schedule's failure
	// must never cancel its siblings.
	var wg sync.WaitGroup
	for _, rec := range due {
		wg.Add(1)
		go func(rec *core.ScheduleRecord) {
			defer wg.Done()
			d.dispatchOne(ctx, rec)
		}(rec)
	}
	wg.Wait()

	d.mu.Lock()
	d.stats.Ticks++
	d.stats.LastTick = now
	d.mu.Unlock()
}

// dispatchOne runs the full attempt for one schedule: dueness re-check,
// graph load, credential resolution, publish, bookkeeping. The bookkeeping
// write is unconditional — it runs even when an earlier step failed or
// panicked, because an un-updated due schedule would be re-attempted every
// tick forever.
func (d *Daemon) dispatchOne(ctx context.Context, rec *core.ScheduleRecord) {
	now := d.clock.Now()

	// The look-ahead window fetches rows that are not yet due; those are
	// skipped silently, with no counter touched.
	if !rec.IsDue(now) {
		d.mu.Lock()
		d.stats.Skipped++
		d.mu.Unlock()
		return
	}

	// The attempt is detached from the run context: shutdown lets in-flight
	// dispatches finish rather than hard-cancelling them, so a restart never
	// turns a healthy publish into a recorded failure. DispatchTimeout is
	// the only bound.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DispatchTimeout)
	defer cancel()

	var attemptErr error
	defer func() {
		if r := recover(); r != nil {
			attemptErr = core.ErrInternal(core.CodeDispatchPanic, fmt.Sprintf("dispatch panicked: %v", r))
		}
		d.recordOutcome(ctx, rec, attemptErr, now)
	}()

	attemptErr = d.attempt(attemptCtx, rec)
}

func (d *Daemon) attempt(ctx context.Context, rec *core.ScheduleRecord) error {
	graph, err := d.store.GetWorkflowGraph(ctx, rec.WorkflowID)
	if err != nil {
		return err
	}

	resolved, err := d.resolver.Resolve(ctx, graph)
	if err != nil {
		return err
	}

	msg, err := broker.BuildMessage(rec.WorkflowID, resolved)
	if err != nil {
		return err
	}

	if !d.publisher.Publish(ctx, msg) {
		return core.ErrNetwork(core.CodePublishFailed, "publishing execution message failed").
			WithDetail("workflow_id", rec.WorkflowID).
			WithDetail("execution_id", msg.ExecutionID)
	}

	d.logger.Info("workflow dispatched",
		"workflow_id", rec.WorkflowID, "schedule_id", rec.ID, "execution_id", msg.ExecutionID)
	return nil
}

// recordOutcome persists the attempt's bookkeeping under its own bounded
// context, detached from the attempt's: a dispatch timeout must not take
// the bookkeeping write down with it.
func (d *Daemon) recordOutcome(ctx context.Context, rec *core.ScheduleRecord, attemptErr error, at time.Time) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DispatchTimeout)
	defer cancel()

	if _, err := d.schedules.RecordOutcome(writeCtx, rec, attemptErr, at); err != nil {
		// The one place a failure is a real problem: this schedule will be
		// re-fetched and re-attempted next tick.
		d.logger.Error("bookkeeping update lost",
			"schedule_id", rec.ID, "workflow_id", rec.WorkflowID,
			"attempt_error", attemptErr, "error", err)
		return
	}

	d.mu.Lock()
	if attemptErr != nil {
		d.stats.Failed++
	} else {
		d.stats.Dispatched++
	}
	d.mu.Unlock()

	if attemptErr != nil {
		d.logger.Warn("dispatch attempt failed",
			"schedule_id", rec.ID, "workflow_id", rec.WorkflowID, "error", attemptErr)
	}
}
