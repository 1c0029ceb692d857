package core

import (
	"time"
)

// MaxIntervalSeconds caps schedule intervals at one year.
const MaxIntervalSeconds = 31536000

// ScheduleRecord is the persistent time trigger for one workflow. At most
// one record exists per workflow; the poller fires it whenever NextRunAt
// falls due and the record is active.
type ScheduleRecord struct {
	ID              string
	WorkflowID      string
	IntervalSeconds int64
	StartAt         *time.Time
	NextRunAt       time.Time
	LastRunAt       *time.Time
	IsActive        bool
	RunCount        int64
	FailureCount    int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Interval returns the firing interval as a duration.
func (s *ScheduleRecord) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// IsDue reports whether the schedule should fire at the given instant.
func (s *ScheduleRecord) IsDue(now time.Time) bool {
	return !s.NextRunAt.After(now)
}

// NextAfter computes the run following an attempt made at the given instant.
// Cadence is measured from the actual attempt time, not aligned to wall
// clock boundaries, so a late tick never causes catch-up bursts.
func (s *ScheduleRecord) NextAfter(at time.Time) time.Time {
	return at.Add(s.Interval())
}

// InitialNextRun computes the first due time for a new or rescheduled
// record: a start time still in the future is honored exactly; a past or
// absent start makes the schedule immediately due.
func InitialNextRun(now time.Time, startAt *time.Time) time.Time {
	if startAt != nil && startAt.After(now) {
		return *startAt
	}
	return now
}

// Validate checks record invariants enforced at every write.
func (s *ScheduleRecord) Validate() error {
	if s.WorkflowID == "" {
		return ErrValidation("SCHEDULE_WORKFLOW_REQUIRED", "schedule workflow ID cannot be empty")
	}
	if s.IntervalSeconds <= 0 {
		return ErrInvalidInterval(s.IntervalSeconds)
	}
	if s.IntervalSeconds > MaxIntervalSeconds {
		return ErrInvalidInterval(s.IntervalSeconds)
	}
	return nil
}

// ScheduleOutcome is the bookkeeping written after every dispatch attempt,
// successful or not. NextRunAt always advances so a broken schedule cannot
// be re-attempted within the same interval forever.
type ScheduleOutcome struct {
	AttemptedAt time.Time
	NextRunAt   time.Time
	Err         error
}

// Failed reports whether the attempt ended in an error.
func (o ScheduleOutcome) Failed() bool {
	return o.Err != nil
}

// ErrorMessage returns the failure text to persist, empty on success.
func (o ScheduleOutcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
