// Package scheduler handles durable one-time and recurring task
// scheduling. Tasks survive restarts; a tick loop scans for due work
// and hands it to a fire callback.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned when a cron expression cannot be parsed.
// Validation happens at creation time so a bad expression never reaches
// the tick loop.
var ErrInvalidCron = errors.New("invalid cron expression")

// ErrNotFound is returned when a task ID does not exist.
var ErrNotFound = errors.New("task not found")

// cronParser accepts standard 5-field expressions plus an optional
// leading seconds field and @-descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt   ScheduleKind = "at"   // One-shot at a specific time
	ScheduleCron ScheduleKind = "cron" // Recurring cron expression
)

// Schedule defines when a task fires.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	At   *time.Time   `json:"at,omitempty"`
	Cron string       `json:"cron,omitempty"`
}

// Validate checks the schedule is well-formed. Cron expressions are
// parsed here so creation fails fast on bad input.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil || s.At.IsZero() {
			return errors.New("one-time schedule requires a fire time")
		}
		return nil
	case ScheduleCron:
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidCron, s.Cron, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// NextAfter returns the first fire time strictly after t, or false when
// the schedule has no future fires. A one-time schedule whose time has
// already passed still returns it: an overdue task fires on the next
// tick rather than being silently dropped.
func (s Schedule) NextAfter(t time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil {
			return time.Time{}, false
		}
		return *s.At, true
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(t), true
	default:
		return time.Time{}, false
	}
}

// State is a task's lifecycle phase. Every transition is persisted
// before and after a fire, so a crash mid-fire is visible on restart.
type State string

const (
	StatePending   State = "pending"   // Waiting for next_fire_at
	StateFiring    State = "firing"    // Handed to the fire callback
	StateCompleted State = "completed" // One-time task that fired
	StateCancelled State = "cancelled" // Terminal, never fires again
)

// Task is a persisted scheduled action. Payload is the instruction text
// delivered to the conversation engine when the task fires. SessionID
// targets an existing session; when empty the fire runs in a dedicated
// per-task session.
type Task struct {
	ID          string     `json:"id"` // UUIDv7
	SessionID   string     `json:"session_id,omitempty"`
	Schedule    Schedule   `json:"schedule"`
	Payload     string     `json:"payload"`
	State       State      `json:"state"`
	NextFireAt  time.Time  `json:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"` // Session or channel that created it
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Recurring reports whether the task fires more than once.
func (t *Task) Recurring() bool {
	return t.Schedule.Kind == ScheduleCron
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}
