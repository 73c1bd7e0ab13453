// Package schedule owns the in-memory job store and the scheduling engine:
// it picks random delivery instants inside user time windows, keeps per-user
// jobs conflict-free, fires due jobs with bounded retries, and re-arms the
// recurring maintenance jobs.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Kind tags what a job is for. One-shot kinds are removed after firing;
// recurring jobs re-arm themselves from their cron schedule.
type Kind uint8

const (
	KindOneTimeMessage Kind = iota + 1
	KindTaskReminder
	KindRecurringSystem
)

func (k Kind) String() string {
	switch k {
	case KindOneTimeMessage:
		return "one_time_message"
	case KindTaskReminder:
		return "task_reminder"
	case KindRecurringSystem:
		return "recurring_system"
	default:
		return "unknown"
	}
}

// Job is one scheduled unit of work. All metadata needed for purging,
// conflict checks, and orphan sweeps is explicit on the struct; nothing is
// recovered from the action itself.
type Job struct {
	ID     string
	Kind   Kind
	UserID string

	// Category is set for one-time message jobs ("checkin" included).
	Category string
	// TaskID is set for task reminder jobs.
	TaskID string
	// Name labels recurring system jobs.
	Name string

	FireAt   time.Time
	Schedule cron.Schedule // non-nil only for KindRecurringSystem
	Action   func(ctx context.Context) error

	// firing guards against double-dispatch while the action runs.
	// Owned by the store mutex.
	firing bool
}

func newOneTimeMessage(userID, category string, at time.Time, action func(ctx context.Context) error) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Kind:     KindOneTimeMessage,
		UserID:   userID,
		Category: category,
		FireAt:   at,
		Action:   action,
	}
}

func newTaskReminder(userID, taskID string, at time.Time, action func(ctx context.Context) error) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Kind:   KindTaskReminder,
		UserID: userID,
		TaskID: taskID,
		FireAt: at,
		Action: action,
	}
}

func newRecurringSystem(name string, sched cron.Schedule, now time.Time, action func(ctx context.Context) error) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Kind:     KindRecurringSystem,
		Name:     name,
		FireAt:   sched.Next(now),
		Schedule: sched,
		Action:   action,
	}
}
