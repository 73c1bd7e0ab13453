// Package taskstore is the task-management capability consumed by the
// scheduler: read tasks, list incomplete ones, and record that a reminder
// went out. Task CRUD itself lives elsewhere.
package taskstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("taskstore: task not found")

type Priority string

const (
	PriorityNone     Priority = "none"
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority normalizes a stored priority string; unknown values map to
// "none" rather than failing a whole listing.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityMedium:
		return PriorityMedium
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical:
		return PriorityCritical
	default:
		return PriorityNone
	}
}

type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Priority    Priority
	Due         *time.Time // nil when no due date is set
	Completed   bool

	LastReminderAt *time.Time
}

// Store is the consumed task capability.
type Store interface {
	TaskByID(ctx context.Context, userID, taskID string) (*Task, error)
	ListIncomplete(ctx context.Context, userID string) ([]Task, error)
	MarkReminderSent(ctx context.Context, userID, taskID string) error
	TasksEnabled(ctx context.Context, userID string) bool
	Close() error
}
