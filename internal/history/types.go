// Package history records which predefined messages were delivered to whom,
// backing the duplicate-suppression window and the daily archival job. Job
// state is deliberately NOT persisted here; jobs are rebuilt from source data
// on startup.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the history store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free JSON Lines backend
//
// If Driver is "none", history is disabled and dedup degrades to
// "never suppress".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// SentMessage is one delivered predefined message.
type SentMessage struct {
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	MessageID string    `json:"message_id"`
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sent_at"`
}

// Store is the minimal persistence API used by the orchestrator and the
// archival system job.
type Store interface {
	RecordSent(ctx context.Context, m SentMessage) error
	// Recent returns up to limit rows for (userID, category), newest first.
	Recent(ctx context.Context, userID, category string, limit int) ([]SentMessage, error)
	// ArchiveOlderThan removes rows sent before cutoff; returns rows removed.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
