package taskstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mhm/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (and migrates) the task database.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("taskstore: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) TaskByID(ctx context.Context, userID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, priority, due, completed, last_reminder_at
		 FROM tasks WHERE user_id = ? AND id = ?`, userID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqliteStore) ListIncomplete(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, priority, due, completed, last_reminder_at
		 FROM tasks WHERE user_id = ? AND completed = 0 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkReminderSent(ctx context.Context, userID, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_reminder_at = ? WHERE user_id = ? AND id = ?`,
		time.Now().Format(time.RFC3339Nano), userID, taskID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) TasksEnabled(ctx context.Context, userID string) bool {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM task_settings WHERE user_id = ?`, userID).Scan(&enabled)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && !s.log.IsZero() {
			s.log.Warn("task settings lookup failed", logx.String("user", userID), logx.Err(err))
		}
		return false
	}
	return enabled != 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t         Task
		desc      sql.NullString
		due       sql.NullString
		completed int
		remindAt  sql.NullString
		prio      string
	)
	if err := r.Scan(&t.ID, &t.UserID, &t.Title, &desc, &prio, &due, &completed, &remindAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Priority = ParsePriority(prio)
	t.Completed = completed != 0
	if due.Valid && due.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, due.String); err == nil {
			t.Due = &ts
		} else if ts, err := time.Parse("2006-01-02", due.String); err == nil {
			t.Due = &ts
		}
	}
	if remindAt.Valid && remindAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, remindAt.String); err == nil {
			t.LastReminderAt = &ts
		}
	}
	return &t, nil
}
