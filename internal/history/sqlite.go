package history

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

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history: sqlite path is required")
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

func (s *sqliteStore) RecordSent(ctx context.Context, m SentMessage) error {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_messages(user_id, category, message_id, channel, sent_at)
		 VALUES(?,?,?,?,?)`,
		m.UserID, m.Category, m.MessageID, m.Channel, m.SentAt.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, userID, category string, limit int) ([]SentMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, category, message_id, channel, sent_at
		 FROM sent_messages
		 WHERE user_id = ? AND category = ?
		 ORDER BY sent_at DESC LIMIT ?`, userID, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var (
			m  SentMessage
			ch sql.NullString
			at string
		)
		if err := rows.Scan(&m.UserID, &m.Category, &m.MessageID, &ch, &at); err != nil {
			return nil, err
		}
		m.Channel = ch.String
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			m.SentAt = ts
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_messages WHERE sent_at < ?`, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
