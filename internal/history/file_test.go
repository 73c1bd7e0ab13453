package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mhm/pkg/logx"
)

func openTestFile(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestFileStoreRecordAndRecent(t *testing.T) {
	st := openTestFile(t, filepath.Join(t.TempDir(), "history.jsonl"))
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"m1", "m2", "m3"} {
		err := st.RecordSent(ctx, SentMessage{
			UserID: "u1", Category: "motivation", MessageID: id,
			Channel: "telegram", SentAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("RecordSent %s: %v", id, err)
		}
	}
	if err := st.RecordSent(ctx, SentMessage{
		UserID: "u2", Category: "motivation", MessageID: "other", SentAt: base,
	}); err != nil {
		t.Fatalf("RecordSent other user: %v", err)
	}

	rows, err := st.Recent(ctx, "u1", "motivation", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Recent returned %d rows, want 2", len(rows))
	}
	// Newest first, other users filtered out.
	if rows[0].MessageID != "m3" || rows[1].MessageID != "m2" {
		t.Fatalf("Recent order = %s, %s; want m3, m2", rows[0].MessageID, rows[1].MessageID)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st := openTestFile(t, path)
	ctx := context.Background()
	if err := st.RecordSent(ctx, SentMessage{
		UserID: "u1", Category: "motivation", MessageID: "m1", SentAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again := openTestFile(t, path)
	rows, err := again.Recent(ctx, "u1", "motivation", 10)
	if err != nil {
		t.Fatalf("Recent after reopen: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageID != "m1" {
		t.Fatalf("rows after reopen = %+v, want the recorded message", rows)
	}
}

func TestFileStoreArchiveOlderThan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st := openTestFile(t, path)
	ctx := context.Background()
	now := time.Now()

	old := SentMessage{UserID: "u1", Category: "motivation", MessageID: "old", SentAt: now.Add(-90 * 24 * time.Hour)}
	fresh := SentMessage{UserID: "u1", Category: "motivation", MessageID: "fresh", SentAt: now}
	for _, m := range []SentMessage{old, fresh} {
		if err := st.RecordSent(ctx, m); err != nil {
			t.Fatalf("RecordSent: %v", err)
		}
	}

	removed, err := st.ArchiveOlderThan(ctx, now.Add(-60*24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveOlderThan: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	rows, err := st.Recent(ctx, "u1", "motivation", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageID != "fresh" {
		t.Fatalf("rows after archive = %+v, want only fresh", rows)
	}

	// The compacted file must still be appendable.
	if err := st.RecordSent(ctx, SentMessage{
		UserID: "u1", Category: "motivation", MessageID: "post", SentAt: now,
	}); err != nil {
		t.Fatalf("RecordSent after compaction: %v", err)
	}
}
