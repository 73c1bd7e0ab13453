package delivery

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"mhm/internal/channel"
	"mhm/internal/history"
	"mhm/internal/prefs"
	"mhm/internal/timewindow"
	"mhm/pkg/logx"
)

func newSelectOrchestrator(t *testing.T, p *prefs.MemStore, hist history.Store) *Orchestrator {
	t.Helper()
	o, err := New(Config{RatePerSec: 1000}, Deps{
		Registry: channel.NewRegistry(),
		Prefs:    p,
		History:  hist,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.rng = rand.New(rand.NewSource(42))
	return o
}

func TestSelectPredefinedDedup(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetLibrary("u1", "motivation", []prefs.LibraryMessage{
		{ID: "a", Body: "a", Days: timewindow.AllDays},
		{ID: "b", Body: "b", Days: timewindow.AllDays},
	})
	hist := openFileHistory(t)
	o := newSelectOrchestrator(t, p, hist)

	now := time.Now()
	if err := hist.RecordSent(context.Background(), history.SentMessage{
		UserID: "u1", Category: "motivation", MessageID: "a", Channel: "fake", SentAt: now,
	}); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}

	for i := 0; i < 20; i++ {
		msg, err := o.selectPredefined(context.Background(), "u1", "motivation", now)
		if err != nil {
			t.Fatalf("selectPredefined: %v", err)
		}
		if msg.ID != "b" {
			t.Fatalf("draw %d picked recently sent %q", i, msg.ID)
		}
	}
}

func TestSelectPredefinedFallsBackWhenAllRecent(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetLibrary("u1", "motivation", []prefs.LibraryMessage{
		{ID: "a", Body: "a", Days: timewindow.AllDays},
		{ID: "b", Body: "b", Days: timewindow.AllDays},
	})
	hist := openFileHistory(t)
	o := newSelectOrchestrator(t, p, hist)

	now := time.Now()
	for _, id := range []string{"a", "b"} {
		if err := hist.RecordSent(context.Background(), history.SentMessage{
			UserID: "u1", Category: "motivation", MessageID: id, Channel: "fake", SentAt: now,
		}); err != nil {
			t.Fatalf("RecordSent: %v", err)
		}
	}

	// Repeating beats silence: the full set is used when dedup empties it.
	if _, err := o.selectPredefined(context.Background(), "u1", "motivation", now); err != nil {
		t.Fatalf("selectPredefined with exhausted pool: %v", err)
	}
}

func TestSelectPredefinedWeekdayFilter(t *testing.T) {
	monday := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	p := prefs.NewMemStore()
	p.SetLibrary("u1", "motivation", []prefs.LibraryMessage{
		{ID: "sun", Body: "sunday only", Days: timewindow.Days(time.Sunday)},
		{ID: "mon", Body: "monday only", Days: timewindow.Days(time.Monday)},
	})
	o := newSelectOrchestrator(t, p, nil)

	for i := 0; i < 10; i++ {
		msg, err := o.selectPredefined(context.Background(), "u1", "motivation", monday)
		if err != nil {
			t.Fatalf("selectPredefined: %v", err)
		}
		if msg.ID != "mon" {
			t.Fatalf("picked %q on a Monday", msg.ID)
		}
	}
}

func TestSelectPredefinedWindowTags(t *testing.T) {
	// Monday 09:30, inside the Morning window only.
	now := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)
	p := prefs.NewMemStore()
	p.SetWindows("u1", "motivation", []timewindow.Window{
		{Name: "Morning", Start: timewindow.ClockTime{Hour: 8}, End: timewindow.ClockTime{Hour: 12}, Active: true, Days: timewindow.AllDays},
		{Name: "Evening", Start: timewindow.ClockTime{Hour: 18}, End: timewindow.ClockTime{Hour: 22}, Active: true, Days: timewindow.AllDays},
	})
	p.SetLibrary("u1", "motivation", []prefs.LibraryMessage{
		{ID: "morning", Body: "rise", Days: timewindow.AllDays, Windows: []string{"Morning"}},
		{ID: "evening", Body: "wind down", Days: timewindow.AllDays, Windows: []string{"Evening"}},
	})
	o := newSelectOrchestrator(t, p, nil)

	for i := 0; i < 10; i++ {
		msg, err := o.selectPredefined(context.Background(), "u1", "motivation", now)
		if err != nil {
			t.Fatalf("selectPredefined: %v", err)
		}
		if msg.ID != "morning" {
			t.Fatalf("picked %q at 09:30, want the Morning-tagged message", msg.ID)
		}
	}
}

func TestDrawBiasTowardSpecific(t *testing.T) {
	o := newSelectOrchestrator(t, prefs.NewMemStore(), nil)
	specific := []prefs.LibraryMessage{{ID: "s"}}
	fallback := []prefs.LibraryMessage{{ID: "f"}}

	const n = 2000
	hits := 0
	for i := 0; i < n; i++ {
		if o.draw(specific, fallback).ID == "s" {
			hits++
		}
	}
	frac := float64(hits) / n
	if frac < 0.6 || frac > 0.8 {
		t.Fatalf("specific fraction = %.3f over %d draws, want around 0.7", frac, n)
	}
}

func TestClassifyTags(t *testing.T) {
	matched := map[string]bool{"Morning": true}
	cases := []struct {
		name string
		tags []string
		want windowTag
	}{
		{"untagged is fallback", nil, tagFallback},
		{"ALL is fallback", []string{"ALL"}, tagFallback},
		{"matching window", []string{"Morning"}, tagSpecific},
		{"non-matching window excluded", []string{"Evening"}, tagExcluded},
		{"mixed prefers specific", []string{"Evening", "Morning"}, tagSpecific},
		{"non-matching plus ALL", []string{"Evening", "ALL"}, tagFallback},
	}
	for _, c := range cases {
		if got := classifyTags(c.tags, matched); got != c.want {
			t.Errorf("%s: classifyTags = %v, want %v", c.name, got, c.want)
		}
	}
}

func openFileHistory(t *testing.T) history.Store {
	t.Helper()
	hist, err := history.Open(history.Config{
		Driver: "file",
		Path:   t.TempDir() + "/history.jsonl",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	return hist
}
