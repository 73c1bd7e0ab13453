package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mhm/internal/prefs"
	"mhm/internal/taskstore"
	"mhm/internal/timewindow"
	"mhm/pkg/logx"
)

// fixedNow is a Monday.
var fixedNow = time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu        sync.Mutex
	msgCalls  []string
	taskCalls []string
	msgErr    error
	panics    bool
}

func (f *fakeSender) HandleMessageSending(ctx context.Context, userID, category string) error {
	if f.panics {
		panic("sender exploded")
	}
	f.mu.Lock()
	f.msgCalls = append(f.msgCalls, userID+"/"+category)
	f.mu.Unlock()
	return f.msgErr
}

func (f *fakeSender) HandleTaskReminder(ctx context.Context, userID, taskID string) error {
	f.mu.Lock()
	f.taskCalls = append(f.taskCalls, userID+"/"+taskID)
	f.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T, p prefs.Store, ts taskstore.Store, snd Sender) *Manager {
	t.Helper()
	cfg := Config{
		Location:         time.UTC,
		ActionRetryDelay: time.Millisecond,
	}
	m, err := NewManager(cfg, Deps{Prefs: p, Tasks: ts, Sender: snd}, logx.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.now = func() time.Time { return fixedNow }
	m.picker = timewindow.NewSeededSlotPicker(30*time.Minute, 1)
	return m
}

func mustClock(t *testing.T, s string) timewindow.ClockTime {
	t.Helper()
	c, err := timewindow.ParseClock(s)
	if err != nil {
		t.Fatalf("ParseClock(%q): %v", s, err)
	}
	return c
}

func win(t *testing.T, name, start, end string, days ...time.Weekday) timewindow.Window {
	t.Helper()
	set := timewindow.AllDays
	if len(days) > 0 {
		set = timewindow.Days(days...)
	}
	return timewindow.Window{
		Name:   name,
		Start:  mustClock(t, start),
		End:    mustClock(t, end),
		Active: true,
		Days:   set,
	}
}

func TestScheduleCategoryJobIdempotent(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", "motivation", []timewindow.Window{win(t, "Day", "08:00", "20:00")})
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	for i := 0; i < 2; i++ {
		if err := m.ScheduleCategoryJob(context.Background(), "u1", "motivation"); err != nil {
			t.Fatalf("ScheduleCategoryJob: %v", err)
		}
	}

	jobs := m.Store().ForUser("u1")
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs after reschedule, want 1", len(jobs))
	}
	j := jobs[0]
	if j.Kind != KindOneTimeMessage || j.Category != "motivation" {
		t.Fatalf("unexpected job: kind=%v category=%q", j.Kind, j.Category)
	}
	dayStart := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	dayEnd := time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)
	if j.FireAt.Before(dayStart) || !j.FireAt.Before(dayEnd) {
		t.Fatalf("FireAt %v outside today's window [%v, %v)", j.FireAt, dayStart, dayEnd)
	}
	if !j.FireAt.After(fixedNow) {
		t.Fatalf("FireAt %v not in the future", j.FireAt)
	}
}

func TestScheduleCategoryJobSkipsOtherDays(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", "motivation", []timewindow.Window{
		win(t, "Sundays", "08:00", "20:00", time.Sunday),
	})
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	if err := m.ScheduleCategoryJob(context.Background(), "u1", "motivation"); err != nil {
		t.Fatalf("ScheduleCategoryJob: %v", err)
	}
	if jobs := m.Store().ForUser("u1"); len(jobs) != 0 {
		t.Fatalf("got %d jobs for a Sunday-only window on a Monday, want 0", len(jobs))
	}
}

func TestScheduleCategoryJobsKeepDistance(t *testing.T) {
	p := prefs.NewMemStore()
	w := []timewindow.Window{win(t, "Day", "08:00", "20:00")}
	p.SetWindows("u1", "motivation", w)
	p.SetWindows("u1", "hydration", w)
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	ctx := context.Background()
	if err := m.ScheduleCategoryJob(ctx, "u1", "motivation"); err != nil {
		t.Fatalf("ScheduleCategoryJob: %v", err)
	}
	if err := m.ScheduleCategoryJob(ctx, "u1", "hydration"); err != nil {
		t.Fatalf("ScheduleCategoryJob: %v", err)
	}

	jobs := m.Store().ForUser("u1")
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	gap := jobs[1].FireAt.Sub(jobs[0].FireAt)
	if gap < 2*time.Hour {
		t.Fatalf("jobs %v apart, want at least 2h", gap)
	}
}

func TestScheduleTaskRemindersDisabled(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", CategoryTasks, []timewindow.Window{win(t, "Day", "08:00", "20:00")})
	ts := taskstore.NewMemStore()
	due := fixedNow.AddDate(0, 0, 1)
	ts.Put(taskstore.Task{ID: "t1", UserID: "u1", Title: "water plants", Due: &due})
	m := newTestManager(t, p, ts, &fakeSender{})

	// A stale reminder from before the user disabled tasks.
	m.Store().Add(newTaskReminder("u1", "t1", fixedNow.Add(time.Hour), nil))

	if err := m.ScheduleTaskReminders(context.Background(), "u1"); err != nil {
		t.Fatalf("ScheduleTaskReminders: %v", err)
	}
	if jobs := m.Store().ForUser("u1"); len(jobs) != 0 {
		t.Fatalf("got %d jobs with task reminders disabled, want 0", len(jobs))
	}
}

func TestScheduleTaskReminders(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", CategoryTasks, []timewindow.Window{win(t, "Day", "08:00", "20:00")})
	ts := taskstore.NewMemStore()
	ts.SetEnabled("u1", true)
	ts.Put(taskstore.Task{ID: "t1", UserID: "u1", Title: "water plants", Priority: taskstore.PriorityHigh})
	m := newTestManager(t, p, ts, &fakeSender{})

	if err := m.ScheduleTaskReminders(context.Background(), "u1"); err != nil {
		t.Fatalf("ScheduleTaskReminders: %v", err)
	}
	jobs := m.Store().ForUser("u1")
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].Kind != KindTaskReminder || jobs[0].TaskID != "t1" {
		t.Fatalf("unexpected job: kind=%v task=%q", jobs[0].Kind, jobs[0].TaskID)
	}
}

func TestScheduleCheckins(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", CategoryCheckin, []timewindow.Window{win(t, "Evening", "18:00", "21:00")})
	p.SetCheckin("u1", prefs.CheckinSettings{Enabled: true, Frequency: "daily"})
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	if err := m.ScheduleCheckins(context.Background(), "u1"); err != nil {
		t.Fatalf("ScheduleCheckins: %v", err)
	}
	jobs := m.Store().ForUser("u1")
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 checkin job", len(jobs))
	}
	if jobs[0].Category != CategoryCheckin {
		t.Fatalf("job category = %q, want %q", jobs[0].Category, CategoryCheckin)
	}
}

func TestScheduleCheckinsWeeklyOffDay(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", CategoryCheckin, []timewindow.Window{win(t, "Evening", "18:00", "21:00")})
	p.SetCheckin("u1", prefs.CheckinSettings{Enabled: true, Frequency: "weekly"})
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})
	m.now = func() time.Time { return fixedNow.AddDate(0, 0, 1) } // Tuesday

	if err := m.ScheduleCheckins(context.Background(), "u1"); err != nil {
		t.Fatalf("ScheduleCheckins: %v", err)
	}
	if jobs := m.Store().ForUser("u1"); len(jobs) != 0 {
		t.Fatalf("weekly checkin scheduled on a Tuesday: %d jobs", len(jobs))
	}
}

func TestRunJobRetriesThenRemoves(t *testing.T) {
	p := prefs.NewMemStore()
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	var attempts int
	j := newOneTimeMessage("u1", "motivation", fixedNow, func(context.Context) error {
		attempts++
		return fmt.Errorf("boom %d", attempts)
	})
	m.Store().Add(j)
	m.Store().Due(fixedNow.Add(time.Second))

	m.runJob(context.Background(), *j)

	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if m.Store().Len() != 0 {
		t.Fatalf("job still in store after exhausted retries")
	}
}

func TestRunJobRecoversPanic(t *testing.T) {
	p := prefs.NewMemStore()
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	j := newOneTimeMessage("u1", "motivation", fixedNow, func(context.Context) error {
		panic("action exploded")
	})
	m.Store().Add(j)
	m.runJob(context.Background(), *j)

	if m.Store().Len() != 0 {
		t.Fatalf("panicking job not removed")
	}
}

func TestCleanupOrphanedTaskReminders(t *testing.T) {
	p := prefs.NewMemStore()
	ts := taskstore.NewMemStore()
	ts.SetEnabled("u1", true)
	ts.Put(taskstore.Task{ID: "alive", UserID: "u1", Title: "alive"})
	ts.Put(taskstore.Task{ID: "done", UserID: "u1", Title: "done", Completed: true})
	m := newTestManager(t, p, ts, &fakeSender{})

	at := fixedNow.Add(time.Hour)
	m.Store().Add(newTaskReminder("u1", "alive", at, nil))
	m.Store().Add(newTaskReminder("u1", "done", at.Add(3*time.Hour), nil))
	m.Store().Add(newTaskReminder("u1", "missing", at.Add(6*time.Hour), nil))

	if removed := m.CleanupOrphanedTaskReminders(context.Background()); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	jobs := m.Store().ForUser("u1")
	if len(jobs) != 1 || jobs[0].TaskID != "alive" {
		t.Fatalf("surviving jobs = %+v, want only the live task's reminder", jobs)
	}
}

func TestCleanupOrphanSweepKeepsJobOnLookupError(t *testing.T) {
	p := prefs.NewMemStore()
	ts := taskstore.NewMemStore()
	ts.LookupErr = errors.New("store offline")
	m := newTestManager(t, p, ts, &fakeSender{})
	m.Store().Add(newTaskReminder("u1", "t1", fixedNow.Add(time.Hour), nil))

	if removed := m.CleanupOrphanedTaskReminders(context.Background()); removed != 0 {
		t.Fatalf("removed = %d on lookup error, want 0", removed)
	}
	if m.Store().Len() != 1 {
		t.Fatalf("job dropped despite lookup error")
	}
}

func TestCleanupTaskReminders(t *testing.T) {
	p := prefs.NewMemStore()
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})
	m.Store().Add(newTaskReminder("u1", "t1", fixedNow.Add(time.Hour), nil))
	m.Store().Add(newTaskReminder("u1", "t2", fixedNow.Add(4*time.Hour), nil))

	if n := m.CleanupTaskReminders("u1", "t1"); n != 1 {
		t.Fatalf("CleanupTaskReminders = %d, want 1", n)
	}
	jobs := m.Store().ForUser("u1")
	if len(jobs) != 1 || jobs[0].TaskID != "t2" {
		t.Fatalf("surviving jobs = %+v, want only t2", jobs)
	}
}

func TestRebuildAll(t *testing.T) {
	p := prefs.NewMemStore()
	p.SetWindows("u1", "motivation", []timewindow.Window{win(t, "Day", "08:00", "20:00")})
	p.SetWindows("u2", "hydration", []timewindow.Window{win(t, "Day", "08:00", "20:00")})
	m := newTestManager(t, p, taskstore.NewMemStore(), &fakeSender{})

	for i := 0; i < 2; i++ {
		if err := m.RebuildAll(context.Background()); err != nil {
			t.Fatalf("RebuildAll: %v", err)
		}
	}

	var system, user int
	for _, j := range m.Store().Snapshot() {
		switch j.Kind {
		case KindRecurringSystem:
			system++
			if !j.FireAt.After(fixedNow) {
				t.Errorf("system job %q not armed in the future: %v", j.Name, j.FireAt)
			}
		default:
			user++
		}
	}
	if system != 2 {
		t.Errorf("system jobs = %d, want rebuild and orphan sweep", system)
	}
	if user != 2 {
		t.Errorf("user jobs = %d, want one per user", user)
	}
}
