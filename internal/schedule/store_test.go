package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestStoreDueDispatchesOnce(t *testing.T) {
	s := NewStore()
	now := time.Now()
	j := newOneTimeMessage("u1", "motivation", now.Add(-time.Minute), nil)
	s.Add(j)

	due := s.Due(now)
	if len(due) != 1 || due[0].ID != j.ID {
		t.Fatalf("Due = %d jobs, want the one added", len(due))
	}
	// Still in the store (firing), but not dispatched again.
	if got := s.Due(now); len(got) != 0 {
		t.Fatalf("second Due = %d jobs, want 0", len(got))
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 while firing", s.Len())
	}
	if !s.Remove(j.ID) {
		t.Fatalf("Remove returned false for firing job")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after remove, want 0", s.Len())
	}
}

func TestStoreRecurringRearms(t *testing.T) {
	sched, err := cron.ParseStandard("0 1 * * *")
	if err != nil {
		t.Fatalf("ParseStandard: %v", err)
	}
	s := NewStore()
	now := time.Now()
	j := newRecurringSystem("rebuild", sched, now, func(context.Context) error { return nil })
	j.FireAt = now.Add(-time.Second)
	s.Add(j)

	due := s.Due(now)
	if len(due) != 1 {
		t.Fatalf("Due = %d jobs, want 1", len(due))
	}
	if s.Len() != 1 {
		t.Fatalf("recurring job left the store")
	}
	snap := s.Snapshot()
	if !snap[0].FireAt.After(now) {
		t.Fatalf("recurring job not re-armed: FireAt=%v now=%v", snap[0].FireAt, now)
	}
	// Re-armed, so nothing is due on the next poll.
	if got := s.Due(now); len(got) != 0 {
		t.Fatalf("re-armed job dispatched again")
	}
}

func TestStoreRemoveIfSkipsFiring(t *testing.T) {
	s := NewStore()
	now := time.Now()
	firing := newOneTimeMessage("u1", "motivation", now.Add(-time.Minute), nil)
	pending := newOneTimeMessage("u1", "motivation", now.Add(time.Hour), nil)
	s.Add(firing)
	s.Add(pending)
	s.Due(now)

	n := s.RemoveIf(func(j *Job) bool { return j.Category == "motivation" })
	if n != 1 {
		t.Fatalf("RemoveIf = %d, want 1 (firing job kept)", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStoreHasConflict(t *testing.T) {
	s := NewStore()
	base := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	s.Add(newOneTimeMessage("u1", "motivation", base, nil))

	window := 2 * time.Hour
	cases := []struct {
		at   time.Time
		user string
		want bool
	}{
		{base.Add(time.Hour), "u1", true},
		{base.Add(-90 * time.Minute), "u1", true},
		{base.Add(2 * time.Hour), "u1", false},
		{base.Add(-3 * time.Hour), "u1", false},
		{base.Add(time.Minute), "u2", false},
	}
	for i, c := range cases {
		if got := s.HasConflict(c.user, c.at, window); got != c.want {
			t.Errorf("case %d: HasConflict(%s, %v) = %v, want %v", i, c.user, c.at, got, c.want)
		}
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				j := newOneTimeMessage("u1", "motivation", now.Add(time.Hour), nil)
				s.Add(j)
				s.Due(now)
				s.Snapshot()
				s.Remove(j.ID)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 0 {
		t.Fatalf("Len = %d after concurrent add/remove, want 0", s.Len())
	}
}
