package delivery

import (
	"context"
	"testing"
	"time"

	"mhm/pkg/logx"
)

func entry(user, category string) RetryEntry {
	return RetryEntry{
		UserID:     user,
		Category:   category,
		Body:       "hello " + user,
		Recipient:  "r-" + user,
		Channel:    "fake",
		EnqueuedAt: time.Now(),
	}
}

func TestRetryEnqueueDedup(t *testing.T) {
	m := NewRetryManager(time.Hour, 10, nil, logx.Nop())
	m.Enqueue(entry("u1", "motivation"))
	m.Enqueue(entry("u1", "motivation"))
	m.Enqueue(entry("u1", "hydration"))
	if got := m.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2 (duplicate collapsed)", got)
	}
}

func TestRetryCapDropsOldest(t *testing.T) {
	m := NewRetryManager(time.Hour, 2, nil, logx.Nop())
	m.Enqueue(entry("u1", "a"))
	m.Enqueue(entry("u2", "b"))
	m.Enqueue(entry("u3", "c"))
	if got := m.Len(); got != 2 {
		t.Fatalf("Len = %d, want cap 2", got)
	}

	var users []string
	m.resend = func(ctx context.Context, e RetryEntry) bool {
		users = append(users, e.UserID)
		return true
	}
	m.Drain(context.Background())
	if len(users) != 2 || users[0] != "u2" || users[1] != "u3" {
		t.Fatalf("drained %v, want oldest (u1) dropped, u2 then u3", users)
	}
}

func TestRetryDrainStopsAtFirstFailure(t *testing.T) {
	var calls int
	m := NewRetryManager(time.Hour, 10, func(ctx context.Context, e RetryEntry) bool {
		calls++
		return false
	}, logx.Nop())
	m.Enqueue(entry("u1", "a"))
	m.Enqueue(entry("u2", "b"))

	if got := m.Drain(context.Background()); got != 0 {
		t.Fatalf("Drain = %d, want 0", got)
	}
	if calls != 1 {
		t.Fatalf("resend called %d times, want 1 (stop after first failure)", calls)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d after failed drain, want 2 (nothing lost)", m.Len())
	}
}

func TestRetryDrainPreservesOrder(t *testing.T) {
	var users []string
	m := NewRetryManager(time.Hour, 10, func(ctx context.Context, e RetryEntry) bool {
		users = append(users, e.UserID)
		return true
	}, logx.Nop())
	m.Enqueue(entry("u1", "a"))
	m.Enqueue(entry("u2", "a"))
	m.Enqueue(entry("u3", "a"))

	if got := m.Drain(context.Background()); got != 3 {
		t.Fatalf("Drain = %d, want 3", got)
	}
	want := []string{"u1", "u2", "u3"}
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", users, want)
		}
	}
}
