package delivery

import (
	"context"
	"sync"
	"time"

	"mhm/pkg/logx"
)

// RetryEntry is one failed send waiting for redelivery.
type RetryEntry struct {
	UserID     string
	Category   string
	MessageID  string
	Body       string
	Recipient  string
	Channel    string
	Reason     string
	EnqueuedAt time.Time
}

// key identifies an entry for deduplication: the scheduler retries a
// failing action several times (possibly drawing a different message each
// attempt), but only one queue entry per user and category should survive.
func (e RetryEntry) key() string {
	return e.Channel + "\x00" + e.UserID + "\x00" + e.Category
}

// ResendFunc attempts one redelivery; true means delivered.
type ResendFunc func(ctx context.Context, e RetryEntry) bool

// RetryManager is a bounded FIFO of failed sends, drained on a fixed
// interval. When the queue is full the oldest entry is dropped.
type RetryManager struct {
	log      logx.Logger
	interval time.Duration
	cap      int
	resend   ResendFunc

	mu    sync.Mutex
	queue []RetryEntry
}

func NewRetryManager(interval time.Duration, capacity int, resend ResendFunc, log logx.Logger) *RetryManager {
	if interval <= 0 {
		interval = time.Minute
	}
	if capacity <= 0 {
		capacity = 200
	}
	return &RetryManager{log: log, interval: interval, cap: capacity, resend: resend}
}

func (m *RetryManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Enqueue adds a failed send. A duplicate of an already queued entry is
// ignored so repeated action retries collapse into one queue slot.
func (m *RetryManager) Enqueue(e RetryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := e.key()
	for _, q := range m.queue {
		if q.key() == k {
			return
		}
	}
	if len(m.queue) >= m.cap {
		dropped := m.queue[0]
		m.queue = m.queue[1:]
		m.log.Warn("retry queue full, dropping oldest",
			logx.String("user_id", dropped.UserID),
			logx.String("category", dropped.Category))
	}
	m.queue = append(m.queue, e)
	m.log.Info("send queued for retry",
		logx.String("user_id", e.UserID),
		logx.String("category", e.Category),
		logx.String("channel", e.Channel),
		logx.String("reason", e.Reason),
		logx.Int("queued", len(m.queue)))
}

// Run drains the queue on the retry interval until ctx is canceled.
func (m *RetryManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Drain(ctx)
		}
	}
}

// Drain attempts redelivery in FIFO order. The first failure stops the
// pass; if one entry cannot go through, later ones for the same dead
// channel would just burn the rate budget.
func (m *RetryManager) Drain(ctx context.Context) int {
	delivered := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return delivered
		}
		e := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if ctx.Err() != nil || !m.resend(ctx, e) {
			m.mu.Lock()
			m.queue = append([]RetryEntry{e}, m.queue...)
			m.mu.Unlock()
			return delivered
		}
		delivered++
	}
}
