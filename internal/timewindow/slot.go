package timewindow

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultMinLead is how far in the future a window must start today to be
// scheduled today. Windows starting sooner are pushed to tomorrow so the
// random pick cannot land before "now".
const DefaultMinLead = 30 * time.Minute

// SlotPicker draws one instant inside a window, uniformly at random.
//
// The draw only needs to be unpredictable to a human observer; it is
// deliberately math/rand, not crypto.
type SlotPicker struct {
	MinLead time.Duration

	// mu guards rng. One picker is shared by every scheduling path:
	// startup rebuild, config reload, and the daily rebuild job all
	// draw concurrently.
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSlotPicker(minLead time.Duration) *SlotPicker {
	if minLead <= 0 {
		minLead = DefaultMinLead
	}
	return &SlotPicker{
		MinLead: minLead,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSeededSlotPicker returns a picker with a fixed seed, for tests.
func NewSeededSlotPicker(minLead time.Duration, seed int64) *SlotPicker {
	p := NewSlotPicker(minLead)
	p.rng = rand.New(rand.NewSource(seed))
	return p
}

// Pick returns an instant t with w.Start <= clock(t) < w.End and t > now.
// If the window has already ended today, or has not started yet and starts
// within MinLead, the pick falls on tomorrow instead. A window currently in
// progress draws over its full span; a draw landing at or before now is
// pushed a day by the belt check below.
func (p *SlotPicker) Pick(w Window, now time.Time) (time.Time, error) {
	if err := w.validate(); err != nil {
		return time.Time{}, err
	}

	day := now
	start := w.Start.On(day)
	end := w.End.On(day)
	if !end.After(now) || (start.After(now) && start.Before(now.Add(p.MinLead))) {
		day = day.AddDate(0, 0, 1)
		start = w.Start.On(day)
		end = w.End.On(day)
	}

	// Uniform offset in [0, duration) so the result stays inside [start, end).
	dur := end.Sub(start)
	p.mu.Lock()
	offset := time.Duration(p.rng.Int63n(int64(dur/time.Second))) * time.Second
	p.mu.Unlock()
	t := start.Add(offset)

	// Belt check: never return a non-future instant.
	if !t.After(now) {
		day = day.AddDate(0, 0, 1)
		t = w.Start.On(day).Add(offset)
	}
	return t, nil
}
