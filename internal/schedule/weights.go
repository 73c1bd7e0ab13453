package schedule

import (
	"math/rand"
	"sync"
	"time"

	"mhm/internal/taskstore"
)

// priorityWeight maps task priority to its selection multiplier.
func priorityWeight(p taskstore.Priority) float64 {
	switch p {
	case taskstore.PriorityCritical:
		return 3.0
	case taskstore.PriorityHigh:
		return 2.0
	case taskstore.PriorityMedium:
		return 1.5
	case taskstore.PriorityLow:
		return 1.0
	default:
		return 0.8
	}
}

// dueWeight maps due-date proximity to its selection multiplier. Overdue
// tasks climb 0.1 per day late, capped at 4.0; tasks due within a week
// taper from 2.5 toward 1.0; further-out tasks drift down to 0.8.
func dueWeight(due *time.Time, now time.Time) float64 {
	if due == nil {
		return 0.9
	}
	d := daysBetween(now, *due)
	switch {
	case d < 0:
		w := 2.5 + 0.1*float64(-d)
		if w > 4.0 {
			w = 4.0
		}
		return w
	case d == 0:
		return 2.5
	case d <= 7:
		w := 2.5 - 0.2*float64(d)
		if w < 1.0 {
			w = 1.0
		}
		return w
	case d <= 30:
		w := 1.0 - 0.01*float64(d-7)
		if w < 0.8 {
			w = 0.8
		}
		return w
	default:
		return 0.8
	}
}

// daysBetween counts calendar days from now to t; negative when t is past.
func daysBetween(now, t time.Time) int {
	ny, nm, nd := now.Date()
	ty, tm, td := t.Date()
	a := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}

// taskSelector draws one task with probability proportional to its weight,
// damped by how much weight the task has already been served. Repeated
// draws therefore spread reminders across the whole list instead of
// hammering the single heaviest task.
type taskSelector struct {
	mu     sync.Mutex
	served map[string]float64
	rng    *rand.Rand
}

func newTaskSelector(seed int64) *taskSelector {
	return &taskSelector{
		served: map[string]float64{},
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Weight returns the effective selection weight for one task. served/base
// is roughly how many times the task has already been picked, so each task
// is damped against its own history rather than the absolute served weight;
// heavier tasks keep a higher long-run frequency.
func (s *taskSelector) Weight(t *taskstore.Task, now time.Time) float64 {
	base := priorityWeight(t.Priority) * dueWeight(t.Due, now)
	s.mu.Lock()
	served := s.served[t.ID]
	s.mu.Unlock()
	return base / (1.0 + served/base)
}

// Pick draws one task from the list; nil when the list is empty.
func (s *taskSelector) Pick(tasks []taskstore.Task, now time.Time) *taskstore.Task {
	if len(tasks) == 0 {
		return nil
	}

	weights := make([]float64, len(tasks))
	total := 0.0
	for i := range tasks {
		weights[i] = s.Weight(&tasks[i], now)
		total += weights[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rng.Float64() * total
	idx := len(tasks) - 1
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			idx = i
			break
		}
	}

	picked := &tasks[idx]
	s.served[picked.ID] += priorityWeight(picked.Priority) * dueWeight(picked.Due, now)
	return picked
}

// Forget drops selection history for tasks no longer present so the map
// cannot grow without bound.
func (s *taskSelector) Forget(keep map[string]struct{}) {
	s.mu.Lock()
	for id := range s.served {
		if _, ok := keep[id]; !ok {
			delete(s.served, id)
		}
	}
	s.mu.Unlock()
}
