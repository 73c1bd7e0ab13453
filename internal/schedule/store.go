package schedule

import (
	"sort"
	"sync"
	"time"
)

// Store holds pending jobs in memory. Jobs do not survive a restart; the
// rebuild pass recreates them from preferences on startup and daily.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewStore() *Store {
	return &Store{jobs: map[string]*Job{}}
}

func (s *Store) Add(j *Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
}

func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	return ok
}

// RemoveIf deletes every job matching pred and returns how many went.
// Jobs currently firing are left alone; their runner removes them.
func (s *Store) RemoveIf(pred func(*Job) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.firing || !pred(j) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n
}

// Clear drops everything, including recurring jobs. Used by the rebuild
// pass, which re-installs the recurring set right after.
func (s *Store) Clear() {
	s.mu.Lock()
	s.jobs = map[string]*Job{}
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Snapshot returns copies of all jobs, ordered by fire time.
func (s *Store) Snapshot() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	return out
}

// ForUser returns copies of a user's jobs, ordered by fire time.
func (s *Store) ForUser(userID string) []Job {
	s.mu.Lock()
	out := make([]Job, 0, 4)
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	return out
}

// Due returns copies of jobs whose fire time has arrived. One-shot jobs are
// marked firing so the next poll cannot dispatch them again; recurring jobs
// are re-armed from their schedule in place.
func (s *Store) Due(now time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.firing || j.FireAt.After(now) {
			continue
		}
		out = append(out, *j)
		if j.Schedule != nil {
			j.FireAt = j.Schedule.Next(now)
		} else {
			j.firing = true
		}
	}
	return out
}

// HasConflict reports whether the user already has a job scheduled within
// the given window around t.
func (s *Store) HasConflict(userID string, t time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.UserID != userID {
			continue
		}
		d := j.FireAt.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < window {
			return true
		}
	}
	return false
}
