package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.Mutex
	tasks   map[string]map[string]*Task // userID -> taskID -> task
	enabled map[string]bool

	// LookupErr, when set, is returned by TaskByID (simulates a broken
	// task backend for cleanup testing).
	LookupErr error
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:   map[string]map[string]*Task{},
		enabled: map[string]bool{},
	}
}

func (s *MemStore) Put(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.tasks[t.UserID]
	if !ok {
		byID = map[string]*Task{}
		s.tasks[t.UserID] = byID
	}
	cp := t
	byID[t.ID] = &cp
}

func (s *MemStore) Delete(userID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.tasks[userID]; ok {
		delete(byID, taskID)
	}
}

func (s *MemStore) SetEnabled(userID string, enabled bool) {
	s.mu.Lock()
	s.enabled[userID] = enabled
	s.mu.Unlock()
}

func (s *MemStore) TaskByID(ctx context.Context, userID, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LookupErr != nil {
		return nil, s.LookupErr
	}
	if byID, ok := s.tasks[userID]; ok {
		if t, ok := byID[taskID]; ok {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListIncomplete(ctx context.Context, userID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks[userID] {
		if !t.Completed {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) MarkReminderSent(ctx context.Context, userID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID, ok := s.tasks[userID]; ok {
		if t, ok := byID[taskID]; ok {
			now := time.Now()
			t.LastReminderAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) TasksEnabled(ctx context.Context, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[userID]
}

func (s *MemStore) Close() error { return nil }
