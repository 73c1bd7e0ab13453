package prefs

import (
	"fmt"
	"sort"
	"sync"

	"mhm/internal/timewindow"
)

// MemStore is an in-memory Store for tests and fixtures.
type MemStore struct {
	mu    sync.Mutex
	users map[string]*memUser
}

type memUser struct {
	windows map[string][]timewindow.Window
	library map[string][]LibraryMessage
	checkin CheckinSettings
	channel ChannelPref
}

func NewMemStore() *MemStore {
	return &MemStore{users: map[string]*memUser{}}
}

func (s *MemStore) user(userID string) *memUser {
	u, ok := s.users[userID]
	if !ok {
		u = &memUser{
			windows: map[string][]timewindow.Window{},
			library: map[string][]LibraryMessage{},
		}
		s.users[userID] = u
	}
	return u
}

func (s *MemStore) SetWindows(userID, category string, ws []timewindow.Window) {
	s.mu.Lock()
	s.user(userID).windows[category] = ws
	s.mu.Unlock()
}

func (s *MemStore) SetLibrary(userID, category string, msgs []LibraryMessage) {
	s.mu.Lock()
	s.user(userID).library[category] = msgs
	s.mu.Unlock()
}

func (s *MemStore) SetCheckin(userID string, c CheckinSettings) {
	s.mu.Lock()
	s.user(userID).checkin = c
	s.mu.Unlock()
}

func (s *MemStore) SetChannel(userID string, c ChannelPref) {
	s.mu.Lock()
	s.user(userID).channel = c
	s.mu.Unlock()
}

func (s *MemStore) Users() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) Categories(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, userID)
	}
	cats := make([]string, 0, len(u.windows))
	for c := range u.windows {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats, nil
}

func (s *MemStore) Windows(userID, category string) ([]timewindow.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, userID)
	}
	ws, ok := u.windows[category]
	if !ok {
		return nil, fmt.Errorf("%w: user %q category %q", ErrNotFound, userID, category)
	}
	return append([]timewindow.Window(nil), ws...), nil
}

func (s *MemStore) MessageLibrary(userID, category string) ([]LibraryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, userID)
	}
	return append([]LibraryMessage(nil), u.library[category]...), nil
}

func (s *MemStore) Checkin(userID string) (CheckinSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return CheckinSettings{}, fmt.Errorf("%w: user %q", ErrNotFound, userID)
	}
	return u.checkin, nil
}

func (s *MemStore) ChannelFor(userID string) (ChannelPref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.channel.Type == "" {
		return ChannelPref{}, fmt.Errorf("%w: user %q has no channel", ErrNotFound, userID)
	}
	return u.channel, nil
}
