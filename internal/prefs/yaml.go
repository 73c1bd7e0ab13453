package prefs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"mhm/internal/timewindow"
)

// yamlStore reads one YAML file per user from <dir>/<userID>.yaml.
// Files are parsed lazily and cached; Reload drops the cache (called on
// config/preference change).
type yamlStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]*userFile
}

// NewYAMLStore returns a Store over a directory of per-user YAML files.
func NewYAMLStore(dir string) Store {
	return &yamlStore{dir: dir, cache: map[string]*userFile{}}
}

// ---- file schema ----

type userFile struct {
	Categories map[string]categoryDef `yaml:"categories"`
	Checkin    checkinDef             `yaml:"checkin"`
	Channel    channelDef             `yaml:"channel"`
}

type categoryDef struct {
	Windows  []windowDef  `yaml:"windows"`
	Messages []messageDef `yaml:"messages"`
}

type windowDef struct {
	Name   string   `yaml:"name"`
	Start  string   `yaml:"start"`
	End    string   `yaml:"end"`
	Active *bool    `yaml:"active"` // nil means active
	Days   []string `yaml:"days"`
}

type messageDef struct {
	ID      string   `yaml:"id"`
	Body    string   `yaml:"body"`
	Days    []string `yaml:"days"`
	Windows []string `yaml:"windows"`
}

type checkinDef struct {
	Enabled   bool   `yaml:"enabled"`
	Frequency string `yaml:"frequency"`
}

type channelDef struct {
	Type      string `yaml:"type"`
	Recipient string `yaml:"recipient"`
}

// ---- Store ----

func (s *yamlStore) Users() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("prefs dir: %w", err)
	}
	var users []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		users = append(users, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	sort.Strings(users)
	return users, nil
}

// Reload drops the parsed cache so the next lookup re-reads from disk.
func (s *yamlStore) Reload() {
	s.mu.Lock()
	s.cache = map[string]*userFile{}
	s.mu.Unlock()
}

func (s *yamlStore) load(userID string) (*userFile, error) {
	s.mu.Lock()
	if uf, ok := s.cache[userID]; ok {
		s.mu.Unlock()
		return uf, nil
	}
	s.mu.Unlock()

	path := filepath.Join(s.dir, userID+".yaml")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if b, err = os.ReadFile(filepath.Join(s.dir, userID+".yml")); err != nil {
			return nil, fmt.Errorf("%w: user %q", ErrNotFound, userID)
		}
	} else if err != nil {
		return nil, err
	}

	var uf userFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&uf); err != nil {
		return nil, fmt.Errorf("prefs %s: %w", path, err)
	}

	s.mu.Lock()
	s.cache[userID] = &uf
	s.mu.Unlock()
	return &uf, nil
}

func (s *yamlStore) Categories(userID string) ([]string, error) {
	uf, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	cats := make([]string, 0, len(uf.Categories))
	for c := range uf.Categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats, nil
}

func (s *yamlStore) Windows(userID, category string) ([]timewindow.Window, error) {
	uf, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	def, ok := uf.Categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: user %q category %q", ErrNotFound, userID, category)
	}
	out := make([]timewindow.Window, 0, len(def.Windows))
	for _, wd := range def.Windows {
		w, err := convertWindow(wd)
		if err != nil {
			return nil, fmt.Errorf("user %q category %q: %w", userID, category, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func convertWindow(wd windowDef) (timewindow.Window, error) {
	start, err := timewindow.ParseClock(wd.Start)
	if err != nil {
		return timewindow.Window{}, err
	}
	end, err := timewindow.ParseClock(wd.End)
	if err != nil {
		return timewindow.Window{}, err
	}
	days, err := timewindow.ParseWeekdaySet(wd.Days)
	if err != nil {
		return timewindow.Window{}, err
	}
	active := wd.Active == nil || *wd.Active
	return timewindow.Window{Name: wd.Name, Start: start, End: end, Active: active, Days: days}, nil
}

func (s *yamlStore) MessageLibrary(userID, category string) ([]LibraryMessage, error) {
	uf, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	def, ok := uf.Categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: user %q category %q", ErrNotFound, userID, category)
	}
	out := make([]LibraryMessage, 0, len(def.Messages))
	for i, md := range def.Messages {
		days, err := timewindow.ParseWeekdaySet(md.Days)
		if err != nil {
			return nil, fmt.Errorf("user %q category %q message %d: %w", userID, category, i, err)
		}
		id := md.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", category, i)
		}
		out = append(out, LibraryMessage{ID: id, Body: md.Body, Days: days, Windows: md.Windows})
	}
	return out, nil
}

func (s *yamlStore) Checkin(userID string) (CheckinSettings, error) {
	uf, err := s.load(userID)
	if err != nil {
		return CheckinSettings{}, err
	}
	return CheckinSettings{Enabled: uf.Checkin.Enabled, Frequency: uf.Checkin.Frequency}, nil
}

func (s *yamlStore) ChannelFor(userID string) (ChannelPref, error) {
	uf, err := s.load(userID)
	if err != nil {
		return ChannelPref{}, err
	}
	if strings.TrimSpace(uf.Channel.Type) == "" {
		return ChannelPref{}, fmt.Errorf("%w: user %q has no channel", ErrNotFound, userID)
	}
	return ChannelPref{Type: uf.Channel.Type, Recipient: uf.Channel.Recipient}, nil
}
