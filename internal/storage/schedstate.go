package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ScheduleState is the persisted run state of one schedule. Mutated only by
// the orchestrator after a fire resolves.
//
// ConsecutiveErrors resets to 0 only on a successful terminal poll; it never
// decreases otherwise. Auto-disable is computed from this counter on each
// check, never stored as a flag, and has no automatic recovery: editing this
// document is the only way to re-enable a schedule.
type ScheduleState struct {
	LastRunAt         time.Time `json:"lastRunAt,omitempty"`
	LastStatus        string    `json:"lastStatus,omitempty"` // "ok" or "error"
	ConsecutiveErrors int       `json:"consecutiveErrors,omitempty"`
}

type ScheduleStates struct {
	path string
	mu   sync.Mutex
}

func NewScheduleStates(path string) *ScheduleStates {
	return &ScheduleStates{path: path}
}

func (s *ScheduleStates) Get(name string) (ScheduleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return ScheduleState{}, err
	}
	return doc[name], nil
}

func (s *ScheduleStates) Put(name string, st ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[name] = st
	return s.save(doc)
}

func (s *ScheduleStates) load() (map[string]ScheduleState, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]ScheduleState{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string]ScheduleState{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *ScheduleStates) save(doc map[string]ScheduleState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
