package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// keyEntry is the persisted per-key session document.
type keyEntry struct {
	SessionID    string `json:"sessionId,omitempty"`
	StartedDate  string `json:"startedDate,omitempty"` // YYYY-MM-DD in the store's location
	ApprovalMode string `json:"approvalMode,omitempty"`
}

// SessionKeys maps a conversation key to its current session. An entry is
// valid only for the calendar day it was created: a read on a later day
// evicts it and reports absent, which bounds per-key context growth without
// inspecting session size.
type SessionKeys struct {
	path string
	loc  *time.Location
	now  func() time.Time

	mu sync.Mutex
}

func NewSessionKeys(path string, loc *time.Location) *SessionKeys {
	if loc == nil {
		loc = time.UTC
	}
	return &SessionKeys{path: path, loc: loc, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *SessionKeys) SetClock(now func() time.Time) { s.now = now }

func (s *SessionKeys) today() string {
	return s.now().In(s.loc).Format("2006-01-02")
}

// Get returns the stored session id and approval mode for key. A stale entry
// (stored date != today) is evicted and reported absent even when a session
// id is present.
func (s *SessionKeys) Get(key string) (sessionID, mode string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return "", "", false, err
	}
	e, found := doc[key]
	if !found {
		return "", "", false, nil
	}
	if e.SessionID == "" {
		// Mode-only placeholder: no session to return, mode still applies.
		return "", e.ApprovalMode, false, nil
	}
	if e.StartedDate != s.today() {
		delete(doc, key)
		if err := s.save(doc); err != nil {
			return "", "", false, err
		}
		return "", e.ApprovalMode, false, nil
	}
	return e.SessionID, e.ApprovalMode, true, nil
}

// Set upserts key with sessionID dated today, keeping any previously stored
// approval mode when mode is empty.
func (s *SessionKeys) Set(key, sessionID, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	e := doc[key]
	if mode != "" {
		e.ApprovalMode = mode
	}
	e.SessionID = sessionID
	e.StartedDate = s.today()
	doc[key] = e
	return s.save(doc)
}

// SetApprovalMode updates the mode without requiring a live session,
// creating a mode-only placeholder when no entry exists.
func (s *SessionKeys) SetApprovalMode(key, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	e := doc[key]
	e.ApprovalMode = mode
	doc[key] = e
	return s.save(doc)
}

// Clear removes the entry outright.
func (s *SessionKeys) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, found := doc[key]; !found {
		return nil
	}
	delete(doc, key)
	return s.save(doc)
}

func (s *SessionKeys) load() (map[string]keyEntry, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]keyEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := map[string]keyEntry{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SessionKeys) save(doc map[string]keyEntry) error {
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
