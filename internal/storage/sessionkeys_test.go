package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestKeys(t *testing.T) *SessionKeys {
	t.Helper()
	return NewSessionKeys(filepath.Join(t.TempDir(), "sessions.json"), time.UTC)
}

func TestSessionKeysSameDay(t *testing.T) {
	s := newTestKeys(t)
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if err := s.Set("telegram:1", "sess-a", "default"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	id, mode, ok, err := s.Get("telegram:1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if id != "sess-a" || mode != "default" {
		t.Fatalf("got id=%q mode=%q", id, mode)
	}
}

func TestSessionKeysExpireNextDay(t *testing.T) {
	s := newTestKeys(t)
	now := time.Date(2026, 8, 23, 23, 50, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	if err := s.Set("telegram:1", "sess-a", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Any read on a later day is treated as absent, even with an id stored.
	now = now.Add(time.Hour)
	_, _, ok, err := s.Get("telegram:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected stale entry to be absent")
	}

	// The entry was evicted, not just hidden.
	doc, err := s.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, found := doc["telegram:1"]; found {
		t.Fatal("expected stale entry to be evicted")
	}
}

func TestSessionKeysModePlaceholder(t *testing.T) {
	s := newTestKeys(t)
	if err := s.SetApprovalMode("telegram:9", "always"); err != nil {
		t.Fatalf("SetApprovalMode: %v", err)
	}
	id, mode, ok, err := s.Get("telegram:9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || id != "" {
		t.Fatalf("placeholder must not report a session, got id=%q ok=%v", id, ok)
	}
	if mode != "always" {
		t.Fatalf("mode = %q, want always", mode)
	}

	// Setting a session keeps the stored mode.
	if err := s.Set("telegram:9", "sess-b", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, mode, _, _ = s.Get("telegram:9")
	if mode != "always" {
		t.Fatalf("mode after Set = %q, want always", mode)
	}
}

func TestSessionKeysClear(t *testing.T) {
	s := newTestKeys(t)
	if err := s.Set("k", "sess", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear("k"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	_, _, ok, _ := s.Get("k")
	if ok {
		t.Fatal("expected cleared key to be absent")
	}
	// Clearing a missing key is a no-op.
	if err := s.Clear("missing"); err != nil {
		t.Fatalf("Clear missing: %v", err)
	}
}
