package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"attache/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "attache.db"), logx.Nop())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestHistoryRecentWindowPerKey(t *testing.T) {
	db := openTestDB(t)
	h := db.History()
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		msg := Message{At: base.Add(time.Duration(i) * time.Minute), Key: "user1", Role: RoleUser, Text: fmt.Sprintf("u1-%d", i)}
		if err := h.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := h.Append(ctx, Message{Key: "user2", Role: RoleUser, Text: "other"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := h.LoadRecent(ctx, "user1", 5)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0].Text != "u1-25" || got[4].Text != "u1-29" {
		t.Fatalf("unexpected window: first=%q last=%q", got[0].Text, got[4].Text)
	}
	for _, m := range got {
		if m.Key != "user1" {
			t.Fatalf("foreign key leaked into window: %q", m.Key)
		}
	}
}

func TestHistoryEmptyKey(t *testing.T) {
	db := openTestDB(t)
	got, err := db.History().LoadRecent(context.Background(), "nobody", 10)
	if err != nil {
		t.Fatalf("LoadRecent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages, got %d", len(got))
	}
}

func TestActivityAppend(t *testing.T) {
	db := openTestDB(t)
	a := db.Activity()
	rec := ActivityRecord{
		Kind:     TriggerSchedule,
		Source:   "digest",
		Status:   "ok",
		Duration: 1500 * time.Millisecond,
	}
	if err := a.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM activity WHERE source = 'digest' AND status = 'ok' AND duration_ms = 1500`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestScheduleStatesRoundTrip(t *testing.T) {
	s := NewScheduleStates(filepath.Join(t.TempDir(), "schedstate.json"))

	st, err := s.Get("digest")
	if err != nil {
		t.Fatalf("Get empty: %v", err)
	}
	if st.ConsecutiveErrors != 0 || st.LastStatus != "" {
		t.Fatalf("zero state expected, got %+v", st)
	}

	want := ScheduleState{
		LastRunAt:         time.Date(2026, 8, 23, 8, 0, 0, 0, time.UTC),
		LastStatus:        "error",
		ConsecutiveErrors: 3,
	}
	if err := s.Put("digest", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("digest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastRunAt.Equal(want.LastRunAt) || got.LastStatus != want.LastStatus || got.ConsecutiveErrors != want.ConsecutiveErrors {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
