package schedule

import (
	"testing"
	"time"

	"attache/pkg/logx"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestNextFireInFixedTimezone(t *testing.T) {
	loc := mustLoc(t, "Asia/Tokyo")
	tr := NewTracker(loc, logx.Nop())

	// 2026-08-23 07:30 UTC == 16:30 JST, so "0 17 * * *" fires at 17:00 JST.
	now := time.Date(2026, 8, 23, 7, 30, 0, 0, time.UTC)
	tr.Sync([]Definition{{Name: "digest", Expr: "0 17 * * *", Steps: []string{"s"}}}, now)

	want := time.Date(2026, 8, 23, 17, 0, 0, 0, loc)
	if got := tr.Next("digest"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	if due := tr.Due(now); len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %v", due)
	}
	if due := tr.Due(want.Add(time.Second)); len(due) != 1 || due[0].Name != "digest" {
		t.Fatalf("digest should be due, got %v", due)
	}
}

func TestAdvanceMovesPastNow(t *testing.T) {
	tr := NewTracker(time.UTC, logx.Nop())
	now := time.Date(2026, 8, 23, 9, 59, 30, 0, time.UTC)
	tr.Sync([]Definition{{Name: "hourly", Expr: "0 * * * *", Steps: []string{"s"}}}, now)

	fireAt := time.Date(2026, 8, 23, 10, 0, 5, 0, time.UTC)
	if due := tr.Due(fireAt); len(due) != 1 {
		t.Fatalf("expected due, got %v", due)
	}
	tr.Advance("hourly", fireAt)
	if due := tr.Due(fireAt); len(due) != 0 {
		t.Fatalf("advanced schedule must not be due, got %v", due)
	}
	want := time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)
	if got := tr.Next("hourly"); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestSyncReinitializesOnChange(t *testing.T) {
	tr := NewTracker(time.UTC, logx.Nop())
	now := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)

	tr.Sync([]Definition{{Name: "a", Expr: "0 10 * * *", Steps: []string{"s"}}}, now)
	first := tr.Next("a")

	// Same set: no re-initialization, next stays put even with a later now.
	tr.Sync([]Definition{{Name: "a", Expr: "0 10 * * *", Steps: []string{"s"}}}, now.Add(2*time.Hour))
	if got := tr.Next("a"); !got.Equal(first) {
		t.Fatalf("unchanged set must not recompute, got %v want %v", got, first)
	}

	// Edited set: full re-initialization.
	tr.Sync([]Definition{{Name: "a", Expr: "0 12 * * *", Steps: []string{"s"}}}, now)
	want := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if got := tr.Next("a"); !got.Equal(want) {
		t.Fatalf("edited set must recompute, got %v want %v", got, want)
	}

	// Removed schedule disappears.
	tr.Sync(nil, now)
	if _, ok := tr.Definition("a"); ok {
		t.Fatal("removed schedule still present")
	}
}

func TestMalformedExpressionIsContained(t *testing.T) {
	tr := NewTracker(time.UTC, logx.Nop())
	now := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	tr.Sync([]Definition{
		{Name: "bad", Expr: "not a cron", Steps: []string{"s"}},
		{Name: "good", Expr: "* * * * *", Steps: []string{"s"}},
	}, now)

	due := tr.Due(now.Add(2 * time.Minute))
	if len(due) != 1 || due[0].Name != "good" {
		t.Fatalf("only the valid schedule should fire, got %v", due)
	}
	if !tr.Next("bad").IsZero() {
		t.Fatal("invalid schedule must have no next-fire instant")
	}
	// Advancing an invalid schedule is a no-op, not a panic.
	tr.Advance("bad", now)
}
