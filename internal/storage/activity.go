package storage

import (
	"context"
	"database/sql"
	"time"
)

// Trigger kinds recorded in the activity log.
const (
	TriggerSchedule = "schedule"
	TriggerChannel  = "channel"
	TriggerManual   = "manual"
)

// ActivityRecord is one completed trigger. Write-only: orchestration logic
// never reads it back; it exists for external inspection tooling.
type ActivityRecord struct {
	At       time.Time
	Kind     string // TriggerSchedule, TriggerChannel, TriggerManual
	Source   string // schedule name or conversation key
	Status   string // "ok" or "error"
	Duration time.Duration
}

type ActivityLog struct {
	db *sql.DB
}

func (a *ActivityLog) Append(ctx context.Context, r ActivityRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO activity(at, kind, source, status, duration_ms) VALUES(?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.Kind, r.Source, r.Status, r.Duration.Milliseconds(),
	)
	return err
}
