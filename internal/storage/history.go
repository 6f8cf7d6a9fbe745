package storage

import (
	"context"
	"database/sql"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one append-only transcript entry. Entries are never mutated or
// deleted.
type Message struct {
	At   time.Time
	Key  string
	Role string
	Text string
}

// HistoryLog is the per-key conversation transcript. Appends are
// unconditional; reads filter by key before truncating to the recent window,
// so keys never share context.
type HistoryLog struct {
	db *sql.DB
}

func (h *HistoryLog) Append(ctx context.Context, m Message) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO history(at, key, role, text) VALUES(?,?,?,?)`,
		m.At.UTC().Format(time.RFC3339Nano), m.Key, m.Role, m.Text,
	)
	return err
}

// LoadRecent returns the most recent n messages for key in chronological
// order.
func (h *HistoryLog) LoadRecent(ctx context.Context, key string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT at, role, text FROM history WHERE key = ? ORDER BY id DESC LIMIT ?`,
		key, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var at, role, text string
		if err := rows.Scan(&at, &role, &text); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, at)
		out = append(out, Message{At: ts, Key: key, Role: role, Text: text})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
