package storage

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"attache/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB owns the sqlite handle shared by the append-only repositories.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

func OpenDB(path string, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	d := &DB{db: db, log: log}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, string(b))
	return err
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) History() *HistoryLog   { return &HistoryLog{db: d.db} }
func (d *DB) Activity() *ActivityLog { return &ActivityLog{db: d.db} }
