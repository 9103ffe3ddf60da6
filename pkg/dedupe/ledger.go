package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Ledger is a durable record of processed delivery keys.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLedger opens (or creates) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS delivered (
			dedupe_key TEXT PRIMARY KEY,
			delivered_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_delivered_at ON delivered(delivered_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Dedupe ledger opened")
	return &Ledger{db: db, now: time.Now}, nil
}

// Seen reports whether key has been marked.
func (l *Ledger) Seen(ctx context.Context, key string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM delivered WHERE dedupe_key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return true, nil
}

// Mark records key as processed. Marking twice is harmless.
func (l *Ledger) Mark(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO delivered (dedupe_key, delivered_at) VALUES (?, ?)",
		key, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark %s: %w", key, err)
	}
	return nil
}

// Prune removes keys marked before cutoff and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM delivered WHERE delivered_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of marked keys.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM delivered").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ledger: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
