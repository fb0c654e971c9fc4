// Package ledger records which summary tasks have been delivered.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tldr-bot/internal/domain"
)

// SQLiteLedger implements domain.DeliveryLedger using SQLite.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger database at dbPath and runs the schema
// migration. ":memory:" opens a private in-memory ledger.
func Open(dbPath string) (*SQLiteLedger, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// One writer keeps claims serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			correlation_id TEXT PRIMARY KEY,
			channel        TEXT NOT NULL,
			outcome        TEXT NOT NULL DEFAULT '',
			claimed_at     TEXT NOT NULL,
			finished_at    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS deliveries_claimed_at ON deliveries (claimed_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Ping checks the database connection.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *SQLiteLedger) Claim(ctx context.Context, correlationID, channel string) error {
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO deliveries (correlation_id, channel, claimed_at) VALUES (?, ?, ?) ON CONFLICT(correlation_id) DO NOTHING",
		correlationID, channel, formatTime(l.now()),
	)
	if err != nil {
		return domain.NewSubSystemError("ledger", "Ledger.Claim", err, correlationID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewSubSystemError("ledger", "Ledger.Claim", err, correlationID)
	}
	if n == 0 {
		return domain.NewSubSystemError("ledger", "Ledger.Claim", domain.ErrAlreadyClaimed, correlationID)
	}
	return nil
}

func (l *SQLiteLedger) Finish(ctx context.Context, correlationID, outcome string) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE deliveries SET outcome = ?, finished_at = ? WHERE correlation_id = ?",
		outcome, formatTime(l.now()), correlationID,
	)
	if err != nil {
		return domain.NewSubSystemError("ledger", "Ledger.Finish", err, correlationID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("ledger", "Ledger.Finish", domain.ErrNotFound, correlationID)
	}
	return nil
}

func (l *SQLiteLedger) Get(ctx context.Context, correlationID string) (*domain.DeliveryRecord, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT correlation_id, channel, outcome, claimed_at, finished_at FROM deliveries WHERE correlation_id = ?",
		correlationID,
	)
	var (
		rec               domain.DeliveryRecord
		claimed, finished string
	)
	if err := row.Scan(&rec.CorrelationID, &rec.Channel, &rec.Outcome, &claimed, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("ledger", "Ledger.Get", domain.ErrNotFound, correlationID)
		}
		return nil, domain.NewSubSystemError("ledger", "Ledger.Get", err, correlationID)
	}
	rec.ClaimedAt, _ = time.Parse(time.RFC3339Nano, claimed)
	if finished != "" {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	}
	return &rec, nil
}

// Prune deletes rows claimed more than olderThan ago and returns how many
// were removed.
func (l *SQLiteLedger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(l.now().Add(-olderThan))
	res, err := l.db.ExecContext(ctx, "DELETE FROM deliveries WHERE claimed_at < ?", cutoff)
	if err != nil {
		return 0, domain.NewSubSystemError("ledger", "Ledger.Prune", err, "")
	}
	return res.RowsAffected()
}

// Stats counts rows by outcome. Unfinished claims are reported as "pending".
func (l *SQLiteLedger) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM deliveries GROUP BY outcome")
	if err != nil {
		return nil, domain.NewSubSystemError("ledger", "Ledger.Stats", err, "")
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		if strings.TrimSpace(outcome) == "" {
			outcome = "pending"
		}
		stats[outcome] += n
	}
	return stats, rows.Err()
}

// formatTime renders UTC timestamps with a fixed width so that text
// comparison orders them.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

var _ domain.DeliveryLedger = (*SQLiteLedger)(nil)
