// Package ledger keeps an append-only SQLite log of every hunt attempt, so
// runs can be audited after the in-memory statistics are gone.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/screa/ip-hunter/pkg/types"
)

// Ledger appends attempt records for one run
type Ledger struct {
	db    *sql.DB
	runID string
}

// Entry is one stored attempt
type Entry struct {
	RunID string
	types.AttemptRecord
}

// Open opens (creating if needed) the ledger database at path.
// Use ":memory:" for a throwaway ledger.
func Open(path, runID string) (*Ledger, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// one writer; also keeps ":memory:" to a single database
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, runID: runID}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		worker_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		addresses TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON attempts(outcome);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RunID is the run this ledger appends to
func (l *Ledger) RunID() string {
	return l.runID
}

// Append stores one attempt record
func (l *Ledger) Append(ctx context.Context, rec types.AttemptRecord) error {
	addrs := rec.Addresses
	if addrs == nil {
		addrs = []string{}
	}
	data, err := json.Marshal(addrs)
	if err != nil {
		return fmt.Errorf("failed to marshal addresses: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, worker_id, attempt, resource_id, addresses, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.runID, rec.WorkerID, rec.AttemptNumber, rec.ResourceID, string(data),
		rec.Outcome.String(), rec.Err, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// Query filters ledger reads
type Query struct {
	RunID   string
	Outcome string
	Limit   int
}

// Recent returns the newest attempts first
func (l *Ledger) Recent(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome)
	}

	query := `SELECT run_id, worker_id, attempt, resource_id, addresses, outcome, error, created_at FROM attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			addrs, outcome, c string
		)
		if err := rows.Scan(&e.RunID, &e.WorkerID, &e.AttemptNumber, &e.ResourceID, &addrs, &outcome, &e.Err, &c); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(addrs), &e.Addresses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal addresses: %w", err)
		}
		if err := e.Outcome.UnmarshalText([]byte(outcome)); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, c); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of attempts per outcome, optionally for one run
func (l *Ledger) Counts(ctx context.Context, runID string) (map[types.Outcome]int64, error) {
	query := `SELECT outcome, COUNT(*) FROM attempts`
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " GROUP BY outcome"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Outcome]int64)
	for rows.Next() {
		var (
			name string
			n    int64
			o    types.Outcome
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		if err := o.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		out[o] = n
	}
	return out, rows.Err()
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}
