package world

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed ledger_schema.sql
var ledgerSchema string

// TrackRecord is one row of a SQLiteLedger's track bookkeeping table.
type TrackRecord struct {
	ID         TrackID
	BuildLabel string
	Status     string
	StartedAt  time.Time
	EndedAt    *time.Time
	Error      string
}

// SQLiteLedger persists track lifecycle events for crash diagnosis: a
// track opened while the ledger is running and never marked ended or
// failed indicates the process died mid-track. Purely additive: a World
// runs identically without one attached.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (or creates) a SQLite-backed track ledger at dsn.
func OpenSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("world: ledger: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("world: ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("world: ledger: create schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// RecordOpened inserts a row for a freshly opened track.
func (l *SQLiteLedger) RecordOpened(ctx context.Context, id TrackID, buildLabel string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tracks (id, build_label, status, started_at) VALUES (?, ?, 'running', ?)`,
		string(id), buildLabel, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("world: ledger: record opened: %w", err)
	}
	return nil
}

// RecordClosed marks a track as having ended cleanly.
func (l *SQLiteLedger) RecordClosed(ctx context.Context, id TrackID) error {
	return l.setEnded(ctx, id, "closed", "")
}

// RecordFailed marks a track as having ended with cause.
func (l *SQLiteLedger) RecordFailed(ctx context.Context, id TrackID, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return l.setEnded(ctx, id, "failed", message)
}

func (l *SQLiteLedger) setEnded(ctx context.Context, id TrackID, status, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE tracks SET status = ?, ended_at = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), errMsg, string(id),
	)
	if err != nil {
		return fmt.Errorf("world: ledger: record ended: %w", err)
	}
	return nil
}

// Unclosed returns every track the ledger still shows as running: after an
// unclean process exit, these are the tracks that were live at crash time.
func (l *SQLiteLedger) Unclosed(ctx context.Context) ([]TrackRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, build_label, status, started_at FROM tracks WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("world: ledger: unclosed: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		var rec TrackRecord
		var id, startedAt string
		if err := rows.Scan(&id, &rec.BuildLabel, &rec.Status, &startedAt); err != nil {
			return nil, fmt.Errorf("world: ledger: scan: %w", err)
		}
		rec.ID = TrackID(id)
		t, err := time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("world: ledger: parse started_at: %w", err)
		}
		rec.StartedAt = t
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (l *SQLiteLedger) Close() error { return l.db.Close() }
