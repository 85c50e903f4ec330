// Package store provides the SQLite persistence layer for sentryd: the
// security event table and a small key-value table for controller state
// (credential record, protection mode, SIM baseline, failure counters).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the sentryd store.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    type            TEXT NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    description     TEXT NOT NULL,
    metadata        TEXT NOT NULL DEFAULT '{}',
    latitude        REAL,
    longitude       REAL,
    accuracy        REAL,
    evidence_path   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, seq);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_ns);

CREATE TABLE IF NOT EXISTS state (
    key         TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    updated_ns  INTEGER NOT NULL
);
`

// Store represents the SQLite sentryd store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	if s.db == nil {
		return errors.New("store: not open")
	}
	return s.db.Ping()
}

// AppendEvent inserts an event and trims the oldest rows beyond cap in the
// same transaction, so the cap invariant holds the moment the insert is
// durable. Returns the number of rows trimmed.
func (s *Store) AppendEvent(e *EventRow, maxRows int) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO events (id, type, timestamp_ns, description, metadata, latitude, longitude, accuracy, evidence_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.TimestampNs, e.Description, e.Metadata, e.Latitude, e.Longitude, e.Accuracy, e.EvidencePath,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	e.Seq = seq

	var trimmed int64
	if maxRows > 0 {
		res, err := tx.Exec(`
			DELETE FROM events WHERE seq IN (
				SELECT seq FROM events ORDER BY seq ASC
				LIMIT (SELECT MAX(COUNT(*) - ?, 0) FROM events)
			)`, maxRows,
		)
		if err != nil {
			return 0, fmt.Errorf("trim events: %w", err)
		}
		trimmed, err = res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("get rows affected: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return trimmed, nil
}

// QueryEvents returns events matching the filter, newest-first by append order.
func (s *Store) QueryEvents(f EventFilter) ([]EventRow, error) {
	var conds []string
	var args []any

	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.SinceNs > 0 {
		conds = append(conds, "timestamp_ns >= ?")
		args = append(args, f.SinceNs)
	}
	if f.UntilNs > 0 {
		conds = append(conds, "timestamp_ns <= ?")
		args = append(args, f.UntilNs)
	}

	query := `SELECT seq, id, type, timestamp_ns, description, metadata, latitude, longitude, accuracy, evidence_path FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// PurgeEvents deletes all stored events and returns how many were removed.
func (s *Store) PurgeEvents() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// GetState retrieves a state value by key. Returns (nil, false, nil) when absent.
func (s *Store) GetState(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get state %q: %w", key, err)
	}
	return value, true, nil
}

// SetState stores a state value under key, replacing any previous value.
func (s *Store) SetState(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO state (key, value, updated_ns) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

// DeleteState removes a state value.
func (s *Store) DeleteState(key string) error {
	if _, err := s.db.Exec(`DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

// scanEvents is a helper to scan event rows into a slice.
func scanEvents(rows *sql.Rows) ([]EventRow, error) {
	var events []EventRow

	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.TimestampNs, &e.Description, &e.Metadata, &e.Latitude, &e.Longitude, &e.Accuracy, &e.EvidencePath); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}
