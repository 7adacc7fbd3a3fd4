// Package store persists undelivered activity records in an embedded
// SQLite database. The store is the durability net under the in-memory
// upload queue: records land here on shutdown and when the dead-letter
// policy gives up on them, and are drained back into the queue at the
// next start.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"timetracker-agent/internal/tracker"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	app_name TEXT NOT NULL,
	process_name TEXT NOT NULL,
	window_title TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL,
	keyboard_presses INTEGER NOT NULL,
	is_productive INTEGER NOT NULL,
	close_reason TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	saved_at TEXT NOT NULL
);`

// Store wraps the SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRecords appends records in one transaction. Either all land on
// disk or none do.
func (s *Store) SaveRecords(recs []tracker.ActivityRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO pending_records
		(app_name, process_name, window_title, start_time, end_time,
		 duration_seconds, keyboard_presses, is_productive, close_reason,
		 attempts, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	savedAt := time.Now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		_, err := stmt.Exec(
			r.AppName,
			r.ProcessName,
			r.WindowTitle,
			r.StartTime.UTC().Format(time.RFC3339),
			r.EndTime.UTC().Format(time.RFC3339),
			r.DurationSeconds(),
			r.KeyboardPresses,
			boolToInt(r.Productive),
			string(r.Reason),
			r.Attempts,
			savedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting record for %s: %w", r.AppName, err)
		}
	}
	return tx.Commit()
}

// TakeAll removes and returns every stored record, oldest first. Rows
// are deleted in the same transaction as the read, so a record is never
// drained twice.
func (s *Store) TakeAll() ([]tracker.ActivityRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT app_name, process_name, window_title,
		start_time, end_time, duration_seconds, keyboard_presses,
		is_productive, close_reason, attempts
		FROM pending_records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []tracker.ActivityRecord
	for rows.Next() {
		var (
			r          tracker.ActivityRecord
			start, end string
			durationS  int
			productive int
			reason     string
		)
		if err := rows.Scan(&r.AppName, &r.ProcessName, &r.WindowTitle,
			&start, &end, &durationS, &r.KeyboardPresses,
			&productive, &reason, &r.Attempts); err != nil {
			return nil, err
		}
		if r.StartTime, err = time.Parse(time.RFC3339, start); err != nil {
			return nil, fmt.Errorf("corrupt start_time %q: %w", start, err)
		}
		if r.EndTime, err = time.Parse(time.RFC3339, end); err != nil {
			return nil, fmt.Errorf("corrupt end_time %q: %w", end, err)
		}
		r.Duration = time.Duration(durationS) * time.Second
		r.Productive = productive != 0
		r.Reason = tracker.CloseReason(reason)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM pending_records`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_records`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
