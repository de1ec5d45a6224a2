// Package history persists a local log of call sessions in SQLite.
// Record-keeping only; nothing in the call path reads it.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one logged call session.
type Record struct {
	ID               string
	RoomID           int64
	StartedAt        time.Time
	EndedAt          time.Time
	EndReason        string
	PeakParticipants int
}

// Ended reports whether the record was closed with End.
func (r Record) Ended() bool { return !r.EndedAt.IsZero() }

// Store wraps the history database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the history database in dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id                TEXT PRIMARY KEY,
			room_id           INTEGER NOT NULL,
			started_at        DATETIME NOT NULL,
			ended_at          DATETIME,
			end_reason        TEXT DEFAULT '',
			peak_participants INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	// Migration: add peak_participants column if missing (existing databases)
	db.Exec(`ALTER TABLE calls ADD COLUMN peak_participants INTEGER DEFAULT 0`)

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Begin logs the start of a call and returns the record id.
func (s *Store) Begin(roomID int64, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO calls (id, room_id, started_at) VALUES (?, ?, ?)`,
		id, roomID, startedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	return id, nil
}

// ObservePeak raises the recorded peak participant count if n exceeds
// it. Counts remote participants plus self.
func (s *Store) ObservePeak(id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE calls SET peak_participants = ? WHERE id = ? AND peak_participants < ?`,
		n, id, n,
	)
	return err
}

// End closes a record. reason is empty for a deliberate leave.
func (s *Store) End(id string, endedAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE calls SET ended_at = ?, end_reason = ? WHERE id = ?`,
		endedAt.UTC(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("call record %s not found", id)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, room_id, started_at, ended_at, end_reason, peak_participants
		FROM calls ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.RoomID, &r.StartedAt, &ended, &r.EndReason, &r.PeakParticipants); err != nil {
			return nil, err
		}
		if ended.Valid {
			r.EndedAt = ended.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
