// Package history keeps a local log of past sessions: who we were paired
// with, when, and how the call ended. Purely local — nothing here talks to
// the backend.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Outcomes recorded for a finished session.
const (
	OutcomeEnded   = "ended"   // session ran its course
	OutcomeFailed  = "failed"  // connection or call failure
	OutcomeSkipped = "skipped" // user left before the session ended
)

// Entry is one logged session.
type Entry struct {
	ID        int64
	SessionID string
	Partner   string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
}

// Store wraps the SQLite-backed session log.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the history database at the given file path,
// creating parent directories as needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// WAL mode for concurrency with the UI reading while a session writes
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			partner    TEXT DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at   DATETIME NOT NULL,
			outcome    TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_log table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Record logs one finished session.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO call_log (session_id, partner, started_at, ended_at, outcome)
		VALUES (?, ?, ?, ?, ?)
	`, e.SessionID, e.Partner, e.StartedAt.UTC(), e.EndedAt.UTC(), e.Outcome)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// Recent returns the latest sessions, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, partner, started_at, ended_at, outcome
		FROM call_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Partner, &e.StartedAt, &e.EndedAt, &e.Outcome); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
