// Package sqlite persists session history, feedback, the dataset index and
// species reference data in a single SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const DefaultHistoryMaxRecords = 10000

type Store struct {
	db         *sql.DB
	historyMax int
}

func Open(path string, historyMax int) (*Store, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	if historyMax <= 0 {
		historyMax = DefaultHistoryMaxRecords
	}
	return &Store{db: db, historyMax: historyMax}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer keeps append-then-trim transactions from tripping over each other.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS session_history (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL,
		status        TEXT NOT NULL,
		final_species TEXT DEFAULT '',
		method        TEXT DEFAULT '',
		attempts_used INTEGER NOT NULL DEFAULT 1,
		discarded     TEXT DEFAULT '[]',
		history       TEXT DEFAULT '[]',
		created_at    DATETIME NOT NULL,
		closed_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_history_closed_at ON session_history(closed_at);

	CREATE TABLE IF NOT EXISTS feedback (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL,
		final_species TEXT NOT NULL,
		correct       INTEGER NOT NULL,
		method        TEXT NOT NULL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_species ON feedback(final_species);

	CREATE TABLE IF NOT EXISTS dataset_images (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		species    TEXT NOT NULL,
		filename   TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dataset_images_species ON dataset_images(species);

	CREATE TABLE IF NOT EXISTS training_runs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		last_image_id INTEGER NOT NULL,
		note          TEXT DEFAULT '',
		completed_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS species_info (
		scientific_name TEXT PRIMARY KEY COLLATE NOCASE,
		common_name     TEXT DEFAULT '',
		description     TEXT DEFAULT '',
		taxonomy        TEXT DEFAULT '',
		care_info       TEXT DEFAULT ''
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
