package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the data store.
// Transactions start with BEGIN IMMEDIATE, so writers are serialized and a
// read inside a write transaction is already exclusive.
type SQLiteStore struct {
	*sqlStore
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

var sqliteDialect = dialect{
	name:       "sqlite",
	lockRow:    "",
	skipLocked: "",
	secondsBetween: func(from, to string) string {
		return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400.0", to, from)
	},
	rebind: func(q string) string { return placeholder.ReplaceAllString(q, "?$1") },
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the writer
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _txlock=immediate: acquire the write lock at transaction start
	// - _foreign_keys=on: enforce jobs.video_id references
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore: &sqlStore{db: db, d: sqliteDialect}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		privacy TEXT NOT NULL,
		status TEXT NOT NULL,
		blob_handle TEXT NOT NULL DEFAULT '',
		status_job_id TEXT NOT NULL DEFAULT '',
		status_changed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_videos_owner_id ON videos(owner_id);
	CREATE INDEX IF NOT EXISTS idx_videos_created_at ON videos(created_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id),
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 10),
		progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
		settings TEXT,
		error_message TEXT,
		result_data TEXT,
		state_transitions TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_video_id ON jobs(video_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		available_at TIMESTAMP NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_available_at ON outbox(available_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
