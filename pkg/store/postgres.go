package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store interface using PostgreSQL.
// Row-level linearization uses SELECT ... FOR UPDATE inside transactions.
type PostgreSQLStore struct {
	*sqlStore
}

var postgresDialect = dialect{
	name:       "postgres",
	lockRow:    " FOR UPDATE",
	skipLocked: " FOR UPDATE SKIP LOCKED",
	secondsBetween: func(from, to string) string {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s))::float8", to, from)
	},
	rebind: func(q string) string { return q },
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore: &sqlStore{db: db, d: postgresDialect}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
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
		status_changed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_videos_owner_id ON videos(owner_id);
	CREATE INDEX IF NOT EXISTS idx_videos_privacy ON videos(privacy);
	CREATE INDEX IF NOT EXISTS idx_videos_created_at ON videos(created_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id),
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 10),
		progress INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
		settings JSONB,
		error_message TEXT,
		result_data JSONB,
		state_transitions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_video_id ON jobs(video_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_encoding_outcomes ON jobs(video_id, completed_at) WHERE job_type = 'encoding';

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		available_at TIMESTAMPTZ NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(available_at) WHERE published_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_outbox_job_id ON outbox(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
