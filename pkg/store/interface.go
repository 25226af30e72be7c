package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/vidcoord/pkg/models"
)

// Store defines the interface for data persistence.
// Memory, SQLite and PostgreSQL implement it. Every mutating method
// linearizes on the affected row.
type Store interface {
	// Video operations
	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	UpdateVideoMetadata(ctx context.Context, id string, patch models.VideoPatch, at time.Time) (*models.Video, error)
	DeleteVideo(ctx context.Context, id string, actor string, at time.Time) ([]string, error)
	ListVideos(ctx context.Context, f VideoFilter) ([]*models.Video, int, error)

	// Derived status propagation
	ApplyVideoOutcome(ctx context.Context, o models.VideoOutcome) (bool, error)
	MarkVideoProcessing(ctx context.Context, videoID string, at time.Time) (bool, error)
	ReleaseVideoProcessing(ctx context.Context, videoID string, at time.Time) (bool, error)
	LatestEncodingOutcomes(ctx context.Context) ([]models.VideoOutcome, error)

	// Job operations
	CreateJob(ctx context.Context, job *models.Job, entry *models.OutboxEntry) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	TransitionJob(ctx context.Context, id string, t models.Transition) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, id string, progress int, at time.Time) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, int, error)
	GetJobStats(ctx context.Context, ownerID string) (*JobStats, error)
	PurgeJobs(ctx context.Context, completedBefore time.Time) (int, error)

	// Outbox operations
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	RescheduleOutbox(ctx context.Context, id string, next time.Time, lastErr string) error
	OutboxBacklog(ctx context.Context) (int, error)

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

var (
	ErrVideoNotFound       = errors.New("video not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrOutboxNotFound      = errors.New("outbox entry not found")
	ErrStaleState          = errors.New("job state changed concurrently")
	ErrJobNotActive        = errors.New("job is not in progress")
	ErrJobActive           = errors.New("job has not reached a terminal state")
	ErrVideoFailed         = errors.New("video processing has failed")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrUnsupportedSort     = errors.New("unsupported sort field")
)

// SortField names a sortable column
type SortField string

// VideoFilter scopes and pages a video listing
type VideoFilter struct {
	// ViewerID limits results to public videos plus those owned by the viewer.
	// Ignored when All is set.
	ViewerID string
	All      bool
	OwnerID  string
	Status   models.VideoStatus
	Search   string
	Sort     SortField
	Desc     bool
	Offset   int
	Limit    int
}

// JobFilter scopes and pages a job listing
type JobFilter struct {
	// OwnerID limits results to jobs on videos owned by that subject. Empty means all.
	OwnerID string
	VideoID string
	Status  models.JobStatus
	JobType models.JobType
	Search  string
	Sort    SortField
	Desc    bool
	Offset  int
	Limit   int
}

var videoSortColumns = map[SortField]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"title":      "title",
	"status":     "status",
}

var jobSortColumns = map[SortField]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"priority":   "priority",
	"progress":   "progress",
	"status":     "status",
	"job_type":   "job_type",
}

// VideoSortFields returns the allowed video sort fields
func VideoSortFields() []SortField {
	return []SortField{"created_at", "updated_at", "title", "status"}
}

// JobSortFields returns the allowed job sort fields
func JobSortFields() []SortField {
	return []SortField{"created_at", "updated_at", "priority", "progress", "status", "job_type"}
}

// JobStats contains aggregated job statistics
type JobStats struct {
	Total                int                      `json:"total_jobs"`
	ByStatus             map[models.JobStatus]int `json:"status_distribution"`
	ByType               map[models.JobType]int   `json:"type_distribution"`
	AvgProcessingSeconds float64                  `json:"average_processing_seconds"`
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "sqlite3":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "vidcoord.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
