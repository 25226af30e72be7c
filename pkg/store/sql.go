package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/vidcoord/pkg/models"
)

// dialect captures the differences between PostgreSQL and SQLite.
// Queries are written with $N placeholders and rebound per dialect.
type dialect struct {
	name string
	// lockRow is appended to row reads inside write transactions
	lockRow string
	// skipLocked is appended to the outbox claim subquery
	skipLocked string
	// secondsBetween renders an expression for (to - from) in seconds
	secondsBetween func(from, to string) string
	rebind         func(query string) string
}

// sqlStore holds the queries shared by the PostgreSQL and SQLite stores
type sqlStore struct {
	db *sql.DB
	d  dialect
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const videoColumns = "id, owner_id, title, description, privacy, status, blob_handle, status_job_id, status_changed_at, created_at, updated_at"

const jobColumns = "j.id, j.video_id, j.job_type, j.status, j.priority, j.progress, j.settings, j.error_message, j.result_data, j.state_transitions, j.created_at, j.updated_at, j.started_at, j.completed_at"

const outboxColumns = "id, job_id, payload, attempts, available_at, last_error, published_at, created_at"

func (s *sqlStore) q(query string) string {
	return s.d.rebind(query)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func scanVideo(row scanner) (*models.Video, error) {
	var v models.Video
	var changedAt sql.NullTime
	err := row.Scan(&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.Privacy, &v.Status,
		&v.BlobHandle, &v.StatusJobID, &changedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	if changedAt.Valid {
		t := changedAt.Time.UTC()
		v.StatusChangedAt = &t
	}
	return &v, nil
}

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var errMsg sql.NullString
	var transitions []byte
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.VideoID, &j.JobType, &j.Status, &j.Priority, &j.Progress,
		&j.Settings, &errMsg, &j.ResultData, &transitions,
		&j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	if len(transitions) > 0 && string(transitions) != "null" {
		if err := json.Unmarshal(transitions, &j.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to decode state_transitions: %w", err)
		}
	}
	return &j, nil
}

func scanOutbox(row scanner) (*models.OutboxEntry, error) {
	var e models.OutboxEntry
	var publishedAt sql.NullTime
	err := row.Scan(&e.ID, &e.JobID, &e.Payload, &e.Attempts, &e.AvailableAt, &e.LastError, &publishedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.AvailableAt = e.AvailableAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	if publishedAt.Valid {
		t := publishedAt.Time.UTC()
		e.PublishedAt = &t
	}
	return &e, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Video operations

// CreateVideo stores a new video
func (s *sqlStore) CreateVideo(ctx context.Context, v *models.Video) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO videos (`+videoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`), v.ID, v.OwnerID, v.Title, v.Description, string(v.Privacy), string(v.Status), v.BlobHandle,
		v.StatusJobID, nullTime(v.StatusChangedAt), v.CreatedAt.UTC(), v.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	return nil
}

// GetVideo retrieves a video by ID
func (s *sqlStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+videoColumns+` FROM videos WHERE id = $1`), id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVideoNotFound
	}
	return v, err
}

func (s *sqlStore) lockVideo(ctx context.Context, tx *sql.Tx, id string) (*models.Video, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+videoColumns+` FROM videos WHERE id = $1`+s.d.lockRow), id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVideoNotFound
	}
	return v, err
}

// UpdateVideoMetadata applies a metadata patch under the row lock
func (s *sqlStore) UpdateVideoMetadata(ctx context.Context, id string, patch models.VideoPatch, at time.Time) (*models.Video, error) {
	var out *models.Video
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.lockVideo(ctx, tx, id)
		if err != nil {
			return err
		}
		patch.Apply(v, at.UTC())
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE videos SET title = $1, description = $2, privacy = $3, updated_at = $4
			WHERE id = $5
		`), v.Title, v.Description, string(v.Privacy), v.UpdatedAt, v.ID)
		if err != nil {
			return fmt.Errorf("failed to update video: %w", err)
		}
		out = v
		return nil
	})
	return out, err
}

// DeleteVideo force-cancels active jobs and removes the video with its jobs
// and their outbox entries in one transaction.
func (s *sqlStore) DeleteVideo(ctx context.Context, id string, actor string, at time.Time) ([]string, error) {
	var cancelled []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockVideo(ctx, tx, id); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs j WHERE j.video_id = $1`+s.d.lockRow), id)
		if err != nil {
			return err
		}
		var active []*models.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if models.IsActiveState(job.Status) {
				active = append(active, job)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, job := range active {
			t := models.Transition{To: models.JobStatusCancelled, Reason: "video deleted", Actor: actor, At: at.UTC()}
			if err := t.Apply(job); err != nil {
				return err
			}
			if err := s.writeJob(ctx, tx, job); err != nil {
				return err
			}
			cancelled = append(cancelled, job.ID)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM outbox WHERE job_id IN (SELECT id FROM jobs WHERE video_id = $1)`), id); err != nil {
			return fmt.Errorf("failed to delete outbox entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE video_id = $1`), id); err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM videos WHERE id = $1`), id); err != nil {
			return fmt.Errorf("failed to delete video: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(cancelled)
	return cancelled, nil
}

// conditions accumulates WHERE clauses with positional arguments
type conditions struct {
	clauses []string
	args    []interface{}
}

// add appends a clause; each %d in clause is replaced with the new argument's position
func (c *conditions) add(clause string, arg interface{}) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, strings.ReplaceAll(clause, "%d", fmt.Sprint(len(c.args))))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func (c *conditions) page(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	c.args = append(c.args, limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(c.args)-1, len(c.args))
}

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

func likePattern(search string) string {
	return "%" + strings.ToLower(search) + "%"
}

// ListVideos returns one page of videos matching f and the total match count
func (s *sqlStore) ListVideos(ctx context.Context, f VideoFilter) ([]*models.Video, int, error) {
	if f.Sort == "" {
		f.Sort = "created_at"
	}
	col, ok := videoSortColumns[f.Sort]
	if !ok {
		return nil, 0, ErrUnsupportedSort
	}

	var c conditions
	if !f.All {
		c.add("(privacy = 'public' OR owner_id = $%d)", f.ViewerID)
	}
	if f.OwnerID != "" {
		c.add("owner_id = $%d", f.OwnerID)
	}
	if f.Status != "" {
		c.add("status = $%d", string(f.Status))
	}
	if f.Search != "" {
		c.add("LOWER(title) LIKE $%d", likePattern(f.Search))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM videos`+c.where()), c.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count videos: %w", err)
	}

	dir := direction(f.Desc)
	where := c.where()
	query := `SELECT ` + videoColumns + ` FROM videos` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir) + c.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, s.q(query), c.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, 0, err
		}
		videos = append(videos, v)
	}
	return videos, total, rows.Err()
}

// ApplyVideoOutcome compares the outcome with the video's current base under
// the row lock and applies it only if it is newer.
func (s *sqlStore) ApplyVideoOutcome(ctx context.Context, o models.VideoOutcome) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.lockVideo(ctx, tx, o.VideoID)
		if err != nil {
			return err
		}
		if !o.Supersedes(v) {
			return nil
		}
		at := o.At.UTC()
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE videos SET status = $1, status_job_id = $2, status_changed_at = $3, updated_at = $4
			WHERE id = $5
		`), string(o.Status), o.JobID, at, at, o.VideoID)
		if err != nil {
			return fmt.Errorf("failed to update video status: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// MarkVideoProcessing moves a pending video to processing
func (s *sqlStore) MarkVideoProcessing(ctx context.Context, videoID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE videos SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`), string(models.VideoStatusProcessing), at.UTC(), videoID, string(models.VideoStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark video processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetVideo(ctx, videoID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseVideoProcessing moves a processing video back to pending under the
// row lock when no encoding job on it is in progress and no encoding outcome
// has been recorded.
func (s *sqlStore) ReleaseVideoProcessing(ctx context.Context, videoID string, at time.Time) (bool, error) {
	released := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if v.Status != models.VideoStatusProcessing || v.StatusJobID != "" {
			return nil
		}
		var running int
		err = tx.QueryRowContext(ctx, s.q(`
			SELECT COUNT(*) FROM jobs WHERE video_id = $1 AND job_type = $2 AND status = $3
		`), videoID, string(models.JobTypeEncoding), string(models.JobStatusInProgress)).Scan(&running)
		if err != nil {
			return fmt.Errorf("failed to count running encodes: %w", err)
		}
		if running > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE videos SET status = $1, updated_at = $2 WHERE id = $3`),
			string(models.VideoStatusPending), at.UTC(), videoID)
		if err != nil {
			return fmt.Errorf("failed to release video: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

// LatestEncodingOutcomes returns, per video, the newest terminal encoding outcome
func (s *sqlStore) LatestEncodingOutcomes(ctx context.Context) ([]models.VideoOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT video_id, id, status, completed_at FROM jobs
		WHERE job_type = $1 AND status IN ($2, $3) AND completed_at IS NOT NULL
		ORDER BY video_id, completed_at DESC, id DESC
	`), string(models.JobTypeEncoding), string(models.JobStatusCompleted), string(models.JobStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query encoding outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.VideoOutcome
	last := ""
	for rows.Next() {
		var videoID, jobID string
		var status models.JobStatus
		var completedAt time.Time
		if err := rows.Scan(&videoID, &jobID, &status, &completedAt); err != nil {
			return nil, err
		}
		if videoID == last {
			continue
		}
		last = videoID
		vs, _ := models.OutcomeStatus(status)
		out = append(out, models.VideoOutcome{VideoID: videoID, JobID: jobID, Status: vs, At: completedAt.UTC()})
	}
	return out, rows.Err()
}

// Job operations

// CreateJob inserts a job and its outbox entry in one transaction
func (s *sqlStore) CreateJob(ctx context.Context, job *models.Job, entry *models.OutboxEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.lockVideo(ctx, tx, job.VideoID)
		if err != nil {
			return err
		}
		if v.Status == models.VideoStatusFailed {
			return ErrVideoFailed
		}

		transitions, err := json.Marshal(job.StateTransitions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO jobs (id, video_id, job_type, status, priority, progress, settings, error_message,
				result_data, state_transitions, created_at, updated_at, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`), job.ID, job.VideoID, string(job.JobType), string(job.Status), job.Priority,
			models.ClampProgress(job.Progress), job.Settings, job.ErrorMessage, job.ResultData,
			string(transitions), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
			nullTime(job.StartedAt), nullTime(job.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		if entry == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO outbox (`+outboxColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`), entry.ID, entry.JobID, string(entry.Payload), entry.Attempts, entry.AvailableAt.UTC(),
			entry.LastError, nullTime(entry.PublishedAt), entry.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *sqlStore) lockJob(ctx context.Context, tx *sql.Tx, id string) (*models.Job, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`+s.d.lockRow), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *sqlStore) writeJob(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = $1, progress = $2, error_message = $3, result_data = $4, state_transitions = $5,
			updated_at = $6, started_at = $7, completed_at = $8
		WHERE id = $9
	`), string(job.Status), models.ClampProgress(job.Progress), job.ErrorMessage, job.ResultData,
		string(transitions), job.UpdatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// TransitionJob locks the job row, re-checks the expected state and applies t
func (s *sqlStore) TransitionJob(ctx context.Context, id string, t models.Transition) (*models.Job, error) {
	var out *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Expected != "" && job.Status != t.Expected {
			return fmt.Errorf("%w: expected %s, found %s", ErrStaleState, t.Expected, job.Status)
		}
		t.At = t.At.UTC()
		if err := t.Apply(job); err != nil {
			return err
		}
		if err := s.writeJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// UpdateJobProgress records progress on an in-progress job
func (s *sqlStore) UpdateJobProgress(ctx context.Context, id string, progress int, at time.Time) (*models.Job, error) {
	var out *models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusInProgress {
			return fmt.Errorf("%w: status is %s", ErrJobNotActive, job.Status)
		}
		job.Progress = models.ClampProgress(progress)
		job.UpdatedAt = at.UTC()
		_, err = tx.ExecContext(ctx, s.q(`UPDATE jobs SET progress = $1, updated_at = $2 WHERE id = $3`),
			job.Progress, job.UpdatedAt, job.ID)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

// ListJobs returns one page of jobs matching f and the total match count
func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, int, error) {
	if f.Sort == "" {
		f.Sort = "created_at"
	}
	col, ok := jobSortColumns[f.Sort]
	if !ok {
		return nil, 0, ErrUnsupportedSort
	}

	var c conditions
	if f.OwnerID != "" {
		c.add("v.owner_id = $%d", f.OwnerID)
	}
	if f.VideoID != "" {
		c.add("j.video_id = $%d", f.VideoID)
	}
	if f.Status != "" {
		c.add("j.status = $%d", string(f.Status))
	}
	if f.JobType != "" {
		c.add("j.job_type = $%d", string(f.JobType))
	}
	if f.Search != "" {
		c.add("LOWER(j.job_type) LIKE $%d", likePattern(f.Search))
	}

	from := ` FROM jobs j JOIN videos v ON v.id = j.video_id`
	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*)`+from+c.where()), c.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	dir := direction(f.Desc)
	where := c.where()
	query := `SELECT ` + jobColumns + from + where +
		fmt.Sprintf(" ORDER BY j.%s %s, j.id %s", col, dir, dir) + c.page(f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx, s.q(query), c.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// GetJobStats aggregates jobs, optionally limited to videos owned by ownerID
func (s *sqlStore) GetJobStats(ctx context.Context, ownerID string) (*JobStats, error) {
	stats := &JobStats{
		ByStatus: make(map[models.JobStatus]int),
		ByType:   make(map[models.JobType]int),
	}

	var c conditions
	if ownerID != "" {
		c.add("v.owner_id = $%d", ownerID)
	}
	from := ` FROM jobs j JOIN videos v ON v.id = j.video_id`

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT j.status, j.job_type, COUNT(*)`+from+c.where()+` GROUP BY j.status, j.job_type`), c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var jobType models.JobType
		var n int
		if err := rows.Scan(&status, &jobType, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		stats.ByStatus[status] += n
		stats.ByType[jobType] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.add("j.status = $%d", string(models.JobStatusCompleted))
	avgQuery := `SELECT AVG(` + s.d.secondsBetween("j.started_at", "j.completed_at") + `)` + from + c.where() +
		` AND j.started_at IS NOT NULL AND j.completed_at IS NOT NULL`
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, s.q(avgQuery), c.args...).Scan(&avg); err != nil {
		return nil, fmt.Errorf("failed to compute processing time: %w", err)
	}
	if avg.Valid {
		stats.AvgProcessingSeconds = avg.Float64
	}
	return stats, nil
}

// DeleteJob removes a terminal job and its outbox entries
func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !models.IsTerminalState(job.Status) {
			return ErrJobActive
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM outbox WHERE job_id = $1`), id); err != nil {
			return fmt.Errorf("failed to delete outbox entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = $1`), id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

// PurgeJobs deletes terminal jobs completed before the cutoff along with their outbox entries
func (s *sqlStore) PurgeJobs(ctx context.Context, completedBefore time.Time) (int, error) {
	var purged int64
	args := []interface{}{
		string(models.JobStatusCompleted), string(models.JobStatusFailed), string(models.JobStatusCancelled),
		completedBefore.UTC(),
	}
	match := `status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4`
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM outbox WHERE job_id IN (SELECT id FROM jobs WHERE `+match+`)`), args...); err != nil {
			return fmt.Errorf("failed to purge outbox entries: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE `+match), args...)
		if err != nil {
			return fmt.Errorf("failed to purge jobs: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return int(purged), err
}

// Outbox operations

// ClaimOutbox leases up to limit due, unpublished entries until now+lease.
// Rows claimed concurrently by another relay are skipped where the database supports it.
func (s *sqlStore) ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		UPDATE outbox SET available_at = $1
		WHERE id IN (
			SELECT id FROM outbox
			WHERE published_at IS NULL AND available_at <= $2
			ORDER BY available_at, created_at
			LIMIT $3`+s.d.skipLocked+`
		)
		RETURNING `+outboxColumns), now.Add(lease).UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*models.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *sqlStore) execOutbox(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

// MarkOutboxPublished records a confirmed publish
func (s *sqlStore) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	return s.execOutbox(ctx, `
		UPDATE outbox SET published_at = $1, attempts = attempts + 1, last_error = ''
		WHERE id = $2
	`, at.UTC(), id)
}

// RescheduleOutbox records a failed publish and the next attempt time
func (s *sqlStore) RescheduleOutbox(ctx context.Context, id string, next time.Time, lastErr string) error {
	return s.execOutbox(ctx, `
		UPDATE outbox SET attempts = attempts + 1, available_at = $1, last_error = $2
		WHERE id = $3
	`, next.UTC(), lastErr, id)
}

// OutboxBacklog counts unpublished entries
func (s *sqlStore) OutboxBacklog(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

// HealthCheck verifies database connectivity
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
