// Package catalog owns videos: creation, metadata updates, the delete
// cascade, visibility checks and the derived-status propagation step.
package catalog

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/blob"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/metrics"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/store"
)

// MaxTitleLength is the longest accepted title, in characters
const MaxTitleLength = 255

// CreateVideoRequest carries the metadata of a new video
type CreateVideoRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Privacy     models.Privacy `json:"privacy"`
	BlobHandle  string         `json:"blob_handle"`
}

// Catalog implements the video operations
type Catalog struct {
	store   store.Store
	blobs   blob.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option customizes a Catalog
type Option func(*Catalog)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithIDs overrides id generation
func WithIDs(newID func() string) Option {
	return func(c *Catalog) { c.newID = newID }
}

// WithMetrics records propagation outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Catalog) { c.metrics = m }
}

// New creates a catalog. blobs may be nil when uploads are handled elsewhere.
func New(s store.Store, blobs blob.Store, logger *logging.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		store:  s,
		blobs:  blobs,
		logger: logger,
		now:    models.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return apperr.Validation("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return apperr.Validation("title must be at most %d characters", MaxTitleLength)
	}
	return nil
}

func (c *Catalog) prepare(caller models.Principal, req CreateVideoRequest) (*models.Video, error) {
	if caller.IsWorker() || caller.SubjectID == "" {
		return nil, apperr.Forbidden("only users may create videos")
	}
	if err := validateTitle(req.Title); err != nil {
		return nil, err
	}
	if req.Privacy == "" {
		req.Privacy = models.PrivacyPrivate
	}
	if !req.Privacy.Valid() {
		return nil, apperr.Validation("unknown privacy %q", req.Privacy)
	}
	now := c.now()
	return &models.Video{
		ID:          c.newID(),
		OwnerID:     caller.SubjectID,
		Title:       req.Title,
		Description: req.Description,
		Privacy:     req.Privacy,
		Status:      models.VideoStatusPending,
		BlobHandle:  req.BlobHandle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Create records a video whose bytes are already stored at req.BlobHandle
func (c *Catalog) Create(ctx context.Context, caller models.Principal, req CreateVideoRequest) (*models.Video, error) {
	v, err := c.prepare(caller, req)
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateVideo(ctx, v); err != nil {
		return nil, apperr.Internal(err, "failed to create video")
	}
	c.logger.Info("Video created", logging.Fields{"video_id": v.ID, "owner_id": v.OwnerID})
	return v, nil
}

// Upload stores the source media through the blob store and records the video
func (c *Catalog) Upload(ctx context.Context, caller models.Principal, req CreateVideoRequest, filename string, r io.Reader) (*models.Video, error) {
	if c.blobs == nil {
		return nil, apperr.Unavailable(errors.New("no blob store configured"), "uploads are disabled")
	}
	v, err := c.prepare(caller, req)
	if err != nil {
		return nil, err
	}
	handle, err := c.blobs.Put(ctx, v.ID, filename, r)
	if err != nil {
		if errors.Is(err, blob.ErrInvalidName) {
			return nil, apperr.Validation("invalid file name %q", filename)
		}
		return nil, apperr.Unavailable(err, "failed to store upload")
	}
	v.BlobHandle = handle
	if err := c.store.CreateVideo(ctx, v); err != nil {
		c.removeBlobs(ctx, v.ID)
		return nil, apperr.Internal(err, "failed to create video")
	}
	c.logger.Info("Video uploaded", logging.Fields{"video_id": v.ID, "owner_id": v.OwnerID, "blob": handle})
	return v, nil
}

// load fetches a video and hides it from callers who may not see it
func (c *Catalog) load(ctx context.Context, caller models.Principal, id string) (*models.Video, error) {
	v, err := c.store.GetVideo(ctx, id)
	if errors.Is(err, store.ErrVideoNotFound) {
		return nil, apperr.NotFound("video %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load video")
	}
	if !Visible(caller, v) {
		return nil, apperr.NotFound("video %s not found", id)
	}
	return v, nil
}

// Visible reports whether caller may see v. Non-public videos are only
// visible to their owner and admins.
func Visible(caller models.Principal, v *models.Video) bool {
	return v.Privacy == models.PrivacyPublic || caller.CanManage(v.OwnerID)
}

// Get returns a video visible to caller
func (c *Catalog) Get(ctx context.Context, caller models.Principal, id string) (*models.Video, error) {
	return c.load(ctx, caller, id)
}

// Resolve returns a video regardless of privacy. Callers enforce their own rules.
func (c *Catalog) Resolve(ctx context.Context, id string) (*models.Video, error) {
	v, err := c.store.GetVideo(ctx, id)
	if errors.Is(err, store.ErrVideoNotFound) {
		return nil, apperr.NotFound("video %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to load video")
	}
	return v, nil
}

// UpdateMetadata applies a patch of title, description and privacy
func (c *Catalog) UpdateMetadata(ctx context.Context, caller models.Principal, id string, patch models.VideoPatch) (*models.Video, error) {
	if patch.Status != nil {
		return nil, apperr.Validation("status is derived from processing jobs and cannot be set")
	}
	if patch.Empty() {
		return nil, apperr.Validation("patch contains no changes")
	}
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return nil, err
		}
	}
	if patch.Privacy != nil && !patch.Privacy.Valid() {
		return nil, apperr.Validation("unknown privacy %q", *patch.Privacy)
	}

	v, err := c.load(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(v.OwnerID) {
		return nil, apperr.Forbidden("only the owner or an admin may edit video %s", id)
	}

	updated, err := c.store.UpdateVideoMetadata(ctx, id, patch, c.now())
	if errors.Is(err, store.ErrVideoNotFound) {
		return nil, apperr.NotFound("video %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err, "failed to update video")
	}
	return updated, nil
}

// Delete removes a video, force-cancelling its active jobs and dropping
// every job and outbox row in the same transaction.
func (c *Catalog) Delete(ctx context.Context, caller models.Principal, id string) error {
	v, err := c.load(ctx, caller, id)
	if err != nil {
		return err
	}
	if !caller.CanManage(v.OwnerID) {
		return apperr.Forbidden("only the owner or an admin may delete video %s", id)
	}

	cancelled, err := c.store.DeleteVideo(ctx, id, caller.SubjectID, c.now())
	if errors.Is(err, store.ErrVideoNotFound) {
		return apperr.NotFound("video %s not found", id)
	}
	if err != nil {
		return apperr.Internal(err, "failed to delete video")
	}
	c.removeBlobs(ctx, id)
	c.logger.Info("Video deleted", logging.Fields{"video_id": id, "cancelled_jobs": len(cancelled)})
	return nil
}

func (c *Catalog) removeBlobs(ctx context.Context, videoID string) {
	if c.blobs == nil {
		return
	}
	if err := c.blobs.DeleteAll(ctx, videoID); err != nil {
		c.logger.Warn("Failed to remove stored media", logging.Fields{"video_id": videoID, "error": err})
	}
}

// ApplyJobOutcome propagates a terminal encoding job into its video. It
// applies only when the outcome is newer than the one the video reflects,
// so replays and out-of-order calls are harmless.
func (c *Catalog) ApplyJobOutcome(ctx context.Context, job *models.Job) (bool, error) {
	if !job.JobType.DrivesVideoStatus() || job.CompletedAt == nil {
		return false, nil
	}
	status, ok := models.OutcomeStatus(job.Status)
	if !ok {
		return false, nil
	}
	return c.ApplyOutcome(ctx, models.VideoOutcome{
		VideoID: job.VideoID,
		JobID:   job.ID,
		Status:  status,
		At:      *job.CompletedAt,
	})
}

// ApplyOutcome runs the video status compare-and-set for one outcome
func (c *Catalog) ApplyOutcome(ctx context.Context, o models.VideoOutcome) (bool, error) {
	applied, err := c.store.ApplyVideoOutcome(ctx, o)
	switch {
	case err != nil:
		c.metrics.Propagation("error")
		return false, err
	case applied:
		c.metrics.Propagation("applied")
	default:
		c.metrics.Propagation("stale")
	}
	return applied, nil
}

// MarkProcessing moves a pending video to processing once an encoding job starts
func (c *Catalog) MarkProcessing(ctx context.Context, job *models.Job) (bool, error) {
	if !job.JobType.DrivesVideoStatus() || job.Status != models.JobStatusInProgress {
		return false, nil
	}
	return c.store.MarkVideoProcessing(ctx, job.VideoID, c.now())
}

// ReleaseProcessing returns a processing video to pending after an encoding
// job is cancelled, unless another encode is running or an outcome exists.
func (c *Catalog) ReleaseProcessing(ctx context.Context, job *models.Job) (bool, error) {
	if !job.JobType.DrivesVideoStatus() || job.Status != models.JobStatusCancelled {
		return false, nil
	}
	return c.store.ReleaseVideoProcessing(ctx, job.VideoID, c.now())
}
