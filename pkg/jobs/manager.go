// Package jobs implements the processing-job lifecycle: creation and
// dispatch, worker status reports, progress, cancellation and propagation
// of encoding outcomes into the parent video.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/metrics"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/store"
	"github.com/psantana5/vidcoord/pkg/tracing"
)

// Dispatcher delivers a committed outbox entry to the dispatch queue
type Dispatcher interface {
	Deliver(ctx context.Context, e *models.OutboxEntry, path string) error
	Lease() time.Duration
}

// CreateRequest describes a new job
type CreateRequest struct {
	VideoID  string         `json:"video_id"`
	JobType  models.JobType `json:"job_type"`
	Priority *int           `json:"priority,omitempty"`
	Settings models.Payload `json:"settings,omitempty"`
}

// Manager is the job lifecycle service
type Manager struct {
	store      store.Store
	catalog    *catalog.Catalog
	dispatcher Dispatcher
	logger     *logging.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs overrides id generation
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithMetrics records job counters
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTracing opens spans from tp
func WithTracing(tp *tracing.Provider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer() }
}

// NewManager wires a job manager
func NewManager(s store.Store, c *catalog.Catalog, d Dispatcher, logger *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		catalog:    c,
		dispatcher: d,
		logger:     logger.WithField("component", "jobs"),
		now:        models.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = (*tracing.Provider)(nil).Tracer()
	}
	return m
}

func (m *Manager) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func validateCreate(req CreateRequest) (int, error) {
	if req.VideoID == "" {
		return 0, apperr.Validation("video_id is required")
	}
	if !req.JobType.Valid() {
		return 0, apperr.Validation("unknown job_type %q", req.JobType)
	}
	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < models.MinPriority || priority > models.MaxPriority {
		return 0, apperr.Validation("priority must be between %d and %d, got %d", models.MinPriority, models.MaxPriority, priority)
	}
	if err := req.Settings.Validate(); err != nil {
		return 0, apperr.Validation("invalid settings: %v", err)
	}
	return priority, nil
}

// Create persists a queued job together with its outbox entry, then
// publishes the descriptor. A failed publish is retried by the outbox
// relay and never fails the call once the job is committed.
func (m *Manager) Create(ctx context.Context, caller models.Principal, req CreateRequest) (job *models.Job, err error) {
	ctx, span := m.span(ctx, "jobs.create",
		attribute.String("video.id", req.VideoID),
		attribute.String("job.type", string(req.JobType)))
	defer func() { tracing.End(span, err) }()

	priority, err := validateCreate(req)
	if err != nil {
		return nil, err
	}
	video, err := m.catalog.Resolve(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}
	if caller.IsWorker() || !caller.CanManage(video.OwnerID) {
		return nil, apperr.Forbidden("only the owner or an admin may create jobs on video %s", video.ID)
	}
	if video.Status == models.VideoStatusFailed {
		return nil, apperr.InvalidState("video %s has failed processing; no new jobs are accepted", video.ID)
	}

	now := m.now()
	settings := req.Settings.Clone()
	if settings == nil {
		settings = models.Payload{}
	}
	job = &models.Job{
		ID:        m.newID(),
		VideoID:   video.ID,
		JobType:   req.JobType,
		Status:    models.JobStatusQueued,
		Priority:  priority,
		Progress:  0,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
		StateTransitions: []models.StateTransition{{
			To:        models.JobStatusQueued,
			Timestamp: now,
			Reason:    "created",
			Actor:     caller.SubjectID,
		}},
	}
	payload, err := models.DescriptorFor(job).Marshal()
	if err != nil {
		return nil, apperr.Internal(err, "failed to encode descriptor")
	}
	entry := &models.OutboxEntry{
		ID:          m.newID(),
		JobID:       job.ID,
		Payload:     payload,
		AvailableAt: now.Add(m.dispatcher.Lease()),
		CreatedAt:   now,
	}

	if err := m.store.CreateJob(ctx, job, entry); err != nil {
		switch {
		case errors.Is(err, store.ErrVideoNotFound):
			return nil, apperr.NotFound("video %s not found", video.ID)
		case errors.Is(err, store.ErrVideoFailed):
			return nil, apperr.Wrap(apperr.CodeInvalidState, err, "video %s has failed processing; no new jobs are accepted", video.ID)
		}
		return nil, apperr.Internal(err, "failed to create job")
	}
	m.metrics.JobCreated(string(job.JobType))
	span.SetAttributes(attribute.String("job.id", job.ID))

	// The request context may end before the broker answers; the delivery is bounded by the publish timeout.
	if pubErr := m.dispatcher.Deliver(context.WithoutCancel(ctx), entry, metrics.PathInline); pubErr != nil {
		m.logger.Warn("Job committed, dispatch deferred to outbox relay", logging.Fields{"job_id": job.ID, "error": pubErr})
	}
	m.logger.Info("Job created", logging.Fields{
		"job_id":   job.ID,
		"video_id": job.VideoID,
		"job_type": string(job.JobType),
		"priority": job.Priority,
	})
	return job, nil
}

func (m *Manager) load(ctx context.Context, id string) (*models.Job, *models.Video, error) {
	job, err := m.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, nil, apperr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, nil, apperr.Internal(err, "failed to load job")
	}
	video, err := m.store.GetVideo(ctx, job.VideoID)
	if errors.Is(err, store.ErrVideoNotFound) {
		return nil, nil, apperr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, nil, apperr.Internal(err, "failed to load video")
	}
	return job, video, nil
}

// Get returns a job to its owner, an admin or any worker
func (m *Manager) Get(ctx context.Context, caller models.Principal, id string) (*models.Job, error) {
	job, video, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsWorker() && !caller.CanManage(video.OwnerID) {
		return nil, apperr.Forbidden("not allowed to read job %s", id)
	}
	return job, nil
}

// authorizeReport enforces who may move a job into status
func authorizeReport(caller models.Principal, ownerID string, status models.JobStatus) error {
	if caller.IsWorker() || caller.IsAdmin() {
		return nil
	}
	if status == models.JobStatusCancelled && caller.Owns(ownerID) {
		return nil
	}
	if caller.Owns(ownerID) {
		return apperr.Forbidden("owners may only cancel their jobs; %s must be reported by a worker", status)
	}
	return apperr.Forbidden("not allowed to update this job")
}

// transitionError maps store failures of TransitionJob to coded errors
func transitionError(id string, err error) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return apperr.NotFound("job %s not found", id)
	case errors.Is(err, store.ErrStaleState):
		return apperr.Wrap(apperr.CodeConflict, err, "job %s changed concurrently; re-read and retry", id)
	case errors.Is(err, models.ErrInvalidTransition):
		return apperr.InvalidTransition("job %s: %v", id, err)
	default:
		return apperr.Internal(err, "failed to update job %s", id)
	}
}

// UpdateStatus applies a worker status report
func (m *Manager) UpdateStatus(ctx context.Context, caller models.Principal, id string, report models.StatusReport) (job *models.Job, err error) {
	ctx, span := m.span(ctx, "jobs.update_status",
		attribute.String("job.id", id),
		attribute.String("job.status", string(report.Status)))
	defer func() { tracing.End(span, err) }()

	if !models.ValidStatus(report.Status) {
		return nil, apperr.Validation("unknown status %q", report.Status)
	}
	if report.JobID != "" && report.JobID != id {
		return nil, apperr.Validation("job_id %s does not match %s", report.JobID, id)
	}
	if err := report.ResultData.Validate(); err != nil {
		return nil, apperr.Validation("invalid result_data: %v", err)
	}

	current, video, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeReport(caller, video.OwnerID, report.Status); err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(current.Status, report.Status); err != nil {
		return nil, transitionError(id, err)
	}

	updated, err := m.store.TransitionJob(ctx, id, models.Transition{
		Expected:     current.Status,
		To:           report.Status,
		Progress:     report.Progress,
		ErrorMessage: report.ErrorMessage,
		ResultData:   report.ResultData,
		Reason:       "status report",
		Actor:        caller.SubjectID,
		At:           m.now(),
	})
	if err != nil {
		return nil, transitionError(id, err)
	}
	m.metrics.Transition(string(current.Status), string(updated.Status))
	m.logger.Info("Job status updated", logging.Fields{
		"job_id": id,
		"from":   string(current.Status),
		"to":     string(updated.Status),
		"actor":  caller.SubjectID,
	})

	m.propagate(ctx, updated)
	return updated, nil
}

// propagate pushes encoding outcomes into the video. Failures are logged
// and left to the repair sweep.
func (m *Manager) propagate(ctx context.Context, job *models.Job) {
	var err error
	switch {
	case job.Status == models.JobStatusInProgress:
		_, err = m.catalog.MarkProcessing(ctx, job)
	case job.Status == models.JobStatusCancelled:
		_, err = m.catalog.ReleaseProcessing(ctx, job)
	case models.IsTerminalState(job.Status):
		_, err = m.catalog.ApplyJobOutcome(ctx, job)
	}
	if err != nil {
		m.logger.Error("Video status propagation failed", logging.Fields{"job_id": job.ID, "video_id": job.VideoID, "error": err})
	}
}

// ReportProgress records progress on an in-progress job
func (m *Manager) ReportProgress(ctx context.Context, caller models.Principal, id string, progress int) (*models.Job, error) {
	if !caller.IsWorker() && !caller.IsAdmin() {
		return nil, apperr.Forbidden("progress must be reported by a worker")
	}
	current, _, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != models.JobStatusInProgress {
		return nil, apperr.InvalidState("job %s is %s; progress is only accepted while in_progress", id, current.Status)
	}
	job, err := m.store.UpdateJobProgress(ctx, id, models.ClampProgress(progress), m.now())
	switch {
	case errors.Is(err, store.ErrJobNotActive):
		return nil, apperr.Wrap(apperr.CodeInvalidState, err, "job %s is no longer in progress", id)
	case errors.Is(err, store.ErrJobNotFound):
		return nil, apperr.NotFound("job %s not found", id)
	case err != nil:
		return nil, apperr.Internal(err, "failed to record progress")
	}
	return job, nil
}

// Cancel cancels a queued or in-progress job on behalf of its owner or an
// admin. Cancellation is cooperative: the descriptor is not withdrawn.
func (m *Manager) Cancel(ctx context.Context, caller models.Principal, id string) (job *models.Job, err error) {
	ctx, span := m.span(ctx, "jobs.cancel", attribute.String("job.id", id))
	defer func() { tracing.End(span, err) }()

	current, video, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(video.OwnerID) {
		return nil, apperr.Forbidden("only the owner or an admin may cancel job %s", id)
	}
	if !models.IsActiveState(current.Status) {
		return nil, apperr.InvalidState("job %s is %s and cannot be cancelled", id, current.Status).
			WithReason(apperr.ReasonCannotCancel)
	}

	updated, err := m.store.TransitionJob(ctx, id, models.Transition{
		Expected: current.Status,
		To:       models.JobStatusCancelled,
		Reason:   "cancelled",
		Actor:    caller.SubjectID,
		At:       m.now(),
	})
	if err != nil {
		return nil, transitionError(id, err)
	}
	m.metrics.Transition(string(current.Status), string(updated.Status))
	m.logger.Info("Job cancelled", logging.Fields{"job_id": id, "actor": caller.SubjectID})

	m.propagate(ctx, updated)
	return updated, nil
}

// Delete removes a terminal job on behalf of its owner or an admin
func (m *Manager) Delete(ctx context.Context, caller models.Principal, id string) (err error) {
	ctx, span := m.span(ctx, "jobs.delete", attribute.String("job.id", id))
	defer func() { tracing.End(span, err) }()

	current, video, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !caller.CanManage(video.OwnerID) {
		return apperr.Forbidden("only the owner or an admin may delete job %s", id)
	}
	if !models.IsTerminalState(current.Status) {
		return apperr.InvalidState("job %s is %s; only finished jobs can be deleted", id, current.Status)
	}

	err = m.store.DeleteJob(ctx, id)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return apperr.NotFound("job %s not found", id)
	case errors.Is(err, store.ErrJobActive):
		return apperr.Wrap(apperr.CodeInvalidState, err, "job %s is no longer finished", id)
	case err != nil:
		return apperr.Internal(err, "failed to delete job")
	}
	m.logger.Info("Job deleted", logging.Fields{"job_id": id, "actor": caller.SubjectID})
	return nil
}
