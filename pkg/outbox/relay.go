// Package outbox delivers job descriptors recorded in the transactional
// outbox to the dispatch queue. An entry stays due until the broker has
// confirmed it, so a crash or broker outage after commit only delays
// dispatch.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/metrics"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/queue"
	"github.com/psantana5/vidcoord/pkg/retry"
	"github.com/psantana5/vidcoord/pkg/store"
	"github.com/psantana5/vidcoord/pkg/tracing"
)

// Config tunes the relay loop
type Config struct {
	Interval       time.Duration // time between claim passes
	BatchSize      int           // entries claimed per pass
	Concurrency    int           // parallel publishes per pass
	Lease          time.Duration // how long a claimed entry is hidden from other relays
	PublishTimeout time.Duration
	Backoff        retry.Backoff
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		BatchSize:      50,
		Concurrency:    4,
		Lease:          30 * time.Second,
		PublishTimeout: 5 * time.Second,
		Backoff:        retry.ExponentialWithJitter{Initial: time.Second, Max: 5 * time.Minute},
	}
}

// Relay publishes due outbox entries and reschedules failures
type Relay struct {
	store     store.Store
	publisher queue.Publisher
	cfg       Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewRelay creates a relay. Zero fields in cfg take their defaults.
func NewRelay(s store.Store, p queue.Publisher, cfg Config, logger *logging.Logger, m *metrics.Metrics, tp *tracing.Provider) *Relay {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	return &Relay{
		store:     s,
		publisher: p,
		cfg:       cfg,
		logger:    logger.WithField("component", "outbox-relay"),
		metrics:   m,
		tracer:    tp.Tracer(),
		now:       models.Now,
	}
}

// SetClock overrides the time source
func (r *Relay) SetClock(now func() time.Time) { r.now = now }

// Lease returns how far a fresh or claimed entry is pushed into the future
func (r *Relay) Lease() time.Duration { return r.cfg.Lease }

// Deliver publishes one entry. On success the entry is marked published; on
// failure it is rescheduled with backoff and the publish error is returned.
func (r *Relay) Deliver(ctx context.Context, e *models.OutboxEntry, path string) error {
	ctx, span := r.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("job.id", e.JobID),
		attribute.String("publish.path", path),
		attribute.Int("outbox.attempts", e.Attempts),
	))
	var err error
	defer func() { tracing.End(span, err) }()

	d, err := models.UnmarshalDescriptor(e.Payload)
	if err != nil {
		err = fmt.Errorf("decode descriptor for job %s: %w", e.JobID, err)
		r.reschedule(ctx, e, err, r.cfg.Backoff.Delay(e.Attempts+1))
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err = r.publisher.Publish(pubCtx, d)
	cancel()
	r.metrics.Publish(path, err)
	if err != nil {
		r.reschedule(ctx, e, err, r.cfg.Backoff.Delay(e.Attempts+1))
		return err
	}

	if markErr := r.store.MarkOutboxPublished(ctx, e.ID, r.now()); markErr != nil {
		// The broker has the message; a later pass may publish a duplicate.
		r.logger.Warn("Failed to mark outbox entry published", logging.Fields{"outbox_id": e.ID, "job_id": e.JobID, "error": markErr})
	}
	return nil
}

func (r *Relay) reschedule(ctx context.Context, e *models.OutboxEntry, cause error, delay time.Duration) {
	next := r.now().Add(delay)
	r.logger.Warn("Dispatch publish failed", logging.Fields{
		"job_id":   e.JobID,
		"attempts": e.Attempts + 1,
		"retry_at": next.Format(time.RFC3339),
		"error":    cause,
	})
	if err := r.store.RescheduleOutbox(ctx, e.ID, next, cause.Error()); err != nil {
		r.logger.Error("Failed to reschedule outbox entry", logging.Fields{"outbox_id": e.ID, "error": err})
	}
}

// RunOnce claims one batch of due entries and delivers them. It returns the
// number delivered successfully.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.ClaimOutbox(ctx, r.now(), r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}

	results := make([]bool, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			results[i] = r.Deliver(gctx, e, metrics.PathRelay) == nil
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for _, ok := range results {
		if ok {
			delivered++
		}
	}

	if backlog, err := r.store.OutboxBacklog(ctx); err == nil {
		r.metrics.SetOutboxBacklog(backlog)
	}
	if len(entries) > 0 {
		r.logger.Debug("Outbox pass finished", logging.Fields{"claimed": len(entries), "delivered": delivered})
	}
	return delivered, nil
}

// Run delivers due entries every interval until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Outbox relay started", logging.Fields{"interval": r.cfg.Interval.String(), "batch_size": r.cfg.BatchSize})
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox pass failed", logging.Fields{"error": err})
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}
