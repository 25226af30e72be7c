// Package maintenance runs the periodic repair and retention sweep.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/store"
)

// Config defines the sweep interval and job retention
type Config struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"` // zero keeps jobs forever
}

// DefaultConfig returns the defaults used by serve
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Interval:  5 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// Stats tracks sweep activity
type Stats struct {
	LastRun       time.Time     `json:"last_run"`
	LastDuration  time.Duration `json:"last_duration"`
	Runs          int64         `json:"runs"`
	TotalRepaired int64         `json:"total_repaired"`
	TotalPurged   int64         `json:"total_purged"`
}

// Result is the outcome of a single pass
type Result struct {
	Repaired int
	Purged   int
}

// Sweeper reconciles video status with encoding outcomes and purges old jobs
type Sweeper struct {
	store   store.Store
	catalog *catalog.Catalog
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time

	mu    sync.RWMutex
	stats Stats
}

// NewSweeper creates a sweeper
func NewSweeper(s store.Store, c *catalog.Catalog, cfg Config, logger *logging.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Sweeper{
		store:   s,
		catalog: c,
		cfg:     cfg,
		logger:  logger.WithField("component", "maintenance"),
		now:     models.Now,
	}
}

// SetClock overrides the time source
func (sw *Sweeper) SetClock(now func() time.Time) { sw.now = now }

// RunOnce performs one repair and retention pass
func (sw *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	start := sw.now()
	var res Result
	var errs []error

	outcomes, err := sw.store.LatestEncodingOutcomes(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, o := range outcomes {
		applied, err := sw.catalog.ApplyOutcome(ctx, o)
		if err != nil {
			if errors.Is(err, store.ErrVideoNotFound) {
				continue
			}
			sw.logger.Warn("Failed to repair video status", logging.Fields{"video_id": o.VideoID, "job_id": o.JobID, "error": err})
			errs = append(errs, err)
			continue
		}
		if applied {
			res.Repaired++
			sw.logger.Info("Repaired video status", logging.Fields{"video_id": o.VideoID, "job_id": o.JobID, "status": string(o.Status)})
		}
	}

	released, err := sw.releaseStranded(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.Repaired += released

	if sw.cfg.Retention > 0 {
		cutoff := start.Add(-sw.cfg.Retention)
		n, err := sw.store.PurgeJobs(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		res.Purged = n
		if n > 0 {
			sw.logger.Info("Purged expired jobs", logging.Fields{"count": n, "cutoff": cutoff.Format(time.RFC3339)})
		}
	}

	sw.mu.Lock()
	sw.stats.LastRun = start
	sw.stats.LastDuration = sw.now().Sub(start)
	sw.stats.Runs++
	sw.stats.TotalRepaired += int64(res.Repaired)
	sw.stats.TotalPurged += int64(res.Purged)
	sw.mu.Unlock()

	return res, errors.Join(errs...)
}

// releaseStranded returns processing videos to pending when their only
// encodes were cancelled before any outcome was recorded.
func (sw *Sweeper) releaseStranded(ctx context.Context) (int, error) {
	videos, _, err := sw.store.ListVideos(ctx, store.VideoFilter{All: true, Status: models.VideoStatusProcessing})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, v := range videos {
		if v.StatusJobID != "" {
			continue
		}
		ok, err := sw.store.ReleaseVideoProcessing(ctx, v.ID, sw.now())
		if err != nil {
			if errors.Is(err, store.ErrVideoNotFound) {
				continue
			}
			return released, err
		}
		if ok {
			released++
			sw.logger.Info("Released stranded video", logging.Fields{"video_id": v.ID})
		}
	}
	return released, nil
}

// Stats returns a snapshot of sweep activity
func (sw *Sweeper) Stats() Stats {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stats
}

// Run sweeps every interval until ctx is done
func (sw *Sweeper) Run(ctx context.Context) error {
	if !sw.cfg.Enabled {
		sw.logger.Info("Maintenance sweeper disabled")
		return nil
	}
	sw.logger.Info("Maintenance sweeper started", logging.Fields{
		"interval":  sw.cfg.Interval.String(),
		"retention": sw.cfg.Retention.String(),
	})

	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Maintenance sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := sw.RunOnce(ctx); err != nil && ctx.Err() == nil {
				sw.logger.Error("Maintenance pass failed", logging.Fields{"error": err})
			}
		}
	}
}
