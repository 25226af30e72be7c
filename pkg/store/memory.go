package store

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/vidcoord/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store.
// A single mutex serializes every mutation, which gives the same
// per-row linearization the SQL stores get from row locks.
type MemoryStore struct {
	mu     sync.RWMutex
	videos map[string]*models.Video
	jobs   map[string]*models.Job
	outbox map[string]*models.OutboxEntry
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos: make(map[string]*models.Video),
		jobs:   make(map[string]*models.Job),
		outbox: make(map[string]*models.OutboxEntry),
	}
}

// Video operations

// CreateVideo stores a new video
func (s *MemoryStore) CreateVideo(ctx context.Context, v *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.videos[v.ID]; exists {
		return fmt.Errorf("video %s already exists", v.ID)
	}
	s.videos[v.ID] = v.Clone()
	return nil
}

// GetVideo retrieves a video by ID
func (s *MemoryStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, ErrVideoNotFound
	}
	return v.Clone(), nil
}

// UpdateVideoMetadata applies a metadata patch
func (s *MemoryStore) UpdateVideoMetadata(ctx context.Context, id string, patch models.VideoPatch, at time.Time) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return nil, ErrVideoNotFound
	}
	patch.Apply(v, at)
	return v.Clone(), nil
}

// DeleteVideo force-cancels the video's active jobs, then removes the jobs,
// their outbox entries and the video. It returns the IDs of cancelled jobs.
func (s *MemoryStore) DeleteVideo(ctx context.Context, id string, actor string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[id]; !ok {
		return nil, ErrVideoNotFound
	}

	var cancelled []string
	for jobID, job := range s.jobs {
		if job.VideoID != id {
			continue
		}
		if models.IsActiveState(job.Status) {
			t := models.Transition{To: models.JobStatusCancelled, Reason: "video deleted", Actor: actor, At: at}
			if err := t.Apply(job); err != nil {
				return nil, err
			}
			cancelled = append(cancelled, jobID)
		}
		for entryID, e := range s.outbox {
			if e.JobID == jobID {
				delete(s.outbox, entryID)
			}
		}
		delete(s.jobs, jobID)
	}
	delete(s.videos, id)

	sort.Strings(cancelled)
	return cancelled, nil
}

// ListVideos returns one page of videos matching f and the total match count
func (s *MemoryStore) ListVideos(ctx context.Context, f VideoFilter) ([]*models.Video, int, error) {
	if f.Sort == "" {
		f.Sort = "created_at"
	}
	if _, ok := videoSortColumns[f.Sort]; !ok {
		return nil, 0, ErrUnsupportedSort
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var matched []*models.Video
	for _, v := range s.videos {
		if !f.All && v.Privacy != models.PrivacyPublic && v.OwnerID != f.ViewerID {
			continue
		}
		if f.OwnerID != "" && v.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(v.Title), search) {
			continue
		}
		matched = append(matched, v)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var c int
		switch f.Sort {
		case "updated_at":
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case "title":
			c = cmp.Compare(a.Title, b.Title)
		case "status":
			c = cmp.Compare(a.Status, b.Status)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		return ordered(c, a.ID, b.ID, f.Desc)
	})

	total := len(matched)
	page := paginate(total, f.Offset, f.Limit)
	out := make([]*models.Video, 0, page.end-page.start)
	for _, v := range matched[page.start:page.end] {
		out = append(out, v.Clone())
	}
	return out, total, nil
}

// ApplyVideoOutcome sets the derived status when the outcome is newer than
// the one the video currently reflects.
func (s *MemoryStore) ApplyVideoOutcome(ctx context.Context, o models.VideoOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[o.VideoID]
	if !ok {
		return false, ErrVideoNotFound
	}
	if !o.Supersedes(v) {
		return false, nil
	}
	at := o.At
	v.Status = o.Status
	v.StatusJobID = o.JobID
	v.StatusChangedAt = &at
	v.UpdatedAt = o.At
	return true, nil
}

// MarkVideoProcessing moves a pending video to processing
func (s *MemoryStore) MarkVideoProcessing(ctx context.Context, videoID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return false, ErrVideoNotFound
	}
	if v.Status != models.VideoStatusPending {
		return false, nil
	}
	v.Status = models.VideoStatusProcessing
	v.UpdatedAt = at
	return true, nil
}

// ReleaseVideoProcessing moves a processing video back to pending when no
// encoding job on it is in progress and no encoding outcome has been recorded.
func (s *MemoryStore) ReleaseVideoProcessing(ctx context.Context, videoID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[videoID]
	if !ok {
		return false, ErrVideoNotFound
	}
	if v.Status != models.VideoStatusProcessing || v.StatusJobID != "" {
		return false, nil
	}
	for _, j := range s.jobs {
		if j.VideoID == videoID && j.JobType == models.JobTypeEncoding && j.Status == models.JobStatusInProgress {
			return false, nil
		}
	}
	v.Status = models.VideoStatusPending
	v.UpdatedAt = at
	return true, nil
}

// LatestEncodingOutcomes returns, per video, the newest terminal encoding outcome
func (s *MemoryStore) LatestEncodingOutcomes(ctx context.Context) ([]models.VideoOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]models.VideoOutcome)
	for _, j := range s.jobs {
		if j.JobType != models.JobTypeEncoding || j.CompletedAt == nil {
			continue
		}
		status, ok := models.OutcomeStatus(j.Status)
		if !ok {
			continue
		}
		o := models.VideoOutcome{VideoID: j.VideoID, JobID: j.ID, Status: status, At: *j.CompletedAt}
		cur, seen := latest[j.VideoID]
		if !seen || o.At.After(cur.At) || (o.At.Equal(cur.At) && o.JobID > cur.JobID) {
			latest[j.VideoID] = o
		}
	}

	out := make([]models.VideoOutcome, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out, nil
}

// Job operations

// CreateJob stores a job and its outbox entry atomically
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job, entry *models.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[job.VideoID]
	if !ok {
		return ErrVideoNotFound
	}
	if v.Status == models.VideoStatusFailed {
		return ErrVideoFailed
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	stored := job.Clone()
	stored.Progress = models.ClampProgress(stored.Progress)
	s.jobs[job.ID] = stored
	if entry != nil {
		s.outbox[entry.ID] = entry.Clone()
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// TransitionJob applies t if the job is still in t.Expected
func (s *MemoryStore) TransitionJob(ctx context.Context, id string, t models.Transition) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if t.Expected != "" && job.Status != t.Expected {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStaleState, t.Expected, job.Status)
	}

	updated := job.Clone()
	if err := t.Apply(updated); err != nil {
		return nil, err
	}
	s.jobs[id] = updated
	return updated.Clone(), nil
}

// UpdateJobProgress records progress on an in-progress job
func (s *MemoryStore) UpdateJobProgress(ctx context.Context, id string, progress int, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != models.JobStatusInProgress {
		return nil, fmt.Errorf("%w: status is %s", ErrJobNotActive, job.Status)
	}
	job.Progress = models.ClampProgress(progress)
	job.UpdatedAt = at
	return job.Clone(), nil
}

// ListJobs returns one page of jobs matching f and the total match count
func (s *MemoryStore) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, int, error) {
	if f.Sort == "" {
		f.Sort = "created_at"
	}
	if _, ok := jobSortColumns[f.Sort]; !ok {
		return nil, 0, ErrUnsupportedSort
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var matched []*models.Job
	for _, j := range s.jobs {
		if f.OwnerID != "" {
			v, ok := s.videos[j.VideoID]
			if !ok || v.OwnerID != f.OwnerID {
				continue
			}
		}
		if f.VideoID != "" && j.VideoID != f.VideoID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.JobType != "" && j.JobType != f.JobType {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(string(j.JobType)), search) {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var c int
		switch f.Sort {
		case "updated_at":
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case "priority":
			c = cmp.Compare(a.Priority, b.Priority)
		case "progress":
			c = cmp.Compare(a.Progress, b.Progress)
		case "status":
			c = cmp.Compare(a.Status, b.Status)
		case "job_type":
			c = cmp.Compare(a.JobType, b.JobType)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		return ordered(c, a.ID, b.ID, f.Desc)
	})

	total := len(matched)
	page := paginate(total, f.Offset, f.Limit)
	out := make([]*models.Job, 0, page.end-page.start)
	for _, j := range matched[page.start:page.end] {
		out = append(out, j.Clone())
	}
	return out, total, nil
}

// GetJobStats aggregates jobs, optionally limited to videos owned by ownerID
func (s *MemoryStore) GetJobStats(ctx context.Context, ownerID string) (*JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &JobStats{
		ByStatus: make(map[models.JobStatus]int),
		ByType:   make(map[models.JobType]int),
	}
	var totalSeconds float64
	var timed int
	for _, j := range s.jobs {
		if ownerID != "" {
			v, ok := s.videos[j.VideoID]
			if !ok || v.OwnerID != ownerID {
				continue
			}
		}
		stats.Total++
		stats.ByStatus[j.Status]++
		stats.ByType[j.JobType]++
		if j.Status == models.JobStatusCompleted && j.StartedAt != nil && j.CompletedAt != nil {
			totalSeconds += j.CompletedAt.Sub(*j.StartedAt).Seconds()
			timed++
		}
	}
	if timed > 0 {
		stats.AvgProcessingSeconds = totalSeconds / float64(timed)
	}
	return stats, nil
}

// DeleteJob removes a terminal job and its outbox entries
func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !models.IsTerminalState(j.Status) {
		return ErrJobActive
	}
	for entryID, e := range s.outbox {
		if e.JobID == id {
			delete(s.outbox, entryID)
		}
	}
	delete(s.jobs, id)
	return nil
}

// PurgeJobs deletes terminal jobs completed before the cutoff
func (s *MemoryStore) PurgeJobs(ctx context.Context, completedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, j := range s.jobs {
		if !models.IsTerminalState(j.Status) || j.CompletedAt == nil || !j.CompletedAt.Before(completedBefore) {
			continue
		}
		for entryID, e := range s.outbox {
			if e.JobID == id {
				delete(s.outbox, entryID)
			}
		}
		delete(s.jobs, id)
		purged++
	}
	return purged, nil
}

// Outbox operations

// ClaimOutbox leases up to limit due, unpublished entries until now+lease
func (s *MemoryStore) ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*models.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.OutboxEntry
	for _, e := range s.outbox {
		if e.PublishedAt == nil && !e.AvailableAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.OutboxEntry, 0, len(due))
	for _, e := range due {
		e.AvailableAt = now.Add(lease)
		out = append(out, e.Clone())
	}
	return out, nil
}

// MarkOutboxPublished records a confirmed publish
func (s *MemoryStore) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return ErrOutboxNotFound
	}
	published := at
	e.PublishedAt = &published
	e.Attempts++
	e.LastError = ""
	return nil
}

// RescheduleOutbox records a failed publish and the next attempt time
func (s *MemoryStore) RescheduleOutbox(ctx context.Context, id string, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[id]
	if !ok {
		return ErrOutboxNotFound
	}
	e.Attempts++
	e.AvailableAt = next
	e.LastError = lastErr
	return nil
}

// OutboxBacklog counts unpublished entries
func (s *MemoryStore) OutboxBacklog(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.outbox {
		if e.PublishedAt == nil {
			n++
		}
	}
	return n, nil
}

// OutboxEntries returns a snapshot of every outbox entry, oldest first
func (s *MemoryStore) OutboxEntries() []*models.OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.OutboxEntry, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

type window struct{ start, end int }

func paginate(total, offset, limit int) window {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return window{start: offset, end: end}
}

// ordered breaks ties on id so pages are stable, then applies direction
func ordered(c int, aID, bID string, desc bool) bool {
	if c == 0 {
		c = cmp.Compare(aID, bID)
	}
	if desc {
		return c > 0
	}
	return c < 0
}
