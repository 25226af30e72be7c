package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/vidcoord/pkg/models"
)

// runStoreSuite exercises the behaviour every Store implementation must share
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("VideoOperations", func(t *testing.T) { testVideoOperations(t, newStore(t)) })
	t.Run("JobTransitions", func(t *testing.T) { testJobTransitions(t, newStore(t)) })
	t.Run("ConcurrentTransition", func(t *testing.T) { testConcurrentTransition(t, newStore(t)) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, newStore(t)) })
	t.Run("DeleteCascade", func(t *testing.T) { testDeleteCascade(t, newStore(t)) })
	t.Run("VideoOutcome", func(t *testing.T) { testVideoOutcome(t, newStore(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("DeleteJob", func(t *testing.T) { testDeleteJob(t, newStore(t)) })
	t.Run("ReleaseProcessing", func(t *testing.T) { testReleaseProcessing(t, newStore(t)) })
}

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newVideo(id, owner string, privacy models.Privacy, at time.Time) *models.Video {
	return &models.Video{
		ID:        id,
		OwnerID:   owner,
		Title:     "Video " + id,
		Privacy:   privacy,
		Status:    models.VideoStatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func newJob(id, videoID string, jobType models.JobType, at time.Time) (*models.Job, *models.OutboxEntry) {
	job := &models.Job{
		ID:        id,
		VideoID:   videoID,
		JobType:   jobType,
		Status:    models.JobStatusQueued,
		Priority:  5,
		Settings:  models.Payload{"preset": json.RawMessage(`"fast"`)},
		CreatedAt: at,
		UpdatedAt: at,
		StateTransitions: []models.StateTransition{
			{From: "", To: models.JobStatusQueued, Timestamp: at, Reason: "created"},
		},
	}
	payload, _ := models.DescriptorFor(job).Marshal()
	entry := &models.OutboxEntry{
		ID:          "ob-" + id,
		JobID:       id,
		Payload:     payload,
		AvailableAt: at,
		CreatedAt:   at,
	}
	return job, entry
}

func seedJob(t *testing.T, s Store, id, videoID string, jobType models.JobType, at time.Time) *models.Job {
	t.Helper()
	job, entry := newJob(id, videoID, jobType, at)
	require.NoError(t, s.CreateJob(context.Background(), job, entry))
	return job
}

func transition(t *testing.T, s Store, id string, from, to models.JobStatus, at time.Time) *models.Job {
	t.Helper()
	job, err := s.TransitionJob(context.Background(), id, models.Transition{Expected: from, To: to, At: at})
	require.NoError(t, err)
	return job
}

func testVideoOperations(t *testing.T, s Store) {
	ctx := context.Background()
	v := newVideo("v1", "alice", models.PrivacyPrivate, base)
	v.Description = "first upload"
	v.BlobHandle = "file:///data/v1.mp4"
	require.NoError(t, s.CreateVideo(ctx, v))

	got, err := s.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, models.PrivacyPrivate, got.Privacy)
	assert.Equal(t, models.VideoStatusPending, got.Status)
	assert.Equal(t, "file:///data/v1.mp4", got.BlobHandle)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.StatusChangedAt)

	title := "Renamed"
	public := models.PrivacyPublic
	updated, err := s.UpdateVideoMetadata(ctx, "v1", models.VideoPatch{Title: &title, Privacy: &public}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, models.PrivacyPublic, updated.Privacy)
	assert.Equal(t, "first upload", updated.Description)

	_, err = s.GetVideo(ctx, "missing")
	assert.ErrorIs(t, err, ErrVideoNotFound)
	_, err = s.UpdateVideoMetadata(ctx, "missing", models.VideoPatch{Title: &title}, base)
	assert.ErrorIs(t, err, ErrVideoNotFound)
}

func testJobTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))

	job, entry := newJob("j-orphan", "nope", models.JobTypeEncoding, base)
	assert.ErrorIs(t, s.CreateJob(ctx, job, entry), ErrVideoNotFound)

	seedJob(t, s, "j1", "v1", models.JobTypeEncoding, base)

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.JSONEq(t, `"fast"`, string(got.Settings["preset"]))
	require.Len(t, got.StateTransitions, 1)

	transition(t, s, "j1", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))

	result := models.Payload{"output": json.RawMessage(`{"url":"s3://out/v1.mp4"}`)}
	done, err := s.TransitionJob(ctx, "j1", models.Transition{
		Expected:   models.JobStatusInProgress,
		To:         models.JobStatusCompleted,
		ResultData: result,
		Reason:     "worker report",
		At:         base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 0, done.Progress, "completion without a progress value keeps the stored one")

	got, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(base.Add(time.Minute)))
	assert.JSONEq(t, `{"url":"s3://out/v1.mp4"}`, string(got.ResultData["output"]))
	assert.Len(t, got.StateTransitions, 3)

	// terminal jobs stay put
	_, err = s.TransitionJob(ctx, "j1", models.Transition{Expected: models.JobStatusCompleted, To: models.JobStatusQueued, At: base.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	// stale expectation
	_, err = s.TransitionJob(ctx, "j1", models.Transition{Expected: models.JobStatusInProgress, To: models.JobStatusFailed, At: base.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, ErrStaleState)

	got, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	_, err = s.TransitionJob(ctx, "missing", models.Transition{To: models.JobStatusCancelled, At: base})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func testConcurrentTransition(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	seedJob(t, s, "j1", "v1", models.JobTypeEncoding, base)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TransitionJob(ctx, "j1", models.Transition{
				Expected: models.JobStatusQueued,
				To:       models.JobStatusInProgress,
				Actor:    fmt.Sprintf("worker-%d", i),
				At:       base.Add(time.Second),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrStaleState), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, got.StateTransitions, 2)
}

func testProgress(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	seedJob(t, s, "j1", "v1", models.JobTypeThumbnail, base)

	_, err := s.UpdateJobProgress(ctx, "j1", 10, base)
	assert.ErrorIs(t, err, ErrJobNotActive)

	transition(t, s, "j1", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))

	for _, tc := range []struct{ in, want int }{{45, 45}, {-3, 0}, {900, 100}} {
		job, err := s.UpdateJobProgress(ctx, "j1", tc.in, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, tc.want, job.Progress)

		stored, err := s.GetJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, stored.Progress)
	}

	_, err = s.UpdateJobProgress(ctx, "missing", 1, base)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func testDeleteCascade(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	require.NoError(t, s.CreateVideo(ctx, newVideo("v2", "alice", models.PrivacyPublic, base)))

	seedJob(t, s, "j-queued", "v1", models.JobTypeEncoding, base)
	seedJob(t, s, "j-running", "v1", models.JobTypeThumbnail, base)
	seedJob(t, s, "j-done", "v1", models.JobTypeMetadataExtraction, base)
	seedJob(t, s, "j-other", "v2", models.JobTypeEncoding, base)

	transition(t, s, "j-running", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))
	transition(t, s, "j-done", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))
	transition(t, s, "j-done", models.JobStatusInProgress, models.JobStatusCompleted, base.Add(2*time.Second))

	cancelled, err := s.DeleteVideo(ctx, "v1", "alice", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"j-queued", "j-running"}, cancelled)

	_, err = s.GetVideo(ctx, "v1")
	assert.ErrorIs(t, err, ErrVideoNotFound)
	for _, id := range []string{"j-queued", "j-running", "j-done"} {
		_, err := s.GetJob(ctx, id)
		assert.ErrorIs(t, err, ErrJobNotFound, id)
	}

	jobs, total, err := s.ListJobs(ctx, JobFilter{VideoID: "v1"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, jobs)

	_, err = s.GetJob(ctx, "j-other")
	assert.NoError(t, err)

	backlog, err := s.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog, "only v2's outbox entry should remain")

	_, err = s.DeleteVideo(ctx, "v1", "alice", base)
	assert.ErrorIs(t, err, ErrVideoNotFound)
}

func testVideoOutcome(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))

	marked, err := s.MarkVideoProcessing(ctx, "v1", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = s.MarkVideoProcessing(ctx, "v1", base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, marked, "only pending videos move to processing")

	t1 := base.Add(10 * time.Minute)
	applied, err := s.ApplyVideoOutcome(ctx, models.VideoOutcome{VideoID: "v1", JobID: "job-b", Status: models.VideoStatusCompleted, At: t1})
	require.NoError(t, err)
	assert.True(t, applied)

	// an older failure arriving late must not clobber the newer completion
	applied, err = s.ApplyVideoOutcome(ctx, models.VideoOutcome{VideoID: "v1", JobID: "job-z", Status: models.VideoStatusFailed, At: t1.Add(-time.Minute)})
	require.NoError(t, err)
	assert.False(t, applied)

	// replay is idempotent
	applied, err = s.ApplyVideoOutcome(ctx, models.VideoOutcome{VideoID: "v1", JobID: "job-b", Status: models.VideoStatusCompleted, At: t1})
	require.NoError(t, err)
	assert.False(t, applied)

	// same instant, higher job id wins the tie
	applied, err = s.ApplyVideoOutcome(ctx, models.VideoOutcome{VideoID: "v1", JobID: "job-c", Status: models.VideoStatusFailed, At: t1})
	require.NoError(t, err)
	assert.True(t, applied)

	v, err := s.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, v.Status)
	assert.Equal(t, "job-c", v.StatusJobID)
	require.NotNil(t, v.StatusChangedAt)
	assert.True(t, v.StatusChangedAt.Equal(t1))

	marked, err = s.MarkVideoProcessing(ctx, "v1", t1.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, marked, "processing must never override a terminal outcome")

	_, err = s.ApplyVideoOutcome(ctx, models.VideoOutcome{VideoID: "missing", JobID: "x", Status: models.VideoStatusFailed, At: t1})
	assert.ErrorIs(t, err, ErrVideoNotFound)

	// the failed video accepts no further jobs, checked under the video lock
	late, entry := newJob("late", "v1", models.JobTypeThumbnail, t1)
	assert.ErrorIs(t, s.CreateJob(ctx, late, entry), ErrVideoFailed)
	_, err = s.GetJob(ctx, "late")
	assert.ErrorIs(t, err, ErrJobNotFound)

	// latest outcomes are derived from terminal encoding jobs only
	require.NoError(t, s.CreateVideo(ctx, newVideo("v2", "bob", models.PrivacyPublic, base)))
	seedJob(t, s, "enc-1", "v2", models.JobTypeEncoding, base)
	seedJob(t, s, "enc-2", "v2", models.JobTypeEncoding, base)
	seedJob(t, s, "thumb", "v2", models.JobTypeThumbnail, base)
	for _, id := range []string{"enc-1", "enc-2", "thumb"} {
		transition(t, s, id, models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))
	}
	transition(t, s, "enc-1", models.JobStatusInProgress, models.JobStatusFailed, base.Add(time.Hour))
	transition(t, s, "enc-2", models.JobStatusInProgress, models.JobStatusCompleted, base.Add(2*time.Hour))
	transition(t, s, "thumb", models.JobStatusInProgress, models.JobStatusFailed, base.Add(3*time.Hour))

	outcomes, err := s.LatestEncodingOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "v2", outcomes[0].VideoID)
	assert.Equal(t, "enc-2", outcomes[0].JobID)
	assert.Equal(t, models.VideoStatusCompleted, outcomes[0].Status)
	assert.True(t, outcomes[0].At.Equal(base.Add(2*time.Hour)))
}

func testListing(t *testing.T, s Store) {
	ctx := context.Background()
	videos := []*models.Video{
		newVideo("a-pub", "alice", models.PrivacyPublic, base.Add(1*time.Minute)),
		newVideo("a-priv", "alice", models.PrivacyPrivate, base.Add(2*time.Minute)),
		newVideo("a-unl", "alice", models.PrivacyUnlisted, base.Add(3*time.Minute)),
		newVideo("b-pub", "bob", models.PrivacyPublic, base.Add(4*time.Minute)),
		newVideo("b-priv", "bob", models.PrivacyPrivate, base.Add(5*time.Minute)),
	}
	videos[0].Title = "Cat compilation"
	videos[3].Title = "Dog CATALOG"
	for _, v := range videos {
		require.NoError(t, s.CreateVideo(ctx, v))
	}

	ids := func(vs []*models.Video) []string {
		var out []string
		for _, v := range vs {
			out = append(out, v.ID)
		}
		return out
	}

	got, total, err := s.ListVideos(ctx, VideoFilter{ViewerID: "bob", Sort: "created_at"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"a-pub", "b-pub", "b-priv"}, ids(got))

	got, total, err = s.ListVideos(ctx, VideoFilter{All: true, Sort: "created_at", Desc: true, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"a-unl", "a-priv"}, ids(got))

	got, _, err = s.ListVideos(ctx, VideoFilter{ViewerID: "carol", Search: "cat"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a-pub", "b-pub"}, ids(got))

	got, _, err = s.ListVideos(ctx, VideoFilter{All: true, OwnerID: "alice", Sort: "title"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-pub", "a-priv", "a-unl"}, ids(got))

	_, _, err = s.ListVideos(ctx, VideoFilter{All: true, Sort: "owner_id; DROP TABLE videos"})
	assert.ErrorIs(t, err, ErrUnsupportedSort)

	seedJob(t, s, "j1", "a-pub", models.JobTypeEncoding, base.Add(time.Minute))
	seedJob(t, s, "j2", "a-priv", models.JobTypeThumbnail, base.Add(2*time.Minute))
	seedJob(t, s, "j3", "b-pub", models.JobTypeEncoding, base.Add(3*time.Minute))
	transition(t, s, "j3", models.JobStatusQueued, models.JobStatusCancelled, base.Add(4*time.Minute))

	jobIDs := func(js []*models.Job) []string {
		var out []string
		for _, j := range js {
			out = append(out, j.ID)
		}
		return out
	}

	jobs, total, err := s.ListJobs(ctx, JobFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"j1", "j2"}, jobIDs(jobs))

	jobs, _, err = s.ListJobs(ctx, JobFilter{Status: models.JobStatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, []string{"j3"}, jobIDs(jobs))

	jobs, _, err = s.ListJobs(ctx, JobFilter{JobType: models.JobTypeEncoding, Sort: "created_at", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"j3", "j1"}, jobIDs(jobs))

	jobs, _, err = s.ListJobs(ctx, JobFilter{Search: "THUMB"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, jobIDs(jobs))

	_, _, err = s.ListJobs(ctx, JobFilter{Sort: "settings"})
	assert.ErrorIs(t, err, ErrUnsupportedSort)
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	require.NoError(t, s.CreateVideo(ctx, newVideo("v2", "bob", models.PrivacyPublic, base)))

	seedJob(t, s, "j1", "v1", models.JobTypeEncoding, base)
	seedJob(t, s, "j2", "v1", models.JobTypeThumbnail, base)
	seedJob(t, s, "j3", "v2", models.JobTypeEncoding, base)
	transition(t, s, "j1", models.JobStatusQueued, models.JobStatusInProgress, base)
	transition(t, s, "j1", models.JobStatusInProgress, models.JobStatusCompleted, base.Add(30*time.Second))
	transition(t, s, "j3", models.JobStatusQueued, models.JobStatusInProgress, base)
	transition(t, s, "j3", models.JobStatusInProgress, models.JobStatusCompleted, base.Add(90*time.Second))

	all, err := s.GetJobStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 2, all.ByStatus[models.JobStatusCompleted])
	assert.Equal(t, 1, all.ByStatus[models.JobStatusQueued])
	assert.Equal(t, 2, all.ByType[models.JobTypeEncoding])
	assert.InDelta(t, 60.0, all.AvgProcessingSeconds, 0.01)

	alice, err := s.GetJobStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, alice.Total)
	assert.InDelta(t, 30.0, alice.AvgProcessingSeconds, 0.01)
}

func testOutbox(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	seedJob(t, s, "j1", "v1", models.JobTypeEncoding, base)
	seedJob(t, s, "j2", "v1", models.JobTypeThumbnail, base.Add(time.Second))

	backlog, err := s.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, backlog)

	now := base.Add(time.Minute)
	claimed, err := s.ClaimOutbox(ctx, now, 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "ob-j1", claimed[0].ID)

	desc, err := models.UnmarshalDescriptor(claimed[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "j1", desc.JobID)
	assert.Equal(t, models.JobTypeEncoding, desc.JobType)

	// leased entries are not handed out again until the lease expires
	again, err := s.ClaimOutbox(ctx, now.Add(time.Second), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.MarkOutboxPublished(ctx, "ob-j1", now))
	require.NoError(t, s.RescheduleOutbox(ctx, "ob-j2", now.Add(5*time.Minute), "connection refused"))

	backlog, err = s.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog)

	early, err := s.ClaimOutbox(ctx, now.Add(4*time.Minute), 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, early)

	due, err := s.ClaimOutbox(ctx, now.Add(6*time.Minute), 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ob-j2", due[0].ID)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "connection refused", due[0].LastError)

	assert.ErrorIs(t, s.MarkOutboxPublished(ctx, "missing", now), ErrOutboxNotFound)
}

func testPurge(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	seedJob(t, s, "old", "v1", models.JobTypeEncoding, base)
	seedJob(t, s, "recent", "v1", models.JobTypeEncoding, base)
	seedJob(t, s, "active", "v1", models.JobTypeEncoding, base)
	transition(t, s, "old", models.JobStatusQueued, models.JobStatusCancelled, base.Add(time.Hour))
	transition(t, s, "recent", models.JobStatusQueued, models.JobStatusCancelled, base.Add(48*time.Hour))

	n, err := s.PurgeJobs(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetJob(ctx, "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.GetJob(ctx, "recent")
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, "active")
	assert.NoError(t, err)
}

func testDeleteJob(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	seedJob(t, s, "done", "v1", models.JobTypeThumbnail, base)
	seedJob(t, s, "running", "v1", models.JobTypeThumbnail, base)
	transition(t, s, "done", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))
	transition(t, s, "done", models.JobStatusInProgress, models.JobStatusCompleted, base.Add(time.Minute))
	transition(t, s, "running", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))

	require.NoError(t, s.DeleteJob(ctx, "done"))
	_, err := s.GetJob(ctx, "done")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, s.DeleteJob(ctx, "running"), ErrJobActive)
	_, err = s.GetJob(ctx, "running")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.DeleteJob(ctx, "done"), ErrJobNotFound)

	// the deleted job's outbox entry is gone with it
	backlog, err := s.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog)
}

func testReleaseProcessing(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateVideo(ctx, newVideo("v1", "alice", models.PrivacyPublic, base)))
	seedJob(t, s, "enc-1", "v1", models.JobTypeEncoding, base)
	seedJob(t, s, "enc-2", "v1", models.JobTypeEncoding, base)
	transition(t, s, "enc-1", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))
	transition(t, s, "enc-2", models.JobStatusQueued, models.JobStatusInProgress, base.Add(time.Second))
	_, err := s.MarkVideoProcessing(ctx, "v1", base.Add(time.Second))
	require.NoError(t, err)

	transition(t, s, "enc-1", models.JobStatusInProgress, models.JobStatusCancelled, base.Add(time.Minute))
	released, err := s.ReleaseVideoProcessing(ctx, "v1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, released, "another encode is still running")

	transition(t, s, "enc-2", models.JobStatusInProgress, models.JobStatusCancelled, base.Add(2*time.Minute))
	released, err = s.ReleaseVideoProcessing(ctx, "v1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, released)

	v, err := s.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusPending, v.Status)

	released, err = s.ReleaseVideoProcessing(ctx, "v1", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, released, "only processing videos are released")

	// a recorded outcome is never undone
	require.NoError(t, s.CreateVideo(ctx, newVideo("v2", "alice", models.PrivacyPublic, base)))
	_, err = s.MarkVideoProcessing(ctx, "v2", base)
	require.NoError(t, err)
	_, err = s.ApplyVideoOutcome(ctx, models.VideoOutcome{VideoID: "v2", JobID: "enc-x", Status: models.VideoStatusCompleted, At: base.Add(time.Hour)})
	require.NoError(t, err)
	released, err = s.ReleaseVideoProcessing(ctx, "v2", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, released)

	_, err = s.ReleaseVideoProcessing(ctx, "missing", base)
	assert.ErrorIs(t, err, ErrVideoNotFound)
}
