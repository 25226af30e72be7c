package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/store"
)

var (
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice = models.User("alice", models.RoleUser)
	bob   = models.User("bob", models.RoleUser)
	admin = models.User("root", models.RoleAdmin)
)

type fixture struct {
	store *store.MemoryStore
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	return &fixture{store: s, svc: New(s, catalog.New(s, nil, logging.Nop()))}
}

func (f *fixture) video(t *testing.T, id, owner, title string, privacy models.Privacy, offset int) *models.Video {
	t.Helper()
	at := t0.Add(time.Duration(offset) * time.Minute)
	v := &models.Video{ID: id, OwnerID: owner, Title: title, Privacy: privacy, Status: models.VideoStatusPending, CreatedAt: at, UpdatedAt: at}
	require.NoError(t, f.store.CreateVideo(context.Background(), v))
	return v
}

func (f *fixture) job(t *testing.T, id, videoID string, jobType models.JobType, offset int) *models.Job {
	t.Helper()
	at := t0.Add(time.Duration(offset) * time.Minute)
	j := &models.Job{ID: id, VideoID: videoID, JobType: jobType, Status: models.JobStatusQueued, Priority: 5, CreatedAt: at, UpdatedAt: at}
	entry := &models.OutboxEntry{ID: "ob-" + id, JobID: id, Payload: []byte(`{}`), AvailableAt: at, CreatedAt: at}
	require.NoError(t, f.store.CreateJob(context.Background(), j, entry))
	return j
}

func (f *fixture) move(t *testing.T, id string, from, to models.JobStatus, at time.Time) {
	t.Helper()
	_, err := f.store.TransitionJob(context.Background(), id, models.Transition{Expected: from, To: to, At: at})
	require.NoError(t, err)
}

func videoIDs(items []*models.Video) []string {
	out := make([]string, 0, len(items))
	for _, v := range items {
		out = append(out, v.ID)
	}
	return out
}

func jobIDs(items []*models.Job) []string {
	out := make([]string, 0, len(items))
	for _, j := range items {
		out = append(out, j.ID)
	}
	return out
}

func TestListParamsValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params ListParams
	}{
		{"limit too large", ListParams{Limit: 101}},
		{"negative limit", ListParams{Limit: -1}},
		{"negative page", ListParams{Page: -2}},
		{"unknown sort", ListParams{Sort: "owner_id"}},
		{"bad order", ListParams{Order: "sideways"}},
		{"unknown status", ListParams{Status: "archived"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ListVideos(ctx, alice, tt.params)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
			_, err = f.svc.ListJobs(ctx, alice, tt.params)
			assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		})
	}

	_, err := f.svc.ListJobs(ctx, alice, ListParams{JobType: "transcode"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	_, err = f.svc.ListJobs(ctx, alice, ListParams{Sort: "job_type", Order: "ASC"})
	assert.NoError(t, err)
	_, err = f.svc.ListVideos(ctx, alice, ListParams{Sort: "job_type"})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestListVideosScopeAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.video(t, "a-private", "alice", "Cat compilation", models.PrivacyPrivate, 1)
	f.video(t, "a-public", "alice", "Dog compilation", models.PrivacyPublic, 2)
	f.video(t, "b-private", "bob", "Bob's taxes", models.PrivacyPrivate, 3)
	f.video(t, "b-unlisted", "bob", "Bob's cat", models.PrivacyUnlisted, 4)
	f.video(t, "b-public", "bob", "Bob's garden", models.PrivacyPublic, 5)

	page, err := f.svc.ListVideos(ctx, alice, ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-public", "a-public", "a-private"}, videoIDs(page.Items))
	assert.Equal(t, Pagination{CurrentPage: 1, TotalPages: 1, TotalCount: 3, PerPage: DefaultLimit}, page.Pagination)

	page, err = f.svc.ListVideos(ctx, admin, ListParams{Limit: 2, Page: 2, Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-private", "b-unlisted"}, videoIDs(page.Items))
	assert.Equal(t, Pagination{CurrentPage: 2, TotalPages: 3, TotalCount: 5, PerPage: 2, HasNext: true, HasPrevious: true}, page.Pagination)

	page, err = f.svc.ListVideos(ctx, bob, ListParams{Search: "CAT", Sort: "title", Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-unlisted"}, videoIDs(page.Items))

	page, err = f.svc.ListVideos(ctx, alice, ListParams{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.NotNil(t, page.Items)
	assert.Equal(t, 3, page.Pagination.TotalCount)
}

func TestListJobsScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.video(t, "va", "alice", "a", models.PrivacyPublic, 0)
	f.video(t, "vb", "bob", "b", models.PrivacyPublic, 0)
	f.job(t, "j1", "va", models.JobTypeEncoding, 1)
	f.job(t, "j2", "va", models.JobTypeThumbnail, 2)
	f.job(t, "j3", "vb", models.JobTypeEncoding, 3)
	f.move(t, "j1", models.JobStatusQueued, models.JobStatusInProgress, t0.Add(time.Hour))

	page, err := f.svc.ListJobs(ctx, alice, ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2", "j1"}, jobIDs(page.Items))

	page, err = f.svc.ListJobs(ctx, admin, ListParams{Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2", "j3"}, jobIDs(page.Items))

	page, err = f.svc.ListJobs(ctx, admin, ListParams{Status: "in_progress"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, jobIDs(page.Items))

	page, err = f.svc.ListJobs(ctx, admin, ListParams{JobType: "encoding", Sort: "created_at", Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j3"}, jobIDs(page.Items))

	page, err = f.svc.ListJobs(ctx, admin, ListParams{Search: "thumb"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, jobIDs(page.Items))

	page, err = f.svc.ListJobs(ctx, models.Worker("w1"), ListParams{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestListVideoJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.video(t, "va", "alice", "a", models.PrivacyPublic, 0)
	f.video(t, "vp", "alice", "p", models.PrivacyPrivate, 0)
	f.job(t, "j1", "va", models.JobTypeEncoding, 1)
	f.job(t, "j2", "vp", models.JobTypeEncoding, 2)

	page, err := f.svc.ListVideoJobs(ctx, alice, "va", ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, jobIDs(page.Items))

	page, err = f.svc.ListVideoJobs(ctx, admin, "vp", ListParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, jobIDs(page.Items))

	_, err = f.svc.ListVideoJobs(ctx, bob, "va", ListParams{})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = f.svc.ListVideoJobs(ctx, bob, "vp", ListParams{})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = f.svc.ListVideoJobs(ctx, alice, "missing", ListParams{})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.video(t, "va", "alice", "a", models.PrivacyPrivate, 0)
	f.video(t, "vb", "bob", "b", models.PrivacyPrivate, 0)
	for i := 1; i <= 4; i++ {
		f.job(t, fmt.Sprintf("a%d", i), "va", models.JobTypeEncoding, i)
	}
	f.job(t, "b1", "vb", models.JobTypeThumbnail, 5)

	f.move(t, "a1", models.JobStatusQueued, models.JobStatusInProgress, t0.Add(time.Hour))
	f.move(t, "a1", models.JobStatusInProgress, models.JobStatusCompleted, t0.Add(time.Hour+30*time.Second))
	f.move(t, "a2", models.JobStatusQueued, models.JobStatusInProgress, t0.Add(time.Hour))
	f.move(t, "a2", models.JobStatusInProgress, models.JobStatusFailed, t0.Add(2*time.Hour))
	f.move(t, "a3", models.JobStatusQueued, models.JobStatusCancelled, t0.Add(time.Hour))

	st, err := f.svc.Stats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 4, st.ByType[models.JobTypeEncoding])
	assert.InDelta(t, 30.0, st.AvgProcessingSeconds, 0.001)

	st, err = f.svc.Stats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.ByType[models.JobTypeThumbnail])

	_, err = f.svc.Stats(ctx, models.Principal{})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}
