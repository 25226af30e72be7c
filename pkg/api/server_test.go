package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/auth"
	"github.com/psantana5/vidcoord/pkg/blob"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/jobs"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/metrics"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/outbox"
	"github.com/psantana5/vidcoord/pkg/query"
	"github.com/psantana5/vidcoord/pkg/queue"
	"github.com/psantana5/vidcoord/pkg/ratelimit"
	"github.com/psantana5/vidcoord/pkg/store"
)

const workerSecret = "s3cret-worker-key"

type harness struct {
	t       *testing.T
	handler http.Handler
	queue   *queue.MemoryQueue
	users   *auth.JWTGateway
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return errors.New("connection refused") }

func newHarness(t *testing.T, limiter *ratelimit.Limiter, checks map[string]Checker) *harness {
	t.Helper()
	logger := logging.Nop()
	m := metrics.New()
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()

	users, err := auth.NewJWTGateway("test-signing-secret-0123", "vidcoord-test")
	require.NoError(t, err)
	workers := auth.NewWorkerGateway()
	require.NoError(t, workers.Register("encoder-1", workerSecret, 4))

	relay := outbox.NewRelay(s, q, outbox.Config{}, logger, m, nil)
	cat := catalog.New(s, blob.NewFileStore(t.TempDir()), logger, catalog.WithMetrics(m))
	srv := NewServer(Deps{
		Catalog: cat,
		Jobs:    jobs.NewManager(s, cat, relay, logger, jobs.WithMetrics(m)),
		Query:   query.New(s, cat),
		Auth:    &auth.Authenticator{Users: users, Workers: workers},
		Logger:  logger,
		Metrics: m,
		Limiter: limiter,
		Checks:  checks,
		Version: "test",
	})
	return &harness{t: t, handler: srv.Router(), queue: q, users: users}
}

func (h *harness) token(subject string, role models.Role) string {
	tok, err := h.users.IssueToken(subject, role, time.Hour)
	require.NoError(h.t, err)
	return "Bearer " + tok
}

func (h *harness) do(method, path, authz string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code apperr.Code) ErrorBody {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody[ErrorBody](t, rec)
	assert.Equal(t, code, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
	return body
}

func TestVideoJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil, nil)
	alice := h.token("alice", models.RoleUser)
	worker := "Worker encoder-1:" + workerSecret

	rec := h.do(http.MethodPost, "/videos", alice, map[string]string{"title": "Launch keynote", "privacy": "public"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	video := decodeBody[models.Video](t, rec)
	assert.Equal(t, "alice", video.OwnerID)
	assert.Equal(t, models.VideoStatusPending, video.Status)

	rec = h.do(http.MethodPost, "/jobs", alice, map[string]interface{}{"video_id": video.ID, "job_type": "encoding", "settings": map[string]string{"preset": "1080p"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeBody[models.Job](t, rec)
	assert.Equal(t, "/jobs/"+job.ID, rec.Header().Get("Location"))
	assert.Equal(t, 5, job.Priority)
	require.Len(t, h.queue.Published(), 1)

	rec = h.do(http.MethodPost, "/jobs/"+job.ID+"/status", worker, map[string]interface{}{"job_id": job.ID, "status": "in_progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/jobs/"+job.ID+"/progress", worker, map[string]int{"progress": 140})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 100, decodeBody[models.Job](t, rec).Progress)

	rec = h.do(http.MethodPost, "/jobs/"+job.ID+"/status", worker, map[string]interface{}{"status": "completed", "result_data": map[string]string{"manifest": "gs://out/master.m3u8"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/videos/"+video.ID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.VideoStatusCompleted, decodeBody[models.Video](t, rec).Status)

	rec = h.do(http.MethodGet, "/videos/"+video.ID+"/jobs?limit=5", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[query.Page[*models.Job]](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, query.Pagination{CurrentPage: 1, TotalPages: 1, TotalCount: 1, PerPage: 5}, page.Pagination)

	rec = h.do(http.MethodGet, "/jobs/stats", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[query.Stats](t, rec)
	assert.Equal(t, 1, stats.Completed)

	rec = h.do(http.MethodPost, "/jobs/"+job.ID+"/cancel", alice, nil)
	body := assertError(t, rec, http.StatusConflict, apperr.CodeInvalidState)
	assert.Equal(t, apperr.ReasonCannotCancel, body.Error.Reason)

	rec = h.do(http.MethodDelete, "/videos/"+video.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodGet, "/jobs/"+job.ID, alice, nil)
	assertError(t, rec, http.StatusNotFound, apperr.CodeNotFound)
}

func TestDeleteJobOverHTTP(t *testing.T) {
	h := newHarness(t, nil, nil)
	alice := h.token("alice", models.RoleUser)
	bob := h.token("bob", models.RoleUser)
	worker := "Worker encoder-1:" + workerSecret

	rec := h.do(http.MethodPost, "/videos", alice, map[string]string{"title": "Dailies"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	video := decodeBody[models.Video](t, rec)
	rec = h.do(http.MethodPost, "/jobs", alice, map[string]interface{}{"video_id": video.ID, "job_type": "thumbnail"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeBody[models.Job](t, rec)

	rec = h.do(http.MethodDelete, "/jobs/"+job.ID, alice, nil)
	assertError(t, rec, http.StatusConflict, apperr.CodeInvalidState)
	rec = h.do(http.MethodDelete, "/jobs/"+job.ID, worker, nil)
	assertError(t, rec, http.StatusForbidden, apperr.CodeForbidden)

	rec = h.do(http.MethodPost, "/jobs/"+job.ID+"/cancel", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(http.MethodDelete, "/jobs/"+job.ID, bob, nil)
	assertError(t, rec, http.StatusForbidden, apperr.CodeForbidden)

	rec = h.do(http.MethodDelete, "/jobs/"+job.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	rec = h.do(http.MethodGet, "/jobs/"+job.ID, alice, nil)
	assertError(t, rec, http.StatusNotFound, apperr.CodeNotFound)
	rec = h.do(http.MethodDelete, "/jobs/"+job.ID, alice, nil)
	assertError(t, rec, http.StatusNotFound, apperr.CodeNotFound)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil, nil)
	alice := h.token("alice", models.RoleUser)
	bob := h.token("bob", models.RoleUser)

	rec := h.do(http.MethodPost, "/videos", alice, map[string]string{"title": "private cut"})
	require.Equal(t, http.StatusCreated, rec.Code)
	video := decodeBody[models.Video](t, rec)

	rec = h.do(http.MethodPost, "/jobs", alice, map[string]interface{}{"video_id": video.ID, "job_type": "thumbnail"})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeBody[models.Job](t, rec)

	tests := []struct {
		name   string
		method string
		path   string
		authz  string
		body   interface{}
		status int
		code   apperr.Code
	}{
		{"missing credentials", http.MethodGet, "/videos", "", nil, http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"garbage token", http.MethodGet, "/videos", "Bearer not-a-jwt", nil, http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"wrong worker secret", http.MethodGet, "/jobs/" + job.ID, "Worker encoder-1:nope", nil, http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"hidden video", http.MethodGet, "/videos/" + video.ID, bob, nil, http.StatusNotFound, apperr.CodeNotFound},
		{"foreign job", http.MethodPost, "/jobs/" + job.ID + "/cancel", bob, nil, http.StatusForbidden, apperr.CodeForbidden},
		{"priority out of range", http.MethodPost, "/jobs", alice, map[string]interface{}{"video_id": video.ID, "job_type": "encoding", "priority": 57}, http.StatusBadRequest, apperr.CodeValidation},
		{"unknown field", http.MethodPost, "/jobs", alice, map[string]interface{}{"video_id": video.ID, "job_type": "encoding", "owner": "mallory"}, http.StatusBadRequest, apperr.CodeValidation},
		{"status edit", http.MethodPatch, "/videos/" + video.ID, alice, map[string]string{"status": "completed"}, http.StatusBadRequest, apperr.CodeValidation},
		{"owner completes", http.MethodPost, "/jobs/" + job.ID + "/status", alice, map[string]string{"status": "completed"}, http.StatusForbidden, apperr.CodeForbidden},
		{"skip in_progress", http.MethodPost, "/jobs/" + job.ID + "/status", "Worker encoder-1:" + workerSecret, map[string]string{"status": "completed"}, http.StatusConflict, apperr.CodeInvalidTransition},
		{"bad limit", http.MethodGet, "/jobs?limit=500", alice, nil, http.StatusBadRequest, apperr.CodeValidation},
		{"non-numeric page", http.MethodGet, "/jobs?page=two", alice, nil, http.StatusBadRequest, apperr.CodeValidation},
		{"progress while queued", http.MethodPost, "/jobs/" + job.ID + "/progress", "Worker encoder-1:" + workerSecret, map[string]int{"progress": 10}, http.StatusConflict, apperr.CodeInvalidState},
		{"unknown route", http.MethodGet, "/nodes", alice, nil, http.StatusNotFound, apperr.CodeNotFound},
		{"wrong method", http.MethodPut, "/jobs", alice, nil, http.StatusMethodNotAllowed, apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(tt.method, tt.path, tt.authz, tt.body)
			assertError(t, rec, tt.status, tt.code)
		})
	}
}

func TestMultipartUpload(t *testing.T) {
	h := newHarness(t, nil, nil)
	alice := h.token("alice", models.RoleUser)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("description", "raw footage"))
	require.NoError(t, mw.WriteField("privacy", "unlisted"))
	fw, err := mw.CreateFormFile("file", "Beach Day.MP4")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really an mp4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/videos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", alice)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	video := decodeBody[models.Video](t, rec)
	assert.Equal(t, "Beach Day", video.Title)
	assert.Equal(t, models.PrivacyUnlisted, video.Privacy)
	require.True(t, strings.HasPrefix(video.BlobHandle, "file://"), video.BlobHandle)
	assert.True(t, strings.HasSuffix(video.BlobHandle, "/source.mp4"), video.BlobHandle)

	data, err := os.ReadFile(strings.TrimPrefix(video.BlobHandle, "file://"))
	require.NoError(t, err)
	assert.Equal(t, "not really an mp4", string(data))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil, map[string]Checker{"queue": queue.NewMemoryQueue()})
	rec := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["queue"])
	assert.Equal(t, "test", resp.Version)

	h = newHarness(t, nil, map[string]Checker{"store": failingCheck{}})
	rec = h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Checks["store"], "connection refused")
}

func TestReadinessAndLiveness(t *testing.T) {
	h := newHarness(t, nil, map[string]Checker{"queue": queue.NewMemoryQueue()})
	rec := h.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody[ProbeResponse](t, rec).Status)

	h = newHarness(t, nil, map[string]Checker{"store": failingCheck{}})
	rec = h.do(http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeBody[ProbeResponse](t, rec)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Contains(t, resp.Checks["store"], "connection refused")

	// liveness ignores dependencies
	rec = h.do(http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeBody[ProbeResponse](t, rec).Status)
}

func TestRateLimitPerCaller(t *testing.T) {
	h := newHarness(t, ratelimit.NewLimiter(0.001, 2), nil)
	alice := h.token("alice", models.RoleUser)
	bob := h.token("bob", models.RoleUser)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/videos", alice, nil).Code)
	}
	rec := h.do(http.MethodGet, "/videos", alice, nil)
	assertError(t, rec, http.StatusTooManyRequests, apperr.CodeUnavailable)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/videos", bob, nil).Code)

	// Health endpoints are never limited.
	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, path, "", nil).Code, path)
	}
}
