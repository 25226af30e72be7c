// Package api exposes the coordinator over HTTP.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/vidcoord/pkg/auth"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/jobs"
	"github.com/psantana5/vidcoord/pkg/logging"
	"github.com/psantana5/vidcoord/pkg/metrics"
	"github.com/psantana5/vidcoord/pkg/query"
	"github.com/psantana5/vidcoord/pkg/ratelimit"
	"github.com/psantana5/vidcoord/pkg/tracing"
)

// DefaultMaxUploadBytes caps multipart uploads when no limit is configured
const DefaultMaxUploadBytes int64 = 2 << 30

// Checker reports whether a dependency is reachable
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the services the handlers call
type Deps struct {
	Catalog   *catalog.Catalog
	Jobs      *jobs.Manager
	Query     *query.Service
	Auth      *auth.Authenticator
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter // nil disables rate limiting
	Tracing   *tracing.Provider
	Checks    map[string]Checker // run by /health and /health/ready
	Version   string
	MaxUpload int64
}

// Server holds the HTTP handlers
type Server struct {
	catalog   *catalog.Catalog
	jobs      *jobs.Manager
	query     *query.Service
	auth      *auth.Authenticator
	logger    *logging.Logger
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	tracing   *tracing.Provider
	checks    map[string]Checker
	version   string
	maxUpload int64
	started   time.Time
}

// NewServer creates the HTTP server handlers
func NewServer(d Deps) *Server {
	if d.MaxUpload <= 0 {
		d.MaxUpload = DefaultMaxUploadBytes
	}
	return &Server{
		catalog:   d.Catalog,
		jobs:      d.Jobs,
		query:     d.Query,
		auth:      d.Auth,
		logger:    d.Logger.WithField("component", "api"),
		metrics:   d.Metrics,
		limiter:   d.Limiter,
		tracing:   d.Tracing,
		checks:    d.Checks,
		version:   d.Version,
		maxUpload: d.MaxUpload,
		started:   time.Now(),
	}
}

// Router builds the route table. Matched requests are traced, logged and
// measured. Everything except the /health endpoints is rate limited and authenticated.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed)
	})
	r.Use(tracing.HTTPMiddleware(s.tracing, routeTemplate), s.observe)

	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.Ready).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.Live).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Middleware(callerKey, func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, errRateLimited)
		}))
	}
	api.Use(s.auth.Middleware(writeError))

	// Videos
	api.HandleFunc("/videos", s.CreateVideo).Methods(http.MethodPost)
	api.HandleFunc("/videos", s.ListVideos).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}", s.GetVideo).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}", s.UpdateVideo).Methods(http.MethodPatch)
	api.HandleFunc("/videos/{id}", s.DeleteVideo).Methods(http.MethodDelete)
	api.HandleFunc("/videos/{id}/jobs", s.ListVideoJobs).Methods(http.MethodGet)

	// Jobs (register fixed paths before parameterized ones)
	api.HandleFunc("/jobs/stats", s.JobStats).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.DeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/cancel", s.CancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/status", s.UpdateJobStatus).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/progress", s.ReportProgress).Methods(http.MethodPost)

	return r
}

// callerKey buckets requests by credential, falling back to the client IP.
// The credential is hashed so raw tokens are never held by the limiter.
func callerKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		sum := sha256.Sum256([]byte(h))
		return "cred:" + hex.EncodeToString(sum[:12])
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}
