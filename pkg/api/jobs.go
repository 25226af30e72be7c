package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/jobs"
	"github.com/psantana5/vidcoord/pkg/models"
)

// ProgressRequest is the body of a progress report
type ProgressRequest struct {
	Progress *int `json:"progress"`
}

// CreateJob creates and dispatches a job
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.Create(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs lists jobs visible to the caller
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.query.ListJobs(r.Context(), principal(r), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// JobStats returns aggregated job statistics
func (s *Server) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.query.Stats(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetJob returns one job
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob removes a finished job
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.Context(), principal(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelJob cancels a queued or running job
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateJobStatus receives a worker status callback
func (s *Server) UpdateJobStatus(w http.ResponseWriter, r *http.Request) {
	var report models.StatusReport
	if err := decode(r, &report); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.jobs.UpdateStatus(r.Context(), principal(r), mux.Vars(r)["id"], report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ReportProgress records worker progress
func (s *Server) ReportProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Progress == nil {
		writeError(w, r, apperr.Validation("progress is required"))
		return
	}
	job, err := s.jobs.ReportProgress(r.Context(), principal(r), mux.Vars(r)["id"], *req.Progress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
