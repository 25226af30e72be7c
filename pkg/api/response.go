package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/auth"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/query"
)

var (
	errRouteNotFound    = apperr.NotFound("no such route")
	errMethodNotAllowed = apperr.New(apperr.CodeValidation, "method not allowed").WithReason("method_not_allowed")
	errRateLimited      = apperr.Unavailable(errors.New("rate limit exceeded"), "too many requests").WithReason("rate_limited")
)

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure
type ErrorDetail struct {
	Code    apperr.Code `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status its code maps to. Internal
// details are never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Internal(err, "internal error")
	}
	status := apperr.HTTPStatus(e.Code)
	switch {
	case e == errMethodNotAllowed:
		status = http.StatusMethodNotAllowed
	case e == errRateLimited:
		status = http.StatusTooManyRequests
	}
	msg := e.Message
	if e.Code == apperr.CodeInternal {
		msg = "internal error"
	}
	if e.Code == apperr.CodeUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="vidcoord"`)
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: e.Code, Reason: e.Reason, Message: msg}})
}

// decode reads a JSON body into v, rejecting unknown fields
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func principal(r *http.Request) models.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

func listParams(r *http.Request) (p query.ListParams, err error) {
	q := r.URL.Query()
	if p.Page, err = intParam(r, "page"); err != nil {
		return p, err
	}
	if p.Limit, err = intParam(r, "limit"); err != nil {
		return p, err
	}
	p.Sort = q.Get("sort")
	p.Order = q.Get("order")
	p.Status = q.Get("status")
	p.Search = q.Get("search")
	p.JobType = q.Get("job_type")
	if p.Sort == "" {
		p.Sort = q.Get("sort_by")
	}
	if p.Order == "" {
		p.Order = q.Get("sort_order")
	}
	return p, nil
}
