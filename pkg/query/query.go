// Package query serves read-only, paginated views over videos and jobs,
// scoped to what the caller is allowed to see.
package query

import (
	"context"
	"errors"
	"strings"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/store"
)

// Paging bounds
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ListParams are the common listing parameters
type ListParams struct {
	Page    int    `json:"page"`
	Limit   int    `json:"limit"`
	Sort    string `json:"sort"`
	Order   string `json:"order"`
	Status  string `json:"status"`
	Search  string `json:"search"`
	JobType string `json:"job_type"`
}

// Pagination describes where a page sits in the full result set
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	TotalCount  int  `json:"total_count"`
	PerPage     int  `json:"per_page"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// Page is one page of results
type Page[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// Stats summarizes jobs visible to a caller
type Stats struct {
	Total                int                      `json:"total_jobs"`
	Active               int                      `json:"active_jobs"`
	Completed            int                      `json:"completed_jobs"`
	Failed               int                      `json:"failed_jobs"`
	Cancelled            int                      `json:"cancelled_jobs"`
	ByStatus             map[models.JobStatus]int `json:"status_distribution"`
	ByType               map[models.JobType]int   `json:"type_distribution"`
	AvgProcessingSeconds float64                  `json:"average_processing_seconds"`
}

// Service answers listing and statistics queries
type Service struct {
	store   store.Store
	catalog *catalog.Catalog
}

// New creates a query service
func New(s store.Store, c *catalog.Catalog) *Service {
	return &Service{store: s, catalog: c}
}

type window struct {
	page, limit int
	sort        store.SortField
	desc        bool
}

func (w window) offset() int { return (w.page - 1) * w.limit }

func normalize(p ListParams, allowed []store.SortField) (window, error) {
	w := window{page: p.Page, limit: p.Limit, sort: "created_at", desc: true}
	if w.page == 0 {
		w.page = 1
	}
	if w.page < 1 {
		return w, apperr.Validation("page must be >= 1")
	}
	if w.limit == 0 {
		w.limit = DefaultLimit
	}
	if w.limit < 1 || w.limit > MaxLimit {
		return w, apperr.Validation("limit must be between 1 and %d", MaxLimit)
	}
	if p.Sort != "" {
		w.sort = store.SortField(p.Sort)
		ok := false
		for _, f := range allowed {
			if f == w.sort {
				ok = true
				break
			}
		}
		if !ok {
			return w, apperr.Validation("cannot sort by %q", p.Sort)
		}
	}
	switch strings.ToLower(p.Order) {
	case "", "desc":
	case "asc":
		w.desc = false
	default:
		return w, apperr.Validation("order must be asc or desc")
	}
	return w, nil
}

func paginate[T any](items []T, total int, w window) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := (total + w.limit - 1) / w.limit
	return &Page[T]{
		Items: items,
		Pagination: Pagination{
			CurrentPage: w.page,
			TotalPages:  pages,
			TotalCount:  total,
			PerPage:     w.limit,
			HasNext:     w.page < pages,
			HasPrevious: w.page > 1,
		},
	}
}

func listError(err error) error {
	if errors.Is(err, store.ErrUnsupportedSort) {
		return apperr.Validation("unsupported sort field")
	}
	return apperr.Internal(err, "listing failed")
}

// ListVideos lists public videos plus the caller's own; admins see all
func (s *Service) ListVideos(ctx context.Context, caller models.Principal, p ListParams) (*Page[*models.Video], error) {
	w, err := normalize(p, store.VideoSortFields())
	if err != nil {
		return nil, err
	}
	status := models.VideoStatus(p.Status)
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown video status %q", p.Status)
	}
	if p.JobType != "" {
		return nil, apperr.Validation("job_type does not apply to videos")
	}

	items, total, err := s.store.ListVideos(ctx, store.VideoFilter{
		ViewerID: caller.SubjectID,
		All:      caller.IsAdmin(),
		Status:   status,
		Search:   p.Search,
		Sort:     w.sort,
		Desc:     w.desc,
		Offset:   w.offset(),
		Limit:    w.limit,
	})
	if err != nil {
		return nil, listError(err)
	}
	return paginate(items, total, w), nil
}

func (s *Service) jobFilter(caller models.Principal, p ListParams) (store.JobFilter, window, error) {
	w, err := normalize(p, store.JobSortFields())
	if err != nil {
		return store.JobFilter{}, w, err
	}
	status := models.JobStatus(p.Status)
	if status != "" && !models.ValidStatus(status) {
		return store.JobFilter{}, w, apperr.Validation("unknown job status %q", p.Status)
	}
	jobType := models.JobType(p.JobType)
	if jobType != "" && !jobType.Valid() {
		return store.JobFilter{}, w, apperr.Validation("unknown job_type %q", p.JobType)
	}
	f := store.JobFilter{
		Status:  status,
		JobType: jobType,
		Search:  p.Search,
		Sort:    w.sort,
		Desc:    w.desc,
		Offset:  w.offset(),
		Limit:   w.limit,
	}
	if !caller.IsAdmin() {
		if caller.SubjectID == "" {
			return store.JobFilter{}, w, apperr.Forbidden("anonymous callers cannot list jobs")
		}
		f.OwnerID = caller.SubjectID
	}
	return f, w, nil
}

// ListJobs lists jobs on the caller's videos; admins see all
func (s *Service) ListJobs(ctx context.Context, caller models.Principal, p ListParams) (*Page[*models.Job], error) {
	f, w, err := s.jobFilter(caller, p)
	if err != nil {
		return nil, err
	}
	items, total, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, listError(err)
	}
	return paginate(items, total, w), nil
}

// ListVideoJobs lists the jobs of one video. Hidden videos are NotFound and
// visible videos the caller cannot manage are Forbidden.
func (s *Service) ListVideoJobs(ctx context.Context, caller models.Principal, videoID string, p ListParams) (*Page[*models.Job], error) {
	v, err := s.catalog.Get(ctx, caller, videoID)
	if err != nil {
		return nil, err
	}
	if !caller.CanManage(v.OwnerID) {
		return nil, apperr.Forbidden("not allowed to list jobs of video %s", videoID)
	}
	f, w, err := s.jobFilter(caller, p)
	if err != nil {
		return nil, err
	}
	f.VideoID = v.ID
	f.OwnerID = ""

	items, total, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, listError(err)
	}
	return paginate(items, total, w), nil
}

// Stats aggregates the jobs visible to caller
func (s *Service) Stats(ctx context.Context, caller models.Principal) (*Stats, error) {
	ownerID := caller.SubjectID
	switch {
	case caller.IsAdmin():
		ownerID = ""
	case ownerID == "":
		return nil, apperr.Forbidden("anonymous callers cannot read job stats")
	}
	raw, err := s.store.GetJobStats(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to compute job stats")
	}

	st := &Stats{
		Total:                raw.Total,
		ByStatus:             make(map[models.JobStatus]int, len(raw.ByStatus)),
		ByType:               make(map[models.JobType]int, len(raw.ByType)),
		AvgProcessingSeconds: raw.AvgProcessingSeconds,
	}
	for k, v := range raw.ByStatus {
		st.ByStatus[k] = v
	}
	for k, v := range raw.ByType {
		st.ByType[k] = v
	}
	st.Active = st.ByStatus[models.JobStatusQueued] + st.ByStatus[models.JobStatusInProgress]
	st.Completed = st.ByStatus[models.JobStatusCompleted]
	st.Failed = st.ByStatus[models.JobStatusFailed]
	st.Cancelled = st.ByStatus[models.JobStatusCancelled]
	return st, nil
}
