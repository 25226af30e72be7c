package api

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/catalog"
	"github.com/psantana5/vidcoord/pkg/models"
)

// multipart parts beyond this are spooled to disk by net/http
const multipartMemory = 32 << 20

// CreateVideo accepts either a multipart upload (file, title, description,
// privacy) or a JSON body referencing media that is already stored.
func (s *Server) CreateVideo(w http.ResponseWriter, r *http.Request) {
	caller := principal(r)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		video *models.Video
		err   error
	)
	if mediaType == "multipart/form-data" {
		video, err = s.uploadVideo(w, r, caller)
	} else {
		var req catalog.CreateVideoRequest
		if err = decode(r, &req); err == nil {
			video, err = s.catalog.Create(r.Context(), caller, req)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

func (s *Server) uploadVideo(w http.ResponseWriter, r *http.Request, caller models.Principal) (*models.Video, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation("upload exceeds %d bytes", s.maxUpload)
		}
		return nil, apperr.Validation("invalid multipart body: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, apperr.Validation("multipart field \"file\" is required")
	}
	defer file.Close()

	req := catalog.CreateVideoRequest{
		Title:       strings.TrimSpace(r.FormValue("title")),
		Description: r.FormValue("description"),
		Privacy:     models.Privacy(r.FormValue("privacy")),
	}
	suffix := ext(header.Filename)
	if req.Title == "" {
		req.Title = header.Filename[:len(header.Filename)-len(suffix)]
	}
	return s.catalog.Upload(r.Context(), caller, req, "source"+suffix, file)
}

// ext returns a sanitized lowercase extension of name
func ext(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	e := strings.ToLower(name[i:])
	for _, c := range e[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return e
}

// ListVideos lists visible videos
func (s *Server) ListVideos(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.query.ListVideos(r.Context(), principal(r), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetVideo returns one video
func (s *Server) GetVideo(w http.ResponseWriter, r *http.Request) {
	video, err := s.catalog.Get(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

// UpdateVideo applies a metadata patch
func (s *Server) UpdateVideo(w http.ResponseWriter, r *http.Request) {
	var patch models.VideoPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	video, err := s.catalog.UpdateMetadata(r.Context(), principal(r), mux.Vars(r)["id"], patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

// DeleteVideo removes a video and its jobs
func (s *Server) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), principal(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListVideoJobs lists the jobs of one video
func (s *Server) ListVideoJobs(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.query.ListVideoJobs(r.Context(), principal(r), mux.Vars(r)["id"], params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
