package models

import "time"

// VideoStatus is derived from the outcomes of a video's encoding jobs
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// Valid reports whether s is a known video status
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusCompleted, VideoStatusFailed:
		return true
	}
	return false
}

// Privacy controls who can see a video
type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyPrivate  Privacy = "private"
	PrivacyUnlisted Privacy = "unlisted"
)

// Valid reports whether p is a known privacy level
func (p Privacy) Valid() bool {
	switch p {
	case PrivacyPublic, PrivacyPrivate, PrivacyUnlisted:
		return true
	}
	return false
}

// Video is an uploaded video owned by a single subject
type Video struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Privacy     Privacy     `json:"privacy"`
	Status      VideoStatus `json:"status"`
	BlobHandle  string      `json:"blob_handle,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// StatusJobID and StatusChangedAt identify the job outcome that last set Status.
	StatusJobID     string     `json:"status_job_id,omitempty"`
	StatusChangedAt *time.Time `json:"status_changed_at,omitempty"`
}

// Clone returns a copy of the video
func (v *Video) Clone() *Video {
	if v == nil {
		return nil
	}
	c := *v
	if v.StatusChangedAt != nil {
		t := *v.StatusChangedAt
		c.StatusChangedAt = &t
	}
	return &c
}

// VideoPatch is a partial metadata update. Status is only present so that
// attempts to set it can be detected and rejected.
type VideoPatch struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Privacy     *Privacy     `json:"privacy,omitempty"`
	Status      *VideoStatus `json:"status,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p VideoPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Privacy == nil && p.Status == nil
}

// Apply copies the metadata fields of the patch onto v
func (p VideoPatch) Apply(v *Video, at time.Time) {
	if p.Title != nil {
		v.Title = *p.Title
	}
	if p.Description != nil {
		v.Description = *p.Description
	}
	if p.Privacy != nil {
		v.Privacy = *p.Privacy
	}
	v.UpdatedAt = at
}

// VideoOutcome is a terminal encoding result to propagate into a video
type VideoOutcome struct {
	VideoID string
	JobID   string
	Status  VideoStatus
	At      time.Time
}

// Supersedes reports whether the outcome is newer than what v currently reflects.
// Ordering is by outcome time, ties broken by job id.
func (o VideoOutcome) Supersedes(v *Video) bool {
	if v.StatusChangedAt == nil {
		return true
	}
	if o.At.After(*v.StatusChangedAt) {
		return true
	}
	if o.At.Equal(*v.StatusChangedAt) {
		return o.JobID > v.StatusJobID
	}
	return false
}

// OutcomeStatus maps a terminal job status to the video status it implies
func OutcomeStatus(s JobStatus) (VideoStatus, bool) {
	switch s {
	case JobStatusCompleted:
		return VideoStatusCompleted, true
	case JobStatusFailed:
		return VideoStatusFailed, true
	}
	return "", false
}
