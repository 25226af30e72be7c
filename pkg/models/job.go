package models

import (
	"time"
)

// JobStatus represents the status of a processing job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"      // Job persisted and handed to the dispatch queue
	JobStatusInProgress JobStatus = "in_progress" // Worker reported that execution started
	JobStatusCompleted  JobStatus = "completed"   // Worker finished successfully
	JobStatusFailed     JobStatus = "failed"      // Worker gave up
	JobStatusCancelled  JobStatus = "cancelled"   // Cancelled by owner, admin or worker
)

// JobType identifies the kind of work a job asks the worker pool to do
type JobType string

const (
	JobTypeEncoding           JobType = "encoding"
	JobTypeThumbnail          JobType = "thumbnail"
	JobTypeMetadataExtraction JobType = "metadata_extraction"
	JobTypeQualityAnalysis    JobType = "quality_analysis"
	JobTypeUploadToCDN        JobType = "upload_to_cdn"
)

// Priority bounds. Higher runs first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// AllJobTypes lists every supported job type in display order
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeEncoding,
		JobTypeThumbnail,
		JobTypeMetadataExtraction,
		JobTypeQualityAnalysis,
		JobTypeUploadToCDN,
	}
}

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobTypeEncoding, JobTypeThumbnail, JobTypeMetadataExtraction,
		JobTypeQualityAnalysis, JobTypeUploadToCDN:
		return true
	}
	return false
}

// DrivesVideoStatus reports whether terminal outcomes of this job type
// are propagated into the parent video's status.
func (t JobType) DrivesVideoStatus() bool {
	return t == JobTypeEncoding
}

// Job is a unit of video-processing work owned by exactly one video
type Job struct {
	ID               string            `json:"id"`
	VideoID          string            `json:"video_id"`
	JobType          JobType           `json:"job_type"`
	Status           JobStatus         `json:"status"`
	Priority         int               `json:"priority"`
	Progress         int               `json:"progress"`
	Settings         Payload           `json:"settings,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	ResultData       Payload           `json:"result_data,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Settings = j.Settings.Clone()
	c.ResultData = j.ResultData.Clone()
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.StateTransitions != nil {
		c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	}
	return &c
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// Transition is the named state change a store applies to a job row.
// Expected is the status the caller observed; the store re-checks it under the row lock.
type Transition struct {
	Expected     JobStatus
	To           JobStatus
	Progress     *int
	ErrorMessage *string
	ResultData   Payload
	Reason       string
	Actor        string
	At           time.Time
}

// Apply mutates job according to t. It validates the FSM edge but not the expected state.
func (t Transition) Apply(job *Job) error {
	if err := ValidateTransition(job.Status, t.To); err != nil {
		return err
	}

	job.StateTransitions = append(job.StateTransitions, StateTransition{
		From:      job.Status,
		To:        t.To,
		Timestamp: t.At,
		Reason:    t.Reason,
		Actor:     t.Actor,
	})
	job.Status = t.To
	job.UpdatedAt = t.At

	if t.Progress != nil {
		job.Progress = ClampProgress(*t.Progress)
	}

	switch t.To {
	case JobStatusInProgress:
		at := t.At
		job.StartedAt = &at
	case JobStatusCompleted:
		job.ResultData = t.ResultData.Clone()
	case JobStatusFailed:
		if t.ErrorMessage != nil {
			msg := *t.ErrorMessage
			job.ErrorMessage = &msg
		}
	}
	if IsTerminalState(t.To) {
		at := t.At
		job.CompletedAt = &at
	}
	return nil
}

// ClampProgress bounds a progress value to [0,100]
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
