package models

import (
	"encoding/json"
	"time"
)

// JobDescriptor is the payload handed to the dispatch queue. Workers must
// tolerate fields they do not know.
type JobDescriptor struct {
	JobID     string    `json:"job_id"`
	VideoID   string    `json:"video_id"`
	JobType   JobType   `json:"job_type"`
	Priority  int       `json:"priority"`
	Settings  Payload   `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
}

// DescriptorFor builds the descriptor for a job
func DescriptorFor(j *Job) *JobDescriptor {
	settings := j.Settings.Clone()
	if settings == nil {
		settings = Payload{}
	}
	return &JobDescriptor{
		JobID:     j.ID,
		VideoID:   j.VideoID,
		JobType:   j.JobType,
		Priority:  j.Priority,
		Settings:  settings,
		CreatedAt: j.CreatedAt,
	}
}

// Marshal encodes the descriptor as JSON
func (d *JobDescriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDescriptor decodes a descriptor, ignoring unknown fields
func UnmarshalDescriptor(b []byte) (*JobDescriptor, error) {
	var d JobDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// StatusReport is the callback body a worker sends back
type StatusReport struct {
	JobID        string    `json:"job_id,omitempty"`
	Status       JobStatus `json:"status"`
	Progress     *int      `json:"progress,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	ResultData   Payload   `json:"result_data,omitempty"`
}

// OutboxEntry is a descriptor awaiting confirmed publication
type OutboxEntry struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	AvailableAt time.Time  `json:"available_at"`
	LastError   string     `json:"last_error,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Clone returns a copy of the entry
func (e *OutboxEntry) Clone() *OutboxEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}
