package models

import "time"

const (
	JobStatusPending   = "pending"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// Job is the record behind an async token. The API returns the token on
// POST /api/check-image-async; the client polls GET /api/check-image-async?token=
// until the status is succeeded or failed.
//
// Only one payload is meaningful per status: Tags for succeeded, Error for failed.
type Job struct {
	Token       string     `json:"token"`
	Status      string     `json:"status"`
	Tags        []Tag      `json:"tags,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewPendingJob returns a fresh pending record for token.
func NewPendingJob(token string, now time.Time) Job {
	return Job{Token: token, Status: JobStatusPending, CreatedAt: now}
}

// Succeed returns a copy of j marked succeeded with tags.
func (j Job) Succeed(tags []Tag, now time.Time) Job {
	j.Status = JobStatusSucceeded
	j.Tags = tags
	j.Error = ""
	j.CompletedAt = &now
	return j
}

// Fail returns a copy of j marked failed with msg.
func (j Job) Fail(msg string, now time.Time) Job {
	j.Status = JobStatusFailed
	j.Tags = nil
	j.Error = msg
	j.CompletedAt = &now
	return j
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}
