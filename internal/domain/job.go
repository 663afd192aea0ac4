package domain

import "time"

// JobStatus is the lifecycle state of an unsubscribe job.
type JobStatus string

const (
	JobPending           JobStatus = "PENDING"
	JobProcessing        JobStatus = "PROCESSING"
	JobCompleted         JobStatus = "COMPLETED"
	JobFailed            JobStatus = "FAILED"
	JobNeedsConfirmation JobStatus = "NEEDS_CONFIRMATION"
	JobCancelled         JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal jobs must have a
// non-nil CompletedAt and never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobNeedsConfirmation, JobCancelled:
		return true
	}
	return false
}

// UnsubscribeJob is one queued unsubscribe attempt for a single email.
type UnsubscribeJob struct {
	ID           string     `json:"id"`
	EmailID      string     `json:"email_id"`
	UserID       string     `json:"user_id"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// UnsubscribeStatus is the denormalized projection on the owning email record,
// rendered as a status border in the UI. The pipeline only ever writes
// ATTEMPTED; SUCCEEDED and FAILED are user-confirmed overrides.
type UnsubscribeStatus string

const (
	UnsubAttempted UnsubscribeStatus = "ATTEMPTED"
	UnsubSucceeded UnsubscribeStatus = "SUCCEEDED"
	UnsubFailed    UnsubscribeStatus = "FAILED"
)

// EmailRecord is the slice of the email entity the pipeline needs.
type EmailRecord struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	GmailID           string            `json:"gmail_id"`
	Subject           string            `json:"subject"`
	FromAddress       string            `json:"from_address"`
	ToAddress         string            `json:"to_address"`
	UnsubscribeURL    string            `json:"unsubscribe_url,omitempty"`
	UnsubscribeStatus UnsubscribeStatus `json:"unsubscribe_status,omitempty"`
}
