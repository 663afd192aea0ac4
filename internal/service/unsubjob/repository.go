package unsubjob

import (
	"context"
	"time"

	"github.com/ignite/unsub-pilot/internal/domain"
)

// Repository defines the data access contract for unsubscribe jobs and the
// email unsubscribe-status projection. Implementations must be safe for
// concurrent use; claim semantics must hold across processes.
type Repository interface {
	// CreateJob inserts a new job. Returns ErrDuplicateJob if the email
	// already has a PENDING or PROCESSING job.
	CreateJob(ctx context.Context, job *domain.UnsubscribeJob) error

	// GetJob returns a single job scoped to its owning user.
	// Returns ErrJobNotFound if it doesn't exist.
	GetJob(ctx context.Context, userID, id string) (*domain.UnsubscribeJob, error)

	// ListJobs returns a user's jobs, newest first.
	ListJobs(ctx context.Context, userID string, f ListFilter) ([]domain.UnsubscribeJob, error)

	// CountByStatus returns job counts grouped by status across all users.
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)

	// ClaimPending atomically transitions up to limit due PENDING jobs to
	// PROCESSING, stamping started_at and incrementing attempts. Eligible
	// jobs are ordered by priority descending, then created_at ascending.
	// A job claimed here is owned by the caller until completion.
	ClaimPending(ctx context.Context, limit int) ([]domain.UnsubscribeJob, error)

	// CompleteJob moves a PROCESSING job to a terminal status, stamping
	// completed_at and storing the result payload.
	CompleteJob(ctx context.Context, id string, status domain.JobStatus, result *domain.Result, errMsg string) error

	// RescheduleJob returns a PROCESSING job to PENDING with a future
	// scheduled_for, recording the error from the failed attempt.
	RescheduleJob(ctx context.Context, id string, runAt time.Time, errMsg string) error

	// CancelJob sets a PENDING or NEEDS_CONFIRMATION job to CANCELLED.
	// Returns ErrJobNotCancellable for any other state; a PROCESSING job is
	// never preempted.
	CancelJob(ctx context.Context, userID, id string) error

	// RecoverStale handles PROCESSING jobs older than the cutoff, covering
	// crashed workers. With requeue they return to PENDING; otherwise they
	// terminalize as FAILED, matching the single-attempt policy.
	RecoverStale(ctx context.Context, olderThan time.Duration, requeue bool) (int, error)

	// GetEmail returns the pipeline's slice of an email record.
	// Returns ErrEmailNotFound if it doesn't exist or belongs to another user.
	GetEmail(ctx context.Context, userID, emailID string) (*domain.EmailRecord, error)

	// SetEmailUnsubscribeStatus updates the denormalized unsubscribe status
	// on the email record.
	SetEmailUnsubscribeStatus(ctx context.Context, userID, emailID string, status domain.UnsubscribeStatus) error

	// SetEmailUnsubscribeURL stores an extracted unsubscribe URL on the
	// email record.
	SetEmailUnsubscribeURL(ctx context.Context, userID, emailID, url string) error
}

// MailProvider is the mail collaborator the service uses for link
// resolution and archiving. Implemented by the Gmail client.
type MailProvider interface {
	GetMessage(ctx context.Context, userID, gmailID string) (*domain.MailMessage, error)
	ModifyLabels(ctx context.Context, userID, gmailID string, add, remove []string) error
}

// ListFilter controls filtering and pagination for job listings.
type ListFilter struct {
	Status domain.JobStatus
	Limit  int
	Offset int
}
