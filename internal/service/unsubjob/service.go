// Package unsubjob implements the business logic around unsubscribe jobs:
// enqueueing with per-email dedup, user-facing queries, cancellation rules,
// and the user override of an email's unsubscribe status.
package unsubjob

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/extract"
)

// DefaultMaxAttempts is the per-job attempt ceiling when retries are
// enabled. With retries disabled (the default policy) a job is terminal
// after its first attempt regardless.
const DefaultMaxAttempts = 3

// Service coordinates job persistence and enforces lifecycle rules.
// All public methods are safe for concurrent use if the underlying
// repository is concurrency-safe.
type Service struct {
	repo        Repository
	mail        MailProvider
	maxAttempts int
}

// NewService creates an unsubscribe job service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, maxAttempts: DefaultMaxAttempts}
}

// SetMailProvider enables link resolution and archiving. Without one, those
// operations return ErrNoMailProvider.
func (s *Service) SetMailProvider(p MailProvider) { s.mail = p }

// EnqueueResult reports the outcome of a batch enqueue.
type EnqueueResult struct {
	Jobs    []domain.UnsubscribeJob `json:"jobs"`
	Skipped []SkippedEmail          `json:"skipped,omitempty"`
}

// SkippedEmail explains why one email in a batch was not enqueued.
type SkippedEmail struct {
	EmailID string `json:"email_id"`
	Reason  string `json:"reason"`
}

// Enqueue creates PENDING jobs for the given emails. Emails that don't
// exist, don't belong to the user, or already have an active job are
// skipped rather than failing the whole batch.
func (s *Service) Enqueue(ctx context.Context, userID string, emailIDs []string, priority int) (*EnqueueResult, error) {
	if len(emailIDs) == 0 {
		return nil, fmt.Errorf("no email IDs provided")
	}

	out := &EnqueueResult{}
	now := time.Now()

	for _, emailID := range emailIDs {
		if _, err := s.repo.GetEmail(ctx, userID, emailID); err != nil {
			out.Skipped = append(out.Skipped, SkippedEmail{EmailID: emailID, Reason: "email not found"})
			continue
		}

		job := &domain.UnsubscribeJob{
			ID:           uuid.New().String(),
			EmailID:      emailID,
			UserID:       userID,
			Status:       domain.JobPending,
			Priority:     priority,
			ScheduledFor: now,
			MaxAttempts:  s.maxAttempts,
			CreatedAt:    now,
		}

		err := s.repo.CreateJob(ctx, job)
		switch {
		case err == ErrDuplicateJob:
			out.Skipped = append(out.Skipped, SkippedEmail{EmailID: emailID, Reason: "active job already exists"})
		case err != nil:
			return nil, fmt.Errorf("enqueue email %s: %w", emailID, err)
		default:
			out.Jobs = append(out.Jobs, *job)
		}
	}

	log.Printf("[unsubjob.Service] Enqueued %d job(s), skipped %d", len(out.Jobs), len(out.Skipped))
	return out, nil
}

// Get returns a single job scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, id string) (*domain.UnsubscribeJob, error) {
	return s.repo.GetJob(ctx, userID, id)
}

// List returns a user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID string, f ListFilter) ([]domain.UnsubscribeJob, error) {
	return s.repo.ListJobs(ctx, userID, f)
}

// Cancel cancels a job that hasn't started executing. A PROCESSING job
// cannot be preempted and a terminal job cannot change.
func (s *Service) Cancel(ctx context.Context, userID, id string) error {
	return s.repo.CancelJob(ctx, userID, id)
}

// Stats returns queue depth by status across all users.
func (s *Service) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// ResolveUnsubscribeURL finds and stores an unsubscribe URL for an email
// that doesn't have one yet: the List-Unsubscribe header first (http
// preferred over mailto), then a scan of the HTML body.
func (s *Service) ResolveUnsubscribeURL(ctx context.Context, userID, emailID string) (string, error) {
	email, err := s.repo.GetEmail(ctx, userID, emailID)
	if err != nil {
		return "", err
	}
	if email.UnsubscribeURL != "" {
		return email.UnsubscribeURL, nil
	}
	if s.mail == nil {
		return "", ErrNoMailProvider
	}

	msg, err := s.mail.GetMessage(ctx, userID, email.GmailID)
	if err != nil {
		return "", fmt.Errorf("fetch message %s: %w", email.GmailID, err)
	}

	url := extract.FromHeader(msg.Header("List-Unsubscribe"))
	if url == "" {
		url = extract.FromBody(msg.HTMLBody)
	}
	if url == "" {
		return "", ErrNoUnsubscribeURL
	}

	if err := s.repo.SetEmailUnsubscribeURL(ctx, userID, emailID, url); err != nil {
		return "", err
	}
	log.Printf("[unsubjob.Service] Resolved unsubscribe URL for email %s", emailID)
	return url, nil
}

// ArchiveEmail removes the message from the provider inbox. Typically
// invoked after a successful unsubscribe.
func (s *Service) ArchiveEmail(ctx context.Context, userID, emailID string) error {
	if s.mail == nil {
		return ErrNoMailProvider
	}
	email, err := s.repo.GetEmail(ctx, userID, emailID)
	if err != nil {
		return err
	}
	return s.mail.ModifyLabels(ctx, userID, email.GmailID, nil, []string{"INBOX"})
}

// SetEmailStatus applies a user-confirmed override of an email's
// unsubscribe status. The pipeline itself only ever writes ATTEMPTED;
// SUCCEEDED and FAILED come from the user confirming the real-world effect.
func (s *Service) SetEmailStatus(ctx context.Context, userID, emailID string, status domain.UnsubscribeStatus) error {
	switch status {
	case domain.UnsubAttempted, domain.UnsubSucceeded, domain.UnsubFailed:
	default:
		return fmt.Errorf("invalid unsubscribe status %q", status)
	}
	return s.repo.SetEmailUnsubscribeStatus(ctx, userID, emailID, status)
}
