package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/service/unsubjob"
)

// UnsubJobRepo implements unsubjob.Repository against PostgreSQL.
// Claim semantics rely on FOR UPDATE SKIP LOCKED, so multiple scheduler
// instances can poll the same table without double-claiming.
type UnsubJobRepo struct{ db *sql.DB }

// NewUnsubJobRepo creates a Postgres-backed unsubscribe job repository.
func NewUnsubJobRepo(db *sql.DB) *UnsubJobRepo { return &UnsubJobRepo{db: db} }

const jobColumns = `id, email_id, user_id, status, priority, scheduled_for,
	attempts, max_attempts, created_at, started_at, completed_at, result, error`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.UnsubscribeJob, error) {
	j := &domain.UnsubscribeJob{}
	var resultRaw []byte
	var errMsg sql.NullString
	err := row.Scan(
		&j.ID, &j.EmailID, &j.UserID, &j.Status, &j.Priority, &j.ScheduledFor,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&resultRaw, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	if j.Result, err = domain.UnmarshalResult(resultRaw); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}

func (r *UnsubJobRepo) CreateJob(ctx context.Context, job *domain.UnsubscribeJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO unsubscribe_jobs
			(id, email_id, user_id, status, priority, scheduled_for,
			 attempts, max_attempts, created_at)
		SELECT $1, $2, $3, $4, $5, $6, 0, $7, NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM unsubscribe_jobs
			WHERE email_id = $2 AND status IN ('PENDING', 'PROCESSING')
		)
	`, job.ID, job.EmailID, job.UserID, job.Status, job.Priority,
		job.ScheduledFor, job.MaxAttempts)
	if err != nil {
		// The partial unique index on (email_id) WHERE status IN
		// ('PENDING','PROCESSING') closes the race the NOT EXISTS leaves open.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return unsubjob.ErrDuplicateJob
		}
		return fmt.Errorf("create job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unsubjob.ErrDuplicateJob
	}
	return nil
}

func (r *UnsubJobRepo) GetJob(ctx context.Context, userID, id string) (*domain.UnsubscribeJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM unsubscribe_jobs
		WHERE id = $1 AND user_id = $2
	`, id, userID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, unsubjob.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *UnsubJobRepo) ListJobs(ctx context.Context, userID string, f unsubjob.ListFilter) ([]domain.UnsubscribeJob, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + jobColumns + ` FROM unsubscribe_jobs WHERE user_id = $1`
	args := []interface{}{userID}
	idx := 2
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.UnsubscribeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *UnsubJobRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM unsubscribe_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (r *UnsubJobRepo) ClaimPending(ctx context.Context, limit int) ([]domain.UnsubscribeJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE unsubscribe_jobs
			SET
				status = 'PROCESSING',
				started_at = NOW(),
				attempts = attempts + 1
			WHERE id IN (
				SELECT j.id FROM unsubscribe_jobs j
				WHERE j.status = 'PENDING'
				  AND j.scheduled_for <= NOW()
				ORDER BY j.priority DESC, j.created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns+`
		)
		SELECT `+jobColumns+` FROM claimed
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.UnsubscribeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *UnsubJobRepo) CompleteJob(ctx context.Context, id string, status domain.JobStatus, result *domain.Result, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job: %s is not a terminal status", status)
	}

	var resultRaw []byte
	if result != nil {
		var err error
		if resultRaw, err = result.Marshal(); err != nil {
			return err
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE unsubscribe_jobs
		SET status = $2, completed_at = NOW(), result = $3, error = NULLIF($4, '')
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, status, resultRaw, errMsg)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unsubjob.ErrJobNotFound
	}
	return nil
}

func (r *UnsubJobRepo) RescheduleJob(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE unsubscribe_jobs
		SET status = 'PENDING', scheduled_for = $2, started_at = NULL, error = NULLIF($3, '')
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, runAt, errMsg)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unsubjob.ErrJobNotFound
	}
	return nil
}

func (r *UnsubJobRepo) CancelJob(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE unsubscribe_jobs
		SET status = 'CANCELLED', completed_at = NOW()
		WHERE id = $1 AND user_id = $2
		  AND status IN ('PENDING', 'NEEDS_CONFIRMATION')
	`, id, userID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Distinguish "not cancellable" from "not found".
	var status domain.JobStatus
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM unsubscribe_jobs WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return unsubjob.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return unsubjob.ErrJobNotCancellable
}

func (r *UnsubJobRepo) RecoverStale(ctx context.Context, olderThan time.Duration, requeue bool) (int, error) {
	var res sql.Result
	var err error
	if requeue {
		res, err = r.db.ExecContext(ctx, `
			UPDATE unsubscribe_jobs
			SET status = 'PENDING', started_at = NULL
			WHERE status = 'PROCESSING'
			  AND started_at < NOW() - ($1 * INTERVAL '1 second')
		`, int(olderThan.Seconds()))
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE unsubscribe_jobs
			SET status = 'FAILED', completed_at = NOW(), error = 'worker timed out or crashed'
			WHERE status = 'PROCESSING'
			  AND started_at < NOW() - ($1 * INTERVAL '1 second')
		`, int(olderThan.Seconds()))
	}
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *UnsubJobRepo) GetEmail(ctx context.Context, userID, emailID string) (*domain.EmailRecord, error) {
	e := &domain.EmailRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, gmail_id, COALESCE(subject, ''),
		       COALESCE(from_address, ''), COALESCE(to_address, ''),
		       COALESCE(unsubscribe_url, ''), COALESCE(unsubscribe_status, '')
		FROM emails
		WHERE id = $1 AND user_id = $2
	`, emailID, userID).Scan(
		&e.ID, &e.UserID, &e.GmailID, &e.Subject,
		&e.FromAddress, &e.ToAddress, &e.UnsubscribeURL, &e.UnsubscribeStatus,
	)
	if err == sql.ErrNoRows {
		return nil, unsubjob.ErrEmailNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return e, nil
}

func (r *UnsubJobRepo) SetEmailUnsubscribeURL(ctx context.Context, userID, emailID, url string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE emails SET unsubscribe_url = $3 WHERE id = $1 AND user_id = $2
	`, emailID, userID, url)
	if err != nil {
		return fmt.Errorf("set email unsubscribe url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unsubjob.ErrEmailNotFound
	}
	return nil
}

func (r *UnsubJobRepo) SetEmailUnsubscribeStatus(ctx context.Context, userID, emailID string, status domain.UnsubscribeStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE emails SET unsubscribe_status = $3 WHERE id = $1 AND user_id = $2
	`, emailID, userID, status)
	if err != nil {
		return fmt.Errorf("set email unsubscribe status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unsubjob.ErrEmailNotFound
	}
	return nil
}
