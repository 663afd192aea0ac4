package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/service/unsubjob"
)

var jobCols = []string{
	"id", "email_id", "user_id", "status", "priority", "scheduled_for",
	"attempts", "max_attempts", "created_at", "started_at", "completed_at", "result", "error",
}

func jobRow(id string, status domain.JobStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobCols).AddRow(
		id, "email-1", "user-1", status, 0, now, 1, 3, now, now, nil, nil, nil,
	)
}

func TestCreateJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("INSERT INTO unsubscribe_jobs").
		WithArgs("j1", "e1", "u1", domain.JobPending, 5, sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.UnsubscribeJob{
		ID: "j1", EmailID: "e1", UserID: "u1",
		Status: domain.JobPending, Priority: 5,
		ScheduledFor: time.Now(), MaxAttempts: 3,
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateJobDuplicateViaNoRows(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("INSERT INTO unsubscribe_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	job := &domain.UnsubscribeJob{EmailID: "e1", UserID: "u1", Status: domain.JobPending, MaxAttempts: 3}
	if err := repo.CreateJob(context.Background(), job); err != unsubjob.ErrDuplicateJob {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if job.ID == "" {
		t.Error("CreateJob should assign an ID before inserting")
	}
}

func TestCreateJobDuplicateViaUniqueViolation(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("INSERT INTO unsubscribe_jobs").
		WillReturnError(&pq.Error{Code: "23505"})

	job := &domain.UnsubscribeJob{EmailID: "e1", UserID: "u1", Status: domain.JobPending, MaxAttempts: 3}
	if err := repo.CreateJob(context.Background(), job); err != unsubjob.ErrDuplicateJob {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM unsubscribe_jobs").
		WithArgs("missing", "u1").
		WillReturnRows(sqlmock.NewRows(jobCols))

	if _, err := repo.GetJob(context.Background(), "u1", "missing"); err != unsubjob.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClaimPending(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectQuery("WITH claimed AS").
		WithArgs(3).
		WillReturnRows(jobRow("j1", domain.JobProcessing))

	jobs, err := repo.ClaimPending(context.Background(), 3)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Fatalf("expected claimed job j1, got %+v", jobs)
	}
	if jobs[0].Status != domain.JobProcessing {
		t.Errorf("claimed job must be PROCESSING, got %s", jobs[0].Status)
	}
}

func TestCompleteJobRejectsNonTerminalStatus(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	err := repo.CompleteJob(context.Background(), "j1", domain.JobProcessing, nil, "")
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestCompleteJobStoresResult(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("UPDATE unsubscribe_jobs").
		WithArgs("j1", domain.JobCompleted, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := &domain.Result{Status: domain.ResultSuccess, Method: domain.MethodOneClick}
	if err := repo.CompleteJob(context.Background(), "j1", domain.JobCompleted, result, ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCancelJobNotCancellable(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("UPDATE unsubscribe_jobs").
		WithArgs("j1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM unsubscribe_jobs").
		WithArgs("j1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PROCESSING"))

	if err := repo.CancelJob(context.Background(), "u1", "j1"); err != unsubjob.ErrJobNotCancellable {
		t.Fatalf("expected ErrJobNotCancellable, got %v", err)
	}
}

func TestCancelJobNotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("UPDATE unsubscribe_jobs").
		WithArgs("j1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM unsubscribe_jobs").
		WithArgs("j1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	if err := repo.CancelJob(context.Background(), "u1", "j1"); err != unsubjob.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRecoverStaleRequeues(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("SET status = 'PENDING'").
		WithArgs(600).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RecoverStale(context.Background(), 10*time.Minute, true)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered, got %d", n)
	}
}

func TestRecoverStaleFailsTerminally(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("SET status = 'FAILED'").
		WithArgs(600).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.RecoverStale(context.Background(), 10*time.Minute, false)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 failed, got %d", n)
	}
}

func TestGetEmail(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM emails").
		WithArgs("e1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "gmail_id", "subject", "from_address", "to_address",
			"unsubscribe_url", "unsubscribe_status",
		}).AddRow("e1", "u1", "g1", "Deals", "news@shop.com", "me@example.com", "https://shop.com/unsub", ""))

	email, err := repo.GetEmail(context.Background(), "u1", "e1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if email.UnsubscribeURL != "https://shop.com/unsub" {
		t.Errorf("unexpected email %+v", email)
	}
}

func TestSetEmailUnsubscribeURLNotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	repo := NewUnsubJobRepo(db)

	mock.ExpectExec("UPDATE emails SET unsubscribe_url").
		WithArgs("e1", "u1", "https://x.com/unsub").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetEmailUnsubscribeURL(context.Background(), "u1", "e1", "https://x.com/unsub")
	if err != unsubjob.ErrEmailNotFound {
		t.Fatalf("expected ErrEmailNotFound, got %v", err)
	}
}
