package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/service/unsubjob"
)

// memRepo is an in-memory unsubjob.Repository with claim semantics close
// enough to the Postgres implementation for scheduler behavior tests.
type memRepo struct {
	mu     sync.Mutex
	jobs   map[string]*domain.UnsubscribeJob
	emails map[string]*domain.EmailRecord

	completed chan string
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:      make(map[string]*domain.UnsubscribeJob),
		emails:    make(map[string]*domain.EmailRecord),
		completed: make(chan string, 32),
	}
}

func (m *memRepo) addEmail(e *domain.EmailRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails[e.ID] = e
}

func (m *memRepo) addJob(j *domain.UnsubscribeJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *memRepo) job(id string) domain.UnsubscribeJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memRepo) CreateJob(ctx context.Context, job *domain.UnsubscribeJob) error {
	m.addJob(job)
	return nil
}

func (m *memRepo) GetJob(ctx context.Context, userID, id string) (*domain.UnsubscribeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, unsubjob.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memRepo) ListJobs(ctx context.Context, userID string, f unsubjob.ListFilter) ([]domain.UnsubscribeJob, error) {
	return nil, nil
}

func (m *memRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.JobStatus]int)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *memRepo) ClaimPending(ctx context.Context, limit int) ([]domain.UnsubscribeJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.UnsubscribeJob
	now := time.Now()
	for _, j := range m.jobs {
		if j.Status == domain.JobPending && !j.ScheduledFor.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	var out []domain.UnsubscribeJob
	for _, j := range due {
		j.Status = domain.JobProcessing
		started := time.Now()
		j.StartedAt = &started
		j.Attempts++
		out = append(out, *j)
	}
	return out, nil
}

func (m *memRepo) CompleteJob(ctx context.Context, id string, status domain.JobStatus, result *domain.Result, errMsg string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobProcessing {
		m.mu.Unlock()
		return unsubjob.ErrJobNotFound
	}
	j.Status = status
	now := time.Now()
	j.CompletedAt = &now
	j.Result = result
	j.Error = errMsg
	m.mu.Unlock()

	m.completed <- id
	return nil
}

func (m *memRepo) RescheduleJob(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobProcessing {
		m.mu.Unlock()
		return unsubjob.ErrJobNotFound
	}
	j.Status = domain.JobPending
	j.ScheduledFor = runAt
	j.StartedAt = nil
	j.Error = errMsg
	m.mu.Unlock()

	m.completed <- id
	return nil
}

func (m *memRepo) CancelJob(ctx context.Context, userID, id string) error { return nil }

func (m *memRepo) RecoverStale(ctx context.Context, olderThan time.Duration, requeue bool) (int, error) {
	return 0, nil
}

func (m *memRepo) GetEmail(ctx context.Context, userID, emailID string) (*domain.EmailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[emailID]
	if !ok {
		return nil, unsubjob.ErrEmailNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memRepo) SetEmailUnsubscribeStatus(ctx context.Context, userID, emailID string, status domain.UnsubscribeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[emailID]
	if !ok {
		return unsubjob.ErrEmailNotFound
	}
	e.UnsubscribeStatus = status
	return nil
}

func (m *memRepo) SetEmailUnsubscribeURL(ctx context.Context, userID, emailID, url string) error {
	return nil
}

// stubExecutor returns a fixed result per email ID.
type stubExecutor struct {
	mu      sync.Mutex
	results map[string]*domain.Result
	seen    []string
}

func (s *stubExecutor) Execute(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result {
	s.mu.Lock()
	s.seen = append(s.seen, email.ID)
	r := s.results[email.ID]
	s.mu.Unlock()
	if r == nil {
		r = &domain.Result{Status: domain.ResultSuccess, Method: domain.MethodSimpleHTTP}
	}
	return r
}

func seedJob(repo *memRepo, id, emailID string, priority int, created time.Time) {
	repo.addEmail(&domain.EmailRecord{ID: emailID, UserID: "u1", GmailID: "g-" + emailID, UnsubscribeURL: "https://example.com/unsub"})
	repo.addJob(&domain.UnsubscribeJob{
		ID:           id,
		EmailID:      emailID,
		UserID:       "u1",
		Status:       domain.JobPending,
		Priority:     priority,
		ScheduledFor: created,
		MaxAttempts:  3,
		CreatedAt:    created,
	})
}

func startScheduler(t *testing.T, repo *memRepo, exec Executor, cfg Config) *Scheduler {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	s := NewScheduler(repo, exec, cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func waitCompleted(t *testing.T, repo *memRepo, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-repo.completed:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for job %d/%d to finish", i+1, n)
		}
	}
}

func TestSchedulerCompletesSuccessfulJob(t *testing.T) {
	repo := newMemRepo()
	seedJob(repo, "j1", "e1", 0, time.Now())
	exec := &stubExecutor{results: map[string]*domain.Result{
		"e1": {Status: domain.ResultSuccess, Method: domain.MethodOneClick, Message: "done"},
	}}

	startScheduler(t, repo, exec, Config{})
	waitCompleted(t, repo, 1)

	job := repo.job("j1")
	if job.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at must be stamped at the terminal transition")
	}
	if job.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", job.Attempts)
	}

	email, _ := repo.GetEmail(context.Background(), "u1", "e1")
	if email.UnsubscribeStatus != domain.UnsubAttempted {
		t.Errorf("expected email marked ATTEMPTED, got %q", email.UnsubscribeStatus)
	}
}

func TestSchedulerNeedsConfirmationIsTerminal(t *testing.T) {
	repo := newMemRepo()
	seedJob(repo, "j1", "e1", 0, time.Now())
	exec := &stubExecutor{results: map[string]*domain.Result{
		"e1": {Status: domain.ResultNeedsConfirmation, Method: domain.MethodSimpleHTTP},
	}}

	startScheduler(t, repo, exec, Config{})
	waitCompleted(t, repo, 1)

	job := repo.job("j1")
	if job.Status != domain.JobNeedsConfirmation {
		t.Fatalf("expected NEEDS_CONFIRMATION, got %s", job.Status)
	}
	email, _ := repo.GetEmail(context.Background(), "u1", "e1")
	if email.UnsubscribeStatus != domain.UnsubAttempted {
		t.Errorf("expected email marked ATTEMPTED, got %q", email.UnsubscribeStatus)
	}
}

func TestSchedulerNoURLFailsWithoutRetry(t *testing.T) {
	repo := newMemRepo()
	seedJob(repo, "j1", "e1", 0, time.Now())
	exec := &stubExecutor{results: map[string]*domain.Result{
		"e1": {Status: domain.ResultNoURL, Method: domain.MethodNone},
	}}

	// Retries enabled: no_url must still terminalize immediately.
	startScheduler(t, repo, exec, Config{RetryEnabled: true, RetryBaseDelay: time.Millisecond})
	waitCompleted(t, repo, 1)

	job := repo.job("j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("no_url must not be retried, attempts=%d", job.Attempts)
	}
}

func TestSchedulerFailureTerminalByDefault(t *testing.T) {
	repo := newMemRepo()
	seedJob(repo, "j1", "e1", 0, time.Now())
	exec := &stubExecutor{results: map[string]*domain.Result{
		"e1": {Status: domain.ResultFailure, Method: domain.MethodSimpleHTTP, Error: "HTTP 500"},
	}}

	startScheduler(t, repo, exec, Config{})
	waitCompleted(t, repo, 1)

	job := repo.job("j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("expected FAILED after single attempt, got %s", job.Status)
	}
	if job.Error == "" {
		t.Error("expected error message recorded")
	}
}

func TestSchedulerFailureRetriesWhenEnabled(t *testing.T) {
	repo := newMemRepo()
	seedJob(repo, "j1", "e1", 0, time.Now())
	exec := &stubExecutor{results: map[string]*domain.Result{
		"e1": {Status: domain.ResultFailure, Method: domain.MethodSimpleHTTP, Error: "HTTP 500"},
	}}

	startScheduler(t, repo, exec, Config{RetryEnabled: true, RetryBaseDelay: time.Millisecond})

	// First attempt reschedules, later attempts run until max_attempts.
	waitCompleted(t, repo, 3)

	job := repo.job("j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("expected FAILED after exhausting retries, got %s", job.Status)
	}
	if job.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", job.Attempts)
	}
}

func TestSchedulerPriorityOrdering(t *testing.T) {
	repo := newMemRepo()
	base := time.Now().Add(-time.Minute)
	seedJob(repo, "j-low", "e-low", 0, base)
	seedJob(repo, "j-high", "e-high", 10, base.Add(time.Second))
	exec := &stubExecutor{results: map[string]*domain.Result{}}

	// Concurrency 1 forces strictly ordered claims.
	startScheduler(t, repo, exec, Config{Concurrency: 1})
	waitCompleted(t, repo, 2)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.seen) != 2 || exec.seen[0] != "e-high" {
		t.Errorf("expected high-priority job first, got order %v", exec.seen)
	}
}

func TestSchedulerPanickingExecutorFailsJob(t *testing.T) {
	repo := newMemRepo()
	seedJob(repo, "j1", "e1", 0, time.Now())
	seedJob(repo, "j2", "e2", 0, time.Now())
	exec := executorFunc(func(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result {
		if email.ID == "e1" {
			panic("chromedp blew up")
		}
		return &domain.Result{Status: domain.ResultSuccess, Method: domain.MethodSimpleHTTP}
	})

	// Concurrency 1 so the panic resolves before the healthy job runs.
	startScheduler(t, repo, exec, Config{Concurrency: 1})
	waitCompleted(t, repo, 2)

	job := repo.job("j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("expected FAILED after executor panic, got %s", job.Status)
	}
	if job.Result == nil || job.Result.Error != "panic: chromedp blew up" {
		t.Errorf("expected panic message recorded, got %+v", job.Result)
	}

	// The poll loop must survive and process the next job.
	if repo.job("j2").Status != domain.JobCompleted {
		t.Errorf("scheduler did not recover: j2 is %s", repo.job("j2").Status)
	}
}

func TestSchedulerEqualPriorityClaimsOldestFirst(t *testing.T) {
	repo := newMemRepo()
	base := time.Now().Add(-time.Minute)
	seedJob(repo, "j-a", "e-a", 5, base.Add(time.Second)) // t1
	seedJob(repo, "j-b", "e-b", 5, base)                  // t0
	seedJob(repo, "j-c", "e-c", 10, base.Add(2*time.Second))
	exec := &stubExecutor{results: map[string]*domain.Result{}}

	// Concurrency 1 forces strictly ordered claims: priority first, then
	// created_at breaks the tie.
	startScheduler(t, repo, exec, Config{Concurrency: 1})
	waitCompleted(t, repo, 3)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	want := []string{"e-c", "e-b", "e-a"}
	for i, id := range want {
		if exec.seen[i] != id {
			t.Fatalf("expected claim order %v, got %v", want, exec.seen)
		}
	}
}

func TestSchedulerRespectsConcurrencyBound(t *testing.T) {
	repo := newMemRepo()
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		seedJob(repo, "j-"+id, "e-"+id, 0, base.Add(time.Duration(i)*time.Second))
	}

	var mu sync.Mutex
	var inFlight, peak int
	exec := executorFunc(func(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &domain.Result{Status: domain.ResultSuccess, Method: domain.MethodSimpleHTTP}
	})

	startScheduler(t, repo, exec, Config{Concurrency: 3})
	waitCompleted(t, repo, 5)

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("concurrency bound exceeded: peak %d", peak)
	}
}

func TestSchedulerStartTwiceFails(t *testing.T) {
	repo := newMemRepo()
	s := startScheduler(t, repo, &stubExecutor{}, Config{})
	if err := s.Start(); err == nil {
		t.Fatal("expected error starting a running scheduler")
	}
	if !s.Running() {
		t.Error("scheduler should still be running")
	}
}

func TestSchedulerMissingEmailFailsJob(t *testing.T) {
	repo := newMemRepo()
	repo.addJob(&domain.UnsubscribeJob{
		ID: "j1", EmailID: "ghost", UserID: "u1",
		Status: domain.JobPending, ScheduledFor: time.Now(), MaxAttempts: 3, CreatedAt: time.Now(),
	})

	startScheduler(t, repo, &stubExecutor{}, Config{})
	waitCompleted(t, repo, 1)

	job := repo.job("j1")
	if job.Status != domain.JobFailed {
		t.Fatalf("expected FAILED for missing email, got %s", job.Status)
	}
}

type executorFunc func(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result

func (f executorFunc) Execute(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result {
	return f(ctx, job, email)
}
