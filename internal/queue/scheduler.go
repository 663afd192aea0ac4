// Package queue owns the unsubscribe job lifecycle: a polling scheduler
// that claims due PENDING jobs from the store, runs them through the tiered
// executor under a fixed concurrency bound, and terminalizes the outcome.
package queue

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/notify"
	"github.com/ignite/unsub-pilot/internal/pkg/distlock"
	"github.com/ignite/unsub-pilot/internal/service/unsubjob"
)

const (
	// DefaultPollInterval is how often the scheduler looks for due jobs.
	DefaultPollInterval = 2 * time.Second

	// DefaultConcurrency is the number of jobs processed simultaneously.
	DefaultConcurrency = 3

	// DefaultJobTimeout bounds a single job execution, browser tier included.
	DefaultJobTimeout = 5 * time.Minute

	// DefaultStaleAfter is how long a PROCESSING job may sit before the
	// recovery loop assumes its worker died and requeues or fails it,
	// depending on the retry policy.
	DefaultStaleAfter = 10 * time.Minute

	// claimLockTTL bounds one claim cycle when a distributed lock is in use.
	claimLockTTL = 30 * time.Second

	// DefaultRetryBaseDelay seeds the exponential backoff when retries are
	// enabled.
	DefaultRetryBaseDelay = time.Minute
)

// Executor runs one unsubscribe attempt. Implemented by unsubscribe.Executor.
type Executor interface {
	Execute(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result
}

// Config holds scheduler tuning. Zero values take the package defaults.
type Config struct {
	PollInterval time.Duration
	Concurrency  int
	JobTimeout   time.Duration

	// RetryEnabled switches failed jobs from single-attempt-terminal (the
	// default) to exponential-backoff retry up to the job's max_attempts.
	RetryEnabled   bool
	RetryBaseDelay time.Duration

	// StaleAfter controls crashed-worker recovery; 0 disables the loop.
	StaleAfter time.Duration
}

// Scheduler polls for due jobs and drives them to a terminal state.
type Scheduler struct {
	repo     unsubjob.Repository
	executor Executor
	notifier notify.Notifier
	redis    *redis.Client
	cfg      Config

	// Stats
	jobsProcessed int64
	jobsFailed    int64
	errors        int64

	activeMu sync.Mutex
	active   map[string]struct{}

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler creates a scheduler. It does not start polling; call Start.
func NewScheduler(repo unsubjob.Repository, executor Executor, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return &Scheduler{
		repo:     repo,
		executor: executor,
		notifier: notify.NopNotifier{},
		cfg:      cfg,
		active:   make(map[string]struct{}),
	}
}

// SetNotifier sets the user-facing status notifier.
func (s *Scheduler) SetNotifier(n notify.Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// SetRedisClient enables a distributed lock around the claim step.
// SKIP LOCKED already prevents double-claiming; the lock just keeps
// multiple instances from hammering the table on the same tick.
func (s *Scheduler) SetRedisClient(client *redis.Client) {
	s.redis = client
}

// Start begins the polling loop. Idempotent-safe: starting a running
// scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Queue] Starting scheduler (poll %v, concurrency %d)", s.cfg.PollInterval, s.cfg.Concurrency)

	s.wg.Add(1)
	go s.pollLoop()

	if s.cfg.StaleAfter > 0 {
		s.wg.Add(1)
		go s.recoveryLoop()
	}
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish. Jobs are never
// preempted mid-execution; cancellation is cooperative at job boundaries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[Queue] Stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	log.Printf("[Queue] Stopped. Processed: %d, failed: %d",
		atomic.LoadInt64(&s.jobsProcessed), atomic.LoadInt64(&s.jobsFailed))
}

// Running reports whether the scheduler is currently polling.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats is a point-in-time snapshot of scheduler activity.
type Stats struct {
	Running   bool  `json:"running"`
	Active    int   `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Errors    int64 `json:"errors"`
}

// Snapshot returns current scheduler stats.
func (s *Scheduler) Snapshot() Stats {
	s.activeMu.Lock()
	active := len(s.active)
	s.activeMu.Unlock()

	return Stats{
		Running:   s.Running(),
		Active:    active,
		Processed: atomic.LoadInt64(&s.jobsProcessed),
		Failed:    atomic.LoadInt64(&s.jobsFailed),
		Errors:    atomic.LoadInt64(&s.errors),
	}
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.processDue()
		}
	}
}

func (s *Scheduler) recoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			n, err := s.repo.RecoverStale(ctx, s.cfg.StaleAfter, s.cfg.RetryEnabled)
			cancel()
			if err != nil {
				log.Printf("[Queue] Stale recovery error: %v", err)
				atomic.AddInt64(&s.errors, 1)
				continue
			}
			if n > 0 {
				if s.cfg.RetryEnabled {
					log.Printf("[Queue] Recovered %d stale job(s) back to PENDING", n)
				} else {
					log.Printf("[Queue] Failed %d stale job(s) from dead workers", n)
				}
			}
		}
	}
}

// processDue claims and launches as many due jobs as the free slots allow.
// A failure here affects only this cycle; the next tick retries.
func (s *Scheduler) processDue() {
	s.activeMu.Lock()
	slots := s.cfg.Concurrency - len(s.active)
	s.activeMu.Unlock()
	if slots <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	if s.redis != nil {
		lock := distlock.NewRedisLock(s.redis, "unsub-queue:claim", claimLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Queue] Claim lock error: %v", err)
			atomic.AddInt64(&s.errors, 1)
			return
		}
		if !ok {
			// Another instance holds the claim cycle; ours comes around next tick.
			return
		}
		defer lock.Release(ctx)
	}

	jobs, err := s.repo.ClaimPending(ctx, slots)
	if err != nil {
		log.Printf("[Queue] Claim error: %v", err)
		atomic.AddInt64(&s.errors, 1)
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Printf("[Queue] Processing %d job(s)", len(jobs))
	for _, job := range jobs {
		s.activeMu.Lock()
		s.active[job.ID] = struct{}{}
		s.activeMu.Unlock()

		s.wg.Add(1)
		go s.processJob(job)
	}
}

func (s *Scheduler) processJob(job domain.UnsubscribeJob) {
	defer s.wg.Done()
	defer func() {
		s.activeMu.Lock()
		delete(s.active, job.ID)
		s.activeMu.Unlock()
	}()

	// Claimed jobs run to completion even during shutdown, so the timeout
	// context derives from Background, not the scheduler context.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	// A panicking executor fails the job, not the process. The browser tier
	// in particular drives an external Chrome and can blow up mid-step.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Queue] Job %s: executor panic: %v", job.ID, r)
			atomic.AddInt64(&s.errors, 1)
			s.terminalize(ctx, &job, domain.JobFailed, &domain.Result{
				Status:  domain.ResultFailure,
				Method:  domain.MethodNone,
				Message: "Unsubscribe attempt crashed",
				Error:   fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	log.Printf("[Queue] Processing job %s (attempt %d/%d)", job.ID, job.Attempts, job.MaxAttempts)

	email, err := s.repo.GetEmail(ctx, job.UserID, job.EmailID)
	if err != nil {
		s.terminalize(ctx, &job, domain.JobFailed, &domain.Result{
			Status:  domain.ResultFailure,
			Method:  domain.MethodNone,
			Message: "Email record not found",
			Error:   err.Error(),
		})
		return
	}

	result := s.executor.Execute(ctx, &job, email)
	log.Printf("[Queue] Job %s result: %s (%s)", job.ID, result.Status, result.Method)

	switch result.Status {
	case domain.ResultSuccess:
		s.markAttempted(ctx, &job)
		s.terminalize(ctx, &job, domain.JobCompleted, result)

	case domain.ResultNeedsConfirmation:
		s.markAttempted(ctx, &job)
		s.terminalize(ctx, &job, domain.JobNeedsConfirmation, result)

	case domain.ResultNoURL:
		// Nothing to retry: no amount of re-running finds a URL that isn't
		// there.
		s.terminalize(ctx, &job, domain.JobFailed, result)

	default:
		if s.cfg.RetryEnabled && job.Attempts < job.MaxAttempts {
			s.reschedule(ctx, &job, result)
			return
		}
		s.terminalize(ctx, &job, domain.JobFailed, result)
	}
}

// markAttempted projects the attempt onto the email record. The pipeline
// never claims SUCCEEDED; the user confirms real-world effect separately.
func (s *Scheduler) markAttempted(ctx context.Context, job *domain.UnsubscribeJob) {
	if err := s.repo.SetEmailUnsubscribeStatus(ctx, job.UserID, job.EmailID, domain.UnsubAttempted); err != nil {
		log.Printf("[Queue] Job %s: failed to mark email attempted: %v", job.ID, err)
		atomic.AddInt64(&s.errors, 1)
	}
}

func (s *Scheduler) terminalize(ctx context.Context, job *domain.UnsubscribeJob, status domain.JobStatus, result *domain.Result) {
	errMsg := result.Error
	if errMsg == "" && status == domain.JobFailed {
		errMsg = result.Message
	}

	if err := s.repo.CompleteJob(ctx, job.ID, status, result, errMsg); err != nil {
		log.Printf("[Queue] Job %s: failed to store terminal status %s: %v", job.ID, status, err)
		atomic.AddInt64(&s.errors, 1)
		return
	}

	atomic.AddInt64(&s.jobsProcessed, 1)
	if status == domain.JobFailed {
		atomic.AddInt64(&s.jobsFailed, 1)
	}
	log.Printf("[Queue] Job %s -> %s", job.ID, status)

	s.notifier.JobUpdated(ctx, job.UserID, job.ID, status, result.Message)
}

func (s *Scheduler) reschedule(ctx context.Context, job *domain.UnsubscribeJob, result *domain.Result) {
	delay := time.Duration(float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(job.Attempts-1)))
	runAt := time.Now().Add(delay)

	if err := s.repo.RescheduleJob(ctx, job.ID, runAt, result.Error); err != nil {
		log.Printf("[Queue] Job %s: reschedule failed: %v", job.ID, err)
		atomic.AddInt64(&s.errors, 1)
		return
	}

	log.Printf("[Queue] Job %s rescheduled in %v (attempt %d/%d)", job.ID, delay, job.Attempts, job.MaxAttempts)
	s.notifier.JobUpdated(ctx, job.UserID, job.ID, domain.JobPending,
		fmt.Sprintf("Unsubscribe failed, retrying in %s", delay.Round(time.Second)))
}
