// Package automation runs Tier-3 unsubscribes: an AI-driven headless-browser
// loop that navigates the unsubscribe page, asks the page analyzer for the
// next action, performs it, and verifies claimed success with a screenshot.
//
// The loop is modeled as an explicit bounded state machine (navigating ->
// analyzing -> acting -> verifying -> done) rather than an open-ended loop,
// so the step bound and cancellation semantics are testable in isolation
// with fakes for both the browser and the analyzer.
//
// Browser work is heavyweight (a Chrome process per job), so the pool
// carries its own concurrency bound independent of the scheduler's slot
// count; Tier 1/2 jobs are never starved by browser jobs.
package automation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/unsub-pilot/internal/ai"
)

// Status is the terminal outcome of an automation run.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusNeedsManual Status = "needs_manual"
	StatusFailure     Status = "failure"
)

// Outcome is the result of one automation run, including the action trace
// and the analyzer's reasoning for each step.
type Outcome struct {
	Status        Status
	Message       string
	URL           string
	Steps         []string
	AIReasoning   []string
	ScreenshotKey string
	Error         string
}

// ArtifactStore persists screenshot artifacts out-of-row and returns a
// reference key. Implemented by internal/storage.
type ArtifactStore interface {
	SavePNG(ctx context.Context, name string, data []byte) (string, error)
}

const (
	// DefaultMaxSteps bounds the analyze/act loop to prevent the analyzer
	// chasing its own tail on pages that never resolve.
	DefaultMaxSteps = 10

	// DefaultStepTimeout bounds any single browser interaction.
	DefaultStepTimeout = 30 * time.Second

	// successConfidenceFloor is the minimum vision-verification confidence
	// to accept a claimed success; below it the run downgrades to
	// needs_manual.
	successConfidenceFloor = 0.7
)

// Pool executes automation runs with a dedicated concurrency bound.
type Pool struct {
	factory     BrowserFactory
	analyzer    ai.PageAnalyzer
	artifacts   ArtifactStore
	maxSteps    int
	stepTimeout time.Duration
	stepDelay   time.Duration
	sem         chan struct{}
}

// NewPool creates an automation pool. concurrency defaults to 1 (a browser
// instance costs hundreds of MB); maxSteps defaults to DefaultMaxSteps.
func NewPool(factory BrowserFactory, analyzer ai.PageAnalyzer, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		factory:     factory,
		analyzer:    analyzer,
		maxSteps:    DefaultMaxSteps,
		stepTimeout: DefaultStepTimeout,
		stepDelay:   time.Second,
		sem:         make(chan struct{}, concurrency),
	}
}

// SetArtifactStore sets the screenshot artifact store. Without one,
// screenshots are discarded and outcomes carry no screenshot reference.
func (p *Pool) SetArtifactStore(s ArtifactStore) { p.artifacts = s }

// SetMaxSteps overrides the step bound (used by tests).
func (p *Pool) SetMaxSteps(n int) {
	if n > 0 {
		p.maxSteps = n
	}
}

// SetStepDelay overrides the settle delay between actions (used by tests).
func (p *Pool) SetStepDelay(d time.Duration) { p.stepDelay = d }

// SetStepTimeout overrides the per-step deadline.
func (p *Pool) SetStepTimeout(d time.Duration) {
	if d > 0 {
		p.stepTimeout = d
	}
}

// Run executes one automation job. It blocks until a pool slot is free or
// ctx is cancelled. The browser is torn down on every exit path.
func (p *Pool) Run(ctx context.Context, jobID, url, emailAddress string) Outcome {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return Outcome{Status: StatusFailure, Message: "automation cancelled before start", Error: ctx.Err().Error()}
	}

	s := &session{pool: p, jobID: jobID, url: url, emailAddress: emailAddress}
	return s.run(ctx)
}

type machineState int

const (
	stateNavigating machineState = iota
	stateAnalyzing
	stateActing
	stateVerifying
	stateDone
)

type session struct {
	pool         *Pool
	jobID        string
	url          string
	emailAddress string

	browser   Browser
	steps     []string
	reasoning []string
	analysis  ai.PageAnalysis
	stepCount int
	outcome   Outcome
}

func (s *session) run(ctx context.Context) Outcome {
	log.Printf("[Automation] Job %s: starting AI-driven unsubscribe for %s", s.jobID, s.url)

	browser, err := s.pool.factory(ctx)
	if err != nil {
		return Outcome{Status: StatusFailure, Message: "failed to launch browser", Error: err.Error()}
	}
	s.browser = browser
	defer s.browser.Close()

	state := stateNavigating
	for state != stateDone {
		if err := ctx.Err(); err != nil {
			s.fail(ctx, "automation cancelled", err)
			break
		}

		switch state {
		case stateNavigating:
			state = s.navigate(ctx)
		case stateAnalyzing:
			state = s.analyze(ctx)
		case stateActing:
			state = s.act(ctx)
		case stateVerifying:
			state = s.verify(ctx)
		}
	}

	return s.outcome
}

func (s *session) navigate(ctx context.Context) machineState {
	stepCtx, cancel := context.WithTimeout(ctx, s.pool.stepTimeout)
	defer cancel()

	s.steps = append(s.steps, "Navigate to "+s.url)
	if err := s.browser.Navigate(stepCtx, s.url); err != nil {
		s.fail(ctx, "failed to load unsubscribe page", err)
		return stateDone
	}
	return stateAnalyzing
}

func (s *session) analyze(ctx context.Context) machineState {
	if s.stepCount >= s.pool.maxSteps {
		key := s.captureScreenshot(ctx)
		s.steps = append(s.steps, fmt.Sprintf("Reached maximum steps (%d)", s.pool.maxSteps))
		s.outcome = Outcome{
			Status:        StatusNeedsManual,
			Message:       fmt.Sprintf("Automation incomplete after %d steps - manual verification needed", s.pool.maxSteps),
			URL:           s.currentURL(ctx),
			Steps:         s.steps,
			AIReasoning:   s.reasoning,
			ScreenshotKey: key,
		}
		return stateDone
	}
	s.stepCount++
	log.Printf("[Automation] Job %s: step %d/%d", s.jobID, s.stepCount, s.pool.maxSteps)

	stepCtx, cancel := context.WithTimeout(ctx, s.pool.stepTimeout)
	defer cancel()

	markup, err := s.browser.Content(stepCtx)
	if err != nil {
		s.fail(ctx, "failed to read page content", err)
		return stateDone
	}
	url := s.currentURL(stepCtx)

	s.analysis = s.pool.analyzer.AnalyzeText(ctx, markup, url, s.steps)
	s.reasoning = append(s.reasoning, string(s.analysis.Action)+": "+s.analysis.Reasoning)

	switch s.analysis.Action {
	case ai.ActionSuccess:
		return stateVerifying
	case ai.ActionNeedsManual:
		key := s.captureScreenshot(ctx)
		s.steps = append(s.steps, "Manual intervention required: "+s.analysis.Reasoning)
		s.outcome = Outcome{
			Status:        StatusNeedsManual,
			Message:       s.analysis.Reasoning,
			URL:           url,
			Steps:         s.steps,
			AIReasoning:   s.reasoning,
			ScreenshotKey: key,
		}
		return stateDone
	case ai.ActionError:
		s.steps = append(s.steps, "AI error: "+s.analysis.Reasoning)
		s.outcome = Outcome{
			Status:      StatusFailure,
			Message:     s.analysis.Reasoning,
			URL:         url,
			Steps:       s.steps,
			AIReasoning: s.reasoning,
			Error:       s.analysis.Reasoning,
		}
		return stateDone
	default:
		return stateActing
	}
}

func (s *session) act(ctx context.Context) machineState {
	stepCtx, cancel := context.WithTimeout(ctx, s.pool.stepTimeout)
	defer cancel()

	var err error
	switch s.analysis.Action {
	case ai.ActionClick, ai.ActionSubmit:
		err = s.click(stepCtx)
	case ai.ActionFill:
		err = s.fill(stepCtx)
	default:
		err = fmt.Errorf("analyzer returned unknown action %q", s.analysis.Action)
	}
	if err != nil {
		s.fail(ctx, "automation step failed", err)
		return stateDone
	}

	// Let the page settle before re-analyzing. A submit usually triggers
	// navigation, so it gets a longer fixed delay; the browser interface
	// deliberately has no network-idle signal, and the next analyze pass
	// reads whatever state the page reached.
	settle := s.pool.stepDelay
	if s.analysis.Action == ai.ActionSubmit {
		settle *= 3
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}
	return stateAnalyzing
}

func (s *session) click(ctx context.Context) error {
	if s.analysis.Selector == "" {
		return fmt.Errorf("analyzer provided %s action but no selector", s.analysis.Action)
	}

	label := "Click"
	if s.analysis.Action == ai.ActionSubmit {
		label = "Submit"
	}

	if err := s.browser.Click(ctx, s.analysis.Selector); err != nil {
		// Exact selector failed; fall back to a text-based search using
		// whatever the analyzer quoted in its reasoning.
		text := quotedText(s.analysis.Reasoning)
		if text == "" {
			return fmt.Errorf("failed to click element %q: %w", s.analysis.Selector, err)
		}
		if err := s.browser.ClickByText(ctx, text); err != nil {
			return fmt.Errorf("failed to click element %q: %w", s.analysis.Selector, err)
		}
		s.steps = append(s.steps, label+" (fuzzy): "+s.analysis.Selector)
		return nil
	}

	s.steps = append(s.steps, label+": "+s.analysis.Selector)
	return nil
}

func (s *session) fill(ctx context.Context) error {
	if s.analysis.Selector == "" || s.analysis.Value == "" {
		return fmt.Errorf("analyzer provided fill action but missing selector or value")
	}

	value := s.analysis.Value
	if value == ai.EmailSentinel {
		value = s.emailAddress
	}

	if err := s.browser.Fill(ctx, s.analysis.Selector, value); err != nil {
		return fmt.Errorf("failed to fill %q: %w", s.analysis.Selector, err)
	}
	s.steps = append(s.steps, "Fill: "+s.analysis.Selector)
	return nil
}

func (s *session) verify(ctx context.Context) machineState {
	url := s.currentURL(ctx)

	stepCtx, cancel := context.WithTimeout(ctx, s.pool.stepTimeout)
	shot, err := s.browser.Screenshot(stepCtx)
	cancel()
	if err != nil {
		s.fail(ctx, "failed to capture verification screenshot", err)
		return stateDone
	}

	verification := s.pool.analyzer.VerifyScreenshot(ctx, shot, url, "Verify unsubscribe completion")
	key := s.saveScreenshot(ctx, shot)

	if verification.IsSuccess && verification.Confidence > successConfidenceFloor {
		s.steps = append(s.steps, "Unsubscribe confirmed successful")
		s.reasoning = append(s.reasoning, "Visual verification: "+verification.Reasoning)
		s.outcome = Outcome{
			Status:        StatusSuccess,
			Message:       fmt.Sprintf("Successfully unsubscribed using AI automation (%d steps)", len(s.steps)),
			URL:           url,
			Steps:         s.steps,
			AIReasoning:   s.reasoning,
			ScreenshotKey: key,
		}
		return stateDone
	}

	s.steps = append(s.steps, fmt.Sprintf("AI detected success but low confidence (%.2f)", verification.Confidence))
	s.outcome = Outcome{
		Status:        StatusNeedsManual,
		Message:       fmt.Sprintf("Automation completed but needs manual verification. AI confidence: %d%%", int(verification.Confidence*100)),
		URL:           url,
		Steps:         s.steps,
		AIReasoning:   s.reasoning,
		ScreenshotKey: key,
	}
	return stateDone
}

// fail records a failure outcome, capturing a best-effort screenshot first.
func (s *session) fail(ctx context.Context, message string, err error) {
	log.Printf("[Automation] Job %s: %s: %v", s.jobID, message, err)
	key := s.captureScreenshot(ctx)
	s.outcome = Outcome{
		Status:        StatusFailure,
		Message:       fmt.Sprintf("Automation failed: %s", message),
		URL:           s.currentURL(ctx),
		Steps:         s.steps,
		AIReasoning:   s.reasoning,
		ScreenshotKey: key,
		Error:         err.Error(),
	}
}

func (s *session) captureScreenshot(ctx context.Context) string {
	stepCtx, cancel := context.WithTimeout(ctx, s.pool.stepTimeout)
	defer cancel()
	shot, err := s.browser.Screenshot(stepCtx)
	if err != nil {
		log.Printf("[Automation] Job %s: screenshot capture failed: %v", s.jobID, err)
		return ""
	}
	return s.saveScreenshot(ctx, shot)
}

func (s *session) saveScreenshot(ctx context.Context, png []byte) string {
	if s.pool.artifacts == nil || len(png) == 0 {
		return ""
	}
	key, err := s.pool.artifacts.SavePNG(ctx, s.jobID, png)
	if err != nil {
		log.Printf("[Automation] Job %s: screenshot save failed: %v", s.jobID, err)
		return ""
	}
	return key
}

func (s *session) currentURL(ctx context.Context) string {
	stepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url, err := s.browser.CurrentURL(stepCtx)
	if err != nil {
		return s.url
	}
	return url
}

// quotedText extracts the first quoted fragment from analyzer reasoning,
// e.g. `the "Unsubscribe" button` -> `Unsubscribe`.
func quotedText(reasoning string) string {
	for _, q := range []string{`"`, `'`} {
		start := strings.Index(reasoning, q)
		if start < 0 {
			continue
		}
		end := strings.Index(reasoning[start+1:], q)
		if end > 0 {
			return reasoning[start+1 : start+1+end]
		}
	}
	return ""
}
