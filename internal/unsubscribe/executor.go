// Package unsubscribe implements the tiered unsubscribe executor. Given an
// email with a known unsubscribe URL, it attempts increasingly expensive
// strategies and returns a normalized result:
//
//	Tier 1: RFC 8058 one-click POST, gated on the List-Unsubscribe-Post header
//	Tier 2: plain HTTP GET with a confirmation-page heuristic on the body
//	Tier 3: AI-driven browser automation, when a runner is configured
//
// Tier 1 never produces a terminal failure; anything short of a 2xx falls
// through to Tier 2 silently.
package unsubscribe

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/ignite/unsub-pilot/internal/automation"
	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/pkg/httpretry"
	"github.com/ignite/unsub-pilot/internal/pkg/logger"
)

const (
	// executorUserAgent makes GET requests look like a normal browser; some
	// ESPs reject obvious bot user agents on unsubscribe endpoints.
	executorUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	oneClickHeader = "List-Unsubscribe-Post"
	oneClickBody   = "List-Unsubscribe=One-Click"

	// previewChars is how much of the response body is kept for diagnostics.
	previewChars = 500

	// maxBodyBytes bounds how much of an unsubscribe page we read.
	maxBodyBytes = 512 * 1024
)

// HeaderSource reads a single header from the original mail message.
// Implemented by the Gmail client; nil means no mail account is linked and
// Tier 1 is skipped.
type HeaderSource interface {
	MessageHeader(ctx context.Context, userID, gmailID, name string) (string, error)
}

// BrowserRunner executes Tier-3 browser automation. Implemented by
// automation.Pool; nil disables Tier 3.
type BrowserRunner interface {
	Run(ctx context.Context, jobID, url, emailAddress string) automation.Outcome
}

// Executor runs the tiered unsubscribe strategy.
type Executor struct {
	headers HeaderSource
	client  httpretry.HTTPDoer
	browser BrowserRunner
}

// NewExecutor creates an executor. If client is nil a plain http.Client is
// used; Tier 1/2 requests are deliberately not retried, since a failed
// unsubscribe attempt escalates rather than repeats.
func NewExecutor(headers HeaderSource, client httpretry.HTTPDoer) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{headers: headers, client: client}
}

// SetBrowserRunner enables Tier-3 escalation.
func (e *Executor) SetBrowserRunner(r BrowserRunner) { e.browser = r }

// Execute attempts to unsubscribe the given email. It never returns nil and
// never returns an error; every failure mode is encoded in the result.
func (e *Executor) Execute(ctx context.Context, job *domain.UnsubscribeJob, email *domain.EmailRecord) *domain.Result {
	if email.UnsubscribeURL == "" {
		return &domain.Result{
			Status:  domain.ResultNoURL,
			Method:  domain.MethodNone,
			Message: "No unsubscribe URL available for this email",
		}
	}

	// Structured entry carries the recipient; the logger redacts it.
	logger.Info("unsubscribe attempt started",
		"job_id", job.ID,
		"email", email.ToAddress,
		"sender", email.FromAddress,
		"subject", email.Subject,
	)

	if strings.HasPrefix(email.UnsubscribeURL, "mailto:") {
		return &domain.Result{
			Status:  domain.ResultNeedsConfirmation,
			Method:  domain.MethodNone,
			Message: "Email-based unsubscribe requires manual action",
			URL:     email.UnsubscribeURL,
		}
	}

	if result := e.tryOneClick(ctx, email); result != nil {
		return result
	}

	result := e.trySimpleGET(ctx, email.UnsubscribeURL)

	// A confirmation page is exactly what browser automation exists for.
	if e.browser != nil && result.Status == domain.ResultNeedsConfirmation {
		log.Printf("[Unsubscribe] Job %s: escalating to browser automation", job.ID)
		return e.runBrowser(ctx, job.ID, email)
	}
	return result
}

// tryOneClick attempts RFC 8058 one-click unsubscribe. Returns nil whenever
// the tier does not apply or fails, so the caller falls through to Tier 2.
func (e *Executor) tryOneClick(ctx context.Context, email *domain.EmailRecord) *domain.Result {
	if e.headers == nil || email.GmailID == "" {
		return nil
	}

	header, err := e.headers.MessageHeader(ctx, email.UserID, email.GmailID, oneClickHeader)
	if err != nil {
		log.Printf("[Unsubscribe] One-click header lookup failed, skipping: %v", err)
		return nil
	}
	if !strings.Contains(header, "One-Click") {
		return nil
	}

	log.Printf("[Unsubscribe] Found %s header, attempting one-click", oneClickHeader)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, email.UnsubscribeURL, strings.NewReader(oneClickBody))
	if err != nil {
		log.Printf("[Unsubscribe] One-click request build failed, skipping: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		log.Printf("[Unsubscribe] One-click request failed, will try simple HTTP: %v", err)
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	log.Printf("[Unsubscribe] One-click response: %d", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	return &domain.Result{
		Status:  domain.ResultSuccess,
		Method:  domain.MethodOneClick,
		Message: "Successfully unsubscribed using one-click method",
		URL:     email.UnsubscribeURL,
		HTTP:    &domain.HTTPDiagnostics{ResponseStatus: resp.StatusCode},
	}
}

// trySimpleGET fetches the unsubscribe URL like a browser would and
// classifies the outcome from the response.
func (e *Executor) trySimpleGET(ctx context.Context, unsubscribeURL string) *domain.Result {
	log.Printf("[Unsubscribe] Attempting simple HTTP GET")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, unsubscribeURL, nil)
	if err != nil {
		return &domain.Result{
			Status:  domain.ResultFailure,
			Method:  domain.MethodSimpleHTTP,
			Message: "Invalid unsubscribe URL",
			URL:     unsubscribeURL,
			Error:   err.Error(),
		}
	}
	req.Header.Set("User-Agent", executorUserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return &domain.Result{
			Status:  domain.ResultFailure,
			Method:  domain.MethodSimpleHTTP,
			Message: "HTTP request failed",
			URL:     unsubscribeURL,
			Error:   err.Error(),
		}
	}
	defer resp.Body.Close()

	finalURL := unsubscribeURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	log.Printf("[Unsubscribe] Simple HTTP response: %d (final URL %s)", resp.StatusCode, finalURL)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &domain.Result{
			Status:  domain.ResultFailure,
			Method:  domain.MethodSimpleHTTP,
			Message: fmt.Sprintf("Failed with HTTP %d", resp.StatusCode),
			URL:     finalURL,
			Error:   http.StatusText(resp.StatusCode),
			HTTP:    &domain.HTTPDiagnostics{ResponseStatus: resp.StatusCode, FinalURL: finalURL},
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &domain.Result{
			Status:  domain.ResultFailure,
			Method:  domain.MethodSimpleHTTP,
			Message: "Failed to read response body",
			URL:     finalURL,
			Error:   err.Error(),
			HTTP:    &domain.HTTPDiagnostics{ResponseStatus: resp.StatusCode, FinalURL: finalURL},
		}
	}
	html := string(body)

	if DetectConfirmationPage(html) {
		log.Printf("[Unsubscribe] Page requires confirmation")
		return &domain.Result{
			Status:  domain.ResultNeedsConfirmation,
			Method:  domain.MethodSimpleHTTP,
			Message: "Unsubscribe page requires manual confirmation",
			URL:     finalURL,
			HTTP:    &domain.HTTPDiagnostics{ResponseStatus: resp.StatusCode, FinalURL: finalURL},
		}
	}

	// No confirmation markers: optimistic success. Most legitimate one-link
	// unsubscribes complete on GET and there is no harder proof available.
	preview := html
	if len(preview) > previewChars {
		preview = preview[:previewChars]
	}
	return &domain.Result{
		Status:  domain.ResultSuccess,
		Method:  domain.MethodSimpleHTTP,
		Message: "Successfully unsubscribed via HTTP GET",
		URL:     finalURL,
		HTTP: &domain.HTTPDiagnostics{
			ResponseStatus:  resp.StatusCode,
			FinalURL:        finalURL,
			ResponsePreview: preview,
		},
	}
}

func (e *Executor) runBrowser(ctx context.Context, jobID string, email *domain.EmailRecord) *domain.Result {
	outcome := e.browser.Run(ctx, jobID, email.UnsubscribeURL, email.ToAddress)

	diag := &domain.BrowserDiagnostics{
		Steps:         outcome.Steps,
		AIReasoning:   outcome.AIReasoning,
		ScreenshotKey: outcome.ScreenshotKey,
	}

	switch outcome.Status {
	case automation.StatusSuccess:
		return &domain.Result{
			Status:  domain.ResultSuccess,
			Method:  domain.MethodBrowser,
			Message: outcome.Message,
			URL:     outcome.URL,
			Browser: diag,
		}
	case automation.StatusNeedsManual:
		return &domain.Result{
			Status:  domain.ResultNeedsConfirmation,
			Method:  domain.MethodBrowser,
			Message: outcome.Message,
			URL:     outcome.URL,
			Browser: diag,
		}
	default:
		return &domain.Result{
			Status:  domain.ResultFailure,
			Method:  domain.MethodBrowser,
			Message: outcome.Message,
			URL:     outcome.URL,
			Error:   outcome.Error,
			Browser: diag,
		}
	}
}

var confirmationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<button[^>]*>.*?(confirm|yes|unsubscribe|proceed).*?</button>`),
	regexp.MustCompile(`(?i)<input[^>]*type=["']submit["'][^>]*value=["'][^"']*confirm[^"']*["']`),
	regexp.MustCompile(`(?i)<input[^>]*value=["'][^"']*confirm[^"']*["'][^>]*type=["']submit["']`),
	regexp.MustCompile(`(?i)click.*?(confirm|button).*?unsubscribe`),
	regexp.MustCompile(`(?i)confirm.*?unsubscri`),
}

var (
	formPresenceRe = regexp.MustCompile(`(?i)<form`)
	unsubTextRe    = regexp.MustCompile(`(?i)unsubscri`)
)

// DetectConfirmationPage reports whether an unsubscribe landing page appears
// to require a further user action: a confirm-style control, or a form on a
// page that talks about unsubscribing.
func DetectConfirmationPage(html string) bool {
	for _, pattern := range confirmationPatterns {
		if pattern.MatchString(html) {
			return true
		}
	}
	return formPresenceRe.MatchString(html) && unsubTextRe.MatchString(html)
}
