package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Browser abstracts the headless browser so the automation state machine can
// be tested with a fake. One Browser instance is scoped to one job execution
// and must be closed on every exit path.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	ClickByText(ctx context.Context, text string) error
	Fill(ctx context.Context, selector, value string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// BrowserFactory creates a fresh isolated browser context per job.
type BrowserFactory func(ctx context.Context) (Browser, error)

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// chromeBrowser is the chromedp-backed Browser used in production.
type chromeBrowser struct {
	taskCtx     context.Context
	cancelTask  context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewChromeBrowser launches a headless Chrome with an isolated profile.
func NewChromeBrowser(ctx context.Context) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.UserAgent(browserUserAgent),
		chromedp.WindowSize(1280, 720),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)

	// Force the browser process to start now so launch failures surface here
	// instead of on the first navigation.
	if err := chromedp.Run(taskCtx); err != nil {
		cancelTask()
		cancelAlloc()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &chromeBrowser{taskCtx: taskCtx, cancelTask: cancelTask, cancelAlloc: cancelAlloc}, nil
}

func (b *chromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.taskCtx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (b *chromeBrowser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (b *chromeBrowser) Content(ctx context.Context) (string, error) {
	var html string
	err := b.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (b *chromeBrowser) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := b.run(ctx, chromedp.Location(&url))
	return url, err
}

func (b *chromeBrowser) Click(ctx context.Context, selector string) error {
	return b.run(ctx,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.Sleep(500*time.Millisecond),
	)
}

// ClickByText clicks the first interactive element whose visible text or
// submit value contains the given text. Fallback for when the analyzer's
// exact selector doesn't resolve.
func (b *chromeBrowser) ClickByText(ctx context.Context, text string) error {
	quoted := strings.ReplaceAll(text, `"`, "")
	xpaths := []string{
		fmt.Sprintf(`//button[contains(., "%s")]`, quoted),
		fmt.Sprintf(`//a[contains(., "%s")]`, quoted),
		fmt.Sprintf(`//input[@type="submit" and contains(@value, "%s")]`, quoted),
		fmt.Sprintf(`//*[@role="button" and contains(., "%s")]`, quoted),
	}

	var lastErr error
	for _, xp := range xpaths {
		err := b.run(ctx,
			chromedp.Click(xp, chromedp.BySearch, chromedp.NodeVisible),
			chromedp.Sleep(500*time.Millisecond),
		)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no element matching text %q: %w", text, lastErr)
}

func (b *chromeBrowser) Fill(ctx context.Context, selector, value string) error {
	return b.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (b *chromeBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := b.run(ctx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (b *chromeBrowser) Close() error {
	b.cancelTask()
	b.cancelAlloc()
	return nil
}
