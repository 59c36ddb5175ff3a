package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/shelfwatch/shelfwatch/internal/fetch"
	"github.com/shelfwatch/shelfwatch/internal/logging"
)

// challengeMarkers are substrings whose presence in a rendered document
// indicates an interposed anti-bot challenge rather than page content.
// Solving the challenge is the fetch collaborator's job, not ours; we only
// classify the result so the escalator can react.
var challengeMarkers = []string{
	"cf-challenge",
	"cf-turnstile",
	"g-recaptcha",
	"h-captcha",
	"press & hold",
	"are you a human",
	"verify you are human",
	"access denied",
}

// RenderFetcher implements fetch.Fetcher over a bounded pool of Chrome
// instances. It serves both the browser-render and visual-fallback tiers;
// the latter additionally captures top/middle/bottom viewport screenshots
// in page order.
type RenderFetcher struct {
	config *Config
	logger logging.Logger

	// slots bounds concurrent instances; each fetch creates a fresh
	// browser context so page state never leaks between retailers.
	slots chan struct{}

	allocCtx    context.Context
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

// NewRenderFetcher creates the fetcher and its Chrome allocator.
func NewRenderFetcher(config *Config, logger logging.Logger) *RenderFetcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 3
	}
	if logger == nil {
		logger = logging.NewComponentLogger("browser")
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
	}
	if config.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &RenderFetcher{
		config:      config,
		logger:      logger,
		slots:       make(chan struct{}, config.PoolSize),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

// Fetch implements fetch.Fetcher.
func (rf *RenderFetcher) Fetch(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error) {
	select {
	case rf.slots <- struct{}{}:
		defer func() { <-rf.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	browserCtx, cancel := chromedp.NewContext(rf.allocCtx)
	defer cancel()

	runCtx := browserCtx
	if rf.config.NavigationTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(browserCtx, rf.config.NavigationTimeout)
		defer timeoutCancel()
	}

	// Tie the browser run to the page context so a page-level timeout
	// aborts the render without touching sibling pages.
	stop := propagateCancel(ctx, cancel)
	defer stop()

	var html string
	tasks := []chromedp.Action{
		chromedp.EmulateViewport(int64(rf.config.ViewportWidth), int64(rf.config.ViewportHeight)),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	}
	if rf.config.SettleDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(rf.config.SettleDelay))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html))

	if err := chromedp.Run(runCtx, tasks...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("render of %s failed: %w", url, err)
	}

	result := &fetch.Result{Document: html, Status: fetch.StatusOK, HTTPStatus: 200}

	if isChallengeDocument(html) {
		result.Status = fetch.StatusBlocked
		return result, nil
	}

	if opts.WantScreenshots {
		shots, err := rf.captureViewports(runCtx)
		if err != nil {
			// Screenshots are best-effort for the render tier; the visual
			// tier without them fails the escalator's sanity check later.
			rf.logger.Warnf("screenshot capture for %s failed: %v", url, err)
		}
		result.Screenshots = shots
	}

	return result, nil
}

// captureViewports scrolls through the page and captures the top, middle
// and bottom viewports, preserving page order.
func (rf *RenderFetcher) captureViewports(ctx context.Context) ([][]byte, error) {
	positions := []string{
		"window.scrollTo(0, 0)",
		"window.scrollTo(0, Math.max(0, (document.body.scrollHeight - window.innerHeight) / 2))",
		"window.scrollTo(0, document.body.scrollHeight)",
	}

	shots := make([][]byte, 0, len(positions))
	for _, scroll := range positions {
		var buf []byte
		err := chromedp.Run(ctx,
			chromedp.Evaluate(scroll, nil),
			chromedp.Sleep(250*time.Millisecond),
			chromedp.CaptureScreenshot(&buf),
		)
		if err != nil {
			return shots, err
		}
		shots = append(shots, buf)
	}
	return shots, nil
}

// Close shuts down the Chrome allocator.
func (rf *RenderFetcher) Close() error {
	rf.closeOnce.Do(rf.allocCancel)
	return nil
}

// isChallengeDocument reports whether the rendered document is an anti-bot
// interstitial.
func isChallengeDocument(html string) bool {
	if html == "" {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// propagateCancel cancels the browser context when the caller context is
// done, and returns a stop function for the watcher goroutine.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
