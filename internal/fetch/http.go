package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPFetcher implements the lightweight proxy-fetch tier: a plain HTTP
// GET with rotating user agents, optionally through a proxy-capable
// transport supplied by the deployment. It never renders JavaScript.
type HTTPFetcher struct {
	client     *http.Client
	userAgents []string
	headers    map[string]string

	mu      sync.Mutex
	uaIndex int
}

// HTTPFetcherOptions configures an HTTPFetcher.
type HTTPFetcherOptions struct {
	// Timeout bounds one request.
	Timeout time.Duration

	// UserAgents are rotated per request.
	UserAgents []string

	// Headers are sent with every request.
	Headers map[string]string

	// Transport overrides the default transport (proxy support).
	Transport http.RoundTripper
}

// NewHTTPFetcher creates the tier-0 fetcher.
func NewHTTPFetcher(opts HTTPFetcherOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		}
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgents: opts.UserAgents,
		headers:    opts.Headers,
	}
}

// Fetch implements Fetcher.
func (hf *HTTPFetcher) Fetch(ctx context.Context, url string, _ Options) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", hf.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for key, value := range hf.headers {
		req.Header.Set(key, value)
	}

	resp, err := hf.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	result := &Result{
		Document:   string(body),
		HTTPStatus: resp.StatusCode,
	}

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		// Typical anti-bot responses; report as blocked so the escalator
		// moves to a heavier tier instead of retrying in place.
		result.Status = StatusBlocked
	case resp.StatusCode >= 400:
		result.Status = StatusFailed
	case isChallengeBody(result.Document):
		result.Status = StatusBlocked
	default:
		result.Status = StatusOK
	}

	return result, nil
}

func (hf *HTTPFetcher) nextUserAgent() string {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	ua := hf.userAgents[hf.uaIndex]
	hf.uaIndex = (hf.uaIndex + 1) % len(hf.userAgents)
	return ua
}

// isChallengeBody detects challenge interstitials served with a 200.
func isChallengeBody(body string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range []string{"cf-challenge", "g-recaptcha", "h-captcha", "verify you are human"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
