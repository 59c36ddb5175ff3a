// Package proxy provides outbound proxy rotation for the cheap fetch
// tiers: a round-robin rotator with per-proxy failure cooldown, exposed as
// an http.RoundTripper so the HTTP fetcher needs no proxy awareness.
package proxy

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Options configures a Rotator.
type Options struct {
	// URLs are the proxy endpoints (http, https or socks5 schemes).
	URLs []string

	// FailureThreshold marks a proxy unhealthy after this many
	// consecutive failures.
	FailureThreshold int

	// Cooldown is how long an unhealthy proxy sits out before it is
	// retried.
	Cooldown time.Duration
}

type endpoint struct {
	url *url.URL

	mu          sync.Mutex
	failures    int
	unhealthyAt time.Time
}

// Rotator hands out proxy endpoints round-robin, skipping endpoints in
// cooldown. When every endpoint is cooling down the least recently failed
// one is used anyway; a crawl with only bad proxies should surface fetch
// errors, not deadlock.
type Rotator struct {
	endpoints []*endpoint
	threshold int
	cooldown  time.Duration

	mu   sync.Mutex
	next int
}

// NewRotator parses and validates the proxy URLs.
func NewRotator(opts Options) (*Rotator, error) {
	if len(opts.URLs) == 0 {
		return nil, fmt.Errorf("at least one proxy URL is required")
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}

	endpoints := make([]*endpoint, 0, len(opts.URLs))
	for _, raw := range opts.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q in %q", u.Scheme, raw)
		}
		endpoints = append(endpoints, &endpoint{url: u})
	}

	return &Rotator{
		endpoints: endpoints,
		threshold: opts.FailureThreshold,
		cooldown:  opts.Cooldown,
	}, nil
}

// Next returns the next healthy proxy URL.
func (r *Rotator) Next() *url.URL {
	return r.pick(time.Now())
}

func (r *Rotator) pick(now time.Time) *url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fallback *endpoint
	for range r.endpoints {
		ep := r.endpoints[r.next]
		r.next = (r.next + 1) % len(r.endpoints)

		if ep.healthy(now, r.cooldown) {
			return ep.url
		}
		if fallback == nil || ep.oldestFailure().Before(fallback.oldestFailure()) {
			fallback = ep
		}
	}
	return fallback.url
}

// ReportSuccess clears the failure run for the endpoint serving u.
func (r *Rotator) ReportSuccess(u *url.URL) {
	if ep := r.find(u); ep != nil {
		ep.mu.Lock()
		ep.failures = 0
		ep.unhealthyAt = time.Time{}
		ep.mu.Unlock()
	}
}

// ReportFailure counts one failure; crossing the threshold starts the
// cooldown.
func (r *Rotator) ReportFailure(u *url.URL) {
	ep := r.find(u)
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.failures++
	if ep.failures >= r.threshold && ep.unhealthyAt.IsZero() {
		ep.unhealthyAt = time.Now()
	}
}

// Healthy returns how many endpoints are currently in rotation.
func (r *Rotator) Healthy() int {
	now := time.Now()
	count := 0
	for _, ep := range r.endpoints {
		if ep.healthy(now, r.cooldown) {
			count++
		}
	}
	return count
}

func (r *Rotator) find(u *url.URL) *endpoint {
	for _, ep := range r.endpoints {
		if ep.url == u {
			return ep
		}
	}
	return nil
}

func (ep *endpoint) healthy(now time.Time, cooldown time.Duration) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.unhealthyAt.IsZero() {
		return true
	}
	if now.Sub(ep.unhealthyAt) >= cooldown {
		// Cooldown elapsed: give the endpoint another run.
		ep.failures = 0
		ep.unhealthyAt = time.Time{}
		return true
	}
	return false
}

func (ep *endpoint) oldestFailure() time.Time {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.unhealthyAt
}
