package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/errors"
	"github.com/shelfwatch/shelfwatch/internal/logging"
)

// PageKind distinguishes category listings from product detail pages for
// the sanity check: only category pages have a candidate-link floor.
type PageKind int

const (
	KindCategory PageKind = iota
	KindProduct
)

// TierAttempt records one attempt inside an escalation, for metrics and
// for the tier-exhaustion reason surfaced upward.
type TierAttempt struct {
	Tier     catalog.ExtractionTier `json:"tier"`
	Attempt  int                    `json:"attempt"`
	Accepted bool                   `json:"accepted"`
	Reason   string                 `json:"reason,omitempty"`

	// Duration is the wall time of the fetch call itself, excluding
	// rate-limiter waits and retry backoff.
	Duration time.Duration `json:"duration"`
}

// EscalatorOptions configures a TierEscalator.
type EscalatorOptions struct {
	// Tiers is the escalation chain in ascending cost order.
	Tiers []catalog.ExtractionTier

	// RetriesPerTier bounds same-tier retries before escalating.
	RetriesPerTier int

	// RetryBaseDelay is the initial backoff delay, doubled per retry.
	RetryBaseDelay time.Duration

	// MinCandidateLinks is the category-page sanity floor.
	MinCandidateLinks int

	// MinDocumentBytes rejects truncated documents.
	MinDocumentBytes int

	// RequestsPerSecond and Burst pace attempts per retailer.
	RequestsPerSecond float64
	Burst             int
}

// TierEscalator attempts acquisition tiers in ascending cost order,
// escalating on rejection. Success at any tier short-circuits the rest:
// cost is the primary objective, correctness is enforced by the sanity
// check.
type TierEscalator struct {
	fetchers map[catalog.ExtractionTier]Fetcher
	opts     EscalatorOptions
	breaker  *QuotaBreaker
	logger   logging.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewTierEscalator creates an escalator over per-tier fetchers. The
// breaker guards the visual-fallback tier; a nil breaker disables quota
// tripping.
func NewTierEscalator(fetchers map[catalog.ExtractionTier]Fetcher, opts EscalatorOptions, breaker *QuotaBreaker, logger logging.Logger) *TierEscalator {
	if len(opts.Tiers) == 0 {
		opts.Tiers = catalog.OrderedTiers()
	}
	if opts.RetriesPerTier < 0 {
		opts.RetriesPerTier = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if logger == nil {
		logger = logging.NewComponentLogger("escalator")
	}
	return &TierEscalator{
		fetchers: fetchers,
		opts:     opts,
		breaker:  breaker,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Escalate fetches the page through the cheapest accepting tier. It
// returns the accepted result, the tier that satisfied the request, and
// the full attempt log. Exhausting all tiers yields a hard failure with
// the exhaustion reason attached.
func (e *TierEscalator) Escalate(ctx context.Context, retailer, url string, kind PageKind) (*Result, catalog.ExtractionTier, []TierAttempt, error) {
	var attempts []TierAttempt

	for _, tier := range e.opts.Tiers {
		fetcher, ok := e.fetchers[tier]
		if !ok {
			continue
		}

		if tier == catalog.TierVisualFallback && e.breaker != nil && !e.breaker.Allow(retailer) {
			attempts = append(attempts, TierAttempt{Tier: tier, Attempt: 0, Reason: "visual tier disabled: quota breaker tripped"})
			continue
		}

		result, tierAttempts, err := e.attemptTier(ctx, fetcher, tier, retailer, url, kind)
		attempts = append(attempts, tierAttempts...)
		if err == nil {
			e.logger.WithFields(map[string]interface{}{
				"retailer": retailer, "tier": string(tier), "url": url,
			}).Debug("tier accepted")
			return result, tier, attempts, nil
		}

		if ctx.Err() != nil {
			return nil, "", attempts, errors.New(errors.CodeTierExhausted, "page aborted: "+ctx.Err().Error()).
				Stage("fetch").Identity(url).Cause(ctx.Err()).Build()
		}
	}

	reason := summarizeAttempts(attempts)
	return nil, "", attempts, errors.New(errors.CodeTierExhausted, "tier exhaustion: "+reason).
		Stage("fetch").Identity(url).Build()
}

// attemptTier runs one tier with its bounded retry budget.
func (e *TierEscalator) attemptTier(ctx context.Context, fetcher Fetcher, tier catalog.ExtractionTier, retailer, url string, kind PageKind) (*Result, []TierAttempt, error) {
	var attempts []TierAttempt
	delay := e.opts.RetryBaseDelay

	maxAttempts := 1 + e.opts.RetriesPerTier
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.limiter(retailer).Wait(ctx); err != nil {
			attempts = append(attempts, TierAttempt{Tier: tier, Attempt: attempt, Reason: err.Error()})
			return nil, attempts, err
		}

		fetchStart := time.Now()
		result, err := fetcher.Fetch(ctx, url, Options{
			Retailer:        retailer,
			Tier:            tier,
			WantScreenshots: tier == catalog.TierVisualFallback || tier == catalog.TierBrowserRender,
		})

		record := TierAttempt{Tier: tier, Attempt: attempt, Duration: time.Since(fetchStart)}

		switch {
		case err != nil && errors.IsCode(err, errors.CodeQuotaExhausted):
			// Quota exhaustion escalates immediately; busy-retrying a
			// closed window wastes the attempt budget.
			record.Reason = err.Error()
			attempts = append(attempts, record)
			if e.breaker != nil && e.breaker.RecordQuotaError(retailer) {
				e.logger.Warnf("quota breaker tripped for retailer %s", retailer)
			}
			return nil, attempts, err
		case err != nil:
			record.Reason = err.Error()
			attempts = append(attempts, record)
			if attempt < maxAttempts && errors.IsRetryable(err) {
				if !sleepCtx(ctx, delay) {
					return nil, attempts, ctx.Err()
				}
				delay *= 2
				continue
			}
			return nil, attempts, err
		case result.Status == StatusBlocked:
			// Challenge pages escalate, never same-tier retry: the tier
			// already proved unable to pass.
			record.Reason = "blocked by anti-bot challenge"
			attempts = append(attempts, record)
			return nil, attempts, errors.New(errors.CodeFetchBlocked, "blocked at tier "+string(tier)).
				Stage("fetch").Identity(url).Build()
		case result.Status != StatusOK:
			record.Reason = fmt.Sprintf("fetch failed (http %d)", result.HTTPStatus)
			attempts = append(attempts, record)
			if attempt < maxAttempts {
				if !sleepCtx(ctx, delay) {
					return nil, attempts, ctx.Err()
				}
				delay *= 2
				continue
			}
			return nil, attempts, errors.New(errors.CodeTransient, record.Reason).
				Stage("fetch").Identity(url).Retryable().Build()
		}

		if reason := e.sanityCheck(result, kind); reason != "" {
			record.Reason = reason
			attempts = append(attempts, record)
			return nil, attempts, errors.New(errors.CodeTransient, reason).Stage("fetch").Identity(url).Build()
		}

		record.Accepted = true
		attempts = append(attempts, record)
		if e.breaker != nil && tier == catalog.TierVisualFallback {
			e.breaker.RecordSuccess(retailer)
		}
		return result, attempts, nil
	}

	return nil, attempts, errors.New(errors.CodeTransient, "tier attempts exhausted").Stage("fetch").Identity(url).Build()
}

// sanityCheck is the cheap acceptance test: non-empty document of
// plausible size, and for category pages a minimum candidate-link count.
// Visual-only results (no document, screenshots present) pass on the
// screenshot check alone.
func (e *TierEscalator) sanityCheck(result *Result, kind PageKind) string {
	if result.Document == "" {
		if len(result.Screenshots) > 0 {
			return ""
		}
		return "empty document"
	}
	if len(result.Document) < e.opts.MinDocumentBytes {
		return fmt.Sprintf("document too small (%d bytes)", len(result.Document))
	}
	if kind == KindCategory && e.opts.MinCandidateLinks > 0 {
		n := countCandidateLinks(result.Document)
		if n < e.opts.MinCandidateLinks {
			return fmt.Sprintf("only %d candidate links, need %d", n, e.opts.MinCandidateLinks)
		}
	}
	return ""
}

// countCandidateLinks counts anchors with a non-empty href.
func countCandidateLinks(document string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return 0
	}
	count := 0
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, _ := s.Attr("href"); strings.TrimSpace(href) != "" {
			count++
		}
	})
	return count
}

func (e *TierEscalator) limiter(retailer string) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()

	l, ok := e.limiters[retailer]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.opts.RequestsPerSecond), e.opts.Burst)
		e.limiters[retailer] = l
	}
	return l
}

func summarizeAttempts(attempts []TierAttempt) string {
	if len(attempts) == 0 {
		return "no tiers configured"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s#%d: %s", a.Tier, a.Attempt, a.Reason))
	}
	return strings.Join(parts, "; ")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
