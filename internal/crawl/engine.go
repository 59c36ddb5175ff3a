// Package crawl orchestrates catalog page processing end to end: tiered
// acquisition, structural and visual extraction, hybrid merge, change
// routing, and persistence. One page's failure never aborts its batch.
package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/change"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/errors"
	"github.com/shelfwatch/shelfwatch/internal/extract"
	"github.com/shelfwatch/shelfwatch/internal/fetch"
	"github.com/shelfwatch/shelfwatch/internal/logging"
	"github.com/shelfwatch/shelfwatch/internal/merge"
	"github.com/shelfwatch/shelfwatch/internal/monitoring"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
	"github.com/shelfwatch/shelfwatch/internal/storage"
)

// Publisher receives completed page outcomes. Downstream consumers plug
// in here without the engine knowing what they do.
type Publisher interface {
	Publish(ctx context.Context, outcome *catalog.CrawlOutcome) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, outcome *catalog.CrawlOutcome) error

func (f PublisherFunc) Publish(ctx context.Context, outcome *catalog.CrawlOutcome) error {
	return f(ctx, outcome)
}

// PageRequest names one catalog page to process.
type PageRequest struct {
	Retailer string
	Category string
	URL      string
	CrawlID  string
}

// Dependencies are the engine's injected collaborators.
type Dependencies struct {
	// Fetchers maps tier to its fetcher implementation.
	Fetchers map[catalog.ExtractionTier]fetch.Fetcher

	// Screenshotter captures page screenshots when the visual channel
	// triggers on a page fetched by a lower tier. Optional.
	Screenshotter fetch.Fetcher

	// Inference is the multimodal model client for visual extraction.
	// Optional; without it the visual channel never runs.
	Inference extract.InferenceClient

	// Store persists items, change records, and selector weights.
	Store storage.Store

	// Publisher receives outcomes. Optional.
	Publisher Publisher

	// ImageLoader fetches images for perceptual-hash tie-breaking.
	// Optional.
	ImageLoader change.ImageLoader

	Metrics *monitoring.Metrics
	Logger  logging.Logger
}

// Engine processes catalog pages for every configured retailer.
type Engine struct {
	cfg  *config.Config
	deps Dependencies

	breaker    *fetch.QuotaBreaker
	escalators map[string]*fetch.TierEscalator
	patterns   *patterns.Store
	learner    *patterns.Learner
	structural *extract.StructuralExtractor
	visual     *extract.VisualExtractor
	merger     *merge.Merger
	logger     logging.Logger

	closeOnce sync.Once
}

// New builds an engine from configuration and collaborators.
func New(cfg *config.Config, deps Dependencies) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "nil configuration").Build()
	}
	if deps.Store == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "storage is required").Build()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewComponentLogger("crawl-engine")
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics()
	}

	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		breaker:  fetch.NewQuotaBreaker(cfg.Visual.QuotaTripCount),
		patterns: patterns.NewStore(cfg.Patterns.DecayAlpha),
		logger:   deps.Logger,
	}

	e.escalators = make(map[string]*fetch.TierEscalator, len(cfg.Retailers))
	for name, rc := range cfg.Retailers {
		opts := fetch.EscalatorOptions{
			Tiers:             rc.Tiers,
			RetriesPerTier:    cfg.Escalator.RetriesPerTier,
			RetryBaseDelay:    cfg.Escalator.RetryBaseDelay,
			MinCandidateLinks: cfg.Escalator.MinCandidateLinks,
			MinDocumentBytes:  cfg.Escalator.MinDocumentBytes,
			RequestsPerSecond: rc.RequestsPerSecond,
			Burst:             rc.Burst,
		}
		e.escalators[name] = fetch.NewTierEscalator(deps.Fetchers, opts, e.breaker,
			deps.Logger.WithField("retailer", name))
	}

	e.learner = patterns.NewLearner(e.patterns, patterns.LearnerOptions{
		QueueSize:        cfg.Patterns.QueueSize,
		PruneFloor:       cfg.Patterns.PruneFloor,
		PruneMinAttempts: cfg.Patterns.PruneMinAttempts,
		RetentionHorizon: cfg.Patterns.RetentionHorizon,
	}, deps.Logger)

	e.structural = extract.NewStructuralExtractor(e.patterns, extract.StructuralOptions{
		MaxTitleLength:    cfg.Visual.MaxTitleLength,
		MaxPlausiblePrice: cfg.Visual.MaxPlausiblePrice,
	}, deps.Logger)

	if deps.Inference != nil {
		e.visual = extract.NewVisualExtractor(deps.Inference, extract.VisualOptions{
			MaxTitleLength:    cfg.Visual.MaxTitleLength,
			MaxPlausiblePrice: cfg.Visual.MaxPlausiblePrice,
		}, deps.Logger)
	}

	e.merger = merge.NewMerger(merge.Options{
		PriceTolerance:       cfg.Merge.PriceTolerance,
		TitleSimilarityFloor: cfg.Merge.TitleSimilarityFloor,
		JoinSimilarityFloor:  cfg.Merge.JoinSimilarityFloor,
		MaxTitleLength:       cfg.Visual.MaxTitleLength,
		MaxPlausiblePrice:    cfg.Visual.MaxPlausiblePrice,
	})

	return e, nil
}

// Start restores learned selector weights, seeds configured selectors,
// and starts the learner.
func (e *Engine) Start(ctx context.Context) error {
	restored, err := e.deps.Store.LoadSelectorWeights(ctx)
	if err != nil {
		return errors.Newf(errors.CodePersistenceFailure, "restore selector weights: %v", err).Cause(err).Build()
	}
	for _, c := range restored {
		e.patterns.Restore(c)
	}

	for retailer, rc := range e.cfg.Retailers {
		for field, selectors := range rc.SelectorSeeds {
			for _, sel := range selectors {
				e.patterns.Seed(retailer, field, sel)
			}
		}
	}

	e.learner.Start()
	e.logger.Infof("engine started: %d retailers, %d restored selectors",
		len(e.cfg.Retailers), len(restored))
	return nil
}

// Close flushes the learner and persists the selector weight snapshot.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.learner.Stop()
		snapshot := e.patterns.Snapshot()
		for _, c := range snapshot {
			e.deps.Metrics.SetSelectorWeight(c.Retailer, c.Field, c.Selector, c.Weight)
		}
		if serr := e.deps.Store.SaveSelectorWeights(ctx, snapshot); serr != nil {
			err = errors.Newf(errors.CodePersistenceFailure, "save selector weights: %v", serr).Cause(serr).Build()
		}
	})
	return err
}

// Run processes every request with per-retailer worker pools, so one
// slow or failing retailer never starves another. It returns all
// outcomes in no particular order.
func (e *Engine) Run(ctx context.Context, requests []PageRequest) []*catalog.CrawlOutcome {
	crawlID := newCrawlID()
	byRetailer := make(map[string][]PageRequest)
	for _, req := range requests {
		if req.CrawlID == "" {
			req.CrawlID = crawlID
		}
		byRetailer[req.Retailer] = append(byRetailer[req.Retailer], req)
	}

	var (
		mu       sync.Mutex
		outcomes []*catalog.CrawlOutcome
		wg       sync.WaitGroup
	)

	for retailer, pages := range byRetailer {
		rc, ok := e.cfg.Retailers[retailer]
		if !ok {
			for _, req := range pages {
				outcome := e.unknownRetailerOutcome(req)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
			continue
		}

		workers := rc.Workers
		if workers <= 0 {
			workers = 1
		}
		queue := make(chan PageRequest)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for req := range queue {
					outcome := e.ProcessPage(ctx, req)
					mu.Lock()
					outcomes = append(outcomes, outcome)
					mu.Unlock()
				}
			}()
		}

		wg.Add(1)
		go func(pages []PageRequest) {
			defer wg.Done()
			defer close(queue)
			for _, req := range pages {
				select {
				case queue <- req:
				case <-ctx.Done():
					return
				}
			}
		}(pages)
	}

	wg.Wait()
	return outcomes
}

// ProcessPage runs the full pipeline for one catalog page. It always
// returns an outcome; page-level problems surface as classified
// failures inside it.
func (e *Engine) ProcessPage(ctx context.Context, req PageRequest) *catalog.CrawlOutcome {
	started := time.Now()
	outcome := &catalog.CrawlOutcome{
		Retailer:  req.Retailer,
		Category:  req.Category,
		URL:       req.URL,
		CrawlID:   req.CrawlID,
		StartedAt: started,
	}
	defer func() { outcome.Duration = time.Since(started) }()

	e.deps.Metrics.PageStarted()
	defer e.deps.Metrics.PageFinished()

	rc, ok := e.cfg.Retailers[req.Retailer]
	if !ok {
		e.addFailure(outcome, "config", fmt.Sprintf("unknown retailer %q", req.Retailer), catalog.CertaintyKnownError)
		return outcome
	}

	if rc.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.PageTimeout)
		defer cancel()
	}

	log := e.logger.WithFields(map[string]interface{}{
		"retailer": req.Retailer,
		"url":      req.URL,
	})

	// Acquisition.
	result, tier, attempts, err := e.escalators[req.Retailer].Escalate(ctx, req.Retailer, req.URL, fetch.KindCategory)
	e.recordAttempts(req.Retailer, attempts)
	if err != nil {
		e.deps.Metrics.RecordTierExhausted(req.Retailer)
		e.addFailure(outcome, "fetch", err.Error(), catalog.FailureCertainty(errors.CertaintyOf(err)))
		e.publish(ctx, outcome)
		return outcome
	}
	outcome.TierUsed = tier

	// Structural channel.
	var structCandidates []extract.Candidate
	structuralCoverage := 0.0
	if result.Document != "" {
		structRes, serr := e.structural.Extract(ctx, result.Document, req.Retailer, req.URL)
		if serr != nil {
			e.addFailure(outcome, "extract", serr.Error(), catalog.FailureCertainty(errors.CertaintyOf(serr)))
			e.publish(ctx, outcome)
			return outcome
		}
		structCandidates = structRes.Candidates
		structuralCoverage = structRes.Coverage
		e.learner.ReportAll(structRes.Outcomes)
		e.deps.Metrics.RecordItems(req.Retailer, "structural", len(structCandidates))
	}

	// Visual channel, when warranted and affordable.
	visualCandidates, visualUsed := e.runVisualChannel(ctx, req, result, structuralCoverage, outcome, log)

	// Reconciliation.
	merged := e.merger.Merge(req.Retailer, structCandidates, visualCandidates)
	for i := range merged.Items {
		merged.Items[i].ExtractionTier = itemTier(tier, visualUsed)
		e.deps.Metrics.RecordCoverage(req.Retailer, merged.Items[i].ValidationCoverage)
	}
	for _, m := range merged.Mismatches {
		e.deps.Metrics.RecordMismatch(req.Retailer, m.Field)
	}
	e.learner.ReportAll(merged.MismatchOutcomes)
	outcome.Items = merged.Items
	outcome.Mismatches = merged.Mismatches

	// Change detection.
	existing, lerr := e.deps.Store.LookupExisting(ctx, req.Retailer, req.Category)
	if lerr != nil {
		e.addFailure(outcome, "route", lerr.Error(), catalog.CertaintyUncertain)
	} else {
		candidates := make([]change.Existing, len(existing))
		for i, s := range existing {
			candidates[i] = change.Existing{ID: s.ID, Item: s.Item}
		}
		router := change.NewRouter(e.cfg.BandsFor(req.Retailer), e.deps.ImageLoader)
		outcome.ChangeRecords = router.RouteAll(req.CrawlID, outcome.Items, candidates)
		for _, rec := range outcome.ChangeRecords {
			e.deps.Metrics.RecordDecision(req.Retailer, string(rec.Decision))
		}
	}

	// Persistence.
	if err := e.deps.Store.SaveItems(ctx, req.Retailer, req.Category, outcome.Items); err != nil {
		e.addFailure(outcome, "persist", err.Error(), catalog.CertaintyKnownError)
	} else if err := e.deps.Store.AppendChangeRecords(ctx, outcome.ChangeRecords); err != nil {
		e.addFailure(outcome, "persist", err.Error(), catalog.CertaintyKnownError)
	}

	e.deps.Metrics.SetLearnerQueueDepth(e.learner.QueueDepth())
	e.deps.Metrics.SetLearnerDropped(uint64(e.learner.Dropped()))

	log.WithFields(map[string]interface{}{
		"items":    len(outcome.Items),
		"tier":     string(tier),
		"failures": len(outcome.Failures),
	}).Info("page processed")

	e.publish(ctx, outcome)
	return outcome
}

// runVisualChannel decides whether the page needs visual validation and
// runs it if the quota breaker allows. It never fails the page: quota
// and inference problems degrade to a structural-only result with a
// recorded failure.
func (e *Engine) runVisualChannel(ctx context.Context, req PageRequest, result *fetch.Result, coverage float64, outcome *catalog.CrawlOutcome, log logging.Logger) ([]extract.Candidate, bool) {
	if e.visual == nil {
		return nil, false
	}

	needed := !e.patterns.HasHighConfidenceSet(req.Retailer, catalog.MergeableFields(), e.cfg.Patterns.HighConfidenceWeight) ||
		coverage < e.cfg.Visual.CoverageThreshold
	if !needed {
		return nil, false
	}

	if !e.breaker.Allow(req.Retailer) {
		e.addFailure(outcome, "visual",
			"visual channel disabled: inference quota breaker open", catalog.CertaintyKnownError)
		return nil, false
	}

	screenshots := result.Screenshots
	if len(screenshots) == 0 && e.deps.Screenshotter != nil {
		shot, err := e.deps.Screenshotter.Fetch(ctx, req.URL, fetch.Options{
			Retailer:        req.Retailer,
			Tier:            catalog.TierVisualFallback,
			WantScreenshots: true,
		})
		if err != nil {
			e.addFailure(outcome, "visual", fmt.Sprintf("screenshot capture: %v", err), catalog.CertaintyUncertain)
			return nil, false
		}
		screenshots = shot.Screenshots
	}
	if len(screenshots) == 0 {
		log.Debug("visual channel skipped: no screenshots available")
		return nil, false
	}

	candidates, err := e.visual.Extract(ctx, screenshots, req.URL)
	if err != nil {
		if errors.IsCode(err, errors.CodeQuotaExhausted) {
			e.deps.Metrics.RecordInference(req.Retailer, "quota_exhausted")
			if e.breaker.RecordQuotaError(req.Retailer) {
				e.deps.Metrics.RecordQuotaTrip(req.Retailer)
				log.Warn("inference quota breaker tripped; visual tier disabled for remainder of run")
			}
			e.addFailure(outcome, "visual",
				"visual extraction skipped: inference quota exhausted", catalog.CertaintyKnownError)
			return nil, false
		}
		e.deps.Metrics.RecordInference(req.Retailer, "error")
		e.addFailure(outcome, "visual", err.Error(), catalog.FailureCertainty(errors.CertaintyOf(err)))
		return nil, false
	}

	e.breaker.RecordSuccess(req.Retailer)
	e.deps.Metrics.RecordInference(req.Retailer, "ok")
	e.deps.Metrics.RecordItems(req.Retailer, "visual", len(candidates))
	return candidates, true
}

func (e *Engine) recordAttempts(retailer string, attempts []fetch.TierAttempt) {
	var prevTier catalog.ExtractionTier
	for _, a := range attempts {
		status := "rejected"
		if a.Accepted {
			status = "accepted"
		}
		e.deps.Metrics.RecordFetch(retailer, string(a.Tier), status, a.Duration.Seconds())
		if prevTier != "" && a.Tier != prevTier {
			e.deps.Metrics.RecordEscalation(retailer, string(prevTier))
		}
		prevTier = a.Tier
	}
}

func (e *Engine) addFailure(outcome *catalog.CrawlOutcome, stage, reason string, certainty catalog.FailureCertainty) {
	outcome.Failures = append(outcome.Failures, catalog.PageFailure{
		Retailer:  outcome.Retailer,
		Category:  outcome.Category,
		URL:       outcome.URL,
		Stage:     stage,
		Reason:    reason,
		Certainty: certainty,
	})
	e.deps.Metrics.RecordPageError(outcome.Retailer, stage, string(certainty))
}

func (e *Engine) publish(ctx context.Context, outcome *catalog.CrawlOutcome) {
	if e.deps.Publisher == nil {
		return
	}
	if err := e.deps.Publisher.Publish(ctx, outcome); err != nil {
		e.logger.Warnf("publish outcome for %s: %v", outcome.URL, err)
	}
}

func (e *Engine) unknownRetailerOutcome(req PageRequest) *catalog.CrawlOutcome {
	outcome := &catalog.CrawlOutcome{
		Retailer:  req.Retailer,
		Category:  req.Category,
		URL:       req.URL,
		CrawlID:   req.CrawlID,
		StartedAt: time.Now(),
	}
	e.addFailure(outcome, "config", fmt.Sprintf("unknown retailer %q", req.Retailer), catalog.CertaintyKnownError)
	return outcome
}

// itemTier marks what produced the item's final values: the visual
// fallback when the second channel participated, structural-only
// otherwise.
func itemTier(fetchTier catalog.ExtractionTier, visualUsed bool) catalog.ExtractionTier {
	if visualUsed {
		return catalog.TierVisualFallback
	}
	if fetchTier == catalog.TierBrowserRender {
		return fetchTier
	}
	return catalog.TierStructuralOnly
}

func newCrawlID() string {
	return "crawl-" + time.Now().UTC().Format("20060102T150405.000Z0700")
}
