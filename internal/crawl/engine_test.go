package crawl

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/errors"
	"github.com/shelfwatch/shelfwatch/internal/extract"
	"github.com/shelfwatch/shelfwatch/internal/fetch"
	"github.com/shelfwatch/shelfwatch/internal/logging"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
	"github.com/shelfwatch/shelfwatch/internal/storage"
)

// memStore is an in-memory storage.Store for engine tests, keyed the way
// the real backends key items: per retailer and category.
type memStore struct {
	mu      sync.Mutex
	items   map[string][]catalog.CatalogItem
	records []catalog.ChangeRecord
	weights []patterns.SelectorCandidate
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string][]catalog.CatalogItem)}
}

func storeKey(retailer, category string) string {
	return retailer + "/" + category
}

func (m *memStore) SaveItems(_ context.Context, retailer, category string, items []catalog.CatalogItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(retailer, category)
	for _, item := range items {
		replaced := false
		for i, existing := range m.items[key] {
			if existing.Identity() == item.Identity() {
				m.items[key][i] = item
				replaced = true
				break
			}
		}
		if !replaced {
			m.items[key] = append(m.items[key], item)
		}
	}
	return nil
}

func (m *memStore) LookupExisting(_ context.Context, retailer, category string) ([]storage.StoredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(retailer, category)
	out := make([]storage.StoredItem, 0, len(m.items[key]))
	for _, item := range m.items[key] {
		out = append(out, storage.StoredItem{ID: item.Identity(), Item: item})
	}
	return out, nil
}

func (m *memStore) AppendChangeRecords(_ context.Context, records []catalog.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memStore) SaveSelectorWeights(_ context.Context, snapshot []patterns.SelectorCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weights = snapshot
	return nil
}

func (m *memStore) LoadSelectorWeights(context.Context) ([]patterns.SelectorCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights, nil
}

func (m *memStore) Close() error { return nil }

const listingHTML = `<html><body>
<div class="product"><a href="/p/alpha">view</a><h2>Alpha Widget</h2><span class="price">$19.99</span></div>
<div class="product"><a href="/p/beta">view</a><h2>Beta Widget</h2><span class="price">$29.99</span></div>
</body></html>`

const visualJSON = `[
{"url":"","item_code":"","title":"Alpha Widget","price":"$19.99","original_price":"","image_urls":[],"stock_status":"","on_sale":false},
{"url":"","item_code":"","title":"Beta Widget","price":"$29.99","original_price":"","image_urls":[],"stock_status":"","on_sale":false}
]`

func testConfig() *config.Config {
	return &config.Config{
		Name:    "test",
		Version: "1",
		Retailers: map[string]config.RetailerConfig{
			"acme": {
				BaseURL:           "https://shop.example",
				Workers:           1,
				RequestsPerSecond: 1000,
				Burst:             100,
				PageTimeout:       5 * time.Second,
				Tiers:             []catalog.ExtractionTier{catalog.TierProxyFetch},
				SelectorSeeds: map[string][]string{
					extract.FieldItemContainer: {"div.product"},
					catalog.FieldTitle:         {"h2"},
					catalog.FieldPrice:         {"span.price"},
					catalog.FieldSourceURL:     {"a@href"},
				},
			},
		},
		Escalator: config.EscalatorConfig{
			RetriesPerTier:    1,
			RetryBaseDelay:    time.Millisecond,
			MinCandidateLinks: 1,
			MinDocumentBytes:  10,
		},
		Visual: config.VisualConfig{
			CoverageThreshold: 0.99,
			QuotaTripCount:    3,
			MaxTitleLength:    250,
			MaxPlausiblePrice: 100000,
		},
		ChangeDetection: config.ChangeDetectionConfig{
			Thresholds: config.ThresholdBands{Low: 0.35, High: 0.82},
		},
		Patterns: config.PatternsConfig{
			DecayAlpha:           0.3,
			QueueSize:            128,
			HighConfidenceWeight: 0.8,
		},
	}
}

func documentFetcher(doc string) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error) {
		return &fetch.Result{Document: doc, Status: fetch.StatusOK, HTTPStatus: 200}, nil
	})
}

func screenshotFetcher() fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error) {
		return &fetch.Result{Status: fetch.StatusOK, Screenshots: [][]byte{{0x1}}}, nil
	})
}

func newTestEngine(t *testing.T, store storage.Store, inference extract.InferenceClient) *Engine {
	t.Helper()
	engine, err := New(testConfig(), Dependencies{
		Fetchers: map[catalog.ExtractionTier]fetch.Fetcher{
			catalog.TierProxyFetch: documentFetcher(listingHTML),
		},
		Screenshotter: screenshotFetcher(),
		Inference:     inference,
		Store:         store,
		Logger:        logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { engine.Close(context.Background()) })
	return engine
}

func TestProcessPageHappyPath(t *testing.T) {
	store := newMemStore()
	inference := extract.InferenceFunc(func(ctx context.Context, prompt string, images [][]byte) (string, error) {
		return visualJSON, nil
	})
	engine := newTestEngine(t, store, inference)

	outcome := engine.ProcessPage(context.Background(), PageRequest{
		Retailer: "acme",
		Category: "widgets",
		URL:      "https://shop.example/c/widgets",
		CrawlID:  "crawl-test",
	})

	if len(outcome.Failures) != 0 {
		t.Fatalf("failures = %+v", outcome.Failures)
	}
	if len(outcome.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(outcome.Items))
	}
	first := outcome.Items[0]
	if first.Title != "Alpha Widget" {
		t.Fatalf("title = %q", first.Title)
	}
	if first.SourceURL != "https://shop.example/p/alpha" {
		t.Fatalf("source url = %q", first.SourceURL)
	}
	// Title and price confirmed by both channels.
	if first.FieldConfidence[catalog.FieldTitle] != 1.0 {
		t.Fatalf("title confidence = %f", first.FieldConfidence[catalog.FieldTitle])
	}
	if first.ValidationCoverage != 1.0 {
		t.Fatalf("coverage = %f", first.ValidationCoverage)
	}
	if first.ExtractionTier != catalog.TierVisualFallback {
		t.Fatalf("tier = %s", first.ExtractionTier)
	}

	if len(outcome.ChangeRecords) != 2 {
		t.Fatalf("change records = %d, want 2", len(outcome.ChangeRecords))
	}
	for _, rec := range outcome.ChangeRecords {
		if rec.Decision != catalog.DecisionNewHighConfidence {
			t.Fatalf("decision = %s, want %s", rec.Decision, catalog.DecisionNewHighConfidence)
		}
	}

	if got := len(store.items[storeKey("acme", "widgets")]); got != 2 {
		t.Fatalf("persisted items = %d, want 2", got)
	}
	if got := len(store.records); got != 2 {
		t.Fatalf("persisted records = %d, want 2", got)
	}
}

func TestSecondCrawlRoutesAsExisting(t *testing.T) {
	store := newMemStore()
	inference := extract.InferenceFunc(func(ctx context.Context, prompt string, images [][]byte) (string, error) {
		return visualJSON, nil
	})
	engine := newTestEngine(t, store, inference)

	req := PageRequest{Retailer: "acme", URL: "https://shop.example/c/widgets", CrawlID: "crawl-1"}
	engine.ProcessPage(context.Background(), req)

	req.CrawlID = "crawl-2"
	outcome := engine.ProcessPage(context.Background(), req)
	for _, rec := range outcome.ChangeRecords {
		if rec.Decision != catalog.DecisionExistingUnchanged {
			t.Fatalf("decision = %s, want %s", rec.Decision, catalog.DecisionExistingUnchanged)
		}
		if rec.MatchedID == "" {
			t.Fatal("existing decision missing matched id")
		}
	}
}

func TestChangeDetectionScopedToCategory(t *testing.T) {
	store := newMemStore()
	inference := extract.InferenceFunc(func(ctx context.Context, prompt string, images [][]byte) (string, error) {
		return visualJSON, nil
	})
	engine := newTestEngine(t, store, inference)

	first := engine.ProcessPage(context.Background(), PageRequest{
		Retailer: "acme", Category: "widgets",
		URL: "https://shop.example/c/widgets", CrawlID: "crawl-1",
	})
	if len(first.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(first.Items))
	}

	// Same identities under a different category are different entries:
	// the lookup must not surface widgets items as match candidates.
	outcome := engine.ProcessPage(context.Background(), PageRequest{
		Retailer: "acme", Category: "gadgets",
		URL: "https://shop.example/c/widgets", CrawlID: "crawl-2",
	})
	for _, rec := range outcome.ChangeRecords {
		if !rec.Decision.IsNew() {
			t.Fatalf("decision = %s, want a new-item decision for the unseen category", rec.Decision)
		}
	}

	if got := len(store.items[storeKey("acme", "gadgets")]); got != 2 {
		t.Fatalf("gadgets items = %d, want 2", got)
	}
	if got := len(store.items[storeKey("acme", "widgets")]); got != 2 {
		t.Fatalf("widgets items = %d, want 2", got)
	}
}

func TestQuotaBreakerHaltsVisualChannel(t *testing.T) {
	store := newMemStore()
	var calls int
	inference := extract.InferenceFunc(func(ctx context.Context, prompt string, images [][]byte) (string, error) {
		calls++
		return "", errors.New(errors.CodeQuotaExhausted, "inference budget exhausted").Stage("visual").Build()
	})
	engine := newTestEngine(t, store, inference)

	ctx := context.Background()
	// Three consecutive quota errors trip the breaker.
	for i := 0; i < 3; i++ {
		outcome := engine.ProcessPage(ctx, PageRequest{Retailer: "acme", URL: "https://shop.example/c/widgets", CrawlID: "crawl-q"})
		if len(outcome.Items) != 2 {
			t.Fatalf("page %d: items = %d, want structural items despite quota error", i, len(outcome.Items))
		}
		if outcome.Items[0].ExtractionTier != catalog.TierStructuralOnly {
			t.Fatalf("page %d: tier = %s, want %s", i, outcome.Items[0].ExtractionTier, catalog.TierStructuralOnly)
		}
		if len(outcome.Failures) != 1 || outcome.Failures[0].Stage != "visual" {
			t.Fatalf("page %d: failures = %+v", i, outcome.Failures)
		}
	}
	if calls != 3 {
		t.Fatalf("inference calls = %d, want 3", calls)
	}

	// Breaker is open: the next page must not touch inference.
	outcome := engine.ProcessPage(ctx, PageRequest{Retailer: "acme", URL: "https://shop.example/c/widgets", CrawlID: "crawl-q"})
	if calls != 3 {
		t.Fatalf("inference calls after trip = %d, want still 3", calls)
	}
	if len(outcome.Items) != 2 {
		t.Fatalf("items = %d, want structural items", len(outcome.Items))
	}
	if len(outcome.Failures) != 1 || !strings.Contains(outcome.Failures[0].Reason, "breaker") {
		t.Fatalf("failures = %+v, want breaker-open note", outcome.Failures)
	}
}

func TestRunIsolatesUnknownRetailer(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	outcomes := engine.Run(context.Background(), []PageRequest{
		{Retailer: "acme", URL: "https://shop.example/c/widgets"},
		{Retailer: "nobody", URL: "https://other.example/c/x"},
	})
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}

	var acmeItems, unknownFailures int
	for _, o := range outcomes {
		switch o.Retailer {
		case "acme":
			acmeItems = len(o.Items)
		case "nobody":
			unknownFailures = len(o.Failures)
		}
	}
	if acmeItems != 2 {
		t.Fatalf("acme items = %d, want 2", acmeItems)
	}
	if unknownFailures != 1 {
		t.Fatalf("unknown retailer failures = %d, want 1", unknownFailures)
	}
}

func TestCloseSavesSelectorSnapshot(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, nil)

	engine.ProcessPage(context.Background(), PageRequest{Retailer: "acme", URL: "https://shop.example/c/widgets"})
	if err := engine.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(store.weights) == 0 {
		t.Fatal("no selector weights persisted on close")
	}
	for _, w := range store.weights {
		if w.Retailer != "acme" {
			t.Fatalf("unexpected retailer in snapshot: %q", w.Retailer)
		}
	}
}
