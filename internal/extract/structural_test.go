package extract

import (
	"context"
	"testing"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/logging"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
)

const categoryPage = `<html><body>
<div class="product">
  <a class="link" href="/p/alpha?utm_source=feed">Alpha Widget</a>
  <h2 class="name">Alpha Widget</h2>
  <span class="price">$19.99</span>
  <span class="was">$24.99</span>
  <img class="photo" src="/img/alpha.jpg">
  <span class="stock">In stock</span>
</div>
<div class="product">
  <a class="link" href="/p/beta">Beta Widget</a>
  <h2 class="name">Beta Widget</h2>
  <span class="price">&euro;1.299,99</span>
</div>
</body></html>`

func seededStore(t *testing.T) *patterns.Store {
	t.Helper()
	s := patterns.NewStore(0.3)
	seeds := map[string][]string{
		FieldItemContainer:         {"div.product"},
		catalog.FieldSourceURL:     {"a.link@href"},
		catalog.FieldTitle:         {"h2.name"},
		catalog.FieldPrice:         {"span.price"},
		catalog.FieldOriginalPrice: {"span.was"},
		catalog.FieldImageURLs:     {"img.photo@src"},
		catalog.FieldStockStatus:   {"span.stock"},
	}
	for field, selectors := range seeds {
		for _, sel := range selectors {
			s.Seed("acme", field, sel)
		}
	}
	return s
}

func TestStructuralExtractCategoryPage(t *testing.T) {
	se := NewStructuralExtractor(seededStore(t), StructuralOptions{MaxPlausiblePrice: 100000}, logging.Discard())

	result, err := se.Extract(context.Background(), categoryPage, "acme", "https://shop.example/c/widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(result.Candidates))
	}

	alpha := result.Candidates[0].Item
	if alpha.Title != "Alpha Widget" {
		t.Errorf("title = %q", alpha.Title)
	}
	// Relative link resolved against the page, tracking params stripped by
	// normalization.
	if alpha.SourceURL != "https://shop.example/p/alpha" {
		t.Errorf("source url = %q", alpha.SourceURL)
	}
	if alpha.Price.Amount != 19.99 || alpha.Price.Currency != "USD" {
		t.Errorf("price = %+v", alpha.Price)
	}
	if alpha.OriginalPrice.Amount != 24.99 {
		t.Errorf("original price = %+v", alpha.OriginalPrice)
	}
	if len(alpha.ImageURLs) != 1 || alpha.ImageURLs[0] != "https://shop.example/img/alpha.jpg" {
		t.Errorf("images = %v", alpha.ImageURLs)
	}
	if alpha.StockStatus != catalog.StockInStock {
		t.Errorf("stock = %s", alpha.StockStatus)
	}
	if got := alpha.FieldConfidence[catalog.FieldTitle]; got != 0.9 {
		t.Errorf("structural confidence = %v, want 0.9", got)
	}

	beta := result.Candidates[1].Item
	if beta.Price.Amount != 1299.99 {
		t.Errorf("European decimal not parsed: %v", beta.Price.Amount)
	}
	if result.Candidates[1].PageIndex != 1 {
		t.Errorf("page index = %d", result.Candidates[1].PageIndex)
	}
}

func TestStructuralExtractReportsOutcomes(t *testing.T) {
	store := seededStore(t)
	// A second, broken title selector ranked above the working one.
	store.Restore(patterns.SelectorCandidate{
		Retailer: "acme", Field: catalog.FieldTitle, Selector: "h1.gone", Weight: 0.95,
	})

	se := NewStructuralExtractor(store, StructuralOptions{MaxPlausiblePrice: 100000}, logging.Discard())
	result, err := se.Extract(context.Background(), categoryPage, "acme", "https://shop.example/c/widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var brokenFailures, workingSuccesses int
	for _, o := range result.Outcomes {
		if o.Field != catalog.FieldTitle {
			continue
		}
		switch {
		case o.Selector == "h1.gone" && !o.Success:
			brokenFailures++
		case o.Selector == "h2.name" && o.Success:
			workingSuccesses++
		}
	}
	// Both containers tried the broken selector first and fell through.
	if brokenFailures != 2 || workingSuccesses != 2 {
		t.Errorf("outcome counts: broken failures %d, working successes %d", brokenFailures, workingSuccesses)
	}

	if used := result.Candidates[0].SelectorUsed[catalog.FieldTitle]; used != "h2.name" {
		t.Errorf("selector used = %q", used)
	}
}

func TestStructuralExtractDetailPageFallsBackToWholeDocument(t *testing.T) {
	store := patterns.NewStore(0.3)
	store.Seed("acme", catalog.FieldTitle, "h1")
	store.Seed("acme", catalog.FieldPrice, "span.price")

	detail := `<html><body><h1>Gamma Widget</h1><span class="price">$42.00</span></body></html>`
	se := NewStructuralExtractor(store, StructuralOptions{MaxPlausiblePrice: 100000}, logging.Discard())

	result, err := se.Extract(context.Background(), detail, "acme", "https://shop.example/p/gamma")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Candidates) != 1 {
		t.Fatalf("expected whole document as one item, got %d", len(result.Candidates))
	}
	item := result.Candidates[0].Item
	// No link selector: the page URL itself is the source.
	if item.SourceURL != "https://shop.example/p/gamma" {
		t.Errorf("source url = %q", item.SourceURL)
	}
	if item.Title != "Gamma Widget" {
		t.Errorf("title = %q", item.Title)
	}
}

func TestStructuralExtractSkipsSelectorNoise(t *testing.T) {
	store := patterns.NewStore(0.3)
	// Container selector matching decorative tiles with no usable fields.
	store.Seed("acme", FieldItemContainer, "div.tile")
	store.Seed("acme", catalog.FieldTitle, "h2.name")

	html := `<html><body><div class="tile"><span>ad</span></div><div class="tile"><span>banner</span></div></body></html>`
	se := NewStructuralExtractor(store, StructuralOptions{}, logging.Discard())

	result, err := se.Extract(context.Background(), html, "acme", "https://shop.example/c/w")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Candidates) != 0 {
		t.Errorf("tiles without title or URL should be skipped, got %d", len(result.Candidates))
	}
	if result.Coverage != 0 {
		t.Errorf("coverage = %v, want 0", result.Coverage)
	}
}

func TestStructuralCoverageReflectsMissingFields(t *testing.T) {
	se := NewStructuralExtractor(seededStore(t), StructuralOptions{MaxPlausiblePrice: 100000}, logging.Discard())

	result, err := se.Extract(context.Background(), categoryPage, "acme", "https://shop.example/c/widgets")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Coverage <= 0 || result.Coverage >= 1 {
		t.Errorf("coverage = %v, want partial: beta has fewer populated fields", result.Coverage)
	}
}
