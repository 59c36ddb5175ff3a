package report

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

func sampleOutcome() *catalog.CrawlOutcome {
	return &catalog.CrawlOutcome{
		Retailer: "acme",
		CrawlID:  "crawl-1",
		Items: []catalog.CatalogItem{
			{Title: "Trusted Widget", SourceURL: "https://shop.example/p/1", ValidationCoverage: 1.0},
			{Title: "Dubious Widget", SourceURL: "https://shop.example/p/2", Uncertain: true, ValidationCoverage: 0.5},
		},
		Mismatches: []catalog.ValidationMismatch{
			{Field: catalog.FieldPrice, StructuralValue: "19.99 USD", VisualValue: "91.99 USD", Resolution: catalog.ResolutionStructural},
		},
		Failures: []catalog.PageFailure{
			{URL: "https://shop.example/c/gone", Stage: "fetch", Reason: "page removed", Certainty: catalog.CertaintyKnownError},
			{URL: "https://shop.example/c/odd", Stage: "merge", Reason: "join ambiguous", Certainty: catalog.CertaintyUncertain},
		},
	}
}

func TestReviewQueueFiltersOutcome(t *testing.T) {
	var q ReviewQueue
	q.AddOutcome(sampleOutcome())

	if len(q.Items) != 1 || q.Items[0].Title != "Dubious Widget" {
		t.Fatalf("items = %+v, want only the uncertain one", q.Items)
	}
	if len(q.Mismatches) != 1 {
		t.Fatalf("mismatches = %d, want 1", len(q.Mismatches))
	}
	// Known errors need no review; only uncertain failures queue up.
	if len(q.Failures) != 1 || q.Failures[0].Reason != "join ambiguous" {
		t.Fatalf("failures = %+v", q.Failures)
	}
}

func TestReviewQueueEmpty(t *testing.T) {
	var q ReviewQueue
	if !q.Empty() {
		t.Fatal("fresh queue should be empty")
	}
	q.AddOutcome(sampleOutcome())
	if q.Empty() {
		t.Fatal("populated queue reported empty")
	}
}

func TestWriteFileProducesWorkbook(t *testing.T) {
	var q ReviewQueue
	q.AddOutcome(sampleOutcome())

	path := filepath.Join(t.TempDir(), "review.xlsx")
	if err := q.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(itemsSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("item rows = %d, want header + 1", len(rows))
	}
	if rows[1][1] != "Dubious Widget" {
		t.Fatalf("item row = %v", rows[1])
	}

	mrows, err := f.GetRows(mismatchesSheet)
	if err != nil {
		t.Fatalf("mismatch rows: %v", err)
	}
	if len(mrows) != 2 || mrows[1][0] != catalog.FieldPrice {
		t.Fatalf("mismatch rows = %v", mrows)
	}
}
