package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/logging"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
)

// FieldItemContainer is the pseudo-field under which item container
// selectors are ranked in the pattern store.
const FieldItemContainer = "item_container"

// Candidate is one partially populated item from a single channel, with
// the selector that produced each field and its position in page order.
type Candidate struct {
	Item         catalog.CatalogItem
	SelectorUsed map[string]string
	PageIndex    int
}

// StructuralResult is the outcome of structural extraction for one page.
type StructuralResult struct {
	Candidates []Candidate

	// Outcomes records every attempted selector, success and failure,
	// for the pattern learner.
	Outcomes []patterns.Outcome

	// Coverage is the mean fraction of mergeable fields populated per
	// candidate; it drives the visual-channel trigger.
	Coverage float64
}

// StructuralOptions bounds format validation during extraction.
type StructuralOptions struct {
	MaxTitleLength    int
	MaxPlausiblePrice float64
}

// StructuralExtractor applies ranked selectors to fetched documents. For
// each field, selectors are tried in descending confidence-weight order;
// the first selector returning a non-empty, format-valid value wins.
// Multi-valued fields accumulate across selectors instead of
// short-circuiting. A field with no successful selector is left absent,
// never defaulted.
type StructuralExtractor struct {
	store  *patterns.Store
	opts   StructuralOptions
	logger logging.Logger
}

// NewStructuralExtractor creates an extractor ranking selectors from the
// given store.
func NewStructuralExtractor(store *patterns.Store, opts StructuralOptions, logger logging.Logger) *StructuralExtractor {
	if opts.MaxTitleLength <= 0 {
		opts.MaxTitleLength = 250
	}
	if logger == nil {
		logger = logging.NewComponentLogger("structural-extractor")
	}
	return &StructuralExtractor{store: store, opts: opts, logger: logger}
}

// Extract pulls candidate items from a document in page order. baseURL
// resolves relative links; pageURL is the fallback source URL for detail
// pages without a link field.
func (se *StructuralExtractor) Extract(ctx context.Context, html, retailer, pageURL string) (*StructuralResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %q: %w", pageURL, err)
	}

	result := &StructuralResult{}

	containers := se.findContainers(doc, retailer, result)
	if len(containers) == 0 {
		// No container selector matched: treat the document as one item
		// (product detail page, or a retailer we have not learned yet).
		containers = []*goquery.Selection{doc.Selection}
	}

	for index, container := range containers {
		candidate := se.extractItem(container, retailer, base, index, result)
		if candidate.Item.SourceURL == "" && index == 0 && len(containers) == 1 {
			if normalized, err := catalog.NormalizeURL(pageURL); err == nil {
				candidate.Item.SourceURL = normalized
			}
		}
		// An item without even a source URL is selector noise; its
		// attempt outcomes are still reported above.
		if candidate.Item.SourceURL == "" && !candidate.Item.HasField(catalog.FieldTitle) {
			continue
		}
		result.Candidates = append(result.Candidates, candidate)
	}

	result.Coverage = meanCoverage(result.Candidates)
	return result, nil
}

// findContainers tries ranked container selectors, first match wins.
func (se *StructuralExtractor) findContainers(doc *goquery.Document, retailer string, result *StructuralResult) []*goquery.Selection {
	for _, candidate := range se.store.Ranked(retailer, FieldItemContainer) {
		sel := doc.Find(candidate.Selector)
		ok := sel.Length() > 0
		result.Outcomes = append(result.Outcomes, patterns.Outcome{
			Retailer: retailer,
			Field:    FieldItemContainer,
			Selector: candidate.Selector,
			Success:  ok,
		})
		if ok {
			out := make([]*goquery.Selection, 0, sel.Length())
			sel.Each(func(_ int, s *goquery.Selection) {
				out = append(out, s)
			})
			return out
		}
	}
	return nil
}

// extractItem populates one candidate from a container selection.
func (se *StructuralExtractor) extractItem(container *goquery.Selection, retailer string, base *url.URL, index int, result *StructuralResult) Candidate {
	candidate := Candidate{
		SelectorUsed: make(map[string]string),
		PageIndex:    index,
		Item:         catalog.CatalogItem{},
	}

	for _, field := range candidateFields() {
		if field == catalog.FieldImageURLs {
			se.extractImages(container, retailer, base, &candidate, result)
			continue
		}
		se.extractSingle(container, retailer, base, field, &candidate, result)
	}

	for field := range candidate.SelectorUsed {
		candidate.Item.SetConfidence(field, structuralConfidence)
	}
	return candidate
}

// structuralConfidence is the default confidence for a format-valid value
// taken from the DOM; the merge raises it when the visual channel
// confirms.
const structuralConfidence = 0.9

func candidateFields() []string {
	return []string{
		catalog.FieldSourceURL, catalog.FieldItemCode, catalog.FieldTitle,
		catalog.FieldPrice, catalog.FieldOriginalPrice, catalog.FieldImageURLs,
		catalog.FieldStockStatus, catalog.FieldSaleStatus,
	}
}

// extractSingle tries ranked selectors until one yields a format-valid
// value for the field.
func (se *StructuralExtractor) extractSingle(container *goquery.Selection, retailer string, base *url.URL, field string, candidate *Candidate, result *StructuralResult) {
	for _, sc := range se.store.Ranked(retailer, field) {
		raw, found := applySelector(container, sc.Selector)
		ok := found && se.assignField(&candidate.Item, field, raw, base)
		result.Outcomes = append(result.Outcomes, patterns.Outcome{
			Retailer: retailer,
			Field:    field,
			Selector: sc.Selector,
			Success:  ok,
		})
		if ok {
			candidate.SelectorUsed[field] = sc.Selector
			return
		}
	}
}

// extractImages accumulates image URLs across every ranked selector;
// multi-valued fields do not short-circuit.
func (se *StructuralExtractor) extractImages(container *goquery.Selection, retailer string, base *url.URL, candidate *Candidate, result *StructuralResult) {
	seen := make(map[string]struct{})
	for _, sc := range se.store.Ranked(retailer, catalog.FieldImageURLs) {
		selector, attr := splitSelector(sc.Selector)
		if attr == "" {
			attr = "src"
		}
		matched := false
		container.Find(selector).Each(func(_ int, s *goquery.Selection) {
			raw, exists := s.Attr(attr)
			if !exists || strings.TrimSpace(raw) == "" {
				return
			}
			resolved := resolveURL(base, raw)
			if resolved == "" {
				return
			}
			if _, dup := seen[resolved]; dup {
				matched = true
				return
			}
			seen[resolved] = struct{}{}
			candidate.Item.ImageURLs = append(candidate.Item.ImageURLs, resolved)
			matched = true
		})
		result.Outcomes = append(result.Outcomes, patterns.Outcome{
			Retailer: retailer,
			Field:    catalog.FieldImageURLs,
			Selector: sc.Selector,
			Success:  matched,
		})
		if matched {
			if _, used := candidate.SelectorUsed[catalog.FieldImageURLs]; !used {
				candidate.SelectorUsed[catalog.FieldImageURLs] = sc.Selector
			}
		}
	}
}

// assignField validates and writes a raw value onto the item. Returns
// false when the value fails format validation, leaving the field absent.
func (se *StructuralExtractor) assignField(item *catalog.CatalogItem, field, raw string, base *url.URL) bool {
	switch field {
	case catalog.FieldSourceURL:
		resolved := resolveURL(base, raw)
		if resolved == "" {
			return false
		}
		normalized, err := catalog.NormalizeURL(resolved)
		if err != nil {
			return false
		}
		item.SourceURL = normalized
		return true
	case catalog.FieldItemCode:
		code := NormalizeSpace(raw)
		if !ValidItemCode(code) {
			return false
		}
		item.ItemCode = code
		return true
	case catalog.FieldTitle:
		title := NormalizeSpace(raw)
		if !ValidTitle(title, se.opts.MaxTitleLength) {
			return false
		}
		item.Title = title
		return true
	case catalog.FieldPrice:
		price, ok := ParsePrice(raw)
		if !ok || !ValidPrice(price, se.opts.MaxPlausiblePrice) {
			return false
		}
		item.Price = price
		return true
	case catalog.FieldOriginalPrice:
		price, ok := ParsePrice(raw)
		if !ok || !ValidPrice(price, se.opts.MaxPlausiblePrice) {
			return false
		}
		item.OriginalPrice = price
		return true
	case catalog.FieldStockStatus:
		status := ParseStockStatus(raw)
		if status == catalog.StockUnknown {
			return false
		}
		item.StockStatus = status
		return true
	case catalog.FieldSaleStatus:
		if NormalizeSpace(raw) == "" {
			return false
		}
		item.SaleStatus = catalog.SaleDiscount
		return true
	}
	return false
}

// applySelector evaluates a selector expression against a container. The
// expression may carry an attribute suffix: "a.product@href" selects the
// href attribute of the first match; a plain selector selects text.
func applySelector(container *goquery.Selection, expr string) (string, bool) {
	selector, attr := splitSelector(expr)
	sel := container.Find(selector)
	if sel.Length() == 0 {
		// A container that is itself the target (detail pages using
		// ":self@href"-less bare selectors) is not supported; selector
		// misses simply report failure.
		return "", false
	}
	if attr != "" {
		return sel.First().Attr(attr)
	}
	return sel.First().Text(), true
}

// splitSelector separates "selector@attr" into its parts.
func splitSelector(expr string) (selector, attr string) {
	if i := strings.LastIndex(expr, "@"); i > 0 {
		return expr[:i], expr[i+1:]
	}
	return expr, ""
}

// resolveURL resolves raw against base and requires an absolute result.
func resolveURL(base *url.URL, raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme == "" || resolved.Host == "" {
		return ""
	}
	return resolved.String()
}

// meanCoverage averages per-candidate field coverage.
func meanCoverage(candidates []Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	fields := catalog.MergeableFields()
	total := 0.0
	for i := range candidates {
		populated := 0
		for _, f := range fields {
			if candidates[i].Item.HasField(f) {
				populated++
			}
		}
		total += float64(populated) / float64(len(fields))
	}
	return total / float64(len(candidates))
}
