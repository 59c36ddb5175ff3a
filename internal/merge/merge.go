// Package merge reconciles the structural and visual candidate lists for
// one page into a single trusted item list with per-field confidence,
// flagging and auto-correcting disagreements between the two channels.
package merge

import (
	"fmt"
	"math"
	"sort"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/extract"
	"github.com/shelfwatch/shelfwatch/internal/patterns"
)

// Strategy is the per-page join decision, chosen once from a count-match
// predicate so the merge stays a pure function of its inputs.
type Strategy string

const (
	StrategyPositional Strategy = "positional_merge"
	StrategyKeyed      Strategy = "keyed_merge"
)

// Confidence levels assigned by field provenance.
const (
	confidenceConfirmed      = 1.0
	confidenceStructuralOnly = 0.9
	confidenceVisualOnly     = 0.5
)

// Options holds the reconciliation tolerances.
type Options struct {
	// PriceTolerance is the relative price delta treated as rounding.
	PriceTolerance float64

	// TitleSimilarityFloor is the minimum normalized title similarity
	// for agreement.
	TitleSimilarityFloor float64

	// JoinSimilarityFloor gates fuzzy title+price pairing during keyed
	// merge.
	JoinSimilarityFloor float64

	// MaxTitleLength and MaxPlausiblePrice bound the format re-check at
	// resolution time; a structural value that fails it loses its
	// ground-truth status. Zero means no ceiling.
	MaxTitleLength    int
	MaxPlausiblePrice float64
}

// Result is the reconciled output for one page.
type Result struct {
	Items      []catalog.CatalogItem
	Mismatches []catalog.ValidationMismatch
	Strategy   Strategy

	// Corrected counts mismatches auto-corrected toward the structural
	// value.
	Corrected int

	// MismatchOutcomes carries validator mismatch signals back to the
	// pattern learner, keyed by the selector that produced the
	// contradicted value.
	MismatchOutcomes []patterns.Outcome
}

// Merger reconciles candidate lists. It holds no mutable state, so one
// instance serves all concurrent pages.
type Merger struct {
	opts Options
}

// NewMerger creates a merger with the given tolerances.
func NewMerger(opts Options) *Merger {
	if opts.PriceTolerance <= 0 {
		opts.PriceTolerance = 0.01
	}
	if opts.TitleSimilarityFloor <= 0 {
		opts.TitleSimilarityFloor = 0.85
	}
	if opts.JoinSimilarityFloor <= 0 {
		opts.JoinSimilarityFloor = 0.70
	}
	return &Merger{opts: opts}
}

// Merge reconciles the two channels. Structural page order is preserved
// in the output; items present in only one source are kept at low
// validation coverage, never dropped. Running Merge twice on identical
// inputs yields identical output.
func (m *Merger) Merge(retailer string, structural, visual []extract.Candidate) *Result {
	result := &Result{Strategy: m.chooseStrategy(structural, visual)}

	var pairs []pair
	switch result.Strategy {
	case StrategyPositional:
		pairs = pairPositionally(structural, visual)
	default:
		pairs = m.pairByKey(structural, visual)
	}

	for _, p := range pairs {
		item := m.reconcilePair(retailer, p, result)
		result.Items = append(result.Items, item)
	}

	enforceUniqueCodes(result.Items)
	return result
}

// enforceUniqueCodes keeps item codes unique across the merged list. Two
// items emerging with the same code mean a misread or a bad join; every
// holder is surfaced for review, and all but the first lose the code so
// downstream identities cannot collide.
func enforceUniqueCodes(items []catalog.CatalogItem) {
	first := make(map[string]int)
	for i := range items {
		code := items[i].ItemCode
		if code == "" {
			continue
		}
		j, dup := first[code]
		if !dup {
			first[code] = i
			continue
		}
		items[j].Uncertain = true
		items[i].Uncertain = true
		items[i].ItemCode = ""
		delete(items[i].FieldConfidence, catalog.FieldItemCode)
	}
}

// chooseStrategy implements the count-match predicate. Equal counts merge
// positionally (both channels preserve page order). Unequal counts merge
// by key, unless the visual channel offers almost no join keys and the
// counts are close, in which case positional prefix alignment is the only
// signal available.
func (m *Merger) chooseStrategy(structural, visual []extract.Candidate) Strategy {
	if len(structural) == 0 || len(visual) == 0 {
		return StrategyPositional
	}
	if len(structural) == len(visual) {
		return StrategyPositional
	}

	keyed := 0
	for i := range visual {
		if visual[i].Item.SourceURL != "" || visual[i].Item.ItemCode != "" {
			keyed++
		}
	}
	small, large := len(structural), len(visual)
	if small > large {
		small, large = large, small
	}
	closeCounts := float64(small)/float64(large) >= 0.9
	if closeCounts && keyed*2 < len(visual) {
		return StrategyPositional
	}
	return StrategyKeyed
}

// pair links one structural candidate with at most one visual candidate;
// either side may be absent.
type pair struct {
	structural *extract.Candidate
	visual     *extract.Candidate
	ambiguous  bool
}

// pairPositionally aligns by page index; the longer list's tail pairs
// with nothing.
func pairPositionally(structural, visual []extract.Candidate) []pair {
	n := len(structural)
	if len(visual) > n {
		n = len(visual)
	}
	pairs := make([]pair, 0, n)
	for i := 0; i < n; i++ {
		var p pair
		if i < len(structural) {
			p.structural = &structural[i]
		}
		if i < len(visual) {
			p.visual = &visual[i]
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// pairByKey joins by source URL, then item code, then fuzzy title+price
// similarity, processed in structural page order with deterministic
// tie-breaking (best similarity, lowest visual index on ties). Unjoined
// candidates from either side become single-source pairs.
func (m *Merger) pairByKey(structural, visual []extract.Candidate) []pair {
	used := make([]bool, len(visual))
	byURL := make(map[string]int)
	byCode := make(map[string]int)
	for i := range visual {
		if u := visual[i].Item.SourceURL; u != "" {
			if _, dup := byURL[u]; !dup {
				byURL[u] = i
			}
		}
		if c := visual[i].Item.ItemCode; c != "" {
			if _, dup := byCode[c]; !dup {
				byCode[c] = i
			}
		}
	}

	var pairs []pair
	for i := range structural {
		s := &structural[i]
		p := pair{structural: s}

		if j, ok := byURL[s.Item.SourceURL]; ok && s.Item.SourceURL != "" && !used[j] {
			p.visual = &visual[j]
			used[j] = true
		} else if j, ok := byCode[s.Item.ItemCode]; ok && s.Item.ItemCode != "" && !used[j] {
			p.visual = &visual[j]
			used[j] = true
		} else if j, score := m.bestFuzzyMatch(s, visual, used); j >= 0 {
			if score >= m.opts.JoinSimilarityFloor {
				p.visual = &visual[j]
				used[j] = true
			} else {
				// Below the floor the pairing is guesswork; keep the
				// item single-source and mark the join ambiguous.
				p.ambiguous = true
			}
		}
		pairs = append(pairs, p)
	}

	// Visual-only remainder, in page order for determinism.
	var leftover []int
	for j := range visual {
		if !used[j] {
			leftover = append(leftover, j)
		}
	}
	sort.Ints(leftover)
	for _, j := range leftover {
		pairs = append(pairs, pair{visual: &visual[j], ambiguous: true})
	}
	return pairs
}

// bestFuzzyMatch returns the unused visual candidate with the highest
// title+price similarity to s, or -1.
func (m *Merger) bestFuzzyMatch(s *extract.Candidate, visual []extract.Candidate, used []bool) (int, float64) {
	best, bestScore := -1, 0.0
	for j := range visual {
		if used[j] {
			continue
		}
		score := fuzzyItemSimilarity(&s.Item, &visual[j].Item)
		if score > bestScore {
			best, bestScore = j, score
		}
	}
	return best, bestScore
}

// reconcilePair merges one pair into a final item and records mismatches.
func (m *Merger) reconcilePair(retailer string, p pair, result *Result) catalog.CatalogItem {
	// Single-source items are kept, flagged low-confidence rather than
	// dropped.
	if p.structural == nil {
		item := p.visual.Item
		item.ValidationCoverage = 0
		item.Uncertain = true
		return item
	}
	if p.visual == nil {
		item := p.structural.Item
		item.ValidationCoverage = 0
		item.Uncertain = p.ambiguous
		return item
	}

	s, v := &p.structural.Item, &p.visual.Item
	merged := catalog.CatalogItem{}

	// Coverage is the agreement fraction over fields both channels
	// populated; single-source fields neither raise nor lower it.
	confirmed, coPopulated := 0, 0
	reviewNeeded := false

	for _, field := range catalog.MergeableFields() {
		sHas, vHas := s.HasField(field), v.HasField(field)
		switch {
		case sHas && vHas:
			coPopulated++
			if m.fieldsAgree(field, s, v) {
				copyField(&merged, s, field)
				merged.SetConfidence(field, confidenceConfirmed)
				confirmed++
			} else {
				resolution := m.resolveMismatch(field, s, v, &merged)
				result.Mismatches = append(result.Mismatches, catalog.ValidationMismatch{
					Field:           field,
					StructuralValue: fieldString(s, field),
					VisualValue:     fieldString(v, field),
					Resolution:      resolution,
				})
				if resolution == catalog.ResolutionStructural {
					result.Corrected++
				} else {
					reviewNeeded = true
				}
				if selector, ok := p.structural.SelectorUsed[field]; ok {
					result.MismatchOutcomes = append(result.MismatchOutcomes, patterns.Outcome{
						Retailer:   retailer,
						Field:      field,
						Selector:   selector,
						Success:    resolution == catalog.ResolutionStructural,
						Mismatched: true,
					})
				}
			}
		case sHas:
			copyField(&merged, s, field)
			merged.SetConfidence(field, confidenceStructuralOnly)
		case vHas:
			// Visual fills the gap the DOM left absent.
			copyField(&merged, v, field)
			merged.SetConfidence(field, confidenceVisualOnly)
		}
	}

	if coPopulated > 0 {
		merged.ValidationCoverage = float64(confirmed) / float64(coPopulated)
	}
	merged.Uncertain = p.ambiguous || reviewNeeded
	return merged
}

// resolveMismatch settles one disagreement and returns how. DOM is
// ground truth for crawled markup, so a format-valid structural value
// auto-corrects the mismatch. A structural value failing its own format
// check loses that status: the visual reading wins when it is valid, and
// the field is flagged outright when neither side is.
func (m *Merger) resolveMismatch(field string, s, v, merged *catalog.CatalogItem) catalog.MismatchResolution {
	switch {
	case m.formatValid(field, s):
		copyField(merged, s, field)
		merged.SetConfidence(field, confidenceStructuralOnly)
		return catalog.ResolutionStructural
	case m.formatValid(field, v):
		copyField(merged, v, field)
		merged.SetConfidence(field, confidenceVisualOnly)
		return catalog.ResolutionVisual
	default:
		copyField(merged, s, field)
		merged.SetConfidence(field, confidenceVisualOnly)
		return catalog.ResolutionFlagged
	}
}

// formatValid re-checks field format at resolution time. Candidates
// normally arrive pre-validated by their extractor, but the merge cannot
// assume its callers did so. Fields without a stricter format (URLs,
// images, statuses) are valid by presence.
func (m *Merger) formatValid(field string, item *catalog.CatalogItem) bool {
	switch field {
	case catalog.FieldTitle:
		return extract.ValidTitle(item.Title, m.opts.MaxTitleLength)
	case catalog.FieldItemCode:
		return extract.ValidItemCode(item.ItemCode)
	case catalog.FieldPrice:
		return extract.ValidPrice(item.Price, m.opts.MaxPlausiblePrice)
	case catalog.FieldOriginalPrice:
		return extract.ValidPrice(item.OriginalPrice, m.opts.MaxPlausiblePrice)
	}
	return true
}

// fieldsAgree tests channel agreement within tolerance.
func (m *Merger) fieldsAgree(field string, s, v *catalog.CatalogItem) bool {
	switch field {
	case catalog.FieldSourceURL:
		return s.SourceURL == v.SourceURL
	case catalog.FieldItemCode:
		return s.ItemCode == v.ItemCode
	case catalog.FieldTitle:
		return TitleSimilarity(s.Title, v.Title) >= m.opts.TitleSimilarityFloor
	case catalog.FieldPrice:
		return priceWithinTolerance(s.Price, v.Price, m.opts.PriceTolerance)
	case catalog.FieldOriginalPrice:
		return priceWithinTolerance(s.OriginalPrice, v.OriginalPrice, m.opts.PriceTolerance)
	case catalog.FieldImageURLs:
		return imagesOverlap(s.ImageURLs, v.ImageURLs)
	case catalog.FieldStockStatus:
		return s.StockStatus == v.StockStatus
	case catalog.FieldSaleStatus:
		return s.SaleStatus == v.SaleStatus
	}
	return false
}

func copyField(dst, src *catalog.CatalogItem, field string) {
	switch field {
	case catalog.FieldSourceURL:
		dst.SourceURL = src.SourceURL
	case catalog.FieldItemCode:
		dst.ItemCode = src.ItemCode
	case catalog.FieldTitle:
		dst.Title = src.Title
	case catalog.FieldPrice:
		dst.Price = src.Price
	case catalog.FieldOriginalPrice:
		dst.OriginalPrice = src.OriginalPrice
	case catalog.FieldImageURLs:
		dst.ImageURLs = append([]string(nil), src.ImageURLs...)
	case catalog.FieldStockStatus:
		dst.StockStatus = src.StockStatus
	case catalog.FieldSaleStatus:
		dst.SaleStatus = src.SaleStatus
	}
}

func fieldString(item *catalog.CatalogItem, field string) string {
	switch field {
	case catalog.FieldSourceURL:
		return item.SourceURL
	case catalog.FieldItemCode:
		return item.ItemCode
	case catalog.FieldTitle:
		return item.Title
	case catalog.FieldPrice:
		return item.Price.String()
	case catalog.FieldOriginalPrice:
		return item.OriginalPrice.String()
	case catalog.FieldImageURLs:
		return fmt.Sprintf("%d images", len(item.ImageURLs))
	case catalog.FieldStockStatus:
		return string(item.StockStatus)
	case catalog.FieldSaleStatus:
		return string(item.SaleStatus)
	}
	return ""
}

var titleFolder = cases.Lower(language.Und)

// TitleSimilarity is the normalized Levenshtein similarity of two titles
// after case folding and whitespace normalization, in [0,1].
func TitleSimilarity(a, b string) float64 {
	na := titleFolder.String(extract.NormalizeSpace(a))
	nb := titleFolder.String(extract.NormalizeSpace(b))
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return levenshtein.Match(na, nb, nil)
}

// priceWithinTolerance treats a relative delta under tolerance as
// rounding noise. Currency mismatch is a disagreement unless one side
// omitted the currency.
func priceWithinTolerance(a, b catalog.Price, tolerance float64) bool {
	if a.Currency != "" && b.Currency != "" && a.Currency != b.Currency {
		return false
	}
	larger := math.Max(math.Abs(a.Amount), math.Abs(b.Amount))
	if larger == 0 {
		return true
	}
	return math.Abs(a.Amount-b.Amount)/larger <= tolerance
}

// imagesOverlap reports whether the two channels saw at least one common
// image URL.
func imagesOverlap(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, u := range a {
		set[u] = struct{}{}
	}
	for _, u := range b {
		if _, ok := set[u]; ok {
			return true
		}
	}
	return false
}

// fuzzyItemSimilarity combines title similarity with price proximity for
// join decisions when no key is available.
func fuzzyItemSimilarity(a, b *catalog.CatalogItem) float64 {
	title := TitleSimilarity(a.Title, b.Title)
	if a.Price.IsZero() || b.Price.IsZero() {
		return title
	}
	price := 0.0
	if priceWithinTolerance(a.Price, b.Price, 0.05) {
		price = 1.0
	}
	return 0.8*title + 0.2*price
}
