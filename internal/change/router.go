// Package change routes each merged item against the known catalog:
// confident matches update or confirm existing entries, confident
// non-matches create new entries, and everything in between is parked
// as uncertain for review instead of guessed at.
package change

import (
	"image"
	"time"

	"github.com/corona10/goimagehash"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/merge"
)

// Similarity scores for the deterministic match ladder. Exact item-code
// equality dominates everything else.
const (
	similarityCodeMatch = 1.0
	similarityURLMatch  = 0.97

	// tieEpsilon is the score gap under which two candidates are
	// considered tied and the image-hash tie-break runs.
	tieEpsilon = 0.02

	// hashDistanceMax is the worst acceptable perceptual hash distance
	// for the tie-break to prefer a candidate.
	hashDistanceMax = 12
)

// Existing is a known catalog entry offered as a match candidate.
type Existing struct {
	ID   string
	Item catalog.CatalogItem
}

// ImageLoader fetches an image for perceptual hashing. It is optional;
// without one, ties resolve by candidate order.
type ImageLoader func(url string) (image.Image, error)

// Router scores merged items against existing entries and emits
// immutable change records. Safe for concurrent use.
type Router struct {
	bands  config.ThresholdBands
	loader ImageLoader
	now    func() time.Time
}

// NewRouter creates a router with the retailer's threshold bands.
func NewRouter(bands config.ThresholdBands, loader ImageLoader) *Router {
	return &Router{bands: bands, loader: loader, now: time.Now}
}

// Route classifies one item against the candidate set and returns its
// change record. The input item is not modified; callers mark the item
// uncertain when the decision is DecisionNewUncertain.
func (r *Router) Route(crawlID string, item *catalog.CatalogItem, candidates []Existing) catalog.ChangeRecord {
	record := catalog.ChangeRecord{
		CrawlID:   crawlID,
		Identity:  item.Identity(),
		CreatedAt: r.now(),
	}

	best, bestScore := r.bestMatch(item, candidates)

	record.Similarity = bestScore
	switch {
	case bestScore >= r.bands.High:
		record.MatchedID = best.ID
		if changedFields(item, &best.Item) {
			record.Decision = catalog.DecisionExistingUpdated
		} else {
			record.Decision = catalog.DecisionExistingUnchanged
		}
	case bestScore >= r.bands.Low:
		// Neither a confident match nor a confident miss. Creating an
		// entry here would seed duplicates, so the item is parked.
		record.MatchedID = best.ID
		record.Decision = catalog.DecisionNewUncertain
	default:
		record.Decision = catalog.DecisionNewHighConfidence
	}
	return record
}

// RouteAll routes every item, marking mid-band items uncertain in place.
func (r *Router) RouteAll(crawlID string, items []catalog.CatalogItem, candidates []Existing) []catalog.ChangeRecord {
	records := make([]catalog.ChangeRecord, 0, len(items))
	for i := range items {
		rec := r.Route(crawlID, &items[i], candidates)
		if rec.Decision == catalog.DecisionNewUncertain {
			items[i].Uncertain = true
		}
		records = append(records, rec)
	}
	return records
}

// bestMatch walks the ladder: exact code, normalized URL, then fuzzy
// title+price. On a near-tie the perceptual image hash breaks it.
func (r *Router) bestMatch(item *catalog.CatalogItem, candidates []Existing) (Existing, float64) {
	var best Existing
	bestScore := 0.0
	var runnerUp Existing
	runnerScore := 0.0

	for _, cand := range candidates {
		score := r.similarity(item, &cand.Item)
		if score > bestScore {
			runnerUp, runnerScore = best, bestScore
			best, bestScore = cand, score
		} else if score > runnerScore {
			runnerUp, runnerScore = cand, score
		}
	}

	if bestScore > 0 && bestScore-runnerScore < tieEpsilon && runnerScore > 0 {
		if winner, ok := r.breakTie(item, best, runnerUp); ok {
			best = winner
		}
	}
	return best, bestScore
}

func (r *Router) similarity(item, cand *catalog.CatalogItem) float64 {
	if item.ItemCode != "" && cand.ItemCode != "" {
		if item.ItemCode == cand.ItemCode {
			return similarityCodeMatch
		}
		// Both sides carry codes and they differ; fuzzy matching on
		// title alone would invite false merges of sibling variants.
		return 0
	}
	if item.SourceURL != "" && cand.SourceURL != "" {
		a, aerr := catalog.NormalizeURL(item.SourceURL)
		b, berr := catalog.NormalizeURL(cand.SourceURL)
		if aerr == nil && berr == nil && a == b {
			return similarityURLMatch
		}
	}

	title := merge.TitleSimilarity(item.Title, cand.Title)
	if title == 0 {
		return 0
	}
	score := 0.8 * title
	if !item.Price.IsZero() && !cand.Price.IsZero() {
		if priceClose(item.Price, cand.Price) {
			score += 0.2
		}
	} else {
		// No price on one side: redistribute onto title so a strong
		// title match can still clear the high band.
		score = title
	}
	return score
}

// breakTie prefers the candidate whose lead image is perceptually
// closest to the item's. Without a loader or images, the original
// ranking stands.
func (r *Router) breakTie(item *catalog.CatalogItem, a, b Existing) (Existing, bool) {
	if r.loader == nil || len(item.ImageURLs) == 0 {
		return a, false
	}
	itemHash := r.hashLeadImage(item.ImageURLs)
	if itemHash == nil {
		return a, false
	}
	distA := r.hashDistance(itemHash, a.Item.ImageURLs)
	distB := r.hashDistance(itemHash, b.Item.ImageURLs)
	if distB < distA && distB <= hashDistanceMax {
		return b, true
	}
	return a, false
}

func (r *Router) hashLeadImage(urls []string) *goimagehash.ImageHash {
	img, err := r.loader(urls[0])
	if err != nil {
		return nil
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil
	}
	return hash
}

func (r *Router) hashDistance(ref *goimagehash.ImageHash, urls []string) int {
	if len(urls) == 0 {
		return int(^uint(0) >> 1)
	}
	hash := r.hashLeadImage(urls)
	if hash == nil {
		return int(^uint(0) >> 1)
	}
	dist, err := ref.Distance(hash)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return dist
}

func priceClose(a, b catalog.Price) bool {
	if a.Currency != "" && b.Currency != "" && a.Currency != b.Currency {
		return false
	}
	delta := a.Amount - b.Amount
	if delta < 0 {
		delta = -delta
	}
	larger := a.Amount
	if b.Amount > larger {
		larger = b.Amount
	}
	if larger == 0 {
		return true
	}
	return delta/larger <= 0.05
}

// changedFields reports whether any tracked field differs between the
// freshly crawled item and the stored entry.
func changedFields(item, stored *catalog.CatalogItem) bool {
	if item.Title != "" && stored.Title != "" && item.Title != stored.Title {
		return true
	}
	if !item.Price.IsZero() && !stored.Price.IsZero() && item.Price != stored.Price {
		return true
	}
	if !item.OriginalPrice.IsZero() && !stored.OriginalPrice.IsZero() && item.OriginalPrice != stored.OriginalPrice {
		return true
	}
	if item.StockStatus != "" && stored.StockStatus != "" && item.StockStatus != stored.StockStatus {
		return true
	}
	if item.SaleStatus != "" && stored.SaleStatus != "" && item.SaleStatus != stored.SaleStatus {
		return true
	}
	return false
}
