// Package catalog defines the domain types shared by the extraction,
// merge, change-detection and storage components: observed listing items,
// their per-field confidence, and the append-only change records produced
// for each crawl.
package catalog

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ExtractionTier identifies which acquisition tier produced a page or item.
type ExtractionTier string

const (
	TierProxyFetch     ExtractionTier = "proxy_fetch"
	TierStructuralOnly ExtractionTier = "structural_only"
	TierBrowserRender  ExtractionTier = "browser_render"
	TierVisualFallback ExtractionTier = "visual_fallback"
)

// OrderedTiers returns the default tier escalation chain in ascending cost
// order.
func OrderedTiers() []ExtractionTier {
	return []ExtractionTier{TierProxyFetch, TierStructuralOnly, TierBrowserRender, TierVisualFallback}
}

// IsValidTier reports whether t is a known extraction tier.
func IsValidTier(t ExtractionTier) bool {
	switch t {
	case TierProxyFetch, TierStructuralOnly, TierBrowserRender, TierVisualFallback:
		return true
	}
	return false
}

// StockStatus represents availability as observed on the catalog page.
type StockStatus string

const (
	StockUnknown    StockStatus = "unknown"
	StockInStock    StockStatus = "in_stock"
	StockOutOfStock StockStatus = "out_of_stock"
	StockLimited    StockStatus = "limited"
)

// SaleStatus marks whether the listing advertises a discount.
type SaleStatus string

const (
	SaleUnknown  SaleStatus = "unknown"
	SaleRegular  SaleStatus = "regular"
	SaleDiscount SaleStatus = "discount"
)

// Price is a monetary amount with its ISO 4217 currency code.
type Price struct {
	Amount   float64 `yaml:"amount" json:"amount"`
	Currency string  `yaml:"currency" json:"currency"`
}

// IsZero reports whether the price carries no value.
func (p Price) IsZero() bool {
	return p.Amount == 0 && p.Currency == ""
}

// String formats the price for logs and reports.
func (p Price) String() string {
	if p.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%.2f %s", p.Amount, p.Currency)
}

// Field names used as keys in FieldConfidence maps and selector tables.
const (
	FieldSourceURL     = "source_url"
	FieldItemCode      = "item_code"
	FieldTitle         = "title"
	FieldPrice         = "price"
	FieldOriginalPrice = "original_price"
	FieldImageURLs     = "image_urls"
	FieldStockStatus   = "stock_status"
	FieldSaleStatus    = "sale_status"
)

// MergeableFields lists every field the hybrid merge reconciles, in a fixed
// order so coverage computation is deterministic.
func MergeableFields() []string {
	return []string{
		FieldSourceURL, FieldItemCode, FieldTitle, FieldPrice,
		FieldOriginalPrice, FieldImageURLs, FieldStockStatus, FieldSaleStatus,
	}
}

// CatalogItem is one listing instance observed during a crawl. SourceURL is
// always present after extraction and is the stable join key between the
// structural and visual channels before item codes are known. ItemCode, when
// present, is unique within one crawl's item set after merge.
type CatalogItem struct {
	SourceURL     string      `yaml:"source_url" json:"source_url"`
	ItemCode      string      `yaml:"item_code,omitempty" json:"item_code,omitempty"`
	Title         string      `yaml:"title,omitempty" json:"title,omitempty"`
	Price         Price       `yaml:"price,omitempty" json:"price,omitempty"`
	OriginalPrice Price       `yaml:"original_price,omitempty" json:"original_price,omitempty"`
	ImageURLs     []string    `yaml:"image_urls,omitempty" json:"image_urls,omitempty"`
	StockStatus   StockStatus `yaml:"stock_status,omitempty" json:"stock_status,omitempty"`
	SaleStatus    SaleStatus  `yaml:"sale_status,omitempty" json:"sale_status,omitempty"`

	// FieldConfidence maps field name to a score in [0,1].
	FieldConfidence map[string]float64 `yaml:"field_confidence,omitempty" json:"field_confidence,omitempty"`

	// ValidationCoverage is the fraction of populated fields confirmed by
	// both extraction sources.
	ValidationCoverage float64 `yaml:"validation_coverage" json:"validation_coverage"`

	// Uncertain marks items that need manual review before downstream
	// publishing (unresolvable mismatch, ambiguous join, single-source).
	Uncertain bool `yaml:"uncertain,omitempty" json:"uncertain,omitempty"`

	ExtractionTier ExtractionTier `yaml:"extraction_tier_used" json:"extraction_tier_used"`
}

// HasField reports whether the named field carries a value on the item.
func (it *CatalogItem) HasField(field string) bool {
	switch field {
	case FieldSourceURL:
		return it.SourceURL != ""
	case FieldItemCode:
		return it.ItemCode != ""
	case FieldTitle:
		return it.Title != ""
	case FieldPrice:
		return !it.Price.IsZero()
	case FieldOriginalPrice:
		return !it.OriginalPrice.IsZero()
	case FieldImageURLs:
		return len(it.ImageURLs) > 0
	case FieldStockStatus:
		return it.StockStatus != "" && it.StockStatus != StockUnknown
	case FieldSaleStatus:
		return it.SaleStatus != "" && it.SaleStatus != SaleUnknown
	}
	return false
}

// Identity returns the strongest identity the item has: the item code when
// known, otherwise the normalized source URL.
func (it *CatalogItem) Identity() string {
	if it.ItemCode != "" {
		return it.ItemCode
	}
	return it.SourceURL
}

// SetConfidence records a per-field confidence score, allocating the map on
// first use.
func (it *CatalogItem) SetConfidence(field string, score float64) {
	if it.FieldConfidence == nil {
		it.FieldConfidence = make(map[string]float64)
	}
	it.FieldConfidence[field] = score
}

// NormalizeURL canonicalizes a listing URL so the same page always yields
// the same join key: lowercased scheme/host, stripped fragment, stripped
// tracking parameters, no trailing slash.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q must be absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for param := range q {
		if isTrackingParam(param) {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	switch lower {
	case "gclid", "fbclid", "ref", "referrer", "mc_cid", "mc_eid":
		return true
	}
	return false
}

// MismatchResolution records how a structural/visual disagreement was
// settled.
type MismatchResolution string

const (
	ResolutionStructural MismatchResolution = "accepted_structural"
	ResolutionVisual     MismatchResolution = "accepted_visual"
	ResolutionFlagged    MismatchResolution = "flagged"
)

// ValidationMismatch records a single field disagreement between the
// structural and visual channels. It exists transiently for audit and
// reporting; it is not part of long-term state beyond logging.
type ValidationMismatch struct {
	Field           string             `json:"field"`
	StructuralValue string             `json:"structural_value"`
	VisualValue     string             `json:"visual_value"`
	Resolution      MismatchResolution `json:"resolution"`
}

// ChangeDecision is the routing decision attached to a ChangeRecord.
type ChangeDecision string

const (
	DecisionNewHighConfidence ChangeDecision = "new_high_confidence"
	DecisionNewUncertain      ChangeDecision = "new_uncertain"
	DecisionExistingUnchanged ChangeDecision = "existing_unchanged"
	DecisionExistingUpdated   ChangeDecision = "existing_updated"
)

// IsNew reports whether the decision routes the item as newly discovered.
func (d ChangeDecision) IsNew() bool {
	return d == DecisionNewHighConfidence || d == DecisionNewUncertain
}

// ChangeRecord is created once per item per crawl and never mutated; a
// later crawl appends a new record rather than editing the old one,
// preserving an append-only audit trail.
type ChangeRecord struct {
	CrawlID    string         `json:"crawl_id"`
	Identity   string         `json:"identity"`
	MatchedID  string         `json:"matched_id,omitempty"`
	Similarity float64        `json:"similarity"`
	Decision   ChangeDecision `json:"decision"`
	CreatedAt  time.Time      `json:"created_at"`
}

// FailureCertainty qualifies a page-level failure: a known, classified
// error versus an uncertain one that may warrant investigation.
type FailureCertainty string

const (
	CertaintyKnownError FailureCertainty = "known_error"
	CertaintyUncertain  FailureCertainty = "uncertain"
)

// PageFailure describes one failed page with enough detail to retry it
// without re-deriving context.
type PageFailure struct {
	Retailer  string           `json:"retailer"`
	Category  string           `json:"category"`
	URL       string           `json:"url"`
	Stage     string           `json:"stage"`
	Reason    string           `json:"reason"`
	Certainty FailureCertainty `json:"certainty"`
}

// Error implements the error interface so failures can travel as errors.
func (f *PageFailure) Error() string {
	return fmt.Sprintf("%s failed at %s: %s (%s)", f.URL, f.Stage, f.Reason, f.Certainty)
}

// CrawlOutcome is the result of processing one catalog page: the reconciled
// items, their change records, and any page-level failures. One page's
// failure never aborts the batch, so outcome and failures coexist.
type CrawlOutcome struct {
	Retailer      string               `json:"retailer"`
	Category      string               `json:"category"`
	URL           string               `json:"url"`
	CrawlID       string               `json:"crawl_id"`
	Items         []CatalogItem        `json:"items"`
	ChangeRecords []ChangeRecord       `json:"change_records"`
	Mismatches    []ValidationMismatch `json:"mismatches,omitempty"`
	Failures      []PageFailure        `json:"failures,omitempty"`
	TierUsed      ExtractionTier       `json:"tier_used"`
	StartedAt     time.Time            `json:"started_at"`
	Duration      time.Duration        `json:"duration"`
}
