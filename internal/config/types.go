// Package config provides configuration types and loading for the
// extraction engine: retailer definitions, tier escalation settings, merge
// tolerances, change-detection threshold bands and storage selection.
package config

import (
	"time"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

// Config is the root configuration for a crawl deployment.
type Config struct {
	// Name identifies this configuration.
	Name string `yaml:"name" json:"name"`

	// Version of the configuration format.
	Version string `yaml:"version" json:"version"`

	// Retailers maps retailer identifier to its crawl settings.
	Retailers map[string]RetailerConfig `yaml:"retailers" json:"retailers"`

	// Escalator controls tier escalation behavior.
	Escalator EscalatorConfig `yaml:"escalator" json:"escalator"`

	// Visual controls when and how the visual channel is invoked.
	Visual VisualConfig `yaml:"visual" json:"visual"`

	// Merge controls hybrid reconciliation tolerances.
	Merge MergeConfig `yaml:"merge" json:"merge"`

	// ChangeDetection holds similarity threshold bands.
	ChangeDetection ChangeDetectionConfig `yaml:"change_detection" json:"change_detection"`

	// Patterns controls selector confidence learning.
	Patterns PatternsConfig `yaml:"patterns" json:"patterns"`

	// Storage selects and configures the storage collaborator.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Metrics configures the metrics/health HTTP endpoint.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Browser configures the headless render tier. Nil selects the
	// browser package defaults.
	Browser *BrowserConfig `yaml:"browser,omitempty" json:"browser,omitempty"`

	// Proxy routes the cheap fetch tiers through rotating proxies. Nil
	// fetches directly.
	Proxy *ProxyConfig `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// ProxyConfig configures outbound proxy rotation.
type ProxyConfig struct {
	// URLs are the proxy endpoints.
	URLs []string `yaml:"urls" json:"urls"`

	// FailureThreshold marks a proxy unhealthy after this many
	// consecutive failures.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// Cooldown is how long an unhealthy proxy sits out.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// BrowserConfig controls the headless Chrome fetcher used by the render
// and visual tiers.
type BrowserConfig struct {
	// PoolSize bounds concurrent browser tabs.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// Headless runs Chrome without a display.
	Headless bool `yaml:"headless" json:"headless"`

	// UserAgent overrides the browser default.
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`

	// NavigateTimeout aborts a single page render.
	NavigateTimeout time.Duration `yaml:"navigate_timeout" json:"navigate_timeout"`

	// WaitDelay pauses after load so JS-populated listings settle.
	WaitDelay time.Duration `yaml:"wait_delay" json:"wait_delay"`
}

// RetailerConfig holds per-retailer crawl settings. Retailers are isolated
// pools so one retailer's failures or rate limits do not starve others.
type RetailerConfig struct {
	// BaseURL of the retailer storefront.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Categories maps category name to its listing page URL. These seed
	// the crawl; pagination discovered from them is followed in-page.
	Categories map[string]string `yaml:"categories,omitempty" json:"categories,omitempty"`

	// Workers bounds the number of in-flight pages for the retailer.
	Workers int `yaml:"workers" json:"workers"`

	// RequestsPerSecond paces fetches against the retailer.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// Burst allows temporarily exceeding the rate.
	Burst int `yaml:"burst" json:"burst"`

	// PageTimeout aborts a single page's fetch and extraction. The abort
	// is reported as a tier-exhaustion failure and never touches sibling
	// pages.
	PageTimeout time.Duration `yaml:"page_timeout" json:"page_timeout"`

	// Tiers overrides the default escalation chain for the retailer.
	Tiers []catalog.ExtractionTier `yaml:"tiers,omitempty" json:"tiers,omitempty"`

	// SelectorSeeds maps field name to initial selector expressions tried
	// before any learned weights exist.
	SelectorSeeds map[string][]string `yaml:"selector_seeds,omitempty" json:"selector_seeds,omitempty"`

	// Thresholds optionally overrides the global similarity bands; tuned
	// empirically per retailer.
	Thresholds *ThresholdBands `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// EscalatorConfig controls the tiered fetch escalator.
type EscalatorConfig struct {
	// RetriesPerTier bounds same-tier retries before escalating.
	RetriesPerTier int `yaml:"retries_per_tier" json:"retries_per_tier"`

	// RetryBaseDelay is the initial backoff delay between same-tier
	// retries; doubled per attempt.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`

	// MinCandidateLinks is the sanity-check floor: a category page whose
	// document yields fewer candidate links is rejected and escalated.
	MinCandidateLinks int `yaml:"min_candidate_links" json:"min_candidate_links"`

	// MinDocumentBytes rejects truncated or empty documents.
	MinDocumentBytes int `yaml:"min_document_bytes" json:"min_document_bytes"`
}

// VisualConfig controls the visual extraction channel.
type VisualConfig struct {
	// CoverageThreshold triggers the visual channel when structural field
	// coverage falls below it. Pages with no prior high-confidence
	// selector set always use the visual channel.
	CoverageThreshold float64 `yaml:"coverage_threshold" json:"coverage_threshold"`

	// QuotaTripCount disables the visual tier for a retailer for the rest
	// of the run after this many consecutive quota-exhaustion errors.
	QuotaTripCount int `yaml:"quota_trip_count" json:"quota_trip_count"`

	// MaxTitleLength is the validity ceiling for model-produced titles.
	MaxTitleLength int `yaml:"max_title_length" json:"max_title_length"`

	// MaxPlausiblePrice rejects obviously garbled OCR price values.
	MaxPlausiblePrice float64 `yaml:"max_plausible_price" json:"max_plausible_price"`
}

// MergeConfig holds hybrid merge tolerances.
type MergeConfig struct {
	// PriceTolerance is the relative price difference treated as rounding
	// noise rather than a mismatch.
	PriceTolerance float64 `yaml:"price_tolerance" json:"price_tolerance"`

	// TitleSimilarityFloor is the minimum normalized title similarity for
	// two values to count as agreeing.
	TitleSimilarityFloor float64 `yaml:"title_similarity_floor" json:"title_similarity_floor"`

	// JoinSimilarityFloor is the minimum fuzzy title+price similarity for
	// a keyed-merge pairing when no URL or code joins candidates.
	JoinSimilarityFloor float64 `yaml:"join_similarity_floor" json:"join_similarity_floor"`
}

// ThresholdBands are the similarity bands that gate routing. Tunable per
// deployment, never hard-coded behavior.
type ThresholdBands struct {
	// Low: below it an item is new with high confidence.
	Low float64 `yaml:"low" json:"low"`

	// High: at or above it an item matches an existing one. Between Low
	// and High the item is a new-uncertain (ambiguous duplicate).
	High float64 `yaml:"high" json:"high"`
}

// ChangeDetectionConfig holds the global threshold bands.
type ChangeDetectionConfig struct {
	Thresholds ThresholdBands `yaml:"thresholds" json:"thresholds"`
}

// PatternsConfig controls selector confidence learning and retention.
type PatternsConfig struct {
	// DecayAlpha is the EWMA weight of the most recent outcome.
	DecayAlpha float64 `yaml:"decay_alpha" json:"decay_alpha"`

	// PruneFloor retires selectors whose weight stays below it.
	PruneFloor float64 `yaml:"prune_floor" json:"prune_floor"`

	// PruneMinAttempts protects young selectors from premature pruning.
	PruneMinAttempts int `yaml:"prune_min_attempts" json:"prune_min_attempts"`

	// RetentionHorizon drops candidates unused beyond this duration
	// during a retention sweep.
	RetentionHorizon time.Duration `yaml:"retention_horizon" json:"retention_horizon"`

	// QueueSize bounds the learner's outcome queue.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// HighConfidenceWeight is the weight above which a retailer counts as
	// having a high-confidence selector set.
	HighConfidenceWeight float64 `yaml:"high_confidence_weight" json:"high_confidence_weight"`
}

// StorageBackend selects a storage implementation.
type StorageBackend string

const (
	BackendSQLite   StorageBackend = "sqlite"
	BackendPostgres StorageBackend = "postgres"
	BackendMySQL    StorageBackend = "mysql"
	BackendMongoDB  StorageBackend = "mongodb"
)

// ValidBackends returns every supported storage backend.
func ValidBackends() []StorageBackend {
	return []StorageBackend{BackendSQLite, BackendPostgres, BackendMySQL, BackendMongoDB}
}

// StorageConfig configures the catalog storage collaborator.
type StorageConfig struct {
	// Backend selects the implementation.
	Backend StorageBackend `yaml:"backend" json:"backend"`

	// DSN is the driver connection string (file path for sqlite).
	DSN string `yaml:"dsn" json:"dsn"`

	// Database name, used by the MongoDB backend.
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// BatchSize bounds a single persistence write.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// ConnectTimeout bounds backend connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// MetricsConfig configures the metrics/health endpoint.
type MetricsConfig struct {
	// Enabled turns the HTTP endpoint on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ListenAddress for the HTTP server.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`

	// Path for the Prometheus scrape endpoint.
	Path string `yaml:"path" json:"path"`
}
