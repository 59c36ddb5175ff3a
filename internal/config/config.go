package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

// Default values applied when the configuration omits a setting.
const (
	DefaultWorkers           = 4
	DefaultRequestsPerSecond = 1.0
	DefaultBurst             = 2
	DefaultPageTimeout       = 90 * time.Second
	DefaultRetriesPerTier    = 1
	DefaultRetryBaseDelay    = 2 * time.Second
	DefaultMinCandidateLinks = 3
	DefaultMinDocumentBytes  = 512

	DefaultCoverageThreshold = 0.60
	DefaultQuotaTripCount    = 3
	DefaultMaxTitleLength    = 250
	DefaultMaxPlausiblePrice = 1_000_000

	DefaultPriceTolerance       = 0.01
	DefaultTitleSimilarityFloor = 0.85
	DefaultJoinSimilarityFloor  = 0.70

	DefaultThresholdLow  = 0.35
	DefaultThresholdHigh = 0.82

	DefaultDecayAlpha           = 0.30
	DefaultPruneFloor           = 0.15
	DefaultPruneMinAttempts     = 8
	DefaultRetentionHorizon     = 45 * 24 * time.Hour
	DefaultLearnerQueueSize     = 1024
	DefaultHighConfidenceWeight = 0.75

	DefaultStorageBatchSize      = 500
	DefaultStorageConnectTimeout = 10 * time.Second

	DefaultMetricsListenAddress = ":9190"
	DefaultMetricsPath          = "/metrics"

	DefaultBrowserPoolSize        = 3
	DefaultBrowserNavigateTimeout = 60 * time.Second
	DefaultBrowserWaitDelay       = 2 * time.Second
)

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("configuration filename cannot be empty")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes, expanding ${ENV_VAR}
// references, applying defaults and validating.
func LoadFromBytes(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("configuration data cannot be empty")
	}

	expanded := expandEnvironmentVariables(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvironmentVariables substitutes ${VAR} references with their
// environment values. Unset variables expand to the empty string.
func expandEnvironmentVariables(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// applyDefaults fills in missing configuration values.
func applyDefaults(cfg *Config) {
	for name, r := range cfg.Retailers {
		if r.Workers <= 0 {
			r.Workers = DefaultWorkers
		}
		if r.RequestsPerSecond <= 0 {
			r.RequestsPerSecond = DefaultRequestsPerSecond
		}
		if r.Burst <= 0 {
			r.Burst = DefaultBurst
		}
		if r.PageTimeout <= 0 {
			r.PageTimeout = DefaultPageTimeout
		}
		if len(r.Tiers) == 0 {
			r.Tiers = catalog.OrderedTiers()
		}
		cfg.Retailers[name] = r
	}

	if cfg.Escalator.RetriesPerTier <= 0 {
		cfg.Escalator.RetriesPerTier = DefaultRetriesPerTier
	}
	if cfg.Escalator.RetryBaseDelay <= 0 {
		cfg.Escalator.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Escalator.MinCandidateLinks <= 0 {
		cfg.Escalator.MinCandidateLinks = DefaultMinCandidateLinks
	}
	if cfg.Escalator.MinDocumentBytes <= 0 {
		cfg.Escalator.MinDocumentBytes = DefaultMinDocumentBytes
	}

	if cfg.Visual.CoverageThreshold <= 0 {
		cfg.Visual.CoverageThreshold = DefaultCoverageThreshold
	}
	if cfg.Visual.QuotaTripCount <= 0 {
		cfg.Visual.QuotaTripCount = DefaultQuotaTripCount
	}
	if cfg.Visual.MaxTitleLength <= 0 {
		cfg.Visual.MaxTitleLength = DefaultMaxTitleLength
	}
	if cfg.Visual.MaxPlausiblePrice <= 0 {
		cfg.Visual.MaxPlausiblePrice = DefaultMaxPlausiblePrice
	}

	if cfg.Merge.PriceTolerance <= 0 {
		cfg.Merge.PriceTolerance = DefaultPriceTolerance
	}
	if cfg.Merge.TitleSimilarityFloor <= 0 {
		cfg.Merge.TitleSimilarityFloor = DefaultTitleSimilarityFloor
	}
	if cfg.Merge.JoinSimilarityFloor <= 0 {
		cfg.Merge.JoinSimilarityFloor = DefaultJoinSimilarityFloor
	}

	if cfg.ChangeDetection.Thresholds.Low <= 0 {
		cfg.ChangeDetection.Thresholds.Low = DefaultThresholdLow
	}
	if cfg.ChangeDetection.Thresholds.High <= 0 {
		cfg.ChangeDetection.Thresholds.High = DefaultThresholdHigh
	}

	if cfg.Patterns.DecayAlpha <= 0 {
		cfg.Patterns.DecayAlpha = DefaultDecayAlpha
	}
	if cfg.Patterns.PruneFloor <= 0 {
		cfg.Patterns.PruneFloor = DefaultPruneFloor
	}
	if cfg.Patterns.PruneMinAttempts <= 0 {
		cfg.Patterns.PruneMinAttempts = DefaultPruneMinAttempts
	}
	if cfg.Patterns.RetentionHorizon <= 0 {
		cfg.Patterns.RetentionHorizon = DefaultRetentionHorizon
	}
	if cfg.Patterns.QueueSize <= 0 {
		cfg.Patterns.QueueSize = DefaultLearnerQueueSize
	}
	if cfg.Patterns.HighConfidenceWeight <= 0 {
		cfg.Patterns.HighConfidenceWeight = DefaultHighConfidenceWeight
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.BatchSize <= 0 {
		cfg.Storage.BatchSize = DefaultStorageBatchSize
	}
	if cfg.Storage.ConnectTimeout <= 0 {
		cfg.Storage.ConnectTimeout = DefaultStorageConnectTimeout
	}

	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsListenAddress
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	if cfg.Browser != nil {
		if cfg.Browser.PoolSize <= 0 {
			cfg.Browser.PoolSize = DefaultBrowserPoolSize
		}
		if cfg.Browser.NavigateTimeout <= 0 {
			cfg.Browser.NavigateTimeout = DefaultBrowserNavigateTimeout
		}
		if cfg.Browser.WaitDelay <= 0 {
			cfg.Browser.WaitDelay = DefaultBrowserWaitDelay
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Retailers) == 0 {
		return fmt.Errorf("at least one retailer must be configured")
	}

	for name, r := range c.Retailers {
		if r.BaseURL == "" {
			return fmt.Errorf("retailer %q: base_url is required", name)
		}
		for cat, u := range r.Categories {
			if cat == "" || u == "" {
				return fmt.Errorf("retailer %q: categories need both a name and a URL", name)
			}
		}
		for _, tier := range r.Tiers {
			if !catalog.IsValidTier(tier) {
				return fmt.Errorf("retailer %q: unknown tier %q", name, tier)
			}
		}
		if r.Thresholds != nil {
			if err := r.Thresholds.validate(); err != nil {
				return fmt.Errorf("retailer %q: %w", name, err)
			}
		}
		for field, selectors := range r.SelectorSeeds {
			if field == "" {
				return fmt.Errorf("retailer %q: selector seed with empty field name", name)
			}
			if len(selectors) == 0 {
				return fmt.Errorf("retailer %q: field %q has no seed selectors", name, field)
			}
		}
	}

	if err := c.ChangeDetection.Thresholds.validate(); err != nil {
		return err
	}

	if c.Patterns.DecayAlpha >= 1 {
		return fmt.Errorf("patterns.decay_alpha must be in (0,1), got %v", c.Patterns.DecayAlpha)
	}

	valid := false
	for _, b := range ValidBackends() {
		if c.Storage.Backend == b {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	if c.Proxy != nil && len(c.Proxy.URLs) == 0 {
		return fmt.Errorf("proxy section present but proxy.urls is empty")
	}

	return nil
}

func (t *ThresholdBands) validate() error {
	if t.Low <= 0 || t.Low >= 1 {
		return fmt.Errorf("thresholds.low must be in (0,1), got %v", t.Low)
	}
	if t.High <= 0 || t.High >= 1 {
		return fmt.Errorf("thresholds.high must be in (0,1), got %v", t.High)
	}
	if t.Low >= t.High {
		return fmt.Errorf("thresholds.low (%v) must be below thresholds.high (%v)", t.Low, t.High)
	}
	return nil
}

// BandsFor returns the retailer's threshold override when present, else the
// global bands.
func (c *Config) BandsFor(retailer string) ThresholdBands {
	if r, ok := c.Retailers[retailer]; ok && r.Thresholds != nil {
		return *r.Thresholds
	}
	return c.ChangeDetection.Thresholds
}
