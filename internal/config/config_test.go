package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

const minimalYAML = `
name: nightly-catalog
version: "1.0"
retailers:
  acme:
    base_url: https://shop.example
    categories:
      shoes: https://shop.example/c/shoes
storage:
  backend: sqlite
  dsn: /tmp/shelfwatch.db
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	r := cfg.Retailers["acme"]
	if r.Workers != DefaultWorkers {
		t.Errorf("workers = %d, want default %d", r.Workers, DefaultWorkers)
	}
	if r.PageTimeout != DefaultPageTimeout {
		t.Errorf("page timeout = %v", r.PageTimeout)
	}
	if len(r.Tiers) != len(catalog.OrderedTiers()) {
		t.Errorf("tiers = %v, want full chain", r.Tiers)
	}
	if cfg.Visual.QuotaTripCount != DefaultQuotaTripCount {
		t.Errorf("quota trip count = %d", cfg.Visual.QuotaTripCount)
	}
	if cfg.ChangeDetection.Thresholds.Low != DefaultThresholdLow ||
		cfg.ChangeDetection.Thresholds.High != DefaultThresholdHigh {
		t.Errorf("thresholds = %+v", cfg.ChangeDetection.Thresholds)
	}
	if cfg.Patterns.DecayAlpha != DefaultDecayAlpha {
		t.Errorf("decay alpha = %v", cfg.Patterns.DecayAlpha)
	}
	if cfg.Storage.BatchSize != DefaultStorageBatchSize {
		t.Errorf("batch size = %d", cfg.Storage.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("minimal config should validate: %v", err)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	os.Setenv("SHELFWATCH_TEST_DSN", "postgres://crawler@db/catalog")
	defer os.Unsetenv("SHELFWATCH_TEST_DSN")

	yaml := strings.Replace(minimalYAML, "dsn: /tmp/shelfwatch.db", "dsn: ${SHELFWATCH_TEST_DSN}", 1)
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Storage.DSN != "postgres://crawler@db/catalog" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Name = "" }, "name"},
		{"no retailers", func(c *Config) { c.Retailers = nil }, "retailer"},
		{"missing base url", func(c *Config) {
			r := c.Retailers["acme"]
			r.BaseURL = ""
			c.Retailers["acme"] = r
		}, "base_url"},
		{"unknown tier", func(c *Config) {
			r := c.Retailers["acme"]
			r.Tiers = []catalog.ExtractionTier{"carrier_pigeon"}
			c.Retailers["acme"] = r
		}, "tier"},
		{"inverted bands", func(c *Config) {
			c.ChangeDetection.Thresholds = ThresholdBands{Low: 0.9, High: 0.4}
		}, "below"},
		{"empty category url", func(c *Config) {
			r := c.Retailers["acme"]
			r.Categories = map[string]string{"shoes": ""}
			c.Retailers["acme"] = r
		}, "categories"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "backend"},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }, "dsn"},
	}

	for _, tc := range cases {
		cfg, err := LoadFromBytes([]byte(minimalYAML))
		if err != nil {
			t.Fatalf("%s: load failed: %v", tc.name, err)
		}
		tc.mutate(cfg)
		err = cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q should mention %q", tc.name, err, tc.want)
		}
	}
}

func TestBandsForRetailerOverride(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if got := cfg.BandsFor("acme"); got != cfg.ChangeDetection.Thresholds {
		t.Errorf("retailer without override should use global bands, got %+v", got)
	}

	r := cfg.Retailers["acme"]
	r.Thresholds = &ThresholdBands{Low: 0.4, High: 0.9}
	cfg.Retailers["acme"] = r

	if got := cfg.BandsFor("acme"); got.High != 0.9 {
		t.Errorf("override not honored: %+v", got)
	}
	if got := cfg.BandsFor("unknown"); got != cfg.ChangeDetection.Thresholds {
		t.Errorf("unknown retailer should use global bands, got %+v", got)
	}
}

func TestBrowserSectionDefaults(t *testing.T) {
	yaml := minimalYAML + `
browser:
  headless: true
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Browser == nil {
		t.Fatal("browser section should be present")
	}
	if cfg.Browser.PoolSize != DefaultBrowserPoolSize {
		t.Errorf("pool size = %d", cfg.Browser.PoolSize)
	}
	if cfg.Browser.NavigateTimeout != DefaultBrowserNavigateTimeout {
		t.Errorf("navigate timeout = %v", cfg.Browser.NavigateTimeout)
	}

	// Absent section stays nil so callers fall back to package defaults.
	cfg, err = LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Browser != nil {
		t.Error("absent browser section should stay nil")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/shelfwatch.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFromFile(""); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestPageTimeoutParsesDuration(t *testing.T) {
	yaml := strings.Replace(minimalYAML,
		"base_url: https://shop.example",
		"base_url: https://shop.example\n    page_timeout: 45s", 1)
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Retailers["acme"].PageTimeout != 45*time.Second {
		t.Errorf("page timeout = %v", cfg.Retailers["acme"].PageTimeout)
	}
}
