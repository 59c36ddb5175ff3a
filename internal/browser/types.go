// Package browser provides the full-render acquisition tier: a chromedp
// backed fetcher that navigates a page, returns its rendered HTML and,
// for the visual tier, viewport screenshots in page order.
package browser

import "time"

// Config holds browser automation settings.
type Config struct {
	// Headless runs Chrome without a display.
	Headless bool `yaml:"headless" json:"headless"`

	// UserAgent overrides the browser user agent.
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`

	// ViewportWidth and ViewportHeight set the emulated viewport.
	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`

	// NavigationTimeout bounds a single page load.
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`

	// SettleDelay waits after load for late-rendering content.
	SettleDelay time.Duration `yaml:"settle_delay" json:"settle_delay"`

	// ScreenshotQuality is the JPEG quality for captures.
	ScreenshotQuality int `yaml:"screenshot_quality" json:"screenshot_quality"`

	// PoolSize bounds concurrent browser instances.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultConfig returns production-safe browser defaults.
func DefaultConfig() *Config {
	return &Config{
		Headless:          true,
		ViewportWidth:     1366,
		ViewportHeight:    900,
		NavigationTimeout: 45 * time.Second,
		SettleDelay:       2 * time.Second,
		ScreenshotQuality: 80,
		PoolSize:          3,
	}
}
