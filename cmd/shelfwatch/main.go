// cmd/shelfwatch/main.go - CLI entrypoint for the catalog extraction engine
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/browser"
	"github.com/shelfwatch/shelfwatch/internal/catalog"
	"github.com/shelfwatch/shelfwatch/internal/config"
	"github.com/shelfwatch/shelfwatch/internal/crawl"
	"github.com/shelfwatch/shelfwatch/internal/fetch"
	"github.com/shelfwatch/shelfwatch/internal/logging"
	"github.com/shelfwatch/shelfwatch/internal/monitoring"
	"github.com/shelfwatch/shelfwatch/internal/proxy"
	"github.com/shelfwatch/shelfwatch/internal/report"
	"github.com/shelfwatch/shelfwatch/internal/storage"
)

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "run":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: config file required\n")
			fmt.Fprintf(os.Stderr, "Usage: shelfwatch run <config.yaml>\n")
			os.Exit(1)
		}
		runCrawl(os.Args[2])

	case "validate":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: config file required\n")
			fmt.Fprintf(os.Stderr, "Usage: shelfwatch validate <config.yaml>\n")
			os.Exit(1)
		}
		validateConfig(os.Args[2])

	case "version", "--version":
		printVersion()

	case "help", "--help", "-h":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(1)
	}
}

// runCrawl loads the configuration, wires the engine's collaborators,
// crawls every configured category page and writes review workbooks for
// anything left uncertain.
func runCrawl(configFile string) {
	verbose := hasFlag("-v") || hasFlag("--verbose")

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	requests := pageRequests(cfg)
	if len(requests) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no retailer defines any categories to crawl\n")
		os.Exit(1)
	}

	level := logging.InfoLevel
	if verbose {
		level = logging.DebugLevel
	}
	logger := logging.New(level)

	store, err := storage.New(cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	renderer := browser.NewRenderFetcher(browserConfig(cfg), logger.WithField("component", "browser"))
	defer renderer.Close()

	httpOpts := fetch.HTTPFetcherOptions{}
	if cfg.Proxy != nil {
		rotator, err := proxy.NewRotator(proxy.Options{
			URLs:             cfg.Proxy.URLs,
			FailureThreshold: cfg.Proxy.FailureThreshold,
			Cooldown:         cfg.Proxy.Cooldown,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid proxy configuration: %v\n", err)
			os.Exit(1)
		}
		httpOpts.Transport = proxy.NewTransport(rotator)
	}
	httpFetcher := fetch.NewHTTPFetcher(httpOpts)

	metrics := monitoring.NewMetrics()

	engine, err := crawl.New(cfg, crawl.Dependencies{
		Fetchers: map[catalog.ExtractionTier]fetch.Fetcher{
			catalog.TierProxyFetch:     httpFetcher,
			catalog.TierStructuralOnly: httpFetcher,
			catalog.TierBrowserRender:  renderer,
			catalog.TierVisualFallback: renderer,
		},
		Screenshotter: renderer,
		Store:         store,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *monitoring.Server
	if cfg.Metrics.Enabled {
		server = monitoring.NewServer(cfg.Metrics.ListenAddress, metrics, logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	if err := engine.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start engine: %v\n", err)
		os.Exit(1)
	}
	if server != nil {
		server.SetReady(true)
	}

	if verbose {
		fmt.Printf("Configuration: %s\n", cfg.Name)
		fmt.Printf("Retailers: %d\n", len(cfg.Retailers))
		fmt.Printf("Pages to crawl: %d\n", len(requests))
		fmt.Printf("Storage backend: %s\n", cfg.Storage.Backend)
	}

	start := time.Now()
	outcomes := engine.Run(ctx, requests)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: engine shutdown: %v\n", err)
	}

	printSummary(outcomes, time.Since(start), verbose)

	if err := writeReviewQueues(outcomes, reviewDir()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write review workbook: %v\n", err)
		os.Exit(1)
	}

	if ctx.Err() != nil {
		fmt.Fprintf(os.Stderr, "Crawl interrupted\n")
		os.Exit(130)
	}
}

// validateConfig checks the configuration without crawling.
func validateConfig(configFile string) {
	verbose := hasFlag("-v") || hasFlag("--verbose")

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		fmt.Printf("Name: %s\n", cfg.Name)
		fmt.Printf("Storage backend: %s\n", cfg.Storage.Backend)
		for _, name := range retailerNames(cfg) {
			r := cfg.Retailers[name]
			fmt.Printf("Retailer %s: %d categories, %d workers, tiers %v\n",
				name, len(r.Categories), r.Workers, r.Tiers)
		}
	}

	fmt.Printf("✓ Configuration file '%s' is valid\n", configFile)
}

// browserConfig converts the file-level browser section into the render
// fetcher's configuration, keeping package defaults for anything unset.
func browserConfig(cfg *config.Config) *browser.Config {
	bc := browser.DefaultConfig()
	if cfg.Browser == nil {
		return bc
	}
	bc.Headless = cfg.Browser.Headless
	if cfg.Browser.UserAgent != "" {
		bc.UserAgent = cfg.Browser.UserAgent
	}
	bc.PoolSize = cfg.Browser.PoolSize
	bc.NavigationTimeout = cfg.Browser.NavigateTimeout
	bc.SettleDelay = cfg.Browser.WaitDelay
	return bc
}

// pageRequests expands every retailer's category map into crawl requests,
// in deterministic order.
func pageRequests(cfg *config.Config) []crawl.PageRequest {
	var requests []crawl.PageRequest
	for _, name := range retailerNames(cfg) {
		r := cfg.Retailers[name]
		categories := make([]string, 0, len(r.Categories))
		for cat := range r.Categories {
			categories = append(categories, cat)
		}
		sort.Strings(categories)
		for _, cat := range categories {
			requests = append(requests, crawl.PageRequest{
				Retailer: name,
				Category: cat,
				URL:      r.Categories[cat],
			})
		}
	}
	return requests
}

func retailerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Retailers))
	for name := range cfg.Retailers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeReviewQueues exports one workbook per retailer holding anything
// flagged for manual review; empty queues produce no file.
func writeReviewQueues(outcomes []*catalog.CrawlOutcome, dir string) error {
	queues := make(map[string]*report.ReviewQueue)
	for _, outcome := range outcomes {
		q, ok := queues[outcome.Retailer]
		if !ok {
			q = &report.ReviewQueue{Retailer: outcome.Retailer, CrawlID: outcome.CrawlID}
			queues[outcome.Retailer] = q
		}
		q.AddOutcome(outcome)
	}

	for retailer, q := range queues {
		if q.Empty() {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("review-%s-%s.xlsx", retailer, q.CrawlID))
		if err := q.WriteFile(path); err != nil {
			return err
		}
		fmt.Printf("Review queue written to %s\n", path)
	}
	return nil
}

// printSummary reports crawl totals to stdout.
func printSummary(outcomes []*catalog.CrawlOutcome, elapsed time.Duration, verbose bool) {
	var items, uncertain, mismatches, failures int
	for _, outcome := range outcomes {
		items += len(outcome.Items)
		mismatches += len(outcome.Mismatches)
		failures += len(outcome.Failures)
		for _, item := range outcome.Items {
			if item.Uncertain {
				uncertain++
			}
		}
	}

	fmt.Printf("Crawled %d pages in %v\n", len(outcomes), elapsed.Round(time.Millisecond))
	fmt.Printf("Items: %d (%d uncertain), mismatches: %d, page failures: %d\n",
		items, uncertain, mismatches, failures)

	if verbose {
		for _, outcome := range outcomes {
			fmt.Printf("  %s/%s: %d items, tier %s, %v\n",
				outcome.Retailer, outcome.Category, len(outcome.Items),
				outcome.TierUsed, outcome.Duration.Round(time.Millisecond))
			for _, fail := range outcome.Failures {
				fmt.Printf("    failure [%s] %s: %s\n", fail.Certainty, fail.Stage, fail.Reason)
			}
		}
	}
}

// reviewDir returns the directory for review workbooks, from
// --review-dir <path> when present.
func reviewDir() string {
	for i, arg := range os.Args {
		if arg == "--review-dir" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
	}
	return "."
}

// hasFlag checks if a flag is present in command line arguments
func hasFlag(flag string) bool {
	for _, arg := range os.Args {
		if arg == flag {
			return true
		}
	}
	return false
}

// printUsage displays help information
func printUsage() {
	fmt.Println("ShelfWatch - Catalog Extraction & Validation Engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shelfwatch run <config.yaml>        Crawl every configured category page")
	fmt.Println("  shelfwatch validate <config.yaml>   Validate configuration file")
	fmt.Println("  shelfwatch version                  Show version information")
	fmt.Println("  shelfwatch help                     Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -v, --verbose                       Enable verbose output")
	fmt.Println("  --review-dir <dir>                  Directory for review workbooks (default .)")
}

// printVersion displays version information
func printVersion() {
	fmt.Printf("ShelfWatch %s\n", version)
	fmt.Printf("Build time: %s\n", buildTime)
	fmt.Printf("Git commit: %s\n", gitCommit)
}
