// Package fetch defines the page-acquisition collaborator interface and
// the tiered escalator that orchestrates attempts across it in ascending
// cost order.
package fetch

import (
	"context"

	"github.com/shelfwatch/shelfwatch/internal/catalog"
)

// Status classifies a fetch attempt's outcome. Blocked is distinguishable
// from ordinary HTTP failure so the escalator can treat anti-bot
// challenges as a tier-escalation signal rather than a retriable fault.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusBlocked
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Options carries per-request tier options to a Fetcher.
type Options struct {
	// Retailer identifier, for per-retailer collaborator state.
	Retailer string

	// Tier being attempted; lets a shared Fetcher implementation vary
	// behavior (e.g. screenshots only for the visual tier).
	Tier catalog.ExtractionTier

	// WantScreenshots requests top/middle/bottom viewport captures.
	WantScreenshots bool
}

// Result is the raw page representation returned by a Fetcher.
type Result struct {
	// Document is the page HTML. May be empty for a visual-only tier.
	Document string

	// Screenshots are viewport captures in page order (top to bottom).
	// Nil unless the tier produces them.
	Screenshots [][]byte

	// Status of the attempt.
	Status Status

	// HTTPStatus is the underlying HTTP status code when applicable.
	HTTPStatus int
}

// Fetcher is the acquisition collaborator for one tier. Implementations
// wrap a lightweight proxy client, a full browser render, or whatever the
// deployment provides; challenge solving happens behind this interface.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) (*Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string, opts Options) (*Result, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string, opts Options) (*Result, error) {
	return f(ctx, url, opts)
}
