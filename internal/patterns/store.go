// Package patterns maintains per-retailer selector confidence state: which
// structural selectors succeeded or failed historically, weighted by an
// exponential moving average so a selector broken by a site redesign is
// demoted promptly instead of being diluted by years of prior success.
package patterns

import (
	"sort"
	"sync"
	"time"
)

// SelectorCandidate is a (retailer, field, selector) triple with running
// counters and a derived confidence weight in [0,1]. Candidates are created
// on first observed attempt, updated on every subsequent attempt, and
// removed only by an explicit retention sweep.
type SelectorCandidate struct {
	Retailer    string    `json:"retailer"`
	Field       string    `json:"field"`
	Selector    string    `json:"selector"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Weight      float64   `json:"weight"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Attempts returns the total recorded attempts.
func (c *SelectorCandidate) Attempts() int64 {
	return c.Successes + c.Failures
}

type candidateKey struct {
	retailer string
	field    string
	selector string
}

// Store holds selector confidence state. All mutation is a commutative
// accumulation (counter increments plus an EWMA fold), applied under a
// single lock; callers on the extraction path never write directly, they
// send outcomes through the Learner.
type Store struct {
	mu         sync.RWMutex
	candidates map[candidateKey]*SelectorCandidate

	// alpha is the EWMA weight of the most recent outcome.
	alpha float64

	// seedWeight is the starting weight for a never-attempted selector.
	seedWeight float64
}

// NewStore creates an empty store with the given EWMA alpha.
func NewStore(alpha float64) *Store {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.30
	}
	return &Store{
		candidates: make(map[candidateKey]*SelectorCandidate),
		alpha:      alpha,
		seedWeight: 0.5,
	}
}

// Outcome is one selector attempt result reported by the structural
// extractor, optionally carrying a validator mismatch signal: a selector
// that produced a value contradicted by the visual channel counts against
// the selector even though extraction nominally succeeded.
type Outcome struct {
	Retailer   string
	Field      string
	Selector   string
	Success    bool
	Mismatched bool
	ObservedAt time.Time
}

// Apply folds one outcome into the store. Increments and EWMA folds are
// order-insensitive enough for concurrent pages of the same retailer;
// last-writer-wins snapshots are never used.
func (s *Store) Apply(o Outcome) {
	if o.Retailer == "" || o.Field == "" || o.Selector == "" {
		return
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := candidateKey{o.Retailer, o.Field, o.Selector}
	c, ok := s.candidates[key]
	if !ok {
		c = &SelectorCandidate{
			Retailer: o.Retailer,
			Field:    o.Field,
			Selector: o.Selector,
			Weight:   s.seedWeight,
		}
		s.candidates[key] = c
	}

	effective := o.Success && !o.Mismatched
	sample := 0.0
	if effective {
		sample = 1.0
	}

	if o.Success {
		c.Successes++
		c.LastSuccess = o.ObservedAt
	} else {
		c.Failures++
	}
	c.LastAttempt = o.ObservedAt

	// Bounded-memory moving average: one float per candidate, no log
	// replay.
	c.Weight = c.Weight*(1-s.alpha) + sample*s.alpha
}

// Seed registers a selector with the default weight if it is not yet
// known. Used to load configured seed selectors and persisted state.
func (s *Store) Seed(retailer, field, selector string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := candidateKey{retailer, field, selector}
	if _, ok := s.candidates[key]; ok {
		return
	}
	s.candidates[key] = &SelectorCandidate{
		Retailer: retailer,
		Field:    field,
		Selector: selector,
		Weight:   s.seedWeight,
	}
}

// Restore inserts a previously persisted candidate, overwriting any seed.
func (s *Store) Restore(c SelectorCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := c
	s.candidates[candidateKey{c.Retailer, c.Field, c.Selector}] = &copied
}

// Ranked returns the selectors for (retailer, field) in descending weight
// order, ties broken by recency of last success. The extractor tries them
// in this order.
func (s *Store) Ranked(retailer, field string) []SelectorCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SelectorCandidate
	for key, c := range s.candidates {
		if key.retailer == retailer && key.field == field {
			out = append(out, *c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].LastSuccess.After(out[j].LastSuccess)
	})
	return out
}

// HasHighConfidenceSet reports whether the retailer has at least one
// selector at or above the given weight for every listed field. Pages of
// retailers without such a set always run the visual channel.
func (s *Store) HasHighConfidenceSet(retailer string, fields []string, minWeight float64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, field := range fields {
		found := false
		for key, c := range s.candidates {
			if key.retailer == retailer && key.field == field && c.Weight >= minWeight {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Prune removes candidates whose weight has fallen below floor after at
// least minAttempts attempts, and candidates unused beyond the retention
// horizon. Returns the number removed.
func (s *Store) Prune(floor float64, minAttempts int64, horizon time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.candidates {
		stale := horizon > 0 && !c.LastAttempt.IsZero() && now.Sub(c.LastAttempt) > horizon
		broken := c.Attempts() >= minAttempts && c.Weight < floor
		if stale || broken {
			delete(s.candidates, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of every candidate, for persistence.
func (s *Store) Snapshot() []SelectorCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SelectorCandidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Retailer != out[j].Retailer {
			return out[i].Retailer < out[j].Retailer
		}
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

// Len returns the number of tracked candidates.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candidates)
}
