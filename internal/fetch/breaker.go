package fetch

import (
	"sync"
)

// QuotaBreaker trips a per-retailer switch after a run of consecutive
// quota-exhaustion errors. Once tripped, the guarded tier stays disabled
// for the remainder of the run; quota errors are never busy-retried.
type QuotaBreaker struct {
	mu          sync.Mutex
	tripCount   int
	consecutive map[string]int
	tripped     map[string]bool
}

// NewQuotaBreaker creates a breaker that trips after tripCount consecutive
// quota errors for the same retailer.
func NewQuotaBreaker(tripCount int) *QuotaBreaker {
	if tripCount <= 0 {
		tripCount = 3
	}
	return &QuotaBreaker{
		tripCount:   tripCount,
		consecutive: make(map[string]int),
		tripped:     make(map[string]bool),
	}
}

// Allow reports whether the retailer's guarded tier may be used.
func (b *QuotaBreaker) Allow(retailer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.tripped[retailer]
}

// RecordQuotaError registers one quota-exhaustion error. Returns true when
// the call tripped the breaker.
func (b *QuotaBreaker) RecordQuotaError(retailer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped[retailer] {
		return false
	}
	b.consecutive[retailer]++
	if b.consecutive[retailer] >= b.tripCount {
		b.tripped[retailer] = true
		return true
	}
	return false
}

// RecordSuccess resets the consecutive-error run for the retailer.
func (b *QuotaBreaker) RecordSuccess(retailer string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped[retailer] {
		b.consecutive[retailer] = 0
	}
}

// Tripped reports whether the retailer's breaker has tripped.
func (b *QuotaBreaker) Tripped(retailer string) bool {
	return !b.Allow(retailer)
}
