package patterns

import (
	"testing"
	"time"
)

func TestApplyMovesWeightTowardOutcome(t *testing.T) {
	s := NewStore(0.3)

	// Seed weight is 0.5; one success folds toward 1.
	s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2", Success: true})
	ranked := s.Ranked("acme", "title")
	if len(ranked) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(ranked))
	}
	got := ranked[0].Weight
	want := 0.5*0.7 + 1.0*0.3
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("weight after success = %v, want %v", got, want)
	}

	// A failure folds back toward 0.
	s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2", Success: false})
	got = s.Ranked("acme", "title")[0].Weight
	want = want * 0.7
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("weight after failure = %v, want %v", got, want)
	}
}

func TestMismatchCountsAgainstSelector(t *testing.T) {
	s := NewStore(0.3)

	// Extraction succeeded but the visual channel contradicted the value:
	// the sample is 0 even though the success counter increments.
	s.Apply(Outcome{Retailer: "acme", Field: "price", Selector: "span.price", Success: true, Mismatched: true})

	c := s.Ranked("acme", "price")[0]
	if c.Successes != 1 {
		t.Errorf("successes = %d, want 1", c.Successes)
	}
	if c.Weight >= 0.5 {
		t.Errorf("mismatched success should lower weight below seed, got %v", c.Weight)
	}
}

func TestRedesignDemotesSelectorPromptly(t *testing.T) {
	s := NewStore(0.3)

	// Years of success.
	for i := 0; i < 200; i++ {
		s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2.old", Success: true})
	}
	high := s.Ranked("acme", "title")[0].Weight
	if high < 0.95 {
		t.Fatalf("expected near-1 weight after long success run, got %v", high)
	}

	// Site redesign: ten consecutive failures must drop the weight under
	// half despite the 200 prior successes.
	for i := 0; i < 10; i++ {
		s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2.old", Success: false})
	}
	low := s.Ranked("acme", "title")[0].Weight
	if low > 0.1 {
		t.Errorf("expected prompt demotion after redesign, weight still %v", low)
	}
}

func TestRankedOrdersByWeightThenRecency(t *testing.T) {
	s := NewStore(0.3)
	s.Seed("acme", "title", "h2.a")
	s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2.b", Success: true})
	s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2.c", Success: false})

	ranked := s.Ranked("acme", "title")
	if len(ranked) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(ranked))
	}
	if ranked[0].Selector != "h2.b" || ranked[2].Selector != "h2.c" {
		t.Errorf("unexpected order: %s, %s, %s",
			ranked[0].Selector, ranked[1].Selector, ranked[2].Selector)
	}
}

func TestSeedDoesNotOverwriteLearnedState(t *testing.T) {
	s := NewStore(0.3)
	s.Apply(Outcome{Retailer: "acme", Field: "title", Selector: "h2", Success: true})
	learned := s.Ranked("acme", "title")[0].Weight

	s.Seed("acme", "title", "h2")
	if got := s.Ranked("acme", "title")[0].Weight; got != learned {
		t.Errorf("seed overwrote learned weight: %v != %v", got, learned)
	}
}

func TestRestoreOverwritesSeed(t *testing.T) {
	s := NewStore(0.3)
	s.Seed("acme", "title", "h2")
	s.Restore(SelectorCandidate{
		Retailer: "acme", Field: "title", Selector: "h2",
		Successes: 40, Weight: 0.91,
	})

	c := s.Ranked("acme", "title")[0]
	if c.Weight != 0.91 || c.Successes != 40 {
		t.Errorf("restore did not take effect: weight %v successes %d", c.Weight, c.Successes)
	}
}

func TestHasHighConfidenceSet(t *testing.T) {
	s := NewStore(0.3)
	s.Restore(SelectorCandidate{Retailer: "acme", Field: "title", Selector: "h2", Weight: 0.9})
	s.Restore(SelectorCandidate{Retailer: "acme", Field: "price", Selector: "span", Weight: 0.85})

	if !s.HasHighConfidenceSet("acme", []string{"title", "price"}, 0.8) {
		t.Error("expected high-confidence set for title+price at 0.8")
	}
	if s.HasHighConfidenceSet("acme", []string{"title", "price", "stock_status"}, 0.8) {
		t.Error("stock_status has no selector; set should be incomplete")
	}
	if s.HasHighConfidenceSet("other", []string{"title"}, 0.8) {
		t.Error("unknown retailer should have no set")
	}
}

func TestPruneRemovesBrokenAndStale(t *testing.T) {
	s := NewStore(0.3)
	now := time.Now()

	s.Restore(SelectorCandidate{
		Retailer: "acme", Field: "title", Selector: "h2.broken",
		Successes: 2, Failures: 10, Weight: 0.05, LastAttempt: now,
	})
	s.Restore(SelectorCandidate{
		Retailer: "acme", Field: "title", Selector: "h2.stale",
		Successes: 50, Weight: 0.9, LastAttempt: now.Add(-90 * 24 * time.Hour),
	})
	s.Restore(SelectorCandidate{
		Retailer: "acme", Field: "title", Selector: "h2.new",
		Successes: 1, Failures: 2, Weight: 0.1, LastAttempt: now,
	})

	removed := s.Prune(0.15, 8, 45*24*time.Hour, now)
	if removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	// The young low-weight candidate survives: too few attempts to judge.
	if len(s.Ranked("acme", "title")) != 1 {
		t.Fatalf("expected 1 survivor")
	}
	if s.Ranked("acme", "title")[0].Selector != "h2.new" {
		t.Errorf("wrong survivor: %s", s.Ranked("acme", "title")[0].Selector)
	}
}

func TestSnapshotIsSorted(t *testing.T) {
	s := NewStore(0.3)
	s.Seed("zeta", "title", "h1")
	s.Seed("acme", "price", "span")
	s.Seed("acme", "price", "div")

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(snap))
	}
	if snap[0].Retailer != "acme" || snap[0].Selector != "div" {
		t.Errorf("snapshot not sorted: first is %s/%s/%s",
			snap[0].Retailer, snap[0].Field, snap[0].Selector)
	}
	if snap[2].Retailer != "zeta" {
		t.Errorf("snapshot not sorted: last is %s", snap[2].Retailer)
	}
}
