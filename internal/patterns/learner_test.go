package patterns

import (
	"testing"
	"time"

	"github.com/shelfwatch/shelfwatch/internal/logging"
)

func TestLearnerAppliesQueuedOutcomes(t *testing.T) {
	store := NewStore(0.3)
	learner := NewLearner(store, LearnerOptions{QueueSize: 16}, logging.Discard())
	learner.Start()

	learner.Report(Outcome{Retailer: "acme", Field: "title", Selector: "h2", Success: true})
	learner.ReportAll([]Outcome{
		{Retailer: "acme", Field: "price", Selector: "span", Success: true},
		{Retailer: "acme", Field: "price", Selector: "span", Success: false},
	})

	// Stop flushes the queue before returning.
	learner.Stop()

	if store.Len() != 2 {
		t.Fatalf("expected 2 candidates after flush, got %d", store.Len())
	}
	c := store.Ranked("acme", "price")[0]
	if c.Successes != 1 || c.Failures != 1 {
		t.Errorf("price counters = %d/%d, want 1/1", c.Successes, c.Failures)
	}
}

func TestLearnerDropsWhenQueueFull(t *testing.T) {
	store := NewStore(0.3)
	// Never started: nothing drains the queue.
	learner := NewLearner(store, LearnerOptions{QueueSize: 1}, logging.Discard())

	learner.Report(Outcome{Retailer: "acme", Field: "title", Selector: "h2", Success: true})
	learner.Report(Outcome{Retailer: "acme", Field: "title", Selector: "h2", Success: true})

	if got := learner.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if got := learner.QueueDepth(); got != 1 {
		t.Errorf("queue depth = %d, want 1", got)
	}
}

func TestLearnerStopWithoutStart(t *testing.T) {
	learner := NewLearner(NewStore(0.3), LearnerOptions{QueueSize: 4}, logging.Discard())

	done := make(chan struct{})
	go func() {
		learner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop without Start blocked")
	}
}

func TestLearnerStopIsIdempotent(t *testing.T) {
	learner := NewLearner(NewStore(0.3), LearnerOptions{QueueSize: 4}, logging.Discard())
	learner.Start()

	done := make(chan struct{})
	go func() {
		learner.Stop()
		learner.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("double Stop deadlocked")
	}
}
