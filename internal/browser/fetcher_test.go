package browser

import (
	"context"
	"testing"
	"time"
)

func TestIsChallengeDocument(t *testing.T) {
	blocked := []string{
		`<html><div id="cf-challenge-running"></div></html>`,
		`<html><div class="g-recaptcha"></div></html>`,
		`<html><h1>Verify you are human</h1></html>`,
		`<html><p>press & hold to confirm</p></html>`,
	}

	for _, html := range blocked {
		if !isChallengeDocument(html) {
			t.Errorf("should classify as challenge: %s", html)
		}
	}

	clean := []string{
		"",
		`<html><body><div class="product"><h2>Alpha Widget</h2></div></body></html>`,
	}
	for _, html := range clean {
		if isChallengeDocument(html) {
			t.Errorf("should not classify as challenge: %s", html)
		}
	}
}

func TestPropagateCancel(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())

	cancelled := make(chan struct{})
	stop := propagateCancel(ctx, func() { close(cancelled) })
	defer stop()

	cancelCtx()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancellation did not propagate")
	}
}

func TestPropagateCancelStopReleasesWatcher(t *testing.T) {
	ctx := context.Background()
	fired := false
	stop := propagateCancel(ctx, func() { fired = true })
	stop()

	// The watcher must exit without ever firing.
	time.Sleep(10 * time.Millisecond)
	if fired {
		t.Error("cancel fired without context cancellation")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Headless {
		t.Error("default should be headless")
	}
	if cfg.PoolSize <= 0 || cfg.NavigationTimeout <= 0 {
		t.Errorf("implausible defaults: %+v", cfg)
	}
}
