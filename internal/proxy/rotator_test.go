package proxy

import (
	"net/http"
	"net/url"
	"testing"
	"time"
)

func testRotator(t *testing.T, urls ...string) *Rotator {
	t.Helper()
	r, err := NewRotator(Options{URLs: urls, FailureThreshold: 2, Cooldown: time.Hour})
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	return r
}

func TestRotatorRoundRobin(t *testing.T) {
	r := testRotator(t, "http://proxy-a:8080", "http://proxy-b:8080")

	hosts := []string{r.Next().Host, r.Next().Host, r.Next().Host}
	if hosts[0] != "proxy-a:8080" || hosts[1] != "proxy-b:8080" || hosts[2] != "proxy-a:8080" {
		t.Errorf("unexpected rotation: %v", hosts)
	}
}

func TestRotatorSkipsUnhealthyEndpoint(t *testing.T) {
	r := testRotator(t, "http://proxy-a:8080", "http://proxy-b:8080")

	a := r.Next()
	r.ReportFailure(a)
	r.ReportFailure(a)

	if r.Healthy() != 1 {
		t.Fatalf("healthy = %d, want 1", r.Healthy())
	}
	for i := 0; i < 4; i++ {
		if got := r.Next().Host; got != "proxy-b:8080" {
			t.Fatalf("pick %d = %s, want proxy-b while a cools down", i, got)
		}
	}
}

func TestRotatorSuccessResetsFailureRun(t *testing.T) {
	r := testRotator(t, "http://proxy-a:8080")

	a := r.Next()
	r.ReportFailure(a)
	r.ReportSuccess(a)
	r.ReportFailure(a)

	if r.Healthy() != 1 {
		t.Error("interleaved success should prevent cooldown")
	}
}

func TestRotatorCooldownElapses(t *testing.T) {
	r, err := NewRotator(Options{
		URLs:             []string{"http://proxy-a:8080"},
		FailureThreshold: 1,
		Cooldown:         time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}

	a := r.Next()
	r.ReportFailure(a)
	if r.Healthy() != 0 {
		t.Fatal("endpoint should be cooling down")
	}

	time.Sleep(5 * time.Millisecond)
	if r.Healthy() != 1 {
		t.Error("endpoint should rejoin after cooldown")
	}
}

func TestRotatorAllUnhealthyStillServes(t *testing.T) {
	r := testRotator(t, "http://proxy-a:8080")
	a := r.Next()
	r.ReportFailure(a)
	r.ReportFailure(a)

	if got := r.Next(); got == nil {
		t.Fatal("rotator must keep serving even with every endpoint down")
	}
}

func TestNewRotatorValidation(t *testing.T) {
	if _, err := NewRotator(Options{}); err == nil {
		t.Error("expected error with no URLs")
	}
	if _, err := NewRotator(Options{URLs: []string{"ftp://proxy:21"}}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if _, err := NewRotator(Options{URLs: []string{"socks5://proxy:1080"}}); err != nil {
		t.Errorf("socks5 should be accepted: %v", err)
	}
}

func TestTransportFeedsOutcomesBack(t *testing.T) {
	r := testRotator(t, "http://proxy-a:8080")
	tr := NewTransport(r)

	calls := 0
	tr.base = func(req *http.Request) (*http.Response, error) {
		calls++
		if calls <= 2 {
			return nil, &url.Error{Op: "proxyconnect", Err: http.ErrHandlerTimeout}
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	}

	req, _ := http.NewRequest(http.MethodGet, "https://shop.example/c/shoes", nil)

	// Two connect failures cross the threshold.
	tr.RoundTrip(req)
	tr.RoundTrip(req)
	if r.Healthy() != 0 {
		t.Fatalf("healthy = %d after repeated connect failures, want 0", r.Healthy())
	}

	// The sole endpoint keeps serving; a success puts it back in rotation.
	resp, err := tr.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected success, got %v %v", resp, err)
	}
	if r.Healthy() != 1 {
		t.Errorf("healthy = %d after success, want 1", r.Healthy())
	}
}

func TestTransportCountsProxySideStatuses(t *testing.T) {
	r, err := NewRotator(Options{URLs: []string{"http://proxy-a:8080"}, FailureThreshold: 1, Cooldown: time.Hour})
	if err != nil {
		t.Fatalf("NewRotator: %v", err)
	}
	tr := NewTransport(r)
	tr.base = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway}, nil
	}

	req, _ := http.NewRequest(http.MethodGet, "https://shop.example/c/shoes", nil)
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Healthy() != 0 {
		t.Errorf("502 through the proxy should count against it")
	}
}
