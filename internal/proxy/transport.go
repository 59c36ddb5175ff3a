package proxy

import (
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that routes each request through the
// rotator's next proxy and feeds connection outcomes back into it.
type Transport struct {
	rotator *Rotator
	base    func(*http.Request) (*http.Response, error)
}

// NewTransport wraps the rotator as a RoundTripper. Each request gets a
// fresh underlying transport bound to the chosen proxy so connection pools
// never mix proxies.
func NewTransport(rotator *Rotator) *Transport {
	return &Transport{rotator: rotator}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	proxyURL := t.rotator.Next()

	send := t.base
	if send == nil {
		inner := &http.Transport{
			Proxy:               http.ProxyURL(proxyURL),
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		}
		send = inner.RoundTrip
	}

	resp, err := send(req)
	switch {
	case err != nil:
		t.rotator.ReportFailure(proxyURL)
		return nil, err
	case resp.StatusCode == http.StatusProxyAuthRequired, resp.StatusCode == http.StatusBadGateway:
		// Proxy-side failures count against the endpoint; origin-side
		// statuses do not.
		t.rotator.ReportFailure(proxyURL)
	default:
		t.rotator.ReportSuccess(proxyURL)
	}
	return resp, nil
}
