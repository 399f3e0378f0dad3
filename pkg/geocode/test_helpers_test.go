package geocode

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/fencepro/scheduling-core/internal/resilience"
)

const (
	censusMatchJSON = `{"result":{"addressMatches":[{"coordinates":{"x":-97.7431,"y":30.2672},"matchedAddress":"100 CONGRESS AVE, AUSTIN, TX, 78701"}]}}`
	censusNoMatch   = `{"result":{"addressMatches":[]}}`
	googleMatchJSON = `{"status":"OK","results":[{"geometry":{"location":{"lat":30.1945,"lng":-98.0867},"location_type":"RANGE_INTERPOLATED"}}]}`
	googleNoResults = `{"status":"ZERO_RESULTS","results":[]}`
)

var congress = AddressInput{Street: "100 Congress Ave", City: "Austin", State: "TX", ZipCode: "78701"}

// fakeProvider serves a fixed status and body and counts requests.
type fakeProvider struct {
	srv    *httptest.Server
	calls  atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func newFakeProvider(t *testing.T, status int, body string) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.set(status, body)
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p.calls.Add(1)
		w.WriteHeader(int(p.status.Load()))
		_, _ = io.WriteString(w, p.body.Load().(string))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) set(status int, body string) {
	p.status.Store(int32(status))
	p.body.Store(body)
}

// newTestGeocoder routes Census and Google traffic to the given fakes. A nil
// fake leaves that provider unreachable.
func newTestGeocoder(census, google *fakeProvider, opts ...Option) *geocoder {
	rewrites := map[string]string{}
	if census != nil {
		rewrites[censusOneLineURL] = census.srv.URL
		rewrites[censusBatchURL] = census.srv.URL
	}
	if google != nil {
		rewrites[googleGeocodeURL] = google.srv.URL
	}
	base := []Option{
		WithHTTPClient(&http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, rewrites: rewrites}}),
		WithRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	}
	if google != nil {
		base = append(base, WithGoogleAPIKey("test-key"))
	}
	g := newGeocoder(append(base, opts...)...)
	g.limiter = newTestLimiter()
	return g
}

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// rewriteTransport redirects requests whose URL starts with a known prefix
// to a test server.
type rewriteTransport struct {
	base     http.RoundTripper
	rewrites map[string]string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origURL := req.URL.String()
	for prefix, testURL := range t.rewrites {
		if !strings.HasPrefix(origURL, prefix) {
			continue
		}
		parsed, err := req.URL.Parse(testURL + origURL[len(prefix):])
		if err != nil {
			return nil, err
		}
		newReq := req.Clone(req.Context())
		newReq.URL = parsed
		newReq.Host = parsed.Host
		return t.base.RoundTrip(newReq)
	}
	return nil, &unreachableError{url: origURL}
}

type unreachableError struct{ url string }

func (e *unreachableError) Error() string { return "unreachable in test: " + e.url }
