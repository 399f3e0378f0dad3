// Package geocode provides address geocoding via Census Geocoder (primary) and Google (fallback).
package geocode

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fencepro/scheduling-core/internal/resilience"
)

// Client geocodes addresses using Census Geocoder (primary) and Google (fallback).
type Client interface {
	// Geocode geocodes a single address.
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)

	// BatchGeocode geocodes multiple addresses.
	BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error)

	// BreakerStates reports each provider's circuit state, keyed by provider.
	BreakerStates() map[string]string
}

// AddressInput represents an address to geocode.
type AddressInput struct {
	ID      string // Optional identifier for batch correlation
	Street  string
	City    string
	State   string
	ZipCode string
}

// Result holds the geocoding output for an address.
type Result struct {
	Latitude  float64
	Longitude float64
	Source    string // "census" or "google"
	Quality   string // "rooftop", "range", "centroid", "approximate"
	Matched   bool
}

// Provider names, also used as circuit breaker keys.
const (
	ProviderCensus = "census"
	ProviderGoogle = "google"
)

// Option configures the geocoder.
type Option func(*geocoder)

// WithGoogleAPIKey enables Google Geocoding API as a fallback.
func WithGoogleAPIKey(key string) Option {
	return func(g *geocoder) {
		g.googleKey = key
	}
}

// WithHTTPClient sets a custom HTTP client for both Census and Google requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second rate limit shared by both providers.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		if rps <= 0 {
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the retry policy for transient provider failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *geocoder) {
		g.retry = cfg
	}
}

// WithCircuitBreaker sets the per-provider circuit breaker policy.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(g *geocoder) {
		g.breakers = resilience.NewServiceBreakers(cfg)
	}
}

// WithCache sets the lifetime and size of the in-process result cache. A
// zero ttl disables caching.
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(g *geocoder) {
		if ttl <= 0 {
			g.cache = nil
			return
		}
		g.cache = newResultCache(maxEntries, ttl)
	}
}

type geocoder struct {
	httpClient *http.Client
	googleKey  string
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	breakers   *resilience.ServiceBreakers
	cache      *resultCache
}

// NewClient creates a new geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	return newGeocoder(opts...)
}

func newGeocoder(opts ...Option) *geocoder {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(50, 50), // Census default: 50 req/s
		retry:      resilience.DefaultRetryConfig(),
		breakers:   resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()),
		cache:      newResultCache(10000, 24*time.Hour),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger("geocode", "lookup")
	}
	return g
}

// call runs fn for provider behind its circuit breaker, retrying transient
// failures.
func (g *geocoder) call(ctx context.Context, provider string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	withRetry := func(ctx context.Context) (*Result, error) {
		return resilience.DoVal(ctx, g.retry, fn)
	}
	if g.breakers == nil {
		return withRetry(ctx)
	}
	return resilience.ExecuteVal(ctx, g.breakers.Get(provider), withRetry)
}

// Geocode geocodes a single address, trying Census first, then Google if configured.
// An address no provider can match is not an error. An error is returned only
// when every configured provider failed.
func (g *geocoder) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	key := cacheKey(addr)
	if r, ok := g.cache.get(key); ok {
		return r, nil
	}

	result, censusErr := g.call(ctx, ProviderCensus, func(ctx context.Context) (*Result, error) {
		return g.geocodeCensus(ctx, addr)
	})
	if censusErr == nil && result.Matched {
		g.cache.put(key, result)
		return result, nil
	}
	if censusErr != nil {
		zap.L().Debug("geocode: census failed", zap.Error(censusErr))
	}

	// If Census failed or didn't match, try Google if configured.
	var googleErr error
	if g.googleKey != "" {
		var googleResult *Result
		googleResult, googleErr = g.call(ctx, ProviderGoogle, func(ctx context.Context) (*Result, error) {
			return g.geocodeGoogle(ctx, addr)
		})
		if googleErr == nil && googleResult.Matched {
			g.cache.put(key, googleResult)
			return googleResult, nil
		}
	}

	if censusErr != nil && (g.googleKey == "" || googleErr != nil) {
		if googleErr != nil {
			return nil, eris.Wrap(googleErr, "geocode: all providers failed")
		}
		return nil, censusErr
	}

	// No match from any provider is not an error, just unmatched. Only a
	// clean miss is cached.
	miss := &Result{Matched: false}
	if censusErr == nil && googleErr == nil {
		g.cache.put(key, miss)
	}
	return miss, nil
}

// BatchGeocode geocodes multiple addresses using Census batch API, falling back
// to Google for individual unmatched addresses.
func (g *geocoder) BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	// Assign IDs for batch correlation if not set.
	for i := range addrs {
		if addrs[i].ID == "" {
			addrs[i].ID = fmt.Sprintf("%d", i)
		}
	}

	// Try Census batch geocoding.
	var results []Result
	err := g.breakerFor(ProviderCensus).Execute(ctx, func(ctx context.Context) error {
		var err error
		results, err = g.batchGeocodeCensus(ctx, addrs)
		return err
	})
	if err != nil {
		// Fall back to individual geocoding.
		results = make([]Result, len(addrs))
		for i, addr := range addrs {
			r, geocodeErr := g.Geocode(ctx, addr)
			if geocodeErr != nil {
				results[i] = Result{Matched: false}
				continue
			}
			results[i] = *r
		}
		return results, nil
	}

	// For unmatched Census results, try Google individually if configured.
	for i, r := range results {
		if r.Matched {
			g.cache.put(cacheKey(addrs[i]), &results[i])
			continue
		}
		if g.googleKey == "" {
			continue
		}
		googleResult, googleErr := g.call(ctx, ProviderGoogle, func(ctx context.Context) (*Result, error) {
			return g.geocodeGoogle(ctx, addrs[i])
		})
		if googleErr == nil && googleResult.Matched {
			results[i] = *googleResult
			g.cache.put(cacheKey(addrs[i]), googleResult)
		}
	}

	return results, nil
}

func (g *geocoder) breakerFor(provider string) *resilience.CircuitBreaker {
	if g.breakers == nil {
		return resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return g.breakers.Get(provider)
}

func (g *geocoder) BreakerStates() map[string]string {
	out := make(map[string]string)
	if g.breakers == nil {
		return out
	}
	for provider, state := range g.breakers.States() {
		out[provider] = state.String()
	}
	return out
}
