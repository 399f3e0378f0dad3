package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/approval"
	"github.com/fencepro/scheduling-core/internal/cluster"
	"github.com/fencepro/scheduling-core/internal/config"
	"github.com/fencepro/scheduling-core/internal/quote"
	"github.com/fencepro/scheduling-core/internal/ratebook"
	"github.com/fencepro/scheduling-core/internal/resilience"
	"github.com/fencepro/scheduling-core/internal/store"
	"github.com/fencepro/scheduling-core/pkg/geocode"
)

// appEnv holds the wired services a command runs against.
type appEnv struct {
	Store     store.Store
	Ratebooks *ratebook.Cache
	Scheduler *cluster.Scheduler
	Gate      *approval.Gate
	Quotes    *quote.Service
	Geocoder  geocode.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "fencepro.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		pg, err := store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		pg.SetRetry(resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs))
		return pg, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

func initGeocoder(c *config.Config) geocode.Client {
	timeout := time.Duration(c.Geocode.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []geocode.Option{
		geocode.WithHTTPClient(&http.Client{Timeout: timeout}),
		geocode.WithRateLimit(c.Geocode.RateLimit),
		geocode.WithRetry(resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs)),
		geocode.WithCircuitBreaker(resilience.FromCircuitConfig(c.Geocode.FailureThreshold, c.Geocode.ResetTimeoutSecs)),
	}
	if c.Geocode.GoogleAPIKey != "" {
		opts = append(opts, geocode.WithGoogleAPIKey(c.Geocode.GoogleAPIKey))
		zap.L().Info("google geocoding fallback enabled")
	} else {
		zap.L().Debug("FENCEPRO_GEOCODE_GOOGLE_API_KEY not set, census geocoder only")
	}
	return geocode.NewClient(opts...)
}

// initEnv validates config for mode, opens and migrates the store, and wires
// the services on top of it.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	gc := initGeocoder(cfg)
	env := wireEnv(st, gc, cfg)
	env.Geocoder = gc
	return env, nil
}

func wireEnv(st store.Store, geocoder quote.Geocoder, c *config.Config) *appEnv {
	ratebooks := ratebook.NewCache(st, c.Ratebook.CacheEntries, time.Duration(c.Ratebook.CacheTTLSecs)*time.Second)
	scheduler := cluster.NewScheduler(st, ratebooks, c.Scheduling)
	gate := approval.NewGate(st, c.Approval.TTL())
	return &appEnv{
		Store:     st,
		Ratebooks: ratebooks,
		Scheduler: scheduler,
		Gate:      gate,
		Quotes:    quote.NewService(st, ratebooks, scheduler, gate, geocoder, c),
	}
}
