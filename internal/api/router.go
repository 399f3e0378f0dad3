// Package api exposes the scheduling core over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fencepro/scheduling-core/internal/approval"
	"github.com/fencepro/scheduling-core/internal/cluster"
	"github.com/fencepro/scheduling-core/internal/config"
	"github.com/fencepro/scheduling-core/internal/quote"
	"github.com/fencepro/scheduling-core/internal/ratebook"
	"github.com/fencepro/scheduling-core/internal/store"
)

// TenantHeader carries the tenant every /api/v1 request acts for.
const TenantHeader = "X-Tenant-ID"

// BreakerReporter exposes circuit breaker states for the health check.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Deps are the services the router dispatches to. Ratebooks and Geocoder
// are optional and only feed /healthz.
type Deps struct {
	Store     store.Store
	Quotes    *quote.Service
	Gate      *approval.Gate
	Scheduler *cluster.Scheduler
	Ratebooks *ratebook.Cache
	Geocoder  BreakerReporter
	Server    config.ServerConfig
}

type handler struct {
	store     store.Store
	quotes    *quote.Service
	gate      *approval.Gate
	scheduler *cluster.Scheduler
	ratebooks *ratebook.Cache
	geocoder  BreakerReporter
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(d Deps) http.Handler {
	h := &handler{
		store:     d.Store,
		quotes:    d.Quotes,
		gate:      d.Gate,
		scheduler: d.Scheduler,
		ratebooks: d.Ratebooks,
		geocoder:  d.Geocoder,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if d.Server.RequestTimeoutSecs > 0 {
		r.Use(middleware.Timeout(time.Duration(d.Server.RequestTimeoutSecs) * time.Second))
	}
	if len(d.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.Server.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", TenantHeader, middleware.RequestIDHeader},
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", h.health)

	limiter := newTenantLimiter(d.Server.TenantRateLimit, d.Server.TenantBurst)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireTenant)
		r.Use(limiter.middleware)

		r.Route("/quotes", func(r chi.Router) {
			r.Post("/", h.priceQuote)
			r.Get("/{quoteID}", h.getQuote)
			r.Post("/{quoteID}/approval", h.evaluateApproval)
			r.Post("/{quoteID}/schedule", h.scheduleQuote)
			r.Post("/{quoteID}/accept", h.acceptQuote)
			r.Post("/{quoteID}/reject", h.rejectQuote)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.listApprovals)
			r.Get("/{approvalID}", h.getApproval)
			r.Post("/{approvalID}/decisions", h.decideApproval)
		})
		r.Get("/alerts", h.listAlerts)
		r.Route("/clusters", func(r chi.Router) {
			r.Get("/", h.listClusters)
			r.Get("/{clusterID}", h.getCluster)
			r.Get("/{clusterID}/route", h.clusterRoute)
			r.Delete("/{clusterID}/jobs/{jobID}", h.leaveCluster)
		})
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "store unreachable")
		return
	}
	body := map[string]any{"status": "ok"}
	if h.ratebooks != nil {
		body["ratebook_cache"] = h.ratebooks.Stats()
	}
	if h.geocoder != nil {
		states := h.geocoder.BreakerStates()
		for _, st := range states {
			if st == "open" {
				body["status"] = "degraded"
			}
		}
		body["geocoder"] = states
	}
	writeJSON(w, http.StatusOK, body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}
