package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"sync-trainer/internal/observability"
	"sync-trainer/internal/stats"
	"sync-trainer/internal/trainer"
)

// TrainerInterface is the part of the trainer the API drives.
// Keep this minimal so tests can mock it.
type TrainerInterface interface {
	Stats() trainer.Stats
	ActiveEpisodes() []trainer.EpisodeID
	IsActive(h trainer.EpisodeHandle) bool
	ForceStopEpisode(h trainer.EpisodeHandle)
	Reset()
	SetTrain(train bool)
	Training() bool
}

// RouterConfig contains the dependencies of the HTTP router.
//
// Example usage in tests:
//
//	router := api.NewRouter(api.RouterConfig{
//	    Trainer: mockTrainer,
//	    History: stats.NewHistory(100, 10),
//	    RateLimitConfig: &api.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
//	})
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Trainer is required
	Trainer TrainerInterface

	// History backs the reward endpoints. Optional.
	History *stats.History

	// Events backs /api/events. Optional.
	Events *trainer.EventLog

	// RateLimiter is an optional pre-configured limiter. If nil one is
	// created from RateLimitConfig, or DefaultRateLimitConfig.
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	// Auth protects the mutating routes. Nil leaves them open.
	Auth *AdminAuth

	// CORSOrigins defaults to DefaultCORSOrigins
	CORSOrigins []string

	// DisableLogging drops the request logger (benchmarks)
	DisableLogging bool
}

type routerHandlers struct {
	trainer TrainerInterface
	history *stats.History
	events  *trainer.EventLog
	auth    *AdminAuth
}

// NewRouter builds the router. It starts no goroutines of its own except
// the rate limiter's cleanup loop when no RateLimiter is passed in.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting before CORS to reject early
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = DefaultCORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		trainer: cfg.Trainer,
		history: cfg.History,
		events:  cfg.Events,
		auth:    cfg.Auth,
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.handleGetStats)
		r.Get("/episodes", h.handleGetEpisodes)
		r.Get("/rewards", h.handleGetRewards)
		r.Get("/rewards.png", h.handleGetRewardPlot)
		r.Get("/events", h.handleGetEvents)

		r.Get("/auth/status", h.handleAuthStatus)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			if cfg.Auth != nil {
				r.Use(cfg.Auth.Middleware)
			}
			r.Post("/episodes/{id}/stop", h.handleStopEpisode)
			r.Post("/reset", h.handleReset)
			r.Post("/train", h.handleSetTrain)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/stats", http.StatusFound)
	})

	return r
}

// metricsMiddleware records request counts and latency by route pattern
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// pattern keeps label cardinality bounded
		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordRequest(r.Method, endpoint, status, time.Since(start))
	})
}
