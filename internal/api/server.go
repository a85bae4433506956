package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sync-trainer/internal/stats"
	"sync-trainer/internal/trainer"
)

// StatsInterval is how often connected dashboards receive trainer stats
const StatsInterval = time.Second

// ServerOptions are the optional collaborators of a Server
type ServerOptions struct {
	History *stats.History
	Events  *trainer.EventLog
	Auth    *AdminAuth
}

// Server is the HTTP API with WebSocket push
type Server struct {
	router      *chi.Mux
	handlers    *routerHandlers
	hub         *DashboardHub
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
}

// NewServer builds the server. Background workers do not start until
// Start is called, so Router() is safe to use with httptest.
func NewServer(t TrainerInterface, opts ServerOptions) *Server {
	s := &Server{
		hub:         NewDashboardHub(),
		rateLimiter: NewIPRateLimiter(DefaultRateLimitConfig),
		handlers: &routerHandlers{
			trainer: t,
			history: opts.History,
			events:  opts.Events,
			auth:    opts.Auth,
		},
	}
	s.router = NewRouter(RouterConfig{
		Trainer:     t,
		History:     opts.History,
		Events:      opts.Events,
		RateLimiter: s.rateLimiter,
		Auth:        opts.Auth,
	})
	s.router.Get("/ws", s.hub.ServeWS)
	return s
}

// Start runs the hub and serves addr until Shutdown. It returns nil after
// a clean shutdown.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.hub.StartBroadcastLoop(StatsInterval, func() interface{} { return s.handlers.snapshot() })

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("🌐 API server starting on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NotifyEpisode pushes a finished episode to dashboards. It matches
// trainer.Options.OnEpisodeEnd.
func (s *Server) NotifyEpisode(e trainer.EpisodeSummary) {
	if s.hub.ClientCount() == 0 {
		return
	}
	s.hub.Broadcast("episode:end", map[string]interface{}{
		"episode":     e.Episode,
		"reward":      e.Reward,
		"updateCount": e.UpdateCount,
	})
}

// Router returns the HTTP handler for httptest
func (s *Server) Router() http.Handler {
	return s.router
}

// Shutdown stops accepting requests and releases background workers
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
