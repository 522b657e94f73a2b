// Package http provides the HTTP transport layer for dispatchq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /v1/track
//	POST   /v1/track/batch
//	POST   /v1/flush
//	GET    /v1/consent
//	PUT    /v1/consent
//	DELETE /v1/consent
//	GET    /v1/queue
//	GET    /v1/session
//	GET    /v1/deadletter
//	GET    /v1/deadletter/{dispatcher}
//	DELETE /v1/deadletter/{dispatcher}
//	POST   /v1/deadletter/{dispatcher}/replay
//	POST   /v1/trace/{id}
//	DELETE /v1/trace
//	POST   /v1/visit/end
//	GET    /v1/visitor
//	POST   /v1/visitor/reset
//	GET    /v1/settings
//	PUT    /v1/settings
//	POST   /v1/settings/refresh
//	GET    /v1/results/ws
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/dispatchq/internal/config"
	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/tracker"
	transportws "github.com/snehjoshi/dispatchq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with dispatchq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around t. reg may be nil, which disables /metrics.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(t *tracker.Tracker, cfg *config.Config, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")
	h := &Handler{tracker: t}
	ws := &transportws.Handler{Results: t.OnTrackResult(), Logger: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Tracking
	mux.HandleFunc("POST /v1/track", h.track)
	mux.HandleFunc("POST /v1/track/batch", h.trackBatch)
	mux.HandleFunc("POST /v1/flush", h.flush)

	// Consent
	mux.HandleFunc("GET /v1/consent", h.getConsent)
	mux.HandleFunc("PUT /v1/consent", h.putConsent)
	mux.HandleFunc("DELETE /v1/consent", h.deleteConsent)

	// Queue and session state
	mux.HandleFunc("GET /v1/queue", h.queue)
	mux.HandleFunc("GET /v1/session", h.session)

	// Dead letters
	mux.HandleFunc("GET /v1/deadletter", h.deadLetterSizes)
	mux.HandleFunc("GET /v1/deadletter/{dispatcher}", h.peekDeadLetters)
	mux.HandleFunc("DELETE /v1/deadletter/{dispatcher}", h.drainDeadLetters)
	mux.HandleFunc("POST /v1/deadletter/{dispatcher}/replay", h.replayDeadLetters)

	// Trace and visitor modules
	mux.HandleFunc("POST /v1/trace/{id}", h.joinTrace)
	mux.HandleFunc("DELETE /v1/trace", h.leaveTrace)
	mux.HandleFunc("POST /v1/visit/end", h.endVisit)
	mux.HandleFunc("GET /v1/visitor", h.getVisitor)
	mux.HandleFunc("POST /v1/visitor/reset", h.resetVisitor)

	// Settings
	mux.HandleFunc("GET /v1/settings", h.getSettings)
	mux.HandleFunc("PUT /v1/settings", h.putSettings)
	mux.HandleFunc("POST /v1/settings/refresh", h.refreshSettings)

	// Result stream
	mux.Handle("GET /v1/results/ws", ws)

	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	handler := chain(mux,
		CORSMiddleware,
		MaxBodyMiddleware,
		ObserveMiddleware(log, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled, "/health"),
		RateLimitMiddleware(float64(cfg.RateLimit.MaxRate), cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the configured address. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
