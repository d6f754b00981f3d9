// Package server exposes the findings service over an HTTP JSON API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmylchreest/triage/pkg/triage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MaxRequestBodySize limits request body size to 1MB.
const MaxRequestBodySize = 1 << 20

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// WebAPI is the HTTP front of a triage.Service.
type WebAPI struct {
	router  *chi.Mux
	logger  *zerolog.Logger
	server  *http.Server
	timeout time.Duration
}

// NewWebAPI builds the router.
func NewWebAPI(logger zerolog.Logger, svc *triage.Service, config Config) *WebAPI {
	logger = logger.With().Str("component", "server").Logger()
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	h := &handler{svc: svc}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(Logger(&logger))
	router.Use(middleware.Recoverer)

	router.Get("/health", h.health)
	router.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(Actor)

		r.Get("/findings/search", h.search)
		r.Get("/findings/list", h.list)
		r.Post("/findings/bulk", h.bulk)

		r.Route("/findings/{key}", func(r chi.Router) {
			r.Get("/", h.show)
			r.Get("/transitions", h.transitions)
			r.Get("/changelog", h.changelog)
			r.Get("/comments", h.comments)
			r.Post("/transition", h.transition)
			r.Post("/assign", h.assign)
			r.Post("/severity", h.severity)
			r.Post("/comments", h.addComment)
		})

		r.Put("/comments/{key}", h.editComment)
		r.Delete("/comments/{key}", h.deleteComment)

		r.Get("/branches/{id}/measures", h.measures)
	})

	return &WebAPI{
		router: router,
		logger: &logger,
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		timeout: config.ShutdownTimeout,
	}
}

// Handler returns the router.
func (w *WebAPI) Handler() http.Handler {
	return w.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (w *WebAPI) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		w.logger.Info().Str("addr", w.server.Addr).Msg("starting server")
		serverErrors <- w.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		w.logger.Info().Msg("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		err := w.server.Shutdown(shutdownCtx)
		if err != nil {
			w.logger.Error().Err(err).Msg("graceful shutdown failed")
			err = w.server.Close()
		}
		return err
	}
}
