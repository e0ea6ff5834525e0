// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/history"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// HistoryStore is the persistence surface the API needs.
type HistoryStore interface {
	ListEntries(ctx context.Context, filter history.Filter) ([]models.HistoryEntry, error)
	Count(ctx context.Context) (int64, error)
	RemapRatingKeys(ctx context.Context, remap models.RatingKeyRemap) (int64, error)
	PurgeAll(ctx context.Context) (int64, error)
}

// PushState reports the push stream's permanent fallback flag for the
// health endpoint. May be nil when push is disabled.
type PushState interface {
	FellBack() bool
}

// Server hosts the HTTP API.
type Server struct {
	cfg     config.APIConfig
	store   *activity.Store
	history HistoryStore
	push    PushState

	httpServer *http.Server
}

// NewServer creates the API server over the live session store and the
// history database.
func NewServer(cfg config.APIConfig, store *activity.Store, hist HistoryStore, push PushState) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		history: hist,
		push:    push,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
		r.Use(instrument)

		r.Get("/activity", s.handleActivity)
		r.Get("/history", s.handleHistoryList)
		r.Post("/history/remap", s.handleHistoryRemap)
		r.Delete("/history", s.handleHistoryPurge)
	})

	return r
}

// instrument records per-endpoint request latency.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		endpoint := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		metrics.APIRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Serve implements suture.Service: it runs the HTTP server until the
// context is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("API server shutdown failed")
		}
		return ctx.Err()
	}
}
