// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package main is the entry point for the Sessionwatch server.
//
// Sessionwatch watches a single Plex Media Server for playback
// activity, reconciles the live session set against its own state,
// records completed sessions to DuckDB and fires notifications on
// playback transitions.
//
// The server initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered loading (defaults, YAML file,
//     SESSIONWATCH_* environment variables)
//  2. History database: DuckDB with deduplicated terminal writes
//  3. WAL: BadgerDB journal for history writes that failed, with a
//     background retrier
//  4. Plex client: rate limited, circuit broken
//  5. Event bus and notification dispatcher (Watermill)
//  6. Session reconciler, push worker and poller
//  7. HTTP API server (chi)
//
// All long-running services run under a suture supervision tree and
// shut down gracefully on SIGINT and SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/api"
	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/history"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/notify"
	"github.com/tomtom215/sessionwatch/internal/plex"
	"github.com/tomtom215/sessionwatch/internal/scheduler"
	"github.com/tomtom215/sessionwatch/internal/supervisor"
	"github.com/tomtom215/sessionwatch/internal/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("plex_url", cfg.Plex.URL).
		Bool("push_enabled", cfg.Plex.PushEnabled).
		Str("db_path", cfg.Database.Path).
		Msg("Starting Sessionwatch")

	// History database. Terminal session writes go here; everything else
	// reads from it.
	hist, err := history.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize history database")
	}
	defer func() {
		if err := hist.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing history database")
		}
	}()

	// WAL journal for history writes that failed against DuckDB.
	var journal *wal.Journal
	if cfg.WAL.Enabled {
		journal, err = wal.Open(cfg.WAL)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open WAL journal")
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing WAL journal")
			}
		}()
	} else {
		logging.Warn().Msg("WAL disabled, failed history writes retry on reconcile passes only")
	}

	// Plex API client behind a rate limiter and a circuit breaker.
	client := plex.NewClient(cfg.Plex)
	source := plex.NewBreakerClient(client)

	// Event bus and notification pipeline.
	bus := notify.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	agents := make([]notify.Agent, 0, len(cfg.Notify.Agents))
	for _, agentCfg := range cfg.Notify.Agents {
		agent, err := notify.NewAgent(agentCfg)
		if err != nil {
			logging.Fatal().Err(err).Str("agent", agentCfg.ID).Msg("Failed to create notification agent")
		}
		agents = append(agents, agent)
		logging.Info().Str("agent", agentCfg.ID).Str("type", agentCfg.Type).Msg("Notification agent registered")
	}

	engine := activity.NewTriggerEngine(cfg.Triggers, cfg.Notify)

	// The dispatcher subscribes at construction so transitions from the
	// poller's first pass queue even if the delivery layer comes up last.
	dispatcher, err := notify.NewDispatcher(bus, engine, agents)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to subscribe notification dispatcher")
	}

	// Session reconciler over the in-memory store.
	store := activity.NewStore()
	reconcilerOpts := []activity.Option{activity.WithPublisher(bus)}
	if journal != nil {
		reconcilerOpts = append(reconcilerOpts, activity.WithJournal(journal))
	}
	reconciler := activity.NewReconciler(store, activity.Config{
		IdleThreshold:        cfg.Activity.IdleThreshold,
		AntiFlickerWindow:    cfg.Activity.AntiFlickerWindow,
		WatchedPercent:       cfg.Activity.WatchedPercent,
		BufferStallThreshold: cfg.Activity.BufferStallThreshold,
	}, hist, reconcilerOpts...)

	// Push pipeline: the WebSocket listener enqueues deltas, the worker
	// applies them in order. When the listener exhausts its reconnect
	// budget the poller takes over permanently.
	pushWorker := scheduler.NewPushWorker(reconciler, source, 256)

	var listener *plex.WebSocketListener
	var pushState scheduler.PushState
	if cfg.Plex.PushEnabled {
		listener = plex.NewWebSocketListener(cfg.Plex, pushWorker.Enqueue)
		pushState = listener
	} else {
		metrics.PlexPollFallback.Set(1)
	}

	poller := scheduler.NewPoller(source, reconciler, pushState, scheduler.PollerConfig{
		Interval:   cfg.Activity.PollInterval,
		AlwaysPoll: cfg.Activity.AlwaysPoll,
	})

	// HTTP API.
	var apiPush api.PushState
	if listener != nil {
		apiPush = listener
	}
	server := api.NewServer(cfg.API, store, hist, apiPush)

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), cfg.Supervisor)
	tree.AddIngestService(poller)
	tree.AddIngestService(pushWorker)
	if listener != nil {
		tree.AddIngestService(listener)
	}
	if journal != nil {
		retrier := wal.NewRetrier(journal, hist, cfg.WAL.RetryInterval, cfg.WAL.MaxAttempts)
		tree.AddDataService(retrier)
	}
	tree.AddDeliveryService(dispatcher)
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.API.Addr).Msg("Supervision tree starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Supervision tree exited")
		os.Exit(1)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within shutdown timeout")
		}
	}
	logging.Info().Msg("Sessionwatch stopped")
}
