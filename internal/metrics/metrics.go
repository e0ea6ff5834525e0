// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package metrics defines the Prometheus instrumentation for Sessionwatch.
// Metrics are registered with the default registry via promauto and
// exposed on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation metrics

	ReconcilePassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_pass_duration_seconds",
			Help:    "Duration of one activity reconciliation pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	ReconcilePassErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_pass_errors_total",
			Help: "Reconciliation passes aborted by errors",
		},
		[]string{"error_type"}, // "snapshot_fetch", "history_write"
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session transition events emitted by the reconciler",
		},
		[]string{"type"}, // "start", "stop", "pause", "resume", "buffer", "watched"
	)

	TrackedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracked_sessions",
			Help: "Sessions currently held in the session state store",
		},
	)

	SnapshotsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshots_skipped_total",
			Help: "Session snapshots rejected by boundary validation",
		},
	)

	// History sink metrics

	HistoryWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_writes_total",
			Help: "History entries written to the database",
		},
	)

	HistoryDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_duplicates_total",
			Help: "Terminal writes deduplicated by the unique index",
		},
	)

	HistoryWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_write_errors_total",
			Help: "Failed history writes (journaled for retry)",
		},
	)

	WALPendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wal_pending_entries",
			Help: "Unconfirmed history entries awaiting retry in the journal",
		},
	)

	WALRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_retries_total",
			Help: "Journal retry attempts against the history database",
		},
	)

	// Plex client metrics

	PlexAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plex_api_calls_total",
			Help: "Plex API calls by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)

	PlexWebSocketState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plex_websocket_state",
			Help: "Plex WebSocket connection state (0=disconnected, 1=connected)",
		},
	)

	PlexPollFallback = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plex_poll_fallback",
			Help: "1 once the process has permanently fallen back to poll-only mode",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// Notification metrics

	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Notification invocations sent to agents",
		},
		[]string{"agent", "trigger"},
	)

	NotificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_errors_total",
			Help: "Agent send failures (logged, never retried)",
		},
		[]string{"agent"},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_suppressed_total",
			Help: "Transitions suppressed by trigger rules",
		},
		[]string{"reason"}, // "media_type", "toggle", "consecutive"
	)

	// API metrics

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "endpoint"},
	)
)
