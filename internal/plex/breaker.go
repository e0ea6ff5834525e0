// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package plex

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

const breakerName = "plex-api"

// BreakerClient wraps the Plex client with a circuit breaker so a dead
// or crawling server stops consuming poll passes quickly. While the
// circuit is open GetSessions fails fast and the reconciler skips the
// pass without touching idle counters.
//
// The breaker runs on real time; tests exercise the wrapped client
// directly.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[*models.ActivitySnapshot]
}

// NewBreakerClient wraps client with a breaker that opens at a 60%
// failure rate over at least 10 requests and probes again after two
// minutes.
func NewBreakerClient(client *Client) *BreakerClient {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*models.ActivitySnapshot](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerClient{client: client, cb: cb}
}

// GetSessions fetches the current activity snapshot through the breaker.
func (b *BreakerClient) GetSessions(ctx context.Context) (*models.ActivitySnapshot, error) {
	return b.cb.Execute(func() (*models.ActivitySnapshot, error) {
		return b.client.GetSessions(ctx)
	})
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return -1
	}
}
