// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package scheduler drives the reconciler: the timer-based poll loop
// and the channel-fed worker that serializes WebSocket push deltas.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// SessionSource provides the authoritative current-activity snapshot.
// Satisfied by the circuit-breaker-wrapped Plex client.
type SessionSource interface {
	GetSessions(ctx context.Context) (*models.ActivitySnapshot, error)
}

// PushState reports the health of the push stream. Satisfied by the
// WebSocket listener.
type PushState interface {
	// Connected reports whether the stream currently holds a live
	// connection.
	Connected() bool

	// FellBack reports whether the stream has permanently failed over
	// to poll-only mode.
	FellBack() bool
}

// PollerConfig tunes the poll loop.
type PollerConfig struct {
	Interval time.Duration

	// AlwaysPoll keeps polling even while the push stream is healthy.
	// When false the loop skips its tick only while the stream holds a
	// live connection.
	AlwaysPoll bool
}

// Poller fetches activity snapshots on a fixed interval and feeds them
// to the reconciler. A failed fetch skips the whole pass: idle counters
// must not advance because the server was unreachable.
type Poller struct {
	source     SessionSource
	reconciler *activity.Reconciler
	push       PushState
	config     PollerConfig

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates the poll loop. push may be nil when the push stream
// is disabled; the loop then polls unconditionally.
func NewPoller(source SessionSource, reconciler *activity.Reconciler, push PushState, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Poller{
		source:     source,
		reconciler: reconciler,
		push:       push,
		config:     cfg,
		stopChan:   make(chan struct{}),
	}
}

// Start launches the poll loop. Starting twice is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.pollLoop(ctx)
	return nil
}

// Serve implements suture.Service.
func (p *Poller) Serve(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

// Stop shuts the loop down and waits for an in-flight pass.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info().Msg("Session poller stopped")
}

// IsRunning reports whether the loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	// Initial pass before the first tick.
	p.poll(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll runs one reconciliation pass against a fresh snapshot.
func (p *Poller) poll(ctx context.Context) {
	if !p.shouldPoll() {
		return
	}

	snapshot, err := p.source.GetSessions(ctx)
	if err != nil {
		// Skip the pass entirely. The sessions may all still be
		// playing; only a successful snapshot may drive idle counting.
		metrics.ReconcilePassErrors.WithLabelValues("snapshot_fetch").Inc()
		logging.Warn().Err(err).Msg("Failed to fetch activity snapshot, skipping pass")
		return
	}

	p.reconciler.Reconcile(ctx, snapshot.Sessions)
}

// shouldPoll decides whether a timed pass runs. With AlwaysPoll off,
// polling is suspended only while the push stream holds a live
// connection: a disconnected stream, whether reconnecting or
// permanently fallen back, leaves the poll loop as the sole
// reconciliation source. Push stop deltas terminate sessions while
// polling is suspended.
func (p *Poller) shouldPoll() bool {
	if p.config.AlwaysPoll || p.push == nil {
		return true
	}
	return p.push.FellBack() || !p.push.Connected()
}
