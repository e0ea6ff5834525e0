// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// PushWorker serializes WebSocket deltas into the reconciler. The
// listener's read goroutine only enqueues; a single worker goroutine
// applies deltas in arrival order, so push and poll passes interleave
// only at whole-pass granularity.
type PushWorker struct {
	reconciler *activity.Reconciler
	source     SessionSource
	deltas     chan models.SessionSnapshot

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPushWorker creates the worker. source resolves full session
// descriptors when a delta references an unknown session.
func NewPushWorker(reconciler *activity.Reconciler, source SessionSource, buffer int) *PushWorker {
	if buffer <= 0 {
		buffer = 256
	}
	return &PushWorker{
		reconciler: reconciler,
		source:     source,
		deltas:     make(chan models.SessionSnapshot, buffer),
		stopChan:   make(chan struct{}),
	}
}

// Enqueue hands a delta to the worker without blocking the WebSocket
// read loop. When the queue is full the delta is dropped; the next poll
// pass reconverges the store.
func (w *PushWorker) Enqueue(snap models.SessionSnapshot) {
	select {
	case w.deltas <- snap:
	default:
		logging.Warn().Str("session", snap.Key()).Msg("Push delta queue full, dropping delta")
	}
}

// Start launches the worker goroutine. Starting twice is a no-op.
func (w *PushWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.running = true
	w.stopChan = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Serve implements suture.Service.
func (w *PushWorker) Serve(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return ctx.Err()
}

// Stop shuts the worker down and waits for the in-flight delta.
func (w *PushWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *PushWorker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case snap := <-w.deltas:
			w.apply(ctx, snap)
		}
	}
}

// apply merges one delta. A partial delta for an unknown session cannot
// be applied directly; the worker fetches the authoritative snapshot
// and runs a full pass instead, which both creates the session and
// reconverges everything else.
func (w *PushWorker) apply(ctx context.Context, snap models.SessionSnapshot) {
	_, err := w.reconciler.ReconcilePush(ctx, snap)
	if err == nil {
		return
	}
	if !errors.Is(err, activity.ErrUnknownSession) {
		logging.Error().Err(err).Str("session", snap.Key()).Msg("Failed to apply push delta")
		return
	}

	if w.source == nil {
		return
	}
	full, err := w.source.GetSessions(ctx)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("session", snap.Key()).
			Msg("Failed to resolve unknown push session, waiting for next poll")
		return
	}
	w.reconciler.Reconcile(ctx, full.Sessions)
}
