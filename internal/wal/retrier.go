// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package wal

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// Sink is the destination the retrier replays journaled entries into.
// Writes must be idempotent under retry.
type Sink interface {
	WriteEntry(ctx context.Context, entry *models.HistoryEntry) error
}

// Retrier periodically drains the journal into the history database.
// Entries that keep failing past the attempt budget are dropped with an
// error log; the database dedupe index makes an occasional double
// replay harmless.
type Retrier struct {
	journal     *Journal
	sink        Sink
	interval    time.Duration
	maxAttempts int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRetrier creates a retry loop over the journal and sink.
func NewRetrier(journal *Journal, sink Sink, interval time.Duration, maxAttempts int) *Retrier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 10
	}
	return &Retrier{
		journal:     journal,
		sink:        sink,
		interval:    interval,
		maxAttempts: maxAttempts,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the retry loop. Starting twice is a no-op.
func (r *Retrier) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Serve implements suture.Service.
func (r *Retrier) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	case <-r.stopChan:
		return nil
	}
}

// Stop shuts the retry loop down and waits for it.
func (r *Retrier) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Retrier) loop(ctx context.Context) {
	defer r.wg.Done()

	// Drain whatever survived the last shutdown before the first tick.
	r.Drain(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain replays every pending entry once. Failures stay journaled for
// the next round until the attempt budget runs out.
func (r *Retrier) Drain(ctx context.Context) {
	pending, err := r.journal.Pending(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to scan history journal")
		return
	}
	metrics.WALPendingEntries.Set(float64(len(pending)))
	if len(pending) == 0 {
		return
	}

	replayed := 0
	for _, e := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := e.HistoryEntry()
		if err != nil {
			logging.Error().Err(err).Str("journal_id", e.ID).Msg("Dropping undecodable journal entry")
			r.confirm(ctx, e.ID)
			continue
		}

		metrics.WALRetries.Inc()
		if err := r.sink.WriteEntry(ctx, entry); err != nil {
			if markErr := r.journal.MarkAttempt(ctx, e.ID, err.Error()); markErr != nil {
				logging.Error().Err(markErr).Str("journal_id", e.ID).Msg("Failed to record journal attempt")
			}
			if e.Attempts+1 >= r.maxAttempts {
				logging.Error().
					Err(err).
					Str("journal_id", e.ID).
					Str("session_key", entry.SessionKey).
					Int("attempts", e.Attempts+1).
					Msg("Dropping history entry after exhausting retry budget")
				r.confirm(ctx, e.ID)
			}
			continue
		}

		r.confirm(ctx, e.ID)
		replayed++
	}

	if replayed > 0 {
		logging.Info().Int("replayed", replayed).Msg("Journaled history entries replayed")
	}

	remaining, err := r.journal.Pending(ctx)
	if err == nil {
		metrics.WALPendingEntries.Set(float64(len(remaining)))
	}
}

func (r *Retrier) confirm(ctx context.Context, id string) {
	if err := r.journal.Confirm(ctx, id); err != nil {
		logging.Error().Err(err).Str("journal_id", id).Msg("Failed to confirm journal entry")
	}
}
