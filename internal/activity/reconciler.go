// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// ErrUnknownSession is returned by ReconcilePush when a partial delta
// references a session the store has never seen. The caller is expected
// to fetch a full activity snapshot and run a regular pass.
var ErrUnknownSession = errors.New("activity: unknown session for partial delta")

// HistorySink persists one entry per completed session. Writes must be
// idempotent under retry: the same (session key, started-at) pair never
// produces a second row.
type HistorySink interface {
	WriteEntry(ctx context.Context, entry *models.HistoryEntry) error
}

// Journal durably queues terminal writes that failed against the sink,
// for replay by a background retry loop.
type Journal interface {
	Append(ctx context.Context, entry *models.HistoryEntry) (string, error)
}

// Config tunes the reconciler. Values are configuration-derived; see
// config.ActivityConfig for defaults.
type Config struct {
	// IdleThreshold is the number of consecutive passes a session may be
	// absent before it is treated as stopped.
	IdleThreshold int

	// AntiFlickerWindow suppresses pause/resume events for pauses
	// shorter than this window.
	AntiFlickerWindow time.Duration

	// WatchedPercent is the watched-progress threshold, 0-100.
	WatchedPercent int

	// BufferStallThreshold is how long a session must report buffering
	// before a buffer event fires.
	BufferStallThreshold time.Duration
}

// DefaultConfig returns reconciler defaults matching a 30s poll interval.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:        2,
		AntiFlickerWindow:    15 * time.Second,
		WatchedPercent:       85,
		BufferStallThreshold: 10 * time.Second,
	}
}

// Reconciler consumes activity snapshots, diffs them against the
// session state store, emits the minimal correct set of transition
// events and drives terminal history writes.
//
// A single mutex serializes whole passes: the timer-driven poll path
// and the WebSocket push path never interleave their read-modify-write
// of a record. Latches are set before events are published, so a
// consumer retry cannot duplicate a notification.
type Reconciler struct {
	mu        sync.Mutex
	store     *Store
	cfg       Config
	history   HistorySink
	journal   Journal
	publisher EventPublisher
	now       func() time.Time
}

// Option configures optional reconciler collaborators.
type Option func(*Reconciler)

// WithJournal attaches a durable journal for failed terminal writes.
func WithJournal(j Journal) Option {
	return func(r *Reconciler) { r.journal = j }
}

// WithPublisher attaches the transition event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler over the given store and sink.
func NewReconciler(store *Store, cfg Config, history HistorySink, opts ...Option) *Reconciler {
	if cfg.IdleThreshold < 1 {
		cfg.IdleThreshold = 1
	}
	r := &Reconciler{
		store:   store,
		cfg:     cfg,
		history: history,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile brings the store into agreement with a full activity
// snapshot and returns the transitions fired, in detection order. A
// session that starts and stops within the same pass yields exactly one
// start and one stop, in that order, and exactly one history entry.
//
// The caller must only invoke Reconcile with an authoritative snapshot;
// when the snapshot fetch failed the pass must be skipped entirely so
// idle counters are not incremented by a server outage.
func (r *Reconciler) Reconcile(ctx context.Context, snaps []models.SessionSnapshot) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	defer func() {
		metrics.ReconcilePassDuration.Observe(time.Since(started).Seconds())
	}()

	now := r.now()
	var events []Event
	seen := make(map[string]bool, len(snaps))

	for i := range snaps {
		snap := &snaps[i]
		key := snap.Key()
		seen[key] = true

		rec := r.store.Get(key)
		if rec == nil {
			if snap.Partial {
				// A partial delta cannot create a record; the push
				// worker resolves the full descriptor first.
				logging.Debug().Str("session", key).Msg("Skipping partial snapshot for unknown session")
				continue
			}
			events = append(events, r.startSession(ctx, snap, now)...)
			continue
		}
		events = append(events, r.transition(ctx, rec, snap, now)...)
	}

	for _, key := range r.store.keys() {
		if seen[key] {
			continue
		}
		rec := r.store.Get(key)
		if rec == nil {
			continue
		}
		events = append(events, r.absent(ctx, rec, now)...)
	}

	r.publish(ctx, events)
	return events
}

// ReconcilePush merges a single push delta through the same lock and
// transition logic. Sessions absent from the delta are left untouched;
// idle counters only advance on full passes.
func (r *Reconciler) ReconcilePush(ctx context.Context, snap models.SessionSnapshot) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := snap.Key()

	rec := r.store.Get(key)
	if rec == nil {
		if snap.State == models.StateStopped {
			// Stop for a session that was never tracked: nothing to do.
			return nil, nil
		}
		if snap.Partial {
			return nil, ErrUnknownSession
		}
		events := r.startSession(ctx, &snap, now)
		r.publish(ctx, events)
		return events, nil
	}

	events := r.transition(ctx, rec, &snap, now)
	r.publish(ctx, events)
	return events, nil
}

// startSession creates a record for a newly observed session and fires
// the start event. A snapshot already in the stopped state still yields
// start then stop in order.
func (r *Reconciler) startSession(ctx context.Context, snap *models.SessionSnapshot, now time.Time) []Event {
	state := snap.State
	if state == models.StateStopped {
		snap.State = models.StatePlaying
	}

	rec := newRecord(snap, now)
	rec.NotifiedStart = true
	r.store.Put(rec)

	logging.Info().
		Str("session", rec.Key).
		Str("user", rec.Username).
		Str("title", rec.FullTitle()).
		Msg("Session started")

	events := []Event{r.event(EventStart, rec, now)}
	events = append(events, r.steadyChecks(rec, now)...)

	if state == models.StateStopped {
		events = append(events, r.terminate(ctx, rec, now)...)
	}
	return events
}

// transition diffs one snapshot against its live record, firing
// pause/resume/buffer/watched as warranted and always refreshing the
// continuously-tracked fields.
func (r *Reconciler) transition(ctx context.Context, rec *SessionRecord, snap *models.SessionSnapshot, now time.Time) []Event {
	if rec.StopPending {
		// A previous terminal write failed entirely; the session
		// reappearing cancels the pending stop.
		rec.StopPending = false
	}

	prev := rec.State
	rec.refresh(snap, now)

	if snap.State == models.StateStopped {
		return r.terminate(ctx, rec, now)
	}

	var events []Event

	switch {
	case prev != models.StatePaused && snap.State == models.StatePaused:
		// Entering pause: start the anti-flicker clock. The pause event
		// itself fires from steadyChecks once the window has elapsed.
		rec.PausedAt = now
		rec.NotifiedPause = false
		rec.NotifiedResume = false

	case prev == models.StatePaused && snap.State != models.StatePaused:
		pauseDur := now.Sub(rec.PausedAt)
		if !rec.PausedAt.IsZero() && pauseDur >= r.cfg.AntiFlickerWindow {
			rec.PausedCounter += pauseDur.Milliseconds()
			if rec.NotifiedPause && !rec.NotifiedResume {
				rec.NotifiedResume = true
				events = append(events, r.event(EventResume, rec, now))
				logging.Info().Str("session", rec.Key).Str("user", rec.Username).Msg("Session resumed")
			}
		}
		// A sub-window blip accumulates nothing and fires nothing.
		rec.PausedAt = time.Time{}
	}

	rec.State = snap.State
	events = append(events, r.steadyChecks(rec, now)...)
	return events
}

// steadyChecks evaluates the latched, duration-based transitions that
// can fire on any pass: deferred pause, buffer stall, and watched
// progress.
func (r *Reconciler) steadyChecks(rec *SessionRecord, now time.Time) []Event {
	var events []Event

	if rec.State == models.StatePaused && !rec.NotifiedPause && !rec.PausedAt.IsZero() {
		if now.Sub(rec.PausedAt) >= r.cfg.AntiFlickerWindow {
			rec.NotifiedPause = true
			events = append(events, r.event(EventPause, rec, now))
			logging.Info().Str("session", rec.Key).Str("user", rec.Username).Msg("Session paused")
		}
	}

	if rec.State == models.StateBuffering {
		if rec.BufferingSince.IsZero() {
			rec.BufferingSince = now
		}
		if !rec.NotifiedBuffer && now.Sub(rec.BufferingSince) >= r.cfg.BufferStallThreshold {
			rec.NotifiedBuffer = true
			events = append(events, r.event(EventBuffer, rec, now))
			logging.Warn().
				Str("session", rec.Key).
				Str("user", rec.Username).
				Dur("stalled", now.Sub(rec.BufferingSince)).
				Msg("Session buffering")
		}
	} else {
		// Leaving buffering re-arms the latch: at most one buffer event
		// per continuous stall.
		rec.BufferingSince = time.Time{}
		rec.NotifiedBuffer = false
	}

	if !rec.NotifiedWatched && rec.Duration > 0 && rec.PercentComplete() >= r.cfg.WatchedPercent {
		rec.NotifiedWatched = true
		events = append(events, r.event(EventWatched, rec, now))
	}

	return events
}

// absent handles a tracked session missing from the snapshot: the idle
// counter advances, and once it reaches the grace threshold the session
// is terminated exactly once.
func (r *Reconciler) absent(ctx context.Context, rec *SessionRecord, now time.Time) []Event {
	if rec.StopPending {
		return r.terminate(ctx, rec, now)
	}

	rec.IdleCounter++
	if rec.IdleCounter < r.cfg.IdleThreshold {
		return nil
	}
	return r.terminate(ctx, rec, now)
}

// terminate writes the terminal history entry and removes the record.
// On sink failure the entry is journaled for background retry; if the
// journal write also fails the record is retained with StopPending set
// so the next pass retries the termination. Either way the session can
// never produce two history rows: the sink deduplicates on
// (session key, started-at).
func (r *Reconciler) terminate(ctx context.Context, rec *SessionRecord, now time.Time) []Event {
	entry := rec.historyEntry(now)

	if err := r.history.WriteEntry(ctx, entry); err != nil {
		metrics.HistoryWriteErrors.Inc()
		metrics.ReconcilePassErrors.WithLabelValues("history_write").Inc()

		if r.journal == nil {
			logging.Error().Err(err).Str("session", rec.Key).Msg("History write failed, retrying next pass")
			rec.StopPending = true
			return nil
		}

		if _, jerr := r.journal.Append(ctx, entry); jerr != nil {
			logging.Error().Err(jerr).Str("session", rec.Key).Msg("History write and journal both failed, retrying next pass")
			rec.StopPending = true
			return nil
		}
		logging.Warn().Err(err).Str("session", rec.Key).Msg("History write failed, journaled for retry")
	}

	rec.State = models.StateStopped
	rec.NotifiedStop = true
	ev := r.event(EventStop, rec, now)
	r.store.Remove(rec.Key)

	logging.Info().
		Str("session", rec.Key).
		Str("user", rec.Username).
		Str("title", rec.FullTitle()).
		Int64("play_duration_ms", entry.PlayDuration).
		Msg("Session stopped")

	return []Event{ev}
}

// event snapshots the record after its latches were updated.
func (r *Reconciler) event(t EventType, rec *SessionRecord, now time.Time) Event {
	metrics.SessionTransitions.WithLabelValues(string(t)).Inc()
	return Event{Type: t, At: now, Record: rec.snapshotView()}
}

// publish hands fired events to the dispatcher. Failures are logged and
// never abort the pass; the store and latches were already updated.
func (r *Reconciler) publish(ctx context.Context, events []Event) {
	if r.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := r.publisher.Publish(ctx, ev); err != nil {
			logging.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to publish transition event")
		}
	}
}
