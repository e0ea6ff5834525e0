// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/sessionwatch/internal/models"
)

type fakeSink struct {
	mu       sync.Mutex
	entries  []*models.HistoryEntry
	failures int
}

func (s *fakeSink) WriteEntry(_ context.Context, entry *models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []*models.HistoryEntry
	fail    bool
}

func (j *fakeJournal) Append(_ context.Context, entry *models.HistoryEntry) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return "", errors.New("journal unavailable")
	}
	j.entries = append(j.entries, entry)
	return "0001", nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func playbackSnap(key string, state models.PlayState, offset int64) models.SessionSnapshot {
	return models.SessionSnapshot{
		SessionKey: key,
		MachineID:  "machine-1",
		RatingKey:  "101",
		MediaType:  models.MediaTypeMovie,
		Title:      "Heat",
		UserID:     1,
		Username:   "alice",
		Platform:   "Roku",
		Player:     "Living Room",
		State:      state,
		ViewOffset: offset,
		Duration:   10000,
	}
}

func testReconciler(sink HistorySink, clock *testClock, opts ...Option) (*Reconciler, *Store) {
	store := NewStore()
	cfg := Config{
		IdleThreshold:        2,
		AntiFlickerWindow:    15 * time.Second,
		WatchedPercent:       85,
		BufferStallThreshold: 10 * time.Second,
	}
	opts = append(opts, WithClock(clock.Now))
	return NewReconciler(store, cfg, sink, opts...), store
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func wantTypes(t *testing.T, events []Event, want ...EventType) {
	t.Helper()
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestReconcile_StartAndRefresh(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})
	wantTypes(t, events, EventStart)

	rec := store.Get("1:machine-1")
	if rec == nil {
		t.Fatal("session not tracked after start")
	}
	if !rec.NotifiedStart {
		t.Error("start latch not set")
	}
	if rec.ViewOffset != 1000 {
		t.Errorf("ViewOffset = %d, want 1000", rec.ViewOffset)
	}

	// Second pass with only progress: no events, fields refreshed.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 4000)})
	wantTypes(t, events)
	if got := store.Get("1:machine-1").ViewOffset; got != 4000 {
		t.Errorf("ViewOffset = %d, want 4000", got)
	}
}

func TestReconcile_ShortPauseFiresNothing(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	// Pause observed, but the anti-flicker window has not elapsed when
	// the session resumes.
	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 2000)})
	wantTypes(t, events)

	clock.Advance(10 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 2000)})
	wantTypes(t, events)

	rec := store.Get("1:machine-1")
	if rec.PausedCounter != 0 {
		t.Errorf("PausedCounter = %d, want 0 for a sub-window blip", rec.PausedCounter)
	}
	if !rec.PausedAt.IsZero() {
		t.Error("PausedAt not cleared after resume")
	}
}

func TestReconcile_PauseResumeBeyondWindow(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 5000)})
	wantTypes(t, events)

	// Still paused on the next pass, past the window: pause fires once.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 5000)})
	wantTypes(t, events, EventPause)

	// And only once.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 5000)})
	wantTypes(t, events)

	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 5000)})
	wantTypes(t, events, EventResume)

	rec := store.Get("1:machine-1")
	if rec.PausedCounter != (90 * time.Second).Milliseconds() {
		t.Errorf("PausedCounter = %d, want %d", rec.PausedCounter, (90*time.Second).Milliseconds())
	}

	// A second pause cycle can fire again.
	clock.Advance(30 * time.Second)
	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 6000)})
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 6000)})
	wantTypes(t, events, EventPause)
}

func TestReconcile_FirstObservedPaused(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	// The session's first sighting is already paused, so the pause clock
	// starts at the sighting rather than on an entering-pause edge.
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 1000)})
	wantTypes(t, events, EventStart)

	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 1000)})
	wantTypes(t, events, EventPause)

	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 2000)})
	wantTypes(t, events, EventResume)

	// The counter holds the real pause duration, not an interval measured
	// against the zero time.
	rec := store.Get("1:machine-1")
	if rec.PausedCounter != (60 * time.Second).Milliseconds() {
		t.Errorf("PausedCounter = %d, want %d", rec.PausedCounter, (60*time.Second).Milliseconds())
	}
	if !rec.PausedAt.IsZero() {
		t.Error("PausedAt not cleared after resume")
	}
}

func TestReconcile_WatchedLatchedOnce(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 8600)})
	wantTypes(t, events, EventWatched)

	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 9000)})
	wantTypes(t, events)

	if !store.Get("1:machine-1").NotifiedWatched {
		t.Error("watched latch not set")
	}
}

func TestReconcile_WatchedWhilePaused(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, _ := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	// Progress crosses the threshold in the same snapshot that pauses.
	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 9000)})
	wantTypes(t, events, EventWatched)
}

func TestReconcile_BufferStall(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	// Buffering begins; threshold not yet met within the same pass.
	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StateBuffering, 2000)})
	wantTypes(t, events)

	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StateBuffering, 2000)})
	wantTypes(t, events, EventBuffer)

	// Latched for the remainder of this stall.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StateBuffering, 2000)})
	wantTypes(t, events)

	// Recovery clears the stall; a fresh stall can fire again.
	clock.Advance(30 * time.Second)
	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 3000)})
	rec := store.Get("1:machine-1")
	if !rec.BufferingSince.IsZero() || rec.NotifiedBuffer {
		t.Error("buffer state not cleared on recovery")
	}
}

func TestReconcile_IdleGraceThenStop(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	// First absent pass: grace, no stop.
	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, nil)
	wantTypes(t, events)
	if got := store.Get("1:machine-1").IdleCounter; got != 1 {
		t.Fatalf("IdleCounter = %d, want 1", got)
	}

	// Second absent pass reaches the threshold: stop fires, history
	// written, record removed.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, nil)
	wantTypes(t, events, EventStop)
	if store.Get("1:machine-1") != nil {
		t.Error("record not removed after termination")
	}
	if sink.count() != 1 {
		t.Fatalf("history entries = %d, want 1", sink.count())
	}
	entry := sink.entries[0]
	if entry.SessionKey != "1:machine-1" {
		t.Errorf("entry SessionKey = %q, want 1:machine-1", entry.SessionKey)
	}
	if entry.PlayDuration != 1000 {
		t.Errorf("PlayDuration = %d, want 1000", entry.PlayDuration)
	}
}

func TestReconcile_ReappearanceResetsIdleCounter(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	clock.Advance(30 * time.Second)
	r.Reconcile(ctx, nil)

	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 2000)})
	wantTypes(t, events)
	if got := store.Get("1:machine-1").IdleCounter; got != 0 {
		t.Errorf("IdleCounter = %d, want 0 after reappearance", got)
	}
	if sink.count() != 0 {
		t.Errorf("history entries = %d, want 0", sink.count())
	}
}

func TestReconcile_ExplicitStop(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StateStopped, 5000)})
	wantTypes(t, events, EventStop)

	if store.Get("1:machine-1") != nil {
		t.Error("record not removed after explicit stop")
	}
	if sink.count() != 1 {
		t.Fatalf("history entries = %d, want 1", sink.count())
	}
	if got := sink.entries[0].PlayDuration; got != 5000 {
		t.Errorf("PlayDuration = %d, want 5000", got)
	}
}

func TestReconcile_SamePassStartStop(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("9", models.StateStopped, 3000)})
	wantTypes(t, events, EventStart, EventStop)

	if store.Get("9:machine-1") != nil {
		t.Error("record retained after same-pass start and stop")
	}
	if sink.count() != 1 {
		t.Fatalf("history entries = %d, want 1", sink.count())
	}
}

func TestReconcile_HistoryFailureJournaled(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failures: 1}
	journal := &fakeJournal{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock, WithJournal(journal))
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StateStopped, 5000)})

	// The write failed but the entry was journaled, so the session still
	// terminates cleanly.
	wantTypes(t, events, EventStop)
	if store.Get("1:machine-1") != nil {
		t.Error("record retained despite successful journaling")
	}
	if len(journal.entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(journal.entries))
	}
	if sink.count() != 0 {
		t.Errorf("history entries = %d, want 0", sink.count())
	}
}

func TestReconcile_HistoryAndJournalFailureRetries(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failures: 1}
	journal := &fakeJournal{fail: true}
	clock := newTestClock()
	r, store := testReconciler(sink, clock, WithJournal(journal))
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	clock.Advance(30 * time.Second)
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StateStopped, 5000)})
	wantTypes(t, events)

	rec := store.Get("1:machine-1")
	if rec == nil {
		t.Fatal("record dropped while its terminal write is unpersisted")
	}
	if !rec.StopPending {
		t.Error("StopPending not set after double failure")
	}

	// Next pass retries the termination and succeeds.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, nil)
	wantTypes(t, events, EventStop)
	if sink.count() != 1 {
		t.Fatalf("history entries = %d, want 1 after retry", sink.count())
	}
	if store.Get("1:machine-1") != nil {
		t.Error("record retained after successful retry")
	}
}

func TestReconcile_PassScenario(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, _ := testReconciler(sink, clock)
	ctx := context.Background()

	// P1: playing at 1000ms.
	events := r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})
	wantTypes(t, events, EventStart)

	// P2: paused at 5000ms.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 5000)})
	wantTypes(t, events)

	// P3: still paused, anti-flicker window elapsed.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePaused, 5000)})
	wantTypes(t, events, EventPause)

	// P4: absent, within grace.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, nil)
	wantTypes(t, events)

	// P5: still absent, threshold reached.
	clock.Advance(30 * time.Second)
	events = r.Reconcile(ctx, nil)
	wantTypes(t, events, EventStop)

	if sink.count() != 1 {
		t.Fatalf("history entries = %d, want 1", sink.count())
	}
	entry := sink.entries[0]
	if entry.PlayDuration != 5000 {
		t.Errorf("PlayDuration = %d, want 5000", entry.PlayDuration)
	}
	if entry.WatchedStatus != 0 {
		t.Errorf("WatchedStatus = %d, want 0", entry.WatchedStatus)
	}
}

func TestReconcilePush_KnownSessionDelta(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)
	ctx := context.Background()

	r.Reconcile(ctx, []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	delta := playbackSnap("1", models.StatePaused, 3000)
	delta.Partial = true
	events, err := r.ReconcilePush(ctx, delta)
	if err != nil {
		t.Fatalf("ReconcilePush: %v", err)
	}
	wantTypes(t, events)

	rec := store.Get("1:machine-1")
	if rec.State != models.StatePaused {
		t.Errorf("State = %q, want paused", rec.State)
	}
	if rec.ViewOffset != 3000 {
		t.Errorf("ViewOffset = %d, want 3000", rec.ViewOffset)
	}
}

func TestReconcilePush_UnknownPartialEscalates(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, _ := testReconciler(sink, clock)

	delta := playbackSnap("77", models.StatePlaying, 0)
	delta.Partial = true
	if _, err := r.ReconcilePush(context.Background(), delta); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestReconcilePush_UnknownStopIgnored(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)

	delta := playbackSnap("77", models.StateStopped, 9000)
	delta.Partial = true
	events, err := r.ReconcilePush(context.Background(), delta)
	if err != nil {
		t.Fatalf("ReconcilePush: %v", err)
	}
	wantTypes(t, events)
	if store.Len() != 0 {
		t.Errorf("store len = %d, want 0", store.Len())
	}
	if sink.count() != 0 {
		t.Errorf("history entries = %d, want 0", sink.count())
	}
}

func TestReconcilePush_FullSnapshotStartsSession(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()
	r, store := testReconciler(sink, clock)

	events, err := r.ReconcilePush(context.Background(), playbackSnap("5", models.StatePlaying, 0))
	if err != nil {
		t.Fatalf("ReconcilePush: %v", err)
	}
	wantTypes(t, events, EventStart)
	if store.Get("5:machine-1") == nil {
		t.Error("session not tracked after push start")
	}
}

func TestReconcile_PublishesAfterLatching(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := newTestClock()

	var published []Event
	pub := publisherFunc(func(_ context.Context, ev Event) error {
		published = append(published, ev)
		return nil
	})
	r, _ := testReconciler(sink, clock, WithPublisher(pub))

	r.Reconcile(context.Background(), []models.SessionSnapshot{playbackSnap("1", models.StatePlaying, 1000)})

	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if !published[0].Record.NotifiedStart {
		t.Error("published record does not carry the start latch")
	}
}

type publisherFunc func(ctx context.Context, ev Event) error

func (f publisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
