// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package activity

import (
	"testing"
	"time"

	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/models"
)

func testTriggerConfig() config.TriggerConfig {
	return config.TriggerConfig{
		Movies:            true,
		Episodes:          true,
		Tracks:            false,
		OnStart:           true,
		OnStop:            true,
		OnPause:           false,
		OnResume:          false,
		OnBuffer:          false,
		OnWatched:         true,
		NotifyConsecutive: false,
		ConsecutiveWindow: 5 * time.Minute,
	}
}

func testNotifyConfig() config.NotifyConfig {
	return config.NotifyConfig{
		SubjectTemplate: "Sessionwatch ({action})",
		BodyTemplate:    "{user} ({player}) {action} {title} at {progress}",
	}
}

func movieEvent(t EventType, at time.Time) Event {
	return Event{
		Type: t,
		At:   at,
		Record: SessionRecord{
			Key:        "1:m",
			RatingKey:  "101",
			MediaType:  models.MediaTypeMovie,
			Title:      "Heat",
			Username:   "alice",
			Platform:   "Roku",
			Player:     "Living Room",
			ViewOffset: 5000,
			Duration:   10000,
		},
	}
}

func episodeEvent(t EventType, at time.Time, user, show string) Event {
	return Event{
		Type: t,
		At:   at,
		Record: SessionRecord{
			Key:                  "2:m",
			RatingKey:            "2001",
			GrandparentRatingKey: show,
			MediaType:            models.MediaTypeEpisode,
			Title:                "Pilot",
			GrandparentTitle:     "Severance",
			Username:             user,
		},
	}
}

func TestTriggerEngine_RendersTemplates(t *testing.T) {
	t.Parallel()

	e := NewTriggerEngine(testTriggerConfig(), testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	n := e.Evaluate(movieEvent(EventStart, at))
	if n == nil {
		t.Fatal("start event suppressed unexpectedly")
	}
	if n.Subject != "Sessionwatch (started playing)" {
		t.Errorf("Subject = %q", n.Subject)
	}
	if n.Body != "alice (Living Room) started playing Heat at 50%" {
		t.Errorf("Body = %q", n.Body)
	}
	if n.Trigger != EventStart {
		t.Errorf("Trigger = %q, want start", n.Trigger)
	}
}

func TestTriggerEngine_TransitionToggle(t *testing.T) {
	t.Parallel()

	e := NewTriggerEngine(testTriggerConfig(), testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	if n := e.Evaluate(movieEvent(EventPause, at)); n != nil {
		t.Errorf("pause notification = %v, want suppressed by toggle", n)
	}
	if n := e.Evaluate(movieEvent(EventWatched, at)); n == nil {
		t.Error("watched event suppressed despite toggle being on")
	}
}

func TestTriggerEngine_MediaTypeFilter(t *testing.T) {
	t.Parallel()

	e := NewTriggerEngine(testTriggerConfig(), testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	ev := movieEvent(EventStart, at)
	ev.Record.MediaType = models.MediaTypeTrack
	if n := e.Evaluate(ev); n != nil {
		t.Errorf("track notification = %v, want suppressed", n)
	}
}

func TestTriggerEngine_ConsecutiveEpisodeSuppressed(t *testing.T) {
	t.Parallel()

	e := NewTriggerEngine(testTriggerConfig(), testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	// Episode stops, next one starts two minutes later.
	if n := e.Evaluate(episodeEvent(EventStop, at, "alice", "500")); n == nil {
		t.Fatal("stop notification suppressed unexpectedly")
	}
	if n := e.Evaluate(episodeEvent(EventStart, at.Add(2*time.Minute), "alice", "500")); n != nil {
		t.Errorf("consecutive start = %v, want suppressed", n)
	}

	// Outside the window the start notifies again.
	if n := e.Evaluate(episodeEvent(EventStart, at.Add(10*time.Minute), "alice", "500")); n == nil {
		t.Error("start suppressed outside the consecutive window")
	}
}

func TestTriggerEngine_ConsecutiveScopedToUserAndShow(t *testing.T) {
	t.Parallel()

	e := NewTriggerEngine(testTriggerConfig(), testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	e.Evaluate(episodeEvent(EventStop, at, "alice", "500"))

	// Different user, same show: not suppressed.
	if n := e.Evaluate(episodeEvent(EventStart, at.Add(time.Minute), "bob", "500")); n == nil {
		t.Error("start for another user suppressed")
	}
	// Same user, different show: not suppressed.
	if n := e.Evaluate(episodeEvent(EventStart, at.Add(time.Minute), "alice", "900")); n == nil {
		t.Error("start for another show suppressed")
	}
}

func TestTriggerEngine_ConsecutiveTrackingSurvivesStopToggle(t *testing.T) {
	t.Parallel()

	cfg := testTriggerConfig()
	cfg.OnStop = false
	e := NewTriggerEngine(cfg, testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	// The stop is not notified, but it still arms the suppression.
	if n := e.Evaluate(episodeEvent(EventStop, at, "alice", "500")); n != nil {
		t.Fatalf("stop notification = %v, want suppressed by toggle", n)
	}
	if n := e.Evaluate(episodeEvent(EventStart, at.Add(time.Minute), "alice", "500")); n != nil {
		t.Errorf("consecutive start = %v, want suppressed", n)
	}
}

func TestTriggerEngine_NotifyConsecutiveEnabled(t *testing.T) {
	t.Parallel()

	cfg := testTriggerConfig()
	cfg.NotifyConsecutive = true
	e := NewTriggerEngine(cfg, testNotifyConfig())
	at := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)

	e.Evaluate(episodeEvent(EventStop, at, "alice", "500"))
	if n := e.Evaluate(episodeEvent(EventStart, at.Add(time.Minute), "alice", "500")); n == nil {
		t.Error("consecutive start suppressed despite NotifyConsecutive")
	}
}
