// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package activity implements the session tracking core: the in-memory
// session state store, the snapshot reconciler that turns noisy
// current-activity reports into a coherent per-session state machine,
// and the trigger engine that maps transitions to notification
// invocations.
package activity

import (
	"time"

	"github.com/tomtom215/sessionwatch/internal/models"
)

// SessionRecord is the mutable state of one live playback session,
// owned exclusively by the Store while the session is tracked. The
// reconciler is the only writer; it mutates records under the store
// pass lock.
type SessionRecord struct {
	// Identity
	Key        string
	SessionKey string
	MachineID  string

	// Media identity
	RatingKey            string
	ParentRatingKey      string
	GrandparentRatingKey string
	MediaType            models.MediaType
	Title                string
	ParentTitle          string
	GrandparentTitle     string

	// User identity
	UserID    int
	Username  string
	IPAddress string
	Platform  string
	Player    string
	Device    string

	// Playback
	ViewOffset        int64 // milliseconds
	Duration          int64 // milliseconds
	State             models.PlayState
	TranscodeDecision string
	Bandwidth         int
	Bitrate           int

	// Timestamps
	StartedAt      time.Time
	LastSeenAt     time.Time
	PausedAt       time.Time // zero when not paused
	PausedCounter  int64     // accumulated pause duration, milliseconds
	BufferingSince time.Time // zero when not buffering

	// One-shot notification latches. Each prevents the corresponding
	// transition from firing twice for the same occurrence. Pause,
	// resume and buffer latches reset when the session returns to
	// playing; start, stop and watched never reset.
	NotifiedStart   bool
	NotifiedStop    bool
	NotifiedPause   bool
	NotifiedResume  bool
	NotifiedBuffer  bool
	NotifiedWatched bool

	// IdleCounter counts consecutive reconciliation passes in which the
	// session was absent from the snapshot. Reset to zero whenever the
	// session reappears.
	IdleCounter int

	// StopPending marks a record whose terminal history write failed
	// against both the sink and the journal; the next pass retries the
	// termination instead of re-detecting transitions.
	StopPending bool
}

// newRecord creates a live record from a validated snapshot.
func newRecord(snap *models.SessionSnapshot, now time.Time) *SessionRecord {
	r := &SessionRecord{
		Key:                  snap.Key(),
		SessionKey:           snap.SessionKey,
		MachineID:            snap.MachineID,
		RatingKey:            snap.RatingKey,
		ParentRatingKey:      snap.ParentRatingKey,
		GrandparentRatingKey: snap.GrandparentRatingKey,
		MediaType:            snap.MediaType,
		Title:                snap.Title,
		ParentTitle:          snap.ParentTitle,
		GrandparentTitle:     snap.GrandparentTitle,
		UserID:               snap.UserID,
		Username:             snap.Username,
		IPAddress:            snap.IPAddress,
		Platform:             snap.Platform,
		Player:               snap.Player,
		Device:               snap.Device,
		ViewOffset:           snap.ViewOffset,
		Duration:             snap.Duration,
		State:                snap.State,
		TranscodeDecision:    snap.TranscodeDecision,
		Bandwidth:            snap.Bandwidth,
		Bitrate:              snap.Bitrate,
		StartedAt:            now,
		LastSeenAt:           now,
	}
	if snap.State == models.StateBuffering {
		r.BufferingSince = now
	}
	if snap.State == models.StatePaused {
		// A session first observed paused starts its pause clock here;
		// the transition diff never sees an entering-pause edge for it.
		r.PausedAt = now
	}
	return r
}

// refresh updates the continuously-tracked fields from a snapshot.
// Called on every pass regardless of whether a transition fired.
func (r *SessionRecord) refresh(snap *models.SessionSnapshot, now time.Time) {
	r.ViewOffset = snap.ViewOffset
	if snap.Duration > 0 {
		r.Duration = snap.Duration
	}
	if snap.TranscodeDecision != "" {
		r.TranscodeDecision = snap.TranscodeDecision
	}
	if snap.Bandwidth > 0 {
		r.Bandwidth = snap.Bandwidth
	}
	if snap.Bitrate > 0 {
		r.Bitrate = snap.Bitrate
	}
	r.LastSeenAt = now
	r.IdleCounter = 0
}

// PercentComplete returns playback progress as 0-100.
func (r *SessionRecord) PercentComplete() int {
	if r.Duration <= 0 {
		return 0
	}
	pct := int(r.ViewOffset * 100 / r.Duration)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// FullTitle returns a display title including the show or artist
// hierarchy where one exists.
func (r *SessionRecord) FullTitle() string {
	if r.GrandparentTitle != "" {
		return r.GrandparentTitle + " - " + r.Title
	}
	return r.Title
}

// playDuration is the watched duration used for the terminal history
// entry. View offsets do not advance while paused, so the final offset
// already excludes pause time; it is clamped to the media duration to
// guard against servers reporting offsets past the end.
func (r *SessionRecord) playDuration() int64 {
	d := r.ViewOffset
	if r.Duration > 0 && d > r.Duration {
		d = r.Duration
	}
	return d
}

// historyEntry builds the immutable terminal record for this session.
func (r *SessionRecord) historyEntry(now time.Time) *models.HistoryEntry {
	watched := 0
	if r.NotifiedWatched {
		watched = 1
	}
	return &models.HistoryEntry{
		SessionKey:           r.Key,
		StartedAt:            r.StartedAt,
		StoppedAt:            now,
		UserID:               r.UserID,
		Username:             r.Username,
		IPAddress:            r.IPAddress,
		Platform:             r.Platform,
		Player:               r.Player,
		Device:               r.Device,
		MediaType:            r.MediaType,
		Title:                r.Title,
		ParentTitle:          r.ParentTitle,
		GrandparentTitle:     r.GrandparentTitle,
		RatingKey:            r.RatingKey,
		ParentRatingKey:      r.ParentRatingKey,
		GrandparentRatingKey: r.GrandparentRatingKey,
		ViewOffset:           r.ViewOffset,
		Duration:             r.Duration,
		PlayDuration:         r.playDuration(),
		PausedCounter:        r.PausedCounter,
		PercentComplete:      r.PercentComplete(),
		WatchedStatus:        watched,
		TranscodeDecision:    r.TranscodeDecision,
		CreatedAt:            now,
	}
}

// snapshotView returns a copy safe to hand to API responses and event
// consumers outside the store lock.
func (r *SessionRecord) snapshotView() SessionRecord {
	return *r
}
