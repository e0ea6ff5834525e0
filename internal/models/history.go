// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is the immutable record of one completed session.
//
// Exactly one entry is written per session key termination. The sink
// deduplicates on (session_key, started_at), so a retried terminal
// write after a transient failure never creates a second row. The only
// mutation ever applied afterwards is the administrative rating-key
// remap following a server library rescan.
type HistoryEntry struct {
	ID uuid.UUID `json:"id"`

	// Session identification
	SessionKey string    `json:"session_key"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`

	// User information
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Player    string `json:"player,omitempty"`
	Device    string `json:"device,omitempty"`

	// Media identity
	MediaType            MediaType `json:"media_type"`
	Title                string    `json:"title"`
	ParentTitle          string    `json:"parent_title,omitempty"`
	GrandparentTitle     string    `json:"grandparent_title,omitempty"`
	RatingKey            string    `json:"rating_key"`
	ParentRatingKey      string    `json:"parent_rating_key,omitempty"`
	GrandparentRatingKey string    `json:"grandparent_rating_key,omitempty"`

	// Aggregate playback facts
	ViewOffset        int64  `json:"view_offset"`   // final position, milliseconds
	Duration          int64  `json:"duration"`      // media duration, milliseconds
	PlayDuration      int64  `json:"play_duration"` // watched duration, milliseconds
	PausedCounter     int64  `json:"paused_counter"`
	PercentComplete   int    `json:"percent_complete"`
	WatchedStatus     int    `json:"watched_status"` // 1 once the watched threshold was crossed
	TranscodeDecision string `json:"transcode_decision,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RatingKeyRemap describes an administrative old->new media identity
// rewrite after a server-side library rescan changed numeric
// identifiers. Applied transactionally per batch.
type RatingKeyRemap struct {
	MediaType MediaType         `json:"media_type" validate:"required,oneof=movie episode track"`
	Mapping   map[string]string `json:"mapping" validate:"required,min=1,dive,required"`
}
