// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package models defines data structures shared across Sessionwatch.
// These models represent live session snapshots, playback history entries,
// and the Plex API payloads they are mapped from.
package models

import (
	"fmt"
	"time"
)

// MediaType classifies the content of a playback session.
type MediaType string

// Media types reported by Plex for playable content.
const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "episode"
	MediaTypeTrack   MediaType = "track"
)

// PlayState is the playback state of a live session.
type PlayState string

// Playback states as reported in session snapshots and WebSocket
// notifications. "stopped" appears only in push deltas; a polled
// snapshot simply omits sessions that have ended.
const (
	StatePlaying   PlayState = "playing"
	StatePaused    PlayState = "paused"
	StateBuffering PlayState = "buffering"
	StateStopped   PlayState = "stopped"
)

// SessionSnapshot is the input-facing view of one concurrent playback
// stream, extracted from a /status/sessions poll or a WebSocket
// "playing" delta and validated at the boundary before it reaches the
// reconciler.
//
// Required fields are enforced with validator tags; a snapshot that
// fails validation is skipped with a warning and never enters the
// session store.
type SessionSnapshot struct {
	// Session identification
	SessionKey string `json:"session_key" validate:"required"`
	MachineID  string `json:"machine_id"`

	// Media identity (episode -> season -> show hierarchy)
	RatingKey            string    `json:"rating_key" validate:"required"`
	ParentRatingKey      string    `json:"parent_rating_key,omitempty"`
	GrandparentRatingKey string    `json:"grandparent_rating_key,omitempty"`
	MediaType            MediaType `json:"media_type" validate:"required,oneof=movie episode track"`
	Title                string    `json:"title"`
	ParentTitle          string    `json:"parent_title,omitempty"`
	GrandparentTitle     string    `json:"grandparent_title,omitempty"`

	// User identity
	UserID    int    `json:"user_id"`
	Username  string `json:"username" validate:"required"`
	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Player    string `json:"player,omitempty"`
	Device    string `json:"device,omitempty"`

	// Playback
	ViewOffset        int64     `json:"view_offset"` // milliseconds
	Duration          int64     `json:"duration"`    // milliseconds
	State             PlayState `json:"state" validate:"required,oneof=playing paused buffering stopped"`
	TranscodeDecision string    `json:"transcode_decision,omitempty"`
	Bandwidth         int       `json:"bandwidth,omitempty"` // kbps
	Bitrate           int       `json:"bitrate,omitempty"`   // kbps

	// Partial marks a push delta that carries only the timeline subset
	// (session key, state, offset, rating key). Partial snapshots update
	// existing records but cannot create one on their own.
	Partial bool `json:"partial,omitempty"`
}

// Key returns the stable identifier for this stream, derived from the
// client session token and the machine identifier. Unique per live
// session; two devices resuming the same content never collide.
func (s *SessionSnapshot) Key() string {
	if s.MachineID == "" {
		return s.SessionKey
	}
	return s.SessionKey + ":" + s.MachineID
}

// PercentComplete returns playback progress as 0-100.
func (s *SessionSnapshot) PercentComplete() int {
	if s.Duration <= 0 {
		return 0
	}
	pct := int(s.ViewOffset * 100 / s.Duration)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// FullTitle returns a display title including the show hierarchy for
// episodes ("Show - Episode") and the bare title otherwise.
func (s *SessionSnapshot) FullTitle() string {
	if s.MediaType == MediaTypeEpisode && s.GrandparentTitle != "" {
		return fmt.Sprintf("%s - %s", s.GrandparentTitle, s.Title)
	}
	if s.MediaType == MediaTypeTrack && s.GrandparentTitle != "" {
		return fmt.Sprintf("%s - %s", s.GrandparentTitle, s.Title)
	}
	return s.Title
}

// ActivitySnapshot is a point-in-time report of all currently active
// sessions, as returned by the server client on each poll.
type ActivitySnapshot struct {
	At       time.Time         `json:"at"`
	Sessions []SessionSnapshot `json:"sessions"`
}
