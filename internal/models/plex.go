// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package models

// Plex Media Server wire models.
// WebSocket endpoint: ws://{plex_url}/:/websockets/notifications
// Sessions endpoint:  GET /status/sessions

// PlexNotificationWrapper wraps the top-level WebSocket notification container.
type PlexNotificationWrapper struct {
	NotificationContainer PlexNotificationContainer `json:"NotificationContainer"`
}

// PlexNotificationContainer carries one batch of WebSocket notifications.
// Only "playing" notifications drive session tracking; every other type
// is ignored.
type PlexNotificationContainer struct {
	Type                         string                    `json:"type"` // "playing", "timeline", "activity", "status", ...
	Size                         int                       `json:"size,omitempty"`
	PlaySessionStateNotification []PlexPlayingNotification `json:"PlaySessionStateNotification,omitempty"`
}

// PlexPlayingNotification is a real-time playback state delta. It carries
// only the timeline subset of a session; the reconciler resolves the full
// session descriptor from /status/sessions when it sees an unknown key.
type PlexPlayingNotification struct {
	SessionKey       string `json:"sessionKey"`
	ClientIdentifier string `json:"clientIdentifier"`
	State            string `json:"state"` // "playing", "paused", "buffering", "stopped"
	RatingKey        string `json:"ratingKey"`
	ViewOffset       int64  `json:"viewOffset"` // milliseconds
	Key              string `json:"key,omitempty"`
	Guid             string `json:"guid,omitempty"`
	TranscodeSession string `json:"transcodeSession,omitempty"`
}

// PlexSessionsResponse is the top-level response from /status/sessions.
type PlexSessionsResponse struct {
	MediaContainer PlexSessionsContainer `json:"MediaContainer"`
}

// PlexSessionsContainer wraps the active sessions array.
type PlexSessionsContainer struct {
	Size     int           `json:"size"`
	Metadata []PlexSession `json:"Metadata"`
}

// PlexSession is a single active playback session from /status/sessions.
type PlexSession struct {
	SessionKey string `json:"sessionKey"`
	Key        string `json:"key"`

	RatingKey            string `json:"ratingKey"`
	ParentRatingKey      string `json:"parentRatingKey,omitempty"`
	GrandparentRatingKey string `json:"grandparentRatingKey,omitempty"`
	Type                 string `json:"type"` // "movie", "episode", "track"
	Title                string `json:"title"`
	ParentTitle          string `json:"parentTitle,omitempty"`
	GrandparentTitle     string `json:"grandparentTitle,omitempty"`

	ViewOffset int64 `json:"viewOffset"` // milliseconds
	Duration   int64 `json:"duration"`   // milliseconds

	User             *PlexSessionUser      `json:"User,omitempty"`
	Player           *PlexSessionPlayer    `json:"Player,omitempty"`
	Session          *PlexSessionBandwidth `json:"Session,omitempty"`
	TranscodeSession *PlexTranscodeSession `json:"TranscodeSession,omitempty"`
	Media            []PlexMedia           `json:"Media,omitempty"`
}

// PlexSessionUser identifies the watching user.
type PlexSessionUser struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Thumb string `json:"thumb,omitempty"`
}

// PlexSessionPlayer describes the client device. Player.State is the
// authoritative play state for the session.
type PlexSessionPlayer struct {
	Address   string `json:"address"`
	Device    string `json:"device"`
	MachineID string `json:"machineIdentifier"`
	Platform  string `json:"platform"`
	Product   string `json:"product"`
	State     string `json:"state"` // "playing", "paused", "buffering"
	Title     string `json:"title"`
	Local     bool   `json:"local"`
	Secure    bool   `json:"secure"`
}

// PlexSessionBandwidth carries per-session bandwidth accounting.
type PlexSessionBandwidth struct {
	ID        string `json:"id"`
	Bandwidth int    `json:"bandwidth"` // kbps
	Location  string `json:"location"`  // "lan" or "wan"
}

// PlexTranscodeSession describes an active transcode, nil on direct play.
type PlexTranscodeSession struct {
	Key           string  `json:"key"`
	Throttled     bool    `json:"throttled"`
	Progress      float64 `json:"progress"`
	Speed         float64 `json:"speed"`
	VideoDecision string  `json:"videoDecision"` // "transcode", "copy", "direct play"
	AudioDecision string  `json:"audioDecision"`
}

// PlexMedia carries source quality information for the session.
type PlexMedia struct {
	ID              int    `json:"id"`
	Duration        int64  `json:"duration"`
	Bitrate         int    `json:"bitrate"` // kbps
	VideoResolution string `json:"videoResolution,omitempty"`
	VideoCodec      string `json:"videoCodec,omitempty"`
	AudioCodec      string `json:"audioCodec,omitempty"`
	Container       string `json:"container,omitempty"`
}

// PlayState returns the session play state, preferring the Player
// element; Plex omits a top-level state on /status/sessions.
func (s *PlexSession) PlayState() string {
	if s.Player != nil && s.Player.State != "" {
		return s.Player.State
	}
	return "playing"
}

// TranscodeDecision summarizes the transcode pipeline for the session.
func (s *PlexSession) TranscodeDecision() string {
	if s.TranscodeSession == nil {
		return "direct play"
	}
	if s.TranscodeSession.VideoDecision == "copy" && s.TranscodeSession.AudioDecision == "copy" {
		return "direct stream"
	}
	return "transcode"
}
