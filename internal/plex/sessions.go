// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package plex

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// validate checks session snapshots at the ingestion boundary. A
// malformed element is skipped with a warning; it never reaches the
// session store.
var validate = validator.New(validator.WithRequiredStructEnabled())

// GetSessions fetches /status/sessions and maps every well-formed
// element into a point-in-time activity snapshot. Media types other
// than movie, episode and track (photos, live TV) are dropped here.
func (c *Client) GetSessions(ctx context.Context) (*models.ActivitySnapshot, error) {
	var resp models.PlexSessionsResponse
	if err := c.doJSONRequest(ctx, "/status/sessions", &resp); err != nil {
		return nil, err
	}

	snapshot := &models.ActivitySnapshot{
		At:       time.Now(),
		Sessions: make([]models.SessionSnapshot, 0, len(resp.MediaContainer.Metadata)),
	}

	for i := range resp.MediaContainer.Metadata {
		session := &resp.MediaContainer.Metadata[i]
		snap := toSnapshot(session)

		if err := validate.Struct(&snap); err != nil {
			metrics.SnapshotsSkipped.Inc()
			logging.Warn().
				Err(err).
				Str("session_key", session.SessionKey).
				Str("type", session.Type).
				Msg("Skipping malformed session element")
			continue
		}
		snapshot.Sessions = append(snapshot.Sessions, snap)
	}

	return snapshot, nil
}

// toSnapshot flattens one Plex session element into the internal
// snapshot shape.
func toSnapshot(s *models.PlexSession) models.SessionSnapshot {
	snap := models.SessionSnapshot{
		SessionKey:           s.SessionKey,
		RatingKey:            s.RatingKey,
		ParentRatingKey:      s.ParentRatingKey,
		GrandparentRatingKey: s.GrandparentRatingKey,
		MediaType:            models.MediaType(s.Type),
		Title:                s.Title,
		ParentTitle:          s.ParentTitle,
		GrandparentTitle:     s.GrandparentTitle,
		ViewOffset:           s.ViewOffset,
		Duration:             s.Duration,
		State:                ParsePlayState(s.PlayState()),
		TranscodeDecision:    s.TranscodeDecision(),
	}

	if s.User != nil {
		snap.UserID = s.User.ID
		snap.Username = s.User.Title
	}
	if s.Player != nil {
		snap.MachineID = s.Player.MachineID
		snap.IPAddress = s.Player.Address
		snap.Platform = s.Player.Platform
		snap.Player = s.Player.Title
		snap.Device = s.Player.Device
	}
	if s.Session != nil {
		snap.Bandwidth = s.Session.Bandwidth
	}
	if len(s.Media) > 0 {
		snap.Bitrate = s.Media[0].Bitrate
	}

	return snap
}

// ParsePlayState maps a Plex wire state string to the internal play
// state. Unrecognized states degrade to playing rather than dropping
// the session.
func ParsePlayState(s string) models.PlayState {
	switch s {
	case "paused":
		return models.StatePaused
	case "buffering":
		return models.StateBuffering
	case "stopped":
		return models.StateStopped
	default:
		return models.StatePlaying
	}
}
