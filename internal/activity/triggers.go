// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package activity

import (
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/sessionwatch/internal/cache"
	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// Notification is a rendered, agent-agnostic notification produced by
// the trigger engine. The dispatcher fans it out to every configured
// agent.
type Notification struct {
	Trigger EventType `json:"trigger"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Event   Event     `json:"event"`
}

// TriggerEngine maps transition events to notification invocations. It
// applies the per-media-type and per-transition toggles, suppresses
// start notifications for consecutive episodes of the same show, and
// renders the subject and body templates.
//
// The engine is stateless apart from the recent-stop cache, so it is
// safe to call from the dispatcher goroutine.
type TriggerEngine struct {
	cfg     config.TriggerConfig
	subject string
	body    string
	recent  *cache.TTLCache
}

// NewTriggerEngine creates an engine over the given rule toggles and
// templates. Templates substitute {user}, {title}, {platform},
// {player}, {action} and {progress}.
func NewTriggerEngine(cfg config.TriggerConfig, notify config.NotifyConfig) *TriggerEngine {
	window := cfg.ConsecutiveWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &TriggerEngine{
		cfg:     cfg,
		subject: notify.SubjectTemplate,
		body:    notify.BodyTemplate,
		recent:  cache.NewTTLCache(4096, window),
	}
}

// Evaluate decides whether a transition becomes a notification. It
// returns nil when the event is suppressed by the rule table. Stop
// events for episodes are always recorded for consecutive-episode
// tracking, even when the stop notification itself is disabled.
func (e *TriggerEngine) Evaluate(ev Event) *Notification {
	rec := &ev.Record

	if ev.Type == EventStop && rec.MediaType == models.MediaTypeEpisode {
		e.recent.MarkAt(consecutiveKey(rec), ev.At)
	}

	if !e.mediaEnabled(rec.MediaType) {
		metrics.NotificationsSuppressed.WithLabelValues("media_type").Inc()
		return nil
	}

	if !e.triggerEnabled(ev.Type) {
		metrics.NotificationsSuppressed.WithLabelValues("toggle").Inc()
		return nil
	}

	if ev.Type == EventStart && rec.MediaType == models.MediaTypeEpisode && !e.cfg.NotifyConsecutive {
		if _, ok := e.recent.LastAt(consecutiveKey(rec), ev.At); ok {
			metrics.NotificationsSuppressed.WithLabelValues("consecutive").Inc()
			return nil
		}
	}

	return &Notification{
		Trigger: ev.Type,
		Subject: e.render(e.subject, ev),
		Body:    e.render(e.body, ev),
		Event:   ev,
	}
}

func (e *TriggerEngine) mediaEnabled(t models.MediaType) bool {
	switch t {
	case models.MediaTypeMovie:
		return e.cfg.Movies
	case models.MediaTypeEpisode:
		return e.cfg.Episodes
	case models.MediaTypeTrack:
		return e.cfg.Tracks
	default:
		return false
	}
}

func (e *TriggerEngine) triggerEnabled(t EventType) bool {
	switch t {
	case EventStart:
		return e.cfg.OnStart
	case EventStop:
		return e.cfg.OnStop
	case EventPause:
		return e.cfg.OnPause
	case EventResume:
		return e.cfg.OnResume
	case EventBuffer:
		return e.cfg.OnBuffer
	case EventWatched:
		return e.cfg.OnWatched
	default:
		return false
	}
}

// render substitutes the template tokens from one event.
func (e *TriggerEngine) render(tmpl string, ev Event) string {
	rec := &ev.Record
	return strings.NewReplacer(
		"{user}", rec.Username,
		"{title}", rec.FullTitle(),
		"{platform}", rec.Platform,
		"{player}", rec.Player,
		"{action}", actionText(ev.Type),
		"{progress}", strconv.Itoa(rec.PercentComplete())+"%",
	).Replace(tmpl)
}

// consecutiveKey identifies one user watching one show. The show-level
// rating key groups every episode of the series.
func consecutiveKey(rec *SessionRecord) string {
	show := rec.GrandparentRatingKey
	if show == "" {
		show = rec.RatingKey
	}
	return rec.Username + ":" + show
}

func actionText(t EventType) string {
	switch t {
	case EventStart:
		return "started playing"
	case EventStop:
		return "stopped playing"
	case EventPause:
		return "paused"
	case EventResume:
		return "resumed playing"
	case EventBuffer:
		return "is buffering"
	case EventWatched:
		return "finished watching"
	default:
		return string(t)
	}
}
