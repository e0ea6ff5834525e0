// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package activity

import (
	"context"
	"time"
)

// EventType identifies a session transition.
type EventType string

// Session transitions emitted by the reconciler.
const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventPause   EventType = "pause"
	EventResume  EventType = "resume"
	EventBuffer  EventType = "buffer"
	EventWatched EventType = "watched"
)

// Event is one fired transition, carrying a copy of the session record
// as it stood when the transition was detected. The copy is taken after
// the store and latches were updated, so a consumer retry can never
// produce a duplicate notification.
type Event struct {
	Type   EventType     `json:"type"`
	At     time.Time     `json:"at"`
	Record SessionRecord `json:"record"`
}

// EventPublisher delivers fired transitions to downstream consumers
// (the notification dispatcher). Implementations must be safe for use
// from the single reconciliation worker; publish errors are logged and
// never abort a pass.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
