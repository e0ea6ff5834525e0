// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package notify delivers session transition events to notification
// agents. The reconciler publishes onto an in-process Watermill bus;
// the dispatcher subscribes, runs the trigger engine and fans out to
// the configured agents.
package notify

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionwatch/internal/activity"
)

// TopicTransitions carries one message per fired session transition.
const TopicTransitions = "session.transitions"

// Bus is the in-process event bus between the reconciler and the
// notification dispatcher. Publishing never blocks the reconciliation
// pass: the output channel is buffered and the dispatcher drains it on
// its own goroutine.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates the transition bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermill.NewStdLogger(false, false)),
	}
}

// Publish implements activity.EventPublisher.
func (b *Bus) Publish(ctx context.Context, ev activity.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(TopicTransitions, msg); err != nil {
		return fmt.Errorf("publish transition event: %w", err)
	}
	return nil
}

// Subscribe returns the transition message stream. The channel closes
// when the context is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicTransitions)
}

// Close shuts the bus down.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
