// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package notify

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
)

// Dispatcher consumes transition events from the bus, evaluates the
// trigger rules and fans the surviving notifications out to every
// agent. One dispatcher goroutine preserves event order per process.
type Dispatcher struct {
	engine   *activity.TriggerEngine
	agents   []Agent
	messages <-chan *message.Message

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the bus and agents. The bus
// subscription opens here, not in Start: the gochannel bus delivers
// only to live subscriptions, so transitions published while the
// supervision tree is still bringing the dispatcher up must already
// have somewhere to queue. The subscription lives until the bus closes.
func NewDispatcher(bus *Bus, engine *activity.TriggerEngine, agents []Agent) (*Dispatcher, error) {
	messages, err := bus.Subscribe(context.Background())
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		engine:   engine,
		agents:   agents,
		messages: messages,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the dispatch goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	d.running = true
	d.stopChan = make(chan struct{})

	d.wg.Add(1)
	go d.run(ctx, d.messages)
	return nil
}

// Serve implements suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.Stop()
		return ctx.Err()
	case <-d.stopChan:
		return nil
	}
}

// Stop shuts the dispatcher down and waits for in-flight sends.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, messages <-chan *message.Message) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			d.handle(ctx, msg.Payload)
			// Latches were set before publish; redelivery cannot
			// duplicate a notification, so always ack.
			msg.Ack()
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte) {
	var ev activity.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		logging.Error().Err(err).Msg("Failed to decode transition event")
		return
	}

	n := d.engine.Evaluate(ev)
	if n == nil {
		return
	}

	for _, agent := range d.agents {
		if err := agent.Send(ctx, n); err != nil {
			metrics.NotificationErrors.WithLabelValues(agent.ID()).Inc()
			logging.Error().
				Err(err).
				Str("agent", agent.ID()).
				Str("trigger", string(n.Trigger)).
				Msg("Notification send failed")
			continue
		}
		metrics.NotificationsDispatched.WithLabelValues(agent.ID(), string(n.Trigger)).Inc()
	}
}
