// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/models"
)

type captureAgent struct {
	mu   sync.Mutex
	sent []*activity.Notification
}

func (a *captureAgent) ID() string { return "capture" }

func (a *captureAgent) Send(_ context.Context, n *activity.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, n)
	return nil
}

func (a *captureAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func dispatcherEngine() *activity.TriggerEngine {
	return activity.NewTriggerEngine(config.TriggerConfig{
		Movies:            true,
		Episodes:          true,
		OnStart:           true,
		OnStop:            true,
		ConsecutiveWindow: time.Minute,
	}, config.NotifyConfig{
		SubjectTemplate: "{action}",
		BodyTemplate:    "{user} {action} {title}",
	})
}

func startEvent(user, title string) activity.Event {
	return activity.Event{
		Type: activity.EventStart,
		At:   time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC),
		Record: activity.SessionRecord{
			Key:       "1:m",
			RatingKey: "101",
			MediaType: models.MediaTypeMovie,
			Title:     title,
			Username:  user,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatcher_DeliversNotifications(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	agent := &captureAgent{}
	d, err := NewDispatcher(bus, dispatcherEngine(), []Agent{agent})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	if err := bus.Publish(ctx, startEvent("alice", "Heat")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return agent.count() == 1 })

	agent.mu.Lock()
	n := agent.sent[0]
	agent.mu.Unlock()
	if n.Body != "alice started playing Heat" {
		t.Errorf("Body = %q", n.Body)
	}
}

func TestDispatcher_SuppressedEventNotDelivered(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	agent := &captureAgent{}
	d, err := NewDispatcher(bus, dispatcherEngine(), []Agent{agent})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	// Pause toggle is off in the engine config.
	ev := startEvent("alice", "Heat")
	ev.Type = activity.EventPause
	bus.Publish(ctx, ev)

	// A deliverable event afterwards proves the suppressed one was
	// consumed, not queued.
	bus.Publish(ctx, startEvent("bob", "Ronin"))

	waitFor(t, func() bool { return agent.count() == 1 })

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if got := agent.sent[0].Event.Record.Username; got != "bob" {
		t.Errorf("delivered user = %q, want bob", got)
	}
}

func TestDispatcher_EventBeforeStartDelivered(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	agent := &captureAgent{}
	d, err := NewDispatcher(bus, dispatcherEngine(), []Agent{agent})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Published before Start: the construction-time subscription must
	// hold the event until the dispatch goroutine comes up.
	if err := bus.Publish(ctx, startEvent("alice", "Heat")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	waitFor(t, func() bool { return agent.count() == 1 })
}

func TestWebhookAgent_Send(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		payload webhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	agent, err := NewAgent(config.AgentConfig{ID: "hook", Type: "webhook", URL: srv.URL})
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	n := &activity.Notification{
		Trigger: activity.EventStart,
		Subject: "started playing",
		Body:    "alice started playing Heat",
		Event:   startEvent("alice", "Heat"),
	}
	if err := agent.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if payload.Subject != "started playing" || payload.Trigger != "start" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestWebhookAgent_SendErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	agent, _ := NewAgent(config.AgentConfig{ID: "hook", Type: "webhook", URL: srv.URL})
	n := &activity.Notification{Trigger: activity.EventStart}
	if err := agent.Send(context.Background(), n); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
}

func TestNewAgent_UnknownType(t *testing.T) {
	t.Parallel()

	if _, err := NewAgent(config.AgentConfig{ID: "x", Type: "pigeon"}); err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}
