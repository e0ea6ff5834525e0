// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionwatch/internal/activity"
	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/logging"
)

// Agent delivers one rendered notification. Send failures are logged
// and counted, never retried; a flaky agent must not back up the
// dispatcher.
type Agent interface {
	ID() string
	Send(ctx context.Context, n *activity.Notification) error
}

// NewAgent constructs an agent from configuration.
func NewAgent(cfg config.AgentConfig) (Agent, error) {
	switch cfg.Type {
	case "webhook":
		return newWebhookAgent(cfg), nil
	case "log":
		return &logAgent{id: cfg.ID}, nil
	default:
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}
}

// webhookAgent POSTs the notification as JSON to a configured URL.
type webhookAgent struct {
	id     string
	url    string
	client *http.Client
}

func newWebhookAgent(cfg config.AgentConfig) *webhookAgent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookAgent{
		id:  cfg.ID,
		url: cfg.URL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (a *webhookAgent) ID() string { return a.id }

// webhookPayload is the wire shape POSTed to webhook receivers.
type webhookPayload struct {
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
	Trigger string         `json:"trigger"`
	Event   activity.Event `json:"event"`
}

func (a *webhookAgent) Send(ctx context.Context, n *activity.Notification) error {
	payload, err := json.Marshal(webhookPayload{
		Subject: n.Subject,
		Body:    n.Body,
		Trigger: string(n.Trigger),
		Event:   n.Event,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}

// logAgent writes notifications to the structured log. Useful as a
// default sink and in tests.
type logAgent struct {
	id string
}

func (a *logAgent) ID() string { return a.id }

func (a *logAgent) Send(_ context.Context, n *activity.Notification) error {
	logging.Info().
		Str("agent", a.id).
		Str("trigger", string(n.Trigger)).
		Str("subject", n.Subject).
		Str("body", n.Body).
		Msg("Notification")
	return nil
}
