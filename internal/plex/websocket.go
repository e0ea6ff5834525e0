// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package plex

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// DeltaHandler receives one partial session snapshot per "playing"
// notification. Handlers must not block; the push worker queues deltas
// onto its own channel.
type DeltaHandler func(models.SessionSnapshot)

// WebSocketListener consumes the Plex real-time notification stream
// (/:/websockets/notifications) and forwards playback state deltas.
//
// Reconnection is bounded: after maxRetries consecutive failed connect
// attempts the listener marks the process as permanently fallen back to
// poll-only mode and stops for good. The retry delay is fixed rather
// than exponential so the budget covers a predictable outage window.
type WebSocketListener struct {
	baseURL    string
	token      string
	maxRetries int
	retryDelay time.Duration
	onDelta    DeltaHandler

	conn   *websocket.Conn
	connMu sync.RWMutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	fellBack atomic.Bool
}

// NewWebSocketListener creates a listener over the configured server.
// Call Start (or hand it to a supervisor via Serve) to connect.
func NewWebSocketListener(cfg config.PlexConfig, onDelta DeltaHandler) *WebSocketListener {
	return &WebSocketListener{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		maxRetries: cfg.PushMaxRetries,
		retryDelay: cfg.PushRetryDelay,
		onDelta:    onDelta,
		stopChan:   make(chan struct{}),
	}
}

// Start launches the listener goroutines. Starting twice is a no-op; a
// listener that has permanently fallen back refuses to start.
func (l *WebSocketListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	if l.fellBack.Load() {
		return fmt.Errorf("websocket listener permanently fallen back to polling")
	}

	l.running = true
	l.stopChan = make(chan struct{})

	l.wg.Add(1)
	go l.listen(ctx)

	return nil
}

// Serve implements suture.Service. When the reconnect budget is
// exhausted it returns ErrDoNotRestart so the supervisor leaves the
// process in poll-only mode instead of resurrecting the stream.
func (l *WebSocketListener) Serve(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return suture.ErrDoNotRestart
	}

	select {
	case <-ctx.Done():
		l.Stop()
		return ctx.Err()
	case <-l.stopChan:
		if l.fellBack.Load() {
			return suture.ErrDoNotRestart
		}
		return nil
	}
}

// Stop shuts the listener down and waits for its goroutines.
func (l *WebSocketListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopChan)
	l.mu.Unlock()

	l.closeConnection()
	l.wg.Wait()
}

// FellBack reports whether the listener has permanently given up on the
// push stream. The poll scheduler checks this to keep the ticker
// running.
func (l *WebSocketListener) FellBack() bool {
	return l.fellBack.Load()
}

// Connected reports whether the listener currently holds a live
// connection. The poll scheduler polls through reconnect gaps so a
// transient outage never leaves the reconciler without a source.
func (l *WebSocketListener) Connected() bool {
	return l.currentConn() != nil
}

// listen owns the connect-read-reconnect cycle.
func (l *WebSocketListener) listen(ctx context.Context) {
	defer l.wg.Done()

	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
		}

		conn := l.currentConn()
		if conn == nil {
			if attempts >= l.maxRetries {
				l.failover()
				return
			}
			if attempts > 0 {
				select {
				case <-time.After(l.retryDelay):
				case <-ctx.Done():
					return
				case <-l.stopChan:
					return
				}
			}
			attempts++

			if err := l.connect(ctx); err != nil {
				logging.Error().
					Err(err).
					Int("attempt", attempts).
					Int("max_retries", l.maxRetries).
					Msg("Plex WebSocket connection failed")
				continue
			}
			attempts = 0
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			logging.Debug().Err(err).Msg("Failed to set WebSocket read deadline")
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-l.stopChan:
				return
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Msg("Plex WebSocket closed by server")
			} else {
				logging.Warn().Err(err).Msg("Plex WebSocket read error")
			}
			l.closeConnection()
			continue
		}

		l.handleMessage(message)
	}
}

// connect dials the notification endpoint and starts the keepalive.
func (l *WebSocketListener) connect(ctx context.Context) error {
	wsURL, err := l.buildWebSocketURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	metrics.PlexWebSocketState.Set(1)
	logging.Info().Msg("Plex WebSocket connected")

	l.wg.Add(1)
	go l.pingLoop(ctx, conn)

	return nil
}

// buildWebSocketURL converts the HTTP base URL to the ws(s) scheme and
// injects the authentication token.
func (l *WebSocketListener) buildWebSocketURL() (string, error) {
	parsed, err := url.Parse(l.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}

	ws := &url.URL{Scheme: scheme, Host: parsed.Host, Path: "/:/websockets/notifications"}
	q := ws.Query()
	q.Set("X-Plex-Token", l.token)
	ws.RawQuery = q.Encode()

	return ws.String(), nil
}

// pingLoop keeps the connection alive. It exits when its connection is
// replaced or closed.
func (l *WebSocketListener) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer l.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			if l.currentConn() != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				logging.Debug().Err(err).Msg("Plex WebSocket ping failed")
				return
			}
		}
	}
}

// handleMessage parses a notification frame and forwards playback
// deltas. Only "playing" containers matter; everything else is ignored.
func (l *WebSocketListener) handleMessage(data []byte) {
	var wrapper models.PlexNotificationWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		logging.Warn().Err(err).Msg("Failed to parse Plex notification")
		return
	}

	container := wrapper.NotificationContainer
	if container.Type != "playing" || l.onDelta == nil {
		return
	}

	for i := range container.PlaySessionStateNotification {
		n := &container.PlaySessionStateNotification[i]
		if n.SessionKey == "" {
			continue
		}
		// Partial: the timeline carries no media or user identity. The
		// reconciler resolves unknown keys from /status/sessions.
		l.onDelta(models.SessionSnapshot{
			SessionKey: n.SessionKey,
			MachineID:  n.ClientIdentifier,
			RatingKey:  n.RatingKey,
			ViewOffset: n.ViewOffset,
			State:      ParsePlayState(n.State),
			Partial:    true,
		})
	}
}

// failover flips the process into permanent poll-only mode.
func (l *WebSocketListener) failover() {
	l.fellBack.Store(true)
	metrics.PlexWebSocketState.Set(0)
	metrics.PlexPollFallback.Set(1)

	logging.Error().
		Int("max_retries", l.maxRetries).
		Msg("Plex WebSocket reconnect budget exhausted, falling back to polling permanently")

	l.mu.Lock()
	if l.running {
		l.running = false
		close(l.stopChan)
	}
	l.mu.Unlock()
}

func (l *WebSocketListener) currentConn() *websocket.Conn {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.conn
}

func (l *WebSocketListener) closeConnection() {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		metrics.PlexWebSocketState.Set(0)
	}
}
