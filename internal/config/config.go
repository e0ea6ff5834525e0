// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package config defines the Sessionwatch configuration model and its
// layered loader (defaults, optional YAML file, environment variables).
package config

import "time"

// Config is the root configuration for the Sessionwatch server.
type Config struct {
	Plex       PlexConfig       `koanf:"plex"`
	Activity   ActivityConfig   `koanf:"activity"`
	Triggers   TriggerConfig    `koanf:"triggers"`
	Notify     NotifyConfig     `koanf:"notify"`
	Database   DatabaseConfig   `koanf:"database"`
	WAL        WALConfig        `koanf:"wal"`
	API        APIConfig        `koanf:"api"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// PlexConfig configures the monitored Plex Media Server connection.
type PlexConfig struct {
	URL   string `koanf:"url" validate:"required,url"`
	Token string `koanf:"token" validate:"required"`

	// PushEnabled turns on the WebSocket event stream. When the stream
	// exhausts its reconnect budget the process permanently falls back
	// to poll-only mode.
	PushEnabled    bool          `koanf:"push_enabled"`
	PushMaxRetries int           `koanf:"push_max_retries" validate:"min=1"`
	PushRetryDelay time.Duration `koanf:"push_retry_delay" validate:"min=100ms"`

	// RequestsPerSecond bounds outbound API calls to the server.
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gt=0"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"min=1s"`
}

// ActivityConfig tunes the session reconciler. The idle threshold and
// anti-flicker window are deployment-dependent; the defaults suit a
// 30-second poll interval.
type ActivityConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" validate:"min=1s"`

	// AlwaysPoll keeps the poll ticker running even while the push
	// stream is healthy. Polling is the only reconciliation source when
	// push is disabled or has failed over.
	AlwaysPoll bool `koanf:"always_poll"`

	// IdleThreshold is the number of consecutive passes a session may be
	// absent from the snapshot before it is treated as stopped.
	IdleThreshold int `koanf:"idle_threshold" validate:"min=1"`

	// AntiFlickerWindow suppresses pause/resume notifications for pauses
	// shorter than this window (buffering blips).
	AntiFlickerWindow time.Duration `koanf:"anti_flicker_window" validate:"min=0"`

	// WatchedPercent is the progress threshold (0-100) past which a
	// session is considered watched.
	WatchedPercent int `koanf:"watched_percent" validate:"min=1,max=100"`

	// BufferStallThreshold is how long a session must report buffering
	// before a buffer event fires.
	BufferStallThreshold time.Duration `koanf:"buffer_stall_threshold" validate:"min=0"`
}

// TriggerConfig holds the notification rule toggles evaluated per
// transition event.
type TriggerConfig struct {
	// Per-media-type enable switches.
	Movies   bool `koanf:"movies"`
	Episodes bool `koanf:"episodes"`
	Tracks   bool `koanf:"tracks"`

	// Per-transition toggles.
	OnStart   bool `koanf:"on_start"`
	OnStop    bool `koanf:"on_stop"`
	OnPause   bool `koanf:"on_pause"`
	OnResume  bool `koanf:"on_resume"`
	OnBuffer  bool `koanf:"on_buffer"`
	OnWatched bool `koanf:"on_watched"`

	// NotifyConsecutive, when false, suppresses the start notification
	// for a user continuing to the next episode of the same show within
	// ConsecutiveWindow of the previous stop.
	NotifyConsecutive bool          `koanf:"notify_consecutive"`
	ConsecutiveWindow time.Duration `koanf:"consecutive_window" validate:"min=0"`
}

// NotifyConfig configures outbound notification agents and templates.
type NotifyConfig struct {
	Agents []AgentConfig `koanf:"agents" validate:"dive"`

	// SubjectTemplate and BodyTemplate use {token} substitution:
	// {user}, {title}, {platform}, {player}, {action}, {progress}.
	SubjectTemplate string `koanf:"subject_template"`
	BodyTemplate    string `koanf:"body_template"`
}

// AgentConfig describes one notification agent.
type AgentConfig struct {
	ID   string `koanf:"id" validate:"required"`
	Type string `koanf:"type" validate:"required,oneof=webhook log"`

	// URL is required for webhook agents.
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig configures the DuckDB history store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// WALConfig configures the durable journal for terminal history writes
// that failed against the database.
type WALConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Path          string        `koanf:"path" validate:"required_if=Enabled true"`
	RetryInterval time.Duration `koanf:"retry_interval" validate:"min=1s"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"min=1"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr              string   `koanf:"addr" validate:"required"`
	RequestsPerMinute int      `koanf:"requests_per_minute" validate:"min=1"`
	CORSOrigins       []string `koanf:"cors_origins"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig tunes the suture supervision tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Plex: PlexConfig{
			URL:               "http://localhost:32400",
			Token:             "",
			PushEnabled:       true,
			PushMaxRetries:    15,
			PushRetryDelay:    5 * time.Second,
			RequestsPerSecond: 4,
			RequestTimeout:    30 * time.Second,
		},
		Activity: ActivityConfig{
			PollInterval:         30 * time.Second,
			AlwaysPoll:           true,
			IdleThreshold:        2,
			AntiFlickerWindow:    15 * time.Second,
			WatchedPercent:       85,
			BufferStallThreshold: 10 * time.Second,
		},
		Triggers: TriggerConfig{
			Movies:            true,
			Episodes:          true,
			Tracks:            false,
			OnStart:           true,
			OnStop:            true,
			OnPause:           false,
			OnResume:          false,
			OnBuffer:          false,
			OnWatched:         false,
			NotifyConsecutive: false,
			ConsecutiveWindow: 5 * time.Minute,
		},
		Notify: NotifyConfig{
			Agents:          nil,
			SubjectTemplate: "Sessionwatch ({action})",
			BodyTemplate:    "{user} ({player}) {action} {title}",
		},
		Database: DatabaseConfig{
			Path:      "/data/sessionwatch.duckdb",
			MaxMemory: "512MB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		WAL: WALConfig{
			Enabled:       true,
			Path:          "/data/sessionwatch-wal",
			RetryInterval: 30 * time.Second,
			MaxAttempts:   10,
		},
		API: APIConfig{
			Addr:              ":3858",
			RequestsPerMinute: 120,
			CORSOrigins:       nil,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5.0,
			FailureDecay:     30.0,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}
