// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package history persists completed sessions in DuckDB. The table is
// append-mostly: one row per terminated session, deduplicated on
// (session_key, started_at), with the administrative rating-key remap
// as the only mutation.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"

	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/metrics"
	"github.com/tomtom215/sessionwatch/internal/models"
)

// Store wraps the DuckDB connection holding the session history table.
type Store struct {
	conn *sql.DB
}

// Filter narrows a history listing. Zero values mean no constraint;
// Limit defaults to 100.
type Filter struct {
	Username  string
	MediaType models.MediaType
	Limit     int
	Offset    int
}

// New opens (or creates) the history database and initializes the
// schema.
func New(cfg config.DatabaseConfig) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("History database ready")
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS session_history (
		id                     UUID PRIMARY KEY,
		session_key            VARCHAR NOT NULL,
		started_at             TIMESTAMP NOT NULL,
		stopped_at             TIMESTAMP NOT NULL,
		user_id                INTEGER,
		username               VARCHAR NOT NULL,
		ip_address             VARCHAR,
		platform               VARCHAR,
		player                 VARCHAR,
		device                 VARCHAR,
		media_type             VARCHAR NOT NULL,
		title                  VARCHAR,
		parent_title           VARCHAR,
		grandparent_title      VARCHAR,
		rating_key             VARCHAR,
		parent_rating_key      VARCHAR,
		grandparent_rating_key VARCHAR,
		view_offset            BIGINT,
		duration               BIGINT,
		play_duration          BIGINT,
		paused_counter         BIGINT,
		percent_complete       INTEGER,
		watched_status         INTEGER,
		transcode_decision     VARCHAR,
		created_at             TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_session_history_dedupe
		ON session_history(session_key, started_at);
	CREATE INDEX IF NOT EXISTS idx_session_history_user
		ON session_history(username);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// WriteEntry inserts one terminal history row. The call is idempotent:
// a retry carrying the same (session_key, started_at) pair is absorbed
// by ON CONFLICT DO NOTHING and reported as a duplicate, not an error.
func (s *Store) WriteEntry(ctx context.Context, entry *models.HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	const query = `INSERT INTO session_history (
		id, session_key, started_at, stopped_at,
		user_id, username, ip_address, platform, player, device,
		media_type, title, parent_title, grandparent_title,
		rating_key, parent_rating_key, grandparent_rating_key,
		view_offset, duration, play_duration, paused_counter,
		percent_complete, watched_status, transcode_decision, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

	result, err := s.conn.ExecContext(ctx, query,
		entry.ID, entry.SessionKey, entry.StartedAt, entry.StoppedAt,
		entry.UserID, entry.Username, entry.IPAddress, entry.Platform, entry.Player, entry.Device,
		string(entry.MediaType), entry.Title, entry.ParentTitle, entry.GrandparentTitle,
		entry.RatingKey, entry.ParentRatingKey, entry.GrandparentRatingKey,
		entry.ViewOffset, entry.Duration, entry.PlayDuration, entry.PausedCounter,
		entry.PercentComplete, entry.WatchedStatus, entry.TranscodeDecision, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		metrics.HistoryDuplicates.Inc()
		logging.Debug().
			Str("session_key", entry.SessionKey).
			Time("started_at", entry.StartedAt).
			Msg("Duplicate terminal write absorbed")
		return nil
	}

	metrics.HistoryWrites.Inc()
	return nil
}

// ListEntries returns history rows matching the filter, newest first.
func (s *Store) ListEntries(ctx context.Context, filter Filter) ([]models.HistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []interface{}
	)
	if filter.Username != "" {
		where = append(where, "username = ?")
		args = append(args, filter.Username)
	}
	if filter.MediaType != "" {
		where = append(where, "media_type = ?")
		args = append(args, string(filter.MediaType))
	}

	query := `SELECT
		id, session_key, started_at, stopped_at,
		user_id, username, ip_address, platform, player, device,
		media_type, title, parent_title, grandparent_title,
		rating_key, parent_rating_key, grandparent_rating_key,
		view_offset, duration, play_duration, paused_counter,
		percent_complete, watched_status, transcode_decision, created_at
	FROM session_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, session_key LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			e         models.HistoryEntry
			mediaType string
		)
		if err := rows.Scan(
			&e.ID, &e.SessionKey, &e.StartedAt, &e.StoppedAt,
			&e.UserID, &e.Username, &e.IPAddress, &e.Platform, &e.Player, &e.Device,
			&mediaType, &e.Title, &e.ParentTitle, &e.GrandparentTitle,
			&e.RatingKey, &e.ParentRatingKey, &e.GrandparentRatingKey,
			&e.ViewOffset, &e.Duration, &e.PlayDuration, &e.PausedCounter,
			&e.PercentComplete, &e.WatchedStatus, &e.TranscodeDecision, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.MediaType = models.MediaType(mediaType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of history rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

// RemapRatingKeys rewrites media identifiers after a server library
// rescan. The whole batch applies in one transaction: either every
// old->new pair lands or none do. All three hierarchy columns are
// rewritten so episode rows pointing at a remapped show stay coherent.
// A batch where one pair's new key is another pair's old key is
// rejected: the pairs apply in map iteration order, so rows landing on
// such a key would cascade through the second pair on some runs and
// not others. Returns the number of rows whose primary rating key
// changed.
func (s *Store) RemapRatingKeys(ctx context.Context, remap models.RatingKeyRemap) (int64, error) {
	for oldKey, newKey := range remap.Mapping {
		if _, clash := remap.Mapping[newKey]; clash {
			return 0, fmt.Errorf("remap %s -> %s: %s is also an old key in the same batch", oldKey, newKey, newKey)
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin remap transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for oldKey, newKey := range remap.Mapping {
		result, err := tx.ExecContext(ctx,
			"UPDATE session_history SET rating_key = ? WHERE rating_key = ? AND media_type = ?",
			newKey, oldKey, string(remap.MediaType),
		)
		if err != nil {
			return 0, fmt.Errorf("remap rating_key %s: %w", oldKey, err)
		}
		if rows, err := result.RowsAffected(); err == nil {
			total += rows
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE session_history SET parent_rating_key = ? WHERE parent_rating_key = ?",
			newKey, oldKey,
		); err != nil {
			return 0, fmt.Errorf("remap parent_rating_key %s: %w", oldKey, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE session_history SET grandparent_rating_key = ? WHERE grandparent_rating_key = ?",
			newKey, oldKey,
		); err != nil {
			return 0, fmt.Errorf("remap grandparent_rating_key %s: %w", oldKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit remap transaction: %w", err)
	}

	logging.Info().
		Str("media_type", string(remap.MediaType)).
		Int("mappings", len(remap.Mapping)).
		Int64("rows_updated", total).
		Msg("Rating keys remapped")
	return total, nil
}

// PurgeAll deletes every history row. Exposed for the administrative
// clear endpoint.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	result, err := s.conn.ExecContext(ctx, "DELETE FROM session_history")
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	rows, _ := result.RowsAffected()
	logging.Warn().Int64("rows_deleted", rows).Msg("History purged")
	return rows, nil
}
