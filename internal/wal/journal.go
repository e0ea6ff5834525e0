// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package wal durably journals terminal history writes that failed
// against DuckDB. Entries are persisted to BadgerDB with synchronous
// writes, so a crash between a failed database write and its retry
// loses nothing.
package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sessionwatch/internal/config"
	"github.com/tomtom215/sessionwatch/internal/logging"
	"github.com/tomtom215/sessionwatch/internal/models"
)

const entryPrefix = "entry:"

// ErrNotFound is returned when an entry ID does not exist, usually
// because a concurrent confirm already removed it.
var ErrNotFound = errors.New("wal: entry not found")

// Entry is one journaled terminal write awaiting replay.
type Entry struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// HistoryEntry deserializes the journaled payload.
func (e *Entry) HistoryEntry() (*models.HistoryEntry, error) {
	var entry models.HistoryEntry
	if err := json.Unmarshal(e.Payload, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal journal payload: %w", err)
	}
	return &entry, nil
}

// Journal is the durable queue of unpersisted history entries.
type Journal struct {
	db *badger.DB
}

// Open opens (or creates) the journal at the configured path.
func Open(cfg config.WALConfig) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("History journal ready")
	return &Journal{db: db}, nil
}

// Close shuts the journal down.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append journals one history entry and returns its journal ID. The
// write is synced before Append returns.
func (j *Journal) Append(_ context.Context, entry *models.HistoryEntry) (string, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal history entry: %w", err)
	}

	e := Entry{
		ID:        uuid.New().String(),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(&e)
	if err != nil {
		return "", fmt.Errorf("marshal journal entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entryPrefix+e.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("write journal entry: %w", err)
	}

	logging.Debug().
		Str("journal_id", e.ID).
		Str("session_key", entry.SessionKey).
		Msg("Terminal write journaled")
	return e.ID, nil
}

// Pending returns every journaled entry, oldest key first.
func (j *Journal) Pending(_ context.Context) ([]*Entry, error) {
	var out []*Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return out, nil
}

// MarkAttempt records one failed replay attempt against an entry.
func (j *Journal) MarkAttempt(_ context.Context, id, lastError string) error {
	key := []byte(entryPrefix + id)
	return j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var e Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}

		e.Attempts++
		e.LastAttemptAt = time.Now()
		e.LastError = lastError

		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// Confirm removes a successfully replayed (or abandoned) entry.
func (j *Journal) Confirm(_ context.Context, id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(entryPrefix + id))
	})
}
