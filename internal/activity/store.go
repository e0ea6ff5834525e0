// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package activity

import (
	"sort"
	"sync"

	"github.com/tomtom215/sessionwatch/internal/metrics"
)

// Store is the in-memory session state store: the single source of
// truth for what is currently believed to be playing. Cardinality is a
// handful to a few dozen concurrent sessions, so a coarse lock over the
// whole map is sufficient; the reconciler additionally serializes whole
// passes so the push and poll paths never interleave.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewStore creates an empty session state store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*SessionRecord),
	}
}

// Get returns the live record for a session key, or nil when absent.
func (s *Store) Get(key string) *SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key]
}

// Put inserts or replaces the record for its session key.
func (s *Store) Put(rec *SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.Key] = rec
	metrics.TrackedSessions.Set(float64(len(s.sessions)))
}

// Remove deletes the record for a session key, if present.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	metrics.TrackedSessions.Set(float64(len(s.sessions)))
}

// All returns copies of every tracked record, ordered by start time so
// API responses are stable across calls.
func (s *Store) All() []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.snapshotView())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// keys returns the tracked session keys. Used by the reconciler to
// walk the store while mutating it.
func (s *Store) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
