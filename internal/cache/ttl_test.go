// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestTTLCache_MarkAndRecent(t *testing.T) {
	t.Parallel()

	c := NewTTLCache(10, time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if c.Recent("a") {
		t.Error("empty cache reports key as recent")
	}

	c.MarkAt("a", now)
	if last, ok := c.LastAt("a", now.Add(30*time.Second)); !ok || !last.Equal(now) {
		t.Errorf("LastAt = (%v, %v), want (%v, true)", last, ok, now)
	}

	// Expired entries are dropped on read.
	if _, ok := c.LastAt("a", now.Add(2*time.Minute)); ok {
		t.Error("expired key still reported as recent")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after lazy expiry", c.Len())
	}
}

func TestTTLCache_MarkRefreshesExpiry(t *testing.T) {
	t.Parallel()

	c := NewTTLCache(10, time.Minute)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c.MarkAt("a", now)
	c.MarkAt("a", now.Add(50*time.Second))

	if _, ok := c.LastAt("a", now.Add(100*time.Second)); !ok {
		t.Error("re-marked key expired on the original clock")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestTTLCache_CapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewTTLCache(3, time.Hour)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		c.MarkAt(fmt.Sprintf("k%d", i), now.Add(time.Duration(i)*time.Second))
	}

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.LastAt("k0", now.Add(5*time.Second)); ok {
		t.Error("oldest key survived capacity eviction")
	}
	if _, ok := c.LastAt("k3", now.Add(5*time.Second)); !ok {
		t.Error("newest key evicted")
	}
}

func TestTTLCache_Remove(t *testing.T) {
	t.Parallel()

	c := NewTTLCache(10, time.Minute)
	c.Mark("a")
	c.Remove("a")
	if c.Recent("a") {
		t.Error("removed key still recent")
	}
	c.Remove("a")
}
