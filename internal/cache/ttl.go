// Sessionwatch - Plex Activity Monitoring and Notification Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionwatch

// Package cache provides a small thread-safe TTL cache used for
// notification deduplication.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	key       string
	markedAt  time.Time
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// TTLCache remembers string keys for a bounded time. It backs the
// consecutive-episode suppression in the trigger engine: a key is
// marked when a session stops and checked when the next one starts.
//
// A doubly-linked list keeps insertion order so capacity eviction and
// expiry sweeps are O(1) per entry; expired entries are also dropped
// lazily on read.
type TTLCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*entry

	// head.next is newest, tail.prev is oldest.
	head *entry
	tail *entry
}

// NewTTLCache creates a cache holding at most capacity keys, each
// expiring ttl after its last Mark.
func NewTTLCache(capacity int, ttl time.Duration) *TTLCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &TTLCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Mark records a key, refreshing its expiry if already present.
func (c *TTLCache) Mark(key string) {
	c.markAt(key, time.Now())
}

// MarkAt records a key with an explicit timestamp, for tests.
func (c *TTLCache) MarkAt(key string, now time.Time) {
	c.markAt(key, now)
}

func (c *TTLCache) markAt(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.markedAt = now
		e.expiresAt = now.Add(c.ttl)
		c.unlink(e)
		c.pushFront(e)
		return
	}

	e := &entry{key: key, markedAt: now, expiresAt: now.Add(c.ttl)}
	c.pushFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		oldest := c.tail.prev
		if oldest == c.head {
			break
		}
		c.drop(oldest)
	}
}

// Recent reports whether the key was marked within the TTL.
func (c *TTLCache) Recent(key string) bool {
	_, ok := c.Last(key)
	return ok
}

// Last returns when the key was last marked, if it has not expired.
func (c *TTLCache) Last(key string) (time.Time, bool) {
	return c.lastAt(key, time.Now())
}

// LastAt is Last with an explicit clock, for tests.
func (c *TTLCache) LastAt(key string, now time.Time) (time.Time, bool) {
	return c.lastAt(key, now)
}

func (c *TTLCache) lastAt(key string, now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return time.Time{}, false
	}
	if now.After(e.expiresAt) {
		c.drop(e)
		return time.Time{}, false
	}
	return e.markedAt, true
}

// Remove forgets a key.
func (c *TTLCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.drop(e)
	}
}

// Len returns the number of keys held, including any not yet swept.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTLCache) pushFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *TTLCache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *TTLCache) drop(e *entry) {
	c.unlink(e)
	delete(c.items, e.key)
}
