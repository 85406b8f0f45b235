// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package keycache maps (table identity, generation, raw key) to the row
// index entry last resolved for it, letting a reader skip the summary search
// and index scan entirely on a repeat lookup. Entries are content-addressed;
// racing duplicate inserts are tolerated with last-write-wins semantics.
package keycache

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/swiss"
	"github.com/google/uuid"
)

const numShards = 16

// Key identifies one cached position: the table, the generation and the raw
// partition key.
type Key struct {
	TableID    uuid.UUID
	Generation uint64
	RawKey     string
}

// Cache is a fixed-capacity LRU cache, sharded to reduce lock contention.
// The zero value is not usable; construct with New.
type Cache[V any] struct {
	shards [numShards]shard[V]
	hits   atomic.Int64
	misses atomic.Int64
}

type shard[V any] struct {
	mu       sync.Mutex
	capacity int
	entries  swiss.Map[Key, *entry[V]]
	// Intrusive LRU list. root.next is the most recently used entry.
	root entry[V]
}

type entry[V any] struct {
	key        Key
	value      V
	prev, next *entry[V]
}

// New returns a cache holding at most capacity entries across all shards.
func New[V any](capacity int) *Cache[V] {
	if capacity < numShards {
		capacity = numShards
	}
	c := &Cache[V]{}
	for i := range c.shards {
		s := &c.shards[i]
		s.capacity = capacity / numShards
		s.entries.Init(s.capacity)
		s.root.prev = &s.root
		s.root.next = &s.root
	}
	return c
}

func (c *Cache[V]) shard(k Key) *shard[V] {
	h := xxhash.Sum64String(k.RawKey) ^ k.Generation
	return &c.shards[h%numShards]
}

// Get returns the cached value for k, promoting it to most recently used.
func (c *Cache[V]) Get(k Key) (V, bool) {
	s := c.shard(k)
	s.mu.Lock()
	e, ok := s.entries.Get(k)
	if ok {
		s.unlink(e)
		s.pushFront(e)
	}
	s.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set inserts or replaces the value for k, evicting the least recently used
// entry if the shard is full.
func (c *Cache[V]) Set(k Key, v V) {
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries.Get(k); ok {
		e.value = v
		s.unlink(e)
		s.pushFront(e)
		return
	}
	if s.entries.Len() >= s.capacity {
		lru := s.root.prev
		s.unlink(lru)
		s.entries.Delete(lru.key)
	}
	e := &entry[V]{key: k, value: v}
	s.entries.Put(k, e)
	s.pushFront(e)
}

// EvictTable drops every entry belonging to the given table generation.
// Called when a reader is obsoleted or its generation deleted.
func (c *Cache[V]) EvictTable(tableID uuid.UUID, generation uint64) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		var doomed []*entry[V]
		s.entries.All(func(k Key, e *entry[V]) bool {
			if k.TableID == tableID && k.Generation == generation {
				doomed = append(doomed, e)
			}
			return true
		})
		for _, e := range doomed {
			s.unlink(e)
			s.entries.Delete(e.key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += s.entries.Len()
		s.mu.Unlock()
	}
	return n
}

// Hits returns the number of cache hits served.
func (c *Cache[V]) Hits() int64 { return c.hits.Load() }

// Misses returns the number of lookups that found no entry.
func (c *Cache[V]) Misses() int64 { return c.misses.Load() }

func (s *shard[V]) unlink(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (s *shard[V]) pushFront(e *entry[V]) {
	e.prev = &s.root
	e.next = s.root.next
	e.prev.next = e
	e.next.prev = e
}
