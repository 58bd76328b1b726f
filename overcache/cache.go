// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package overcache provides the client-resident Query Cache and the change
// router that keeps it consistent with a live row-level change feed.
//
// The cache never fetches. Callers populate it with Set after a successful
// query, the router patches or invalidates entries as change events arrive,
// and readers decide whether a STALE entry should be refreshed.
package overcache

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is a snapshot of a cache entry returned to readers.
type Entry struct {
	Key       Key
	Value     any
	UpdatedAt time.Time
	State     State
}

// Change is delivered to OnChange listeners after every mutation.
type Change struct {
	Key   Key
	State State // StateAbsent when the entry was removed
	// Cleared is set when the entry left through Clear rather than Remove.
	Cleared bool
	// Deleted is set when the underlying entity was deleted. It is reported
	// even when no entry was cached.
	Deleted bool
}

// Options configures a Cache
type Options struct {
	Now        func() time.Time // defaults to time.Now
	StaleAfter time.Duration    // FRESH entries older than this are reported STALE (0 = never)
	Logger     *slog.Logger
}

type entry struct {
	key       Key
	value     any
	updatedAt time.Time
	state     State
}

// Cache maps query keys to their last-known results.
// Every mutation is a single critical section, so readers never observe a
// partially applied change.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
	stale   time.Duration
	logger  *slog.Logger
	epoch   uint64 // bumped by Clear

	listenersMu sync.RWMutex
	listeners   map[int]func(Change)
	nextID      int
}

// New creates an empty cache
func New(opts *Options) *Cache {
	c := &Cache{
		entries:   make(map[string]*entry),
		now:       time.Now,
		logger:    slog.Default(),
		listeners: make(map[int]func(Change)),
	}
	if opts != nil {
		if opts.Now != nil {
			c.now = opts.Now
		}
		if opts.Logger != nil {
			c.logger = opts.Logger
		}
		c.stale = opts.StaleAfter
	}
	return c
}

// Get returns the entry for key. It has no side effects.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return Entry{Key: key, State: StateAbsent}, false
	}
	return c.snapshot(e), true
}

func (c *Cache) snapshot(e *entry) Entry {
	st := e.state
	if st == StateFresh && c.stale > 0 && c.now().Sub(e.updatedAt) > c.stale {
		st = StateStale
	}
	return Entry{Key: e.key, Value: e.value, UpdatedAt: e.updatedAt, State: st}
}

// GetAs returns the entry value converted to T. ok is false when the entry is
// absent or holds a value of another type.
func GetAs[T any](c *Cache, key Key) (value T, entry Entry, ok bool) {
	entry, found := c.Get(key)
	if !found {
		return value, entry, false
	}
	value, ok = entry.Value.(T)
	return value, entry, ok
}

// Set creates or replaces the entry, marks it FRESH and stamps UpdatedAt.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	c.set(key, value)
	c.mu.Unlock()

	c.notify(Change{Key: key, State: StateFresh})
}

// Epoch identifies the cache contents since the last Clear.
func (c *Cache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// SetIfEpoch is Set for a value read while the cache was at epoch. Once the
// cache has been cleared since then the value is discarded and SetIfEpoch
// reports false.
func (c *Cache) SetIfEpoch(key Key, value any, epoch uint64) bool {
	c.mu.Lock()
	ok := c.epoch == epoch
	if ok {
		c.set(key, value)
	}
	c.mu.Unlock()

	if ok {
		c.notify(Change{Key: key, State: StateFresh})
	}
	return ok
}

func (c *Cache) set(key Key, value any) {
	id := key.String()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: key}
		c.entries[id] = e
	}
	e.value = value
	e.updatedAt = c.now()
	e.state = StateFresh
}

// SetIfPresent replaces the value of an existing entry and marks it FRESH.
// It never creates an entry and reports whether one was replaced.
func (c *Cache) SetIfPresent(key Key, value any) bool {
	c.mu.Lock()
	e, ok := c.entries[key.String()]
	if ok {
		e.value = value
		e.updatedAt = c.now()
		e.state = StateFresh
	}
	c.mu.Unlock()

	if ok {
		c.notify(Change{Key: key, State: StateFresh})
	}
	return ok
}

// Invalidate marks every entry under prefix STALE, keeping values for
// stale-while-revalidate display. It returns the number of entries marked.
func (c *Cache) Invalidate(prefix Prefix) int {
	var changed []Key
	c.mu.Lock()
	for _, e := range c.entries {
		if !prefix.Matches(e.key) {
			continue
		}
		if e.state != StateStale {
			e.state = StateStale
		}
		changed = append(changed, e.key)
	}
	c.mu.Unlock()

	for _, k := range changed {
		c.notify(Change{Key: k, State: StateStale})
	}
	return len(changed)
}

// Remove evicts the entry. It reports whether an entry existed.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	id := key.String()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	if ok {
		c.notify(Change{Key: key, State: StateAbsent})
	}
	return ok
}

// Delete evicts the entry of a deleted entity. Unlike Remove, listeners are
// notified even when nothing was cached, so state kept outside the cache can
// follow the deletion. It reports whether an entry existed.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	id := key.String()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()

	c.notify(Change{Key: key, State: StateAbsent, Deleted: true})
	return ok
}

// Clear evicts everything (sign-out, tenant teardown) and starts a new
// epoch, so values fetched before it can no longer be stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key)
	}
	c.entries = make(map[string]*entry)
	c.epoch++
	c.mu.Unlock()

	c.logger.Debug("Query cache cleared", "entries", len(keys))
	for _, k := range keys {
		c.notify(Change{Key: k, State: StateAbsent, Cleared: true})
	}
}

// Len returns the number of entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns all keys in canonical order
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	keys := make([]Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, c.entries[id].key)
	}
	c.mu.RUnlock()
	return keys
}

// OnChange registers fn to be called after every mutation. Listeners run on
// the mutating goroutine, outside the cache lock, and must not block.
func (c *Cache) OnChange(fn func(Change)) (cancel func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Cache) notify(ch Change) {
	c.listenersMu.RLock()
	fns := make([]func(Change), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// PatchList applies a single row change to a list-shaped entry holding []T.
//
// INSERT appends the item unless an item with the same id is present, in
// which case it is replaced (duplicate delivery is harmless). UPDATE replaces
// the matching item, appending it when missing. DELETE removes by id and is
// a no-op for a missing id. An absent entry is never synthesized from a
// single event.
//
// applied is false when the entry is absent or does not hold a []T; callers
// fall back to Invalidate in the latter case.
func PatchList[T any](c *Cache, key Key, op Op, item T, idOf func(T) string) (applied bool) {
	id := idOf(item)
	c.mu.Lock()
	e, ok := c.entries[key.String()]
	if !ok {
		c.mu.Unlock()
		return false
	}
	list, ok := e.value.([]T)
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("List patch skipped: unexpected cached shape", "key", key.String())
		return false
	}

	idx := -1
	for i := range list {
		if idOf(list[i]) == id {
			idx = i
			break
		}
	}

	// Copy-on-write: readers may hold the previous slice.
	var next []T
	switch op {
	case OpInsert, OpUpdate:
		next = make([]T, len(list), len(list)+1)
		copy(next, list)
		if idx >= 0 {
			next[idx] = item
		} else {
			next = append(next, item)
		}
	case OpDelete:
		if idx < 0 {
			c.mu.Unlock()
			return true
		}
		next = make([]T, 0, len(list)-1)
		next = append(next, list[:idx]...)
		next = append(next, list[idx+1:]...)
	default:
		c.mu.Unlock()
		return false
	}

	e.value = next
	e.updatedAt = c.now()
	st := e.state
	c.mu.Unlock()

	c.notify(Change{Key: key, State: st})
	return true
}
