// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
)

// RouteContext carries the session scope of the channel an event arrived on.
// Change rows do not always carry a denormalized tenant id (join tables), so
// handlers fall back to TenantID.
type RouteContext struct {
	TenantID string
	UserID   string
}

// RouteResult describes what a single event did to the cache.
type RouteResult struct {
	Table       string
	Op          Op
	Patched     int
	Invalidated int
	Removed     int
	Dropped     bool
	Degraded    bool
	Reason      string
}

// Outcome returns the dominant outcome constant for metrics.
func (r RouteResult) Outcome() string {
	switch {
	case r.Dropped:
		return OutcomeDropped
	case r.Degraded:
		return OutcomeDegraded
	case r.Removed > 0:
		return OutcomeRemoved
	case r.Patched > 0:
		return OutcomePatched
	default:
		return OutcomeInvalidated
	}
}

// Handler applies events of one watched table to the cache.
type Handler interface {
	// Table returns the watched table name.
	Table() string
	// Handle applies ev synchronously. It must not block or fetch.
	Handle(ev ChangeEvent, c *Cache, rc RouteContext) RouteResult
	// Broad performs the degraded-path invalidation for the table and
	// returns the number of entries marked stale.
	Broad(c *Cache, rc RouteContext) int
}

// RouterOptions configures a Router
type RouterOptions struct {
	Schema  string // application schema, defaults to DefaultSchema
	Logger  *slog.Logger
	Observe func(RouteResult) // optional hook, called after every routed event
}

// RouterStats counts routed events by outcome
type RouterStats struct {
	Patched     int64
	Invalidated int64
	Removed     int64
	Dropped     int64
	Degraded    int64
}

// Router dispatches change events through a static per-table policy table.
// Route is synchronous end to end: event in, cache mutated, return.
type Router struct {
	cache    *Cache
	handlers map[string]Handler
	schema   string
	logger   *slog.Logger
	observe  func(RouteResult)

	patched, invalidated, removed, dropped, degraded atomic.Int64
}

// NewRouter builds a router over cache with one handler per watched table.
func NewRouter(cache *Cache, opts *RouterOptions, handlers ...Handler) (*Router, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	r := &Router{
		cache:    cache,
		handlers: make(map[string]Handler, len(handlers)),
		schema:   DefaultSchema,
		logger:   slog.Default(),
	}
	if opts != nil {
		if opts.Schema != "" {
			r.schema = opts.Schema
		}
		if opts.Logger != nil {
			r.logger = opts.Logger
		}
		r.observe = opts.Observe
	}
	for _, h := range handlers {
		table := strings.ToLower(h.Table())
		if table == "" {
			return nil, fmt.Errorf("handler with empty table name")
		}
		if _, dup := r.handlers[table]; dup {
			return nil, fmt.Errorf("duplicate handler for table %s", table)
		}
		r.handlers[table] = h
	}
	return r, nil
}

// Cache returns the cache the router mutates
func (r *Router) Cache() *Cache { return r.cache }

// Tables returns the watched tables in sorted order
func (r *Router) Tables() []string {
	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Watches reports whether table has a registered handler
func (r *Router) Watches(table string) bool {
	_, ok := r.handlers[strings.ToLower(table)]
	return ok
}

// Route applies a single event. Failures are converted into cache state
// (stale marks) and never returned to the caller.
func (r *Router) Route(ev ChangeEvent, rc RouteContext) (res RouteResult) {
	res = RouteResult{Table: ev.Table, Op: ev.Op}
	defer func() { r.record(res) }()

	schema := ev.Schema
	if schema == "" {
		schema = r.schema
	}
	if schema != r.schema {
		res.Dropped, res.Reason = true, "schema "+schema
		return res
	}
	h, ok := r.handlers[strings.ToLower(ev.Table)]
	if !ok {
		res.Dropped, res.Reason = true, "unwatched table"
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Change handler panicked, invalidating table", "table", ev.Table, "op", ev.Op, "panic", p)
			res = RouteResult{Table: ev.Table, Op: ev.Op, Degraded: true, Reason: fmt.Sprint(p)}
			res.Invalidated = h.Broad(r.cache, rc)
		}
	}()

	res = h.Handle(ev, r.cache, rc)
	if res.Degraded {
		r.logger.Warn("Change event could not be applied precisely, invalidated broadly",
			"table", ev.Table, "op", ev.Op, "tenant_id", rc.TenantID, "reason", res.Reason, "invalidated", res.Invalidated)
	} else if res.Dropped {
		r.logger.Debug("Change event dropped", "table", ev.Table, "op", ev.Op, "reason", res.Reason)
	}
	return res
}

func (r *Router) record(res RouteResult) {
	switch res.Outcome() {
	case OutcomeDropped:
		r.dropped.Add(1)
	case OutcomeDegraded:
		r.degraded.Add(1)
	case OutcomeRemoved:
		r.removed.Add(1)
	case OutcomePatched:
		r.patched.Add(1)
	default:
		r.invalidated.Add(1)
	}
	if r.observe != nil {
		r.observe(res)
	}
}

// Stats returns a snapshot of routed event counters
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Patched:     r.patched.Load(),
		Invalidated: r.invalidated.Load(),
		Removed:     r.removed.Load(),
		Dropped:     r.dropped.Load(),
		Degraded:    r.degraded.Load(),
	}
}
