// Package overquery implements the read path over the query cache: serve
// FRESH entries, fetch on miss or STALE, keep showing the last value when the
// network fails, and fall back to offline snapshots for designated detail
// resources.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/mobiletoly/go-overcache/oversnap"
)

var (
	// ErrNotFound is returned by fetchers when the resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrSuperseded is returned by a Load whose fetch completed after the
	// cache was cleared (sign-out, tenant switch). Its result is discarded.
	ErrSuperseded = errors.New("load superseded by cache clear")
)

// Fetcher is the request/response query primitive.
type Fetcher interface {
	Fetch(ctx context.Context, key overcache.Key) (json.RawMessage, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, key overcache.Key) (json.RawMessage, error)

func (f FetcherFunc) Fetch(ctx context.Context, key overcache.Key) (json.RawMessage, error) {
	return f(ctx, key)
}

// SnapshotRule designates a detail resource whose successful fetches are
// written to the offline snapshot store.
type SnapshotRule struct {
	Kind oversnap.Kind
	// EntityParam is the filter parameter that holds the entity id.
	EntityParam string
}

// Config holds configuration for the loader
type Config struct {
	Snapshots map[overcache.Resource]SnapshotRule
	Logger    *slog.Logger
	Tracer    trace.Tracer // defaults to the global provider
}

// Result is the outcome of a Load.
type Result[T any] struct {
	Value     T
	UpdatedAt time.Time
	// Stale is set when the value came from a STALE entry because the
	// refresh failed.
	Stale bool
	// FromSnapshot is set when the value came from the offline store.
	FromSnapshot bool
	// Err holds the fetch error a Stale or FromSnapshot result covers for.
	Err error
}

// Loader reads through the cache.
type Loader struct {
	cache     *overcache.Cache
	fetcher   Fetcher
	store     *oversnap.Store
	snapshots map[overcache.Resource]SnapshotRule
	logger    *slog.Logger
	tracer    trace.Tracer
	group     singleflight.Group
	cancel    func()
}

// NewLoader creates a loader. store may be nil when no resource is
// snapshotted.
func NewLoader(cache *overcache.Cache, fetcher Fetcher, store *oversnap.Store, config *Config) (*Loader, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	l := &Loader{
		cache:     cache,
		fetcher:   fetcher,
		store:     store,
		snapshots: map[overcache.Resource]SnapshotRule{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/mobiletoly/go-overcache/overquery"),
	}
	if config != nil {
		for r, rule := range config.Snapshots {
			if rule.EntityParam == "" {
				return nil, fmt.Errorf("snapshot rule for %s has no entity param", r)
			}
			l.snapshots[r] = rule
		}
		if config.Logger != nil {
			l.logger = config.Logger
		}
		if config.Tracer != nil {
			l.tracer = config.Tracer
		}
	}
	if len(l.snapshots) > 0 && store == nil {
		return nil, fmt.Errorf("snapshot rules require a snapshot store")
	}
	if store != nil {
		l.cancel = cache.OnChange(l.onCacheChange)
	}
	return l, nil
}

// Close detaches the loader from the cache.
func (l *Loader) Close() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Cache returns the cache the loader reads through
func (l *Loader) Cache() *overcache.Cache { return l.cache }

// Invalidate marks entries under prefix STALE (mutation-success handlers).
func (l *Loader) Invalidate(prefix overcache.Prefix) int {
	return l.cache.Invalidate(prefix)
}

// Remove evicts key from the cache.
func (l *Loader) Remove(key overcache.Key) bool {
	return l.cache.Remove(key)
}

func (l *Loader) snapshotTarget(key overcache.Key) (SnapshotRule, string, bool) {
	rule, ok := l.snapshots[key.Resource]
	if !ok {
		return SnapshotRule{}, "", false
	}
	id := key.Param(rule.EntityParam)
	return rule, id, id != ""
}

// A detail entry removed from the cache, or a deletion reported for one that
// was never cached, means the entity is gone; its offline copy goes with it.
// Clear keeps snapshots, sign-out purges them explicitly.
func (l *Loader) onCacheChange(ch overcache.Change) {
	if ch.State != overcache.StateAbsent || ch.Cleared {
		return
	}
	if rule, id, ok := l.snapshotTarget(ch.Key); ok {
		l.store.Purge(context.Background(), id, rule.Kind)
	}
}

// fetch performs a deduplicated fetch: concurrent loads of one key share a
// single request.
func (l *Loader) fetch(ctx context.Context, epoch uint64, key overcache.Key) (json.RawMessage, error) {
	v, err, shared := l.group.Do(fmt.Sprintf("%d/%s", epoch, key), func() (any, error) {
		ctx, span := l.tracer.Start(ctx, "overquery.fetch",
			trace.WithAttributes(
				attribute.String("overcache.resource", string(key.Resource)),
				attribute.String("overcache.key", key.String()),
			))
		defer span.End()

		raw, err := l.fetcher.Fetch(ctx, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Int("overcache.bytes", len(raw)))
		return raw, nil
	})
	if shared {
		l.logger.Debug("Shared in-flight fetch", "key", key.String())
	}
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// commit stores a fetched value and its offline snapshot unless the cache
// was cleared after epoch. A Clear racing the snapshot write purges it again.
func (l *Loader) commit(ctx context.Context, epoch uint64, key overcache.Key, v any, raw json.RawMessage) bool {
	if !l.cache.SetIfEpoch(key, v, epoch) {
		return false
	}
	if rule, id, ok := l.snapshotTarget(key); ok {
		l.store.Save(ctx, id, rule.Kind, raw)
		if l.cache.Epoch() != epoch {
			l.store.Purge(ctx, id, rule.Kind)
			return false
		}
	}
	return true
}

// Load returns the value of key decoded as T.
//
// A FRESH entry is returned as is. Otherwise the key is fetched, stored
// FRESH and, for snapshot resources, saved offline. When the fetch fails the
// STALE value is returned if there is one, then the offline snapshot; only
// when neither exists does Load return the error. A not-found fetch evicts
// the entry and its snapshot. A fetch that completes after the cache was
// cleared stores nothing and returns ErrSuperseded.
func Load[T any](ctx context.Context, l *Loader, key overcache.Key) (Result[T], error) {
	cached, entry, cachedOK := overcache.GetAs[T](l.cache, key)
	if cachedOK && entry.State == overcache.StateFresh {
		return Result[T]{Value: cached, UpdatedAt: entry.UpdatedAt}, nil
	}

	epoch := l.cache.Epoch()
	raw, err := l.fetch(ctx, epoch, key)
	if err == nil {
		var v T
		if derr := json.Unmarshal(raw, &v); derr != nil {
			err = fmt.Errorf("failed to decode %s: %w", key, derr)
		} else {
			if !l.commit(ctx, epoch, key, v, raw) {
				l.logger.Debug("Discarding fetch result of a cleared cache", "key", key.String())
				return Result[T]{}, fmt.Errorf("%s: %w", key, ErrSuperseded)
			}
			stored, _ := l.cache.Get(key)
			return Result[T]{Value: v, UpdatedAt: stored.UpdatedAt}, nil
		}
	}

	if errors.Is(err, ErrNotFound) {
		l.cache.Remove(key)
		if rule, id, ok := l.snapshotTarget(key); ok {
			l.store.Purge(ctx, id, rule.Kind)
		}
		return Result[T]{}, err
	}

	if cachedOK {
		l.logger.Warn("Refresh failed, serving stale value", "key", key.String(), "error", err)
		return Result[T]{Value: cached, UpdatedAt: entry.UpdatedAt, Stale: true, Err: err}, nil
	}

	if rule, id, ok := l.snapshotTarget(key); ok {
		if v, snap, found := oversnap.LoadAs[T](ctx, l.store, id, rule.Kind); found {
			l.logger.Info("Fetch failed, serving offline snapshot", "key", key.String(), "fetched_at", snap.FetchedAt, "error", err)
			return Result[T]{Value: v, UpdatedAt: snap.FetchedAt, FromSnapshot: true, Err: err}, nil
		}
	}
	return Result[T]{}, err
}
