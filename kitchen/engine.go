// Package kitchen wires the cache-sync engine for the recipe app: the row
// shapes and query keys of the watched tables, their routing policy, the
// per-kitchen realtime channel and the Engine facade the app talks to.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package kitchen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mobiletoly/go-overcache/internal/auth"
	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/mobiletoly/go-overcache/overfeed"
	"github.com/mobiletoly/go-overcache/overquery"
	"github.com/mobiletoly/go-overcache/oversnap"
)

var (
	// ErrNoSession is returned by tenant-scoped reads without an active kitchen.
	ErrNoSession = errors.New("no active kitchen session")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// Config holds configuration for the engine
type Config struct {
	Cache     *overcache.Options
	Snapshots *oversnap.Config
	Feed      *overfeed.Config
	// Observe is called after every routed change event.
	Observe func(overcache.RouteResult)
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Snapshots: oversnap.DefaultConfig(),
		Feed:      overfeed.DefaultConfig(),
	}
}

// Engine owns one cache, router, snapshot store, subscription manager and
// loader for the signed-in user.
type Engine struct {
	cache   *overcache.Cache
	router  *overcache.Router
	store   *oversnap.Store
	manager *overfeed.Manager
	loader  *overquery.Loader
	logger  *slog.Logger

	mu      sync.RWMutex
	session overfeed.Session
	closed  bool
}

// NewEngine creates an engine in INITIALIZING. It connects once a complete
// session is set.
func NewEngine(feed overfeed.Feed, fetcher overquery.Fetcher, kv oversnap.KV, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cacheOpts := overcache.Options{}
	if config.Cache != nil {
		cacheOpts = *config.Cache
	}
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = logger
	}
	e := &Engine{cache: overcache.New(&cacheOpts), logger: logger}

	var err error
	e.router, err = NewRouter(e.cache, &overcache.RouterOptions{Logger: logger, Observe: config.Observe})
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	snapCfg := oversnap.DefaultConfig()
	if config.Snapshots != nil {
		snapCfg = config.Snapshots
	}
	if snapCfg.Logger == nil {
		c := *snapCfg
		c.Logger = logger
		snapCfg = &c
	}
	e.store, err = oversnap.NewStore(kv, snapCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	e.loader, err = overquery.NewLoader(e.cache, fetcher, e.store, &overquery.Config{
		Snapshots: map[overcache.Resource]overquery.SnapshotRule{
			ResourceRecipe:      {Kind: oversnap.KindPrimary, EntityParam: ParamRecipeID},
			ResourcePreparation: {Kind: oversnap.KindSecondary, EntityParam: ParamPreparationID},
		},
		Logger: logger,
		Tracer: config.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}

	feedCfg := *overfeed.DefaultConfig()
	if config.Feed != nil {
		feedCfg = *config.Feed
	}
	if feedCfg.Logger == nil {
		feedCfg.Logger = logger
	}
	userHook := feedCfg.OnSessionChange
	feedCfg.OnSessionChange = func(prev, next overfeed.Session) {
		e.onSessionChange(prev, next)
		if userHook != nil {
			userHook(prev, next)
		}
	}
	e.manager, err = overfeed.NewManager(feed, e.router, ChannelSpec, &feedCfg)
	if err != nil {
		e.loader.Close()
		return nil, fmt.Errorf("failed to create subscription manager: %w", err)
	}
	return e, nil
}

// onSessionChange runs on the manager goroutine between teardown of the old
// channel and subscribe of the new one, so no event of the old kitchen can
// reach the cleared cache.
func (e *Engine) onSessionChange(prev, next overfeed.Session) {
	if prev.TenantID == "" || prev == next {
		return
	}
	e.logger.Info("Kitchen session changed, clearing query cache",
		"from_tenant_id", prev.TenantID, "to_tenant_id", next.TenantID, "entries", e.cache.Len())
	e.cache.Clear()
}

// SetSession sets the signed-in user and the active kitchen. Either may be
// empty, which tears the realtime channel down.
func (e *Engine) SetSession(userID, kitchenID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.session = overfeed.Session{UserID: userID, TenantID: kitchenID}
	e.manager.SetSession(userID, kitchenID)
	return nil
}

// SetSessionToken sets the session from a session JWT (sub, kitchen_id).
func (e *Engine) SetSessionToken(token string) error {
	claims, err := auth.ParseSessionClaims(token, time.Now())
	if err != nil {
		return fmt.Errorf("failed to read session token: %w", err)
	}
	return e.SetSession(claims.Subject, claims.KitchenID)
}

// Session returns the current session.
func (e *Engine) Session() overfeed.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// SignOut tears the channel down, clears the cache and purges every offline
// snapshot. It returns once teardown is complete. Loads still in flight
// return overquery.ErrSuperseded and store nothing.
func (e *Engine) SignOut(ctx context.Context) error {
	if err := e.SetSession("", ""); err != nil {
		return err
	}
	e.manager.WaitIdle()
	e.cache.Clear()
	n := e.store.PurgeAll(ctx)
	e.logger.Info("Signed out", "purged_snapshots", n)
	return nil
}

// Retry restarts the reconnect cycle after retries were exhausted.
func (e *Engine) Retry() { e.manager.Retry() }

// ConnectionState returns the realtime connection status.
func (e *Engine) ConnectionState() overfeed.ConnectionState { return e.manager.State() }

// OnStateChange registers a connection status listener.
func (e *Engine) OnStateChange(fn func(overfeed.ConnectionState)) (cancel func()) {
	return e.manager.OnStateChange(fn)
}

// OnNotice registers a listener for reconnect notices.
func (e *Engine) OnNotice(fn func(overfeed.Notice, overfeed.ConnectionState)) (cancel func()) {
	return e.manager.OnNotice(fn)
}

// OnChange registers a cache change listener for re-rendering.
func (e *Engine) OnChange(fn func(overcache.Change)) (cancel func()) {
	return e.cache.OnChange(fn)
}

// WaitIdle blocks until every delivered change event has been applied.
func (e *Engine) WaitIdle() { e.manager.WaitIdle() }

// Cache returns the query cache.
func (e *Engine) Cache() *overcache.Cache { return e.cache }

// Snapshots returns the offline snapshot store.
func (e *Engine) Snapshots() *oversnap.Store { return e.store }

// RouterStats returns routed event counters.
func (e *Engine) RouterStats() overcache.RouterStats { return e.router.Stats() }

// Invalidate marks entries under prefix STALE, for mutation-success handlers.
func (e *Engine) Invalidate(prefix overcache.Prefix) int { return e.loader.Invalidate(prefix) }

// Remove evicts key from the cache.
func (e *Engine) Remove(key overcache.Key) bool { return e.loader.Remove(key) }

// Close stops the subscription manager and detaches the loader. It is safe
// to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.manager.Close()
	e.loader.Close()
	return err
}

func (e *Engine) kitchenID() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.session.TenantID == "" {
		return "", ErrNoSession
	}
	return e.session.TenantID, nil
}

func (e *Engine) ready() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Recipes returns the recipes of the active kitchen.
func (e *Engine) Recipes(ctx context.Context) (overquery.Result[[]Recipe], error) {
	kitchenID, err := e.kitchenID()
	if err != nil {
		return overquery.Result[[]Recipe]{}, err
	}
	return overquery.Load[[]Recipe](ctx, e.loader, RecipesKey(kitchenID))
}

// Recipe returns a recipe with its components. It falls back to the offline
// snapshot when the cache is cold and the fetch fails.
func (e *Engine) Recipe(ctx context.Context, recipeID string) (overquery.Result[RecipeDetail], error) {
	if err := e.ready(); err != nil {
		return overquery.Result[RecipeDetail]{}, err
	}
	return overquery.Load[RecipeDetail](ctx, e.loader, RecipeKey(recipeID))
}

// Preparation returns a preparation with its components, with the same
// offline fallback as Recipe.
func (e *Engine) Preparation(ctx context.Context, preparationID string) (overquery.Result[PreparationDetail], error) {
	if err := e.ready(); err != nil {
		return overquery.Result[PreparationDetail]{}, err
	}
	return overquery.Load[PreparationDetail](ctx, e.loader, PreparationKey(preparationID))
}

// Categories returns the categories of the active kitchen.
func (e *Engine) Categories(ctx context.Context) (overquery.Result[[]Category], error) {
	kitchenID, err := e.kitchenID()
	if err != nil {
		return overquery.Result[[]Category]{}, err
	}
	return overquery.Load[[]Category](ctx, e.loader, CategoriesKey(kitchenID))
}

// Ingredients returns the ingredients of the active kitchen, preparations
// included.
func (e *Engine) Ingredients(ctx context.Context) (overquery.Result[[]Ingredient], error) {
	kitchenID, err := e.kitchenID()
	if err != nil {
		return overquery.Result[[]Ingredient]{}, err
	}
	return overquery.Load[[]Ingredient](ctx, e.loader, IngredientsKey(kitchenID))
}

// Ingredient returns a single ingredient.
func (e *Engine) Ingredient(ctx context.Context, ingredientID string) (overquery.Result[Ingredient], error) {
	if err := e.ready(); err != nil {
		return overquery.Result[Ingredient]{}, err
	}
	return overquery.Load[Ingredient](ctx, e.loader, IngredientKey(ingredientID))
}
