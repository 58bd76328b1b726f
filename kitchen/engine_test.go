package kitchen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overcache/internal/auth"
	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/mobiletoly/go-overcache/overfeed"
	"github.com/mobiletoly/go-overcache/overquery"
	"github.com/mobiletoly/go-overcache/oversnap"
)

// backend serves query results from an in-memory map keyed by canonical key.
type backend struct {
	mu    sync.Mutex
	data  map[string]any
	calls map[string]int
	down  bool
	gates map[string]*gate
}

// gate holds fetches of one key until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newBackend() *backend {
	return &backend{data: map[string]any{}, calls: map[string]int{}, gates: map[string]*gate{}}
}

// hold makes the next fetch of key block until the returned gate is released.
func (b *backend) hold(key overcache.Key) *gate {
	g := &gate{started: make(chan struct{}), release: make(chan struct{})}
	b.mu.Lock()
	b.gates[key.String()] = g
	b.mu.Unlock()
	return g
}

func (b *backend) put(key overcache.Key, v any) {
	b.mu.Lock()
	b.data[key.String()] = v
	b.mu.Unlock()
}

func (b *backend) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *backend) count(key overcache.Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[key.String()]
}

func (b *backend) Fetch(_ context.Context, key overcache.Key) (json.RawMessage, error) {
	b.mu.Lock()
	g := b.gates[key.String()]
	delete(b.gates, key.String())
	b.mu.Unlock()
	if g != nil {
		close(g.started)
		<-g.release
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[key.String()]++
	if b.down {
		return nil, errors.New("network unreachable")
	}
	v, ok := b.data[key.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, overquery.ErrNotFound)
	}
	return json.Marshal(v)
}

type fixture struct {
	e       *Engine
	feed    *overfeed.MemoryFeed
	backend *backend
	kv      *oversnap.MemoryKV
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, newBackend(), oversnap.NewMemoryKV())
}

func newFixtureWith(t *testing.T, b *backend, kv *oversnap.MemoryKV) *fixture {
	t.Helper()
	f := &fixture{feed: overfeed.NewMemoryFeed(), backend: b, kv: kv}
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	var err error
	f.e, err = NewEngine(f.feed, b, kv, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.e.Close() })
	return f
}

func (f *fixture) signIn(t *testing.T, kitchenID string) {
	t.Helper()
	require.NoError(t, f.e.SetSession("u1", kitchenID))
	f.e.WaitIdle()
	require.Equal(t, overfeed.StatusConnected, f.e.ConnectionState().Status)
}

func (f *fixture) publish(t *testing.T, table string, op overcache.Op, before, after any) {
	t.Helper()
	ev := overcache.ChangeEvent{Schema: "public", Table: table, Op: op}
	if before != nil {
		b, err := json.Marshal(before)
		require.NoError(t, err)
		ev.Before = b
	}
	if after != nil {
		b, err := json.Marshal(after)
		require.NoError(t, err)
		ev.After = b
	}
	f.feed.Publish(ev)
	f.e.WaitIdle()
}

func soup() Recipe { return Recipe{ID: "r1", KitchenID: "k1", Name: "Soup", Servings: 2} }
func pie() Recipe  { return Recipe{ID: "r2", KitchenID: "k1", Name: "Pie", Servings: 8} }

func TestEngine_SurgicalRecipeUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipesKey("k1"), []Recipe{soup(), pie()})
	f.signIn(t, "k1")

	res, err := f.e.Recipes(ctx)
	require.NoError(t, err)
	require.Len(t, res.Value, 2)

	renamed := pie()
	renamed.Name = "Apple Pie"
	f.publish(t, TableRecipes, overcache.OpUpdate, pie(), renamed)

	res, err = f.e.Recipes(ctx)
	require.NoError(t, err)
	require.Equal(t, []Recipe{soup(), renamed}, res.Value)
	require.Equal(t, 1, f.backend.count(RecipesKey("k1")), "patched list is served without refetch")
	require.Equal(t, int64(1), f.e.RouterStats().Patched)
}

func TestEngine_ComponentChangeInvalidatesRecipeDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})
	f.signIn(t, "k1")

	_, err := f.e.Recipe(ctx, "r1")
	require.NoError(t, err)

	comp := RecipeComponent{ID: "c1", RecipeID: "r1", IngredientID: "i1", Quantity: 1, Unit: "l"}
	f.publish(t, TableRecipeComponents, overcache.OpInsert, nil, comp)

	e, ok := f.e.Cache().Get(RecipeKey("r1"))
	require.True(t, ok)
	require.Equal(t, overcache.StateStale, e.State)

	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup(), Components: []RecipeComponent{comp}})
	res, err := f.e.Recipe(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, res.Value.Components, 1)
	require.Equal(t, 2, f.backend.count(RecipeKey("r1")))
}

func TestEngine_ComponentWithoutParentDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})
	f.signIn(t, "k1")
	_, err := f.e.Recipe(ctx, "r1")
	require.NoError(t, err)

	f.publish(t, TableRecipeComponents, overcache.OpInsert, nil, map[string]string{"id": "c9"})

	e, _ := f.e.Cache().Get(RecipeKey("r1"))
	require.Equal(t, overcache.StateStale, e.State)
	require.NotNil(t, e.Value, "value kept for stale-while-revalidate")
	require.Equal(t, int64(1), f.e.RouterStats().Degraded)
}

func TestEngine_RecipeDeleteConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipesKey("k1"), []Recipe{soup(), pie()})
	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})
	f.signIn(t, "k1")

	_, err := f.e.Recipes(ctx)
	require.NoError(t, err)
	_, err = f.e.Recipe(ctx, "r1")
	require.NoError(t, err)
	_, ok := f.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.True(t, ok)

	f.publish(t, TableRecipes, overcache.OpDelete, soup(), nil)
	f.publish(t, TableRecipes, overcache.OpDelete, soup(), nil)

	list, _, _ := overcache.GetAs[[]Recipe](f.e.Cache(), RecipesKey("k1"))
	require.Equal(t, []Recipe{pie()}, list)
	_, ok = f.e.Cache().Get(RecipeKey("r1"))
	require.False(t, ok)
	_, ok = f.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok, "deleted entity loses its offline snapshot")
}

func TestEngine_PreparationChangeInvalidatesIngredients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prep := Preparation{ID: "p1", KitchenID: "k1", IngredientID: "i2", Name: "Stock", YieldQuantity: 2, YieldUnit: "l"}
	f.backend.put(IngredientsKey("k1"), []Ingredient{{ID: "i1", KitchenID: "k1", Name: "Salt"}, {ID: "i2", KitchenID: "k1", Name: "Stock", IsPreparation: true}})
	f.backend.put(PreparationKey("p1"), PreparationDetail{Preparation: prep})
	f.signIn(t, "k1")

	_, err := f.e.Ingredients(ctx)
	require.NoError(t, err)
	_, err = f.e.Preparation(ctx, "p1")
	require.NoError(t, err)
	_, ok := f.e.Snapshots().Load(ctx, "p1", oversnap.KindSecondary)
	require.True(t, ok)

	updated := prep
	updated.YieldQuantity = 3
	f.publish(t, TablePreparations, overcache.OpUpdate, prep, updated)

	for _, k := range []overcache.Key{IngredientsKey("k1"), PreparationKey("p1")} {
		e, ok := f.e.Cache().Get(k)
		require.True(t, ok, k.String())
		require.Equal(t, overcache.StateStale, e.State, k.String())
	}

	comp := PreparationComponent{ID: "pc1", PreparationID: "p1", IngredientID: "i1", Quantity: 10, Unit: "g"}
	f.backend.put(PreparationKey("p1"), PreparationDetail{Preparation: updated, Components: []PreparationComponent{comp}})
	res, err := f.e.Preparation(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 3.0, res.Value.YieldQuantity)

	f.publish(t, TablePreparationComponents, overcache.OpDelete, comp, nil)
	e, _ := f.e.Cache().Get(PreparationKey("p1"))
	require.Equal(t, overcache.StateStale, e.State)
}

func TestEngine_IngredientDetailPatchedFromRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	salt := Ingredient{ID: "i1", KitchenID: "k1", Name: "Salt", Unit: "g"}
	f.backend.put(IngredientKey("i1"), salt)
	f.backend.put(IngredientsKey("k1"), []Ingredient{salt})
	f.signIn(t, "k1")

	_, err := f.e.Ingredient(ctx, "i1")
	require.NoError(t, err)
	_, err = f.e.Ingredients(ctx)
	require.NoError(t, err)

	sea := salt
	sea.Name = "Sea salt"
	f.publish(t, TableIngredients, overcache.OpUpdate, salt, sea)

	res, err := f.e.Ingredient(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, sea, res.Value)
	list, err := f.e.Ingredients(ctx)
	require.NoError(t, err)
	require.Equal(t, []Ingredient{sea}, list.Value)
	require.Equal(t, 1, f.backend.count(IngredientKey("i1")))
}

func TestEngine_CategoryChangeInvalidatesRecipeList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipesKey("k1"), []Recipe{soup()})
	f.backend.put(CategoriesKey("k1"), []Category{{ID: "c1", KitchenID: "k1", Name: "Mains"}})
	f.signIn(t, "k1")
	_, err := f.e.Recipes(ctx)
	require.NoError(t, err)
	_, err = f.e.Categories(ctx)
	require.NoError(t, err)

	f.publish(t, TableCategories, overcache.OpInsert, nil, Category{ID: "c2", KitchenID: "k1", Name: "Desserts"})

	cats, _, _ := overcache.GetAs[[]Category](f.e.Cache(), CategoriesKey("k1"))
	require.Len(t, cats, 2)
	e, _ := f.e.Cache().Get(RecipesKey("k1"))
	require.Equal(t, overcache.StateStale, e.State)
}

func TestEngine_TenantSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipesKey("k1"), []Recipe{soup()})
	f.backend.put(RecipesKey("k2"), []Recipe{{ID: "r7", KitchenID: "k2", Name: "Curry"}})
	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})
	f.signIn(t, "k1")
	_, err := f.e.Recipes(ctx)
	require.NoError(t, err)
	_, err = f.e.Recipe(ctx, "r1")
	require.NoError(t, err)

	f.signIn(t, "k2")
	require.Equal(t, 0, f.e.Cache().Len())
	require.Equal(t, []string{"subscribe kitchen:k1", "unsubscribe kitchen:k1", "subscribe kitchen:k2"}, f.feed.Log())
	_, ok := f.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.True(t, ok, "tenant switch keeps offline snapshots")

	res, err := f.e.Recipes(ctx)
	require.NoError(t, err)
	require.Equal(t, "Curry", res.Value[0].Name)

	// A k1 row reaching the k2 channel never touches k2 state.
	n := f.feed.Publish(overcache.ChangeEvent{Schema: "public", Table: TableRecipes, Op: overcache.OpInsert,
		After: json.RawMessage(`{"id":"r1","kitchen_id":"k1","name":"Soup"}`)})
	require.Zero(t, n, "filtered by the channel")
	f.publish(t, TableRecipeComponents, overcache.OpInsert, nil, RecipeComponent{ID: "c1", RecipeID: "r7"})
	e, _ := f.e.Cache().Get(RecipesKey("k2"))
	require.Equal(t, overcache.StateFresh, e.State)
}

func TestEngine_SignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})
	f.signIn(t, "k1")
	_, err := f.e.Recipe(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, f.kv.Set(ctx, "unrelated", "keep me"))

	require.NoError(t, f.e.SignOut(ctx))

	require.Equal(t, overfeed.StatusInitializing, f.e.ConnectionState().Status)
	require.Empty(t, f.feed.Active())
	require.Equal(t, 0, f.e.Cache().Len())
	_, ok := f.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok)
	v, ok, err := f.kv.Get(ctx, "unrelated")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep me", v)

	_, err = f.e.Recipes(ctx)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestEngine_OfflineFallbackAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := oversnap.NewMemoryKV()
	b := newBackend()
	b.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})

	first := newFixtureWith(t, b, kv)
	first.signIn(t, "k1")
	_, err := first.e.Recipe(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, first.e.Close())

	b.setDown(true)
	second := newFixtureWith(t, b, kv)
	second.signIn(t, "k1")

	res, err := second.e.Recipe(ctx, "r1")
	require.NoError(t, err)
	require.True(t, res.FromSnapshot)
	require.Equal(t, "Soup", res.Value.Name)

	_, err = second.e.Recipes(ctx)
	require.ErrorContains(t, err, "network unreachable")
}

func TestEngine_DeleteWithColdCachePurgesSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := oversnap.NewMemoryKV()
	b := newBackend()
	b.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})

	first := newFixtureWith(t, b, kv)
	first.signIn(t, "k1")
	_, err := first.e.Recipe(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, first.e.Close())

	second := newFixtureWith(t, b, kv)
	second.signIn(t, "k1")
	_, ok := second.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.True(t, ok)
	require.Zero(t, second.e.Cache().Len())

	second.publish(t, TableRecipes, overcache.OpDelete, soup(), nil)

	_, ok = second.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok, "deleted recipe loses its snapshot even when never cached")
	b.setDown(true)
	_, err = second.e.Recipe(ctx, "r1")
	require.ErrorContains(t, err, "network unreachable")
}

func TestEngine_SignOutDuringFetchStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipeKey("r1"), RecipeDetail{Recipe: soup()})
	f.signIn(t, "k1")
	g := f.backend.hold(RecipeKey("r1"))

	errc := make(chan error, 1)
	go func() {
		_, err := f.e.Recipe(ctx, "r1")
		errc <- err
	}()
	<-g.started
	require.NoError(t, f.e.SignOut(ctx))
	close(g.release)

	require.ErrorIs(t, <-errc, overquery.ErrSuperseded)
	require.Zero(t, f.e.Cache().Len())
	_, ok := f.e.Snapshots().Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok, "signed-out user leaves no offline copy behind")
}

func TestEngine_TenantSwitchDuringFetchDropsOldKitchen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.put(RecipesKey("k1"), []Recipe{soup()})
	f.signIn(t, "k1")
	g := f.backend.hold(RecipesKey("k1"))

	errc := make(chan error, 1)
	go func() {
		_, err := f.e.Recipes(ctx)
		errc <- err
	}()
	<-g.started
	f.signIn(t, "k2")
	close(g.release)

	require.ErrorIs(t, <-errc, overquery.ErrSuperseded)
	_, ok := f.e.Cache().Get(RecipesKey("k1"))
	require.False(t, ok, "kitchen k1 data never lands in the k2 session")
}

func TestEngine_SetSessionToken(t *testing.T) {
	f := newFixture(t)
	token, err := auth.NewJWTAuth("server-secret").GenerateToken("u1", "k3", time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.e.SetSessionToken(token))
	f.e.WaitIdle()
	require.Equal(t, overfeed.Session{UserID: "u1", TenantID: "k3"}, f.e.Session())
	require.Equal(t, "kitchen:k3", f.feed.Active()[0].Name)

	expired, err := auth.NewJWTAuth("server-secret").GenerateToken("u1", "k4", -time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, f.e.SetSessionToken(expired), auth.ErrTokenExpired)
}

func TestEngine_Closed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.e.Close())
	require.NoError(t, f.e.Close())
	require.ErrorIs(t, f.e.SetSession("u1", "k1"), ErrClosed)
	_, err := f.e.Recipe(context.Background(), "r1")
	require.ErrorIs(t, err, ErrClosed)
}
