package overquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mobiletoly/go-overcache/overcache"
	"github.com/mobiletoly/go-overcache/oversnap"
)

type recipe struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// stubFetcher serves canned responses per key and counts calls.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	calls     atomic.Int32
}

func (s *stubFetcher) Fetch(_ context.Context, key overcache.Key) (json.RawMessage, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	body, ok := s.responses[key.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return json.RawMessage(body), nil
}

func (s *stubFetcher) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

var (
	detailKey = overcache.NewKey("recipe", "recipe_id", "r1")
	listKey   = overcache.NewKey("recipes", "kitchen_id", "k1")
)

func newTestLoader(t *testing.T, f Fetcher) (*Loader, *oversnap.Store) {
	t.Helper()
	store, err := oversnap.NewStore(oversnap.NewMemoryKV(), nil)
	require.NoError(t, err)
	l, err := NewLoader(overcache.New(nil), f, store, &Config{
		Snapshots: map[overcache.Resource]SnapshotRule{
			"recipe": {Kind: oversnap.KindPrimary, EntityParam: "recipe_id"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, store
}

func TestLoad_ColdReadPopulatesCacheAndSnapshot(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{detailKey.String(): `{"id":"r1","name":"Soup"}`}}
	l, store := newTestLoader(t, f)

	res, err := Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)
	require.Equal(t, recipe{"r1", "Soup"}, res.Value)
	require.False(t, res.Stale)
	require.False(t, res.FromSnapshot)

	e, ok := l.Cache().Get(detailKey)
	require.True(t, ok)
	require.Equal(t, overcache.StateFresh, e.State)

	snap, _, ok := oversnap.LoadAs[recipe](ctx, store, "r1", oversnap.KindPrimary)
	require.True(t, ok)
	require.Equal(t, recipe{"r1", "Soup"}, snap)

	// Second read is served from the cache.
	_, err = Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.calls.Load())
}

func TestLoad_StaleRefetches(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{listKey.String(): `[{"id":"r1","name":"Soup"}]`}}
	l, _ := newTestLoader(t, f)

	_, err := Load[[]recipe](ctx, l, listKey)
	require.NoError(t, err)
	l.Invalidate(overcache.PrefixOf(listKey))

	f.mu.Lock()
	f.responses[listKey.String()] = `[{"id":"r1","name":"Soup"},{"id":"r2","name":"Pie"}]`
	f.mu.Unlock()

	res, err := Load[[]recipe](ctx, l, listKey)
	require.NoError(t, err)
	require.Len(t, res.Value, 2)
	require.Equal(t, int32(2), f.calls.Load())
}

func TestLoad_ServesStaleWhenRefreshFails(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{listKey.String(): `[{"id":"r1","name":"Soup"}]`}}
	l, _ := newTestLoader(t, f)

	_, err := Load[[]recipe](ctx, l, listKey)
	require.NoError(t, err)
	l.Invalidate(overcache.PrefixOf(listKey))
	f.fail(errors.New("offline"))

	res, err := Load[[]recipe](ctx, l, listKey)
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.EqualError(t, res.Err, "offline")
	require.Equal(t, []recipe{{"r1", "Soup"}}, res.Value)
}

func TestLoad_FallsBackToSnapshotWhenColdAndOffline(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{}
	l, store := newTestLoader(t, f)
	store.Save(ctx, "r1", oversnap.KindPrimary, recipe{"r1", "Soup"})
	f.fail(errors.New("offline"))

	res, err := Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)
	require.True(t, res.FromSnapshot)
	require.Equal(t, recipe{"r1", "Soup"}, res.Value)

	_, ok := l.Cache().Get(detailKey)
	require.False(t, ok, "snapshot fallback must not warm the cache")

	// Non-designated resources have no fallback.
	_, err = Load[[]recipe](ctx, l, listKey)
	require.EqualError(t, err, "offline")
}

func TestLoad_NotFoundEvictsEntryAndSnapshot(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{detailKey.String(): `{"id":"r1","name":"Soup"}`}}
	l, store := newTestLoader(t, f)

	_, err := Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)
	l.Invalidate(overcache.PrefixOf(detailKey))

	f.mu.Lock()
	delete(f.responses, detailKey.String())
	f.mu.Unlock()

	_, err = Load[recipe](ctx, l, detailKey)
	require.ErrorIs(t, err, ErrNotFound)
	_, ok := l.Cache().Get(detailKey)
	require.False(t, ok)
	_, ok = store.Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok)
}

func TestLoader_RemovedDetailPurgesSnapshot(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{detailKey.String(): `{"id":"r1","name":"Soup"}`}}
	l, store := newTestLoader(t, f)

	_, err := Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)

	// The router removes the detail key on a DELETE event.
	l.Cache().Remove(detailKey)
	_, ok := store.Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok)
}

func TestLoad_DecodeErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{listKey.String(): `{"not":"a list"}`}}
	l, _ := newTestLoader(t, f)

	_, err := Load[[]recipe](ctx, l, listKey)
	require.ErrorContains(t, err, "failed to decode")
	require.Equal(t, 0, l.Cache().Len())
}

func TestLoad_ConcurrentLoadsShareFetch(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, key overcache.Key) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`[]`), nil
	})
	l, err := NewLoader(overcache.New(nil), f, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Load[[]recipe](ctx, l, listKey)
			require.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, calls.Load(), int32(5))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestLoad_RecordsFetchSpans(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	f := &stubFetcher{err: errors.New("boom")}
	l, err := NewLoader(overcache.New(nil), f, nil, &Config{Tracer: tp.Tracer("test")})
	require.NoError(t, err)

	_, err = Load[[]recipe](ctx, l, listKey)
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "overquery.fetch", spans[0].Name)
	require.Equal(t, "boom", spans[0].Status.Description)
}

func TestNewLoader_Validation(t *testing.T) {
	_, err := NewLoader(overcache.New(nil), &stubFetcher{}, nil, &Config{
		Snapshots: map[overcache.Resource]SnapshotRule{"recipe": {Kind: oversnap.KindPrimary, EntityParam: "recipe_id"}},
	})
	require.Error(t, err, "snapshot rules without a store")

	_, err = NewLoader(nil, &stubFetcher{}, nil, nil)
	require.Error(t, err)
}

func TestLoader_ClearKeepsSnapshots(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{responses: map[string]string{detailKey.String(): `{"id":"r1","name":"Soup"}`}}
	l, store := newTestLoader(t, f)

	_, err := Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)
	l.Cache().Clear()

	_, ok := store.Load(ctx, "r1", oversnap.KindPrimary)
	require.True(t, ok)
}

func TestLoad_ClearDuringFetchDiscardsResult(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, key overcache.Key) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{"id":"r1","name":"Soup"}`), nil
	})
	l, store := newTestLoader(t, f)

	errc := make(chan error, 1)
	go func() {
		_, err := Load[recipe](ctx, l, detailKey)
		errc <- err
	}()
	<-started
	l.Cache().Clear()
	close(release)

	err := <-errc
	require.ErrorIs(t, err, ErrSuperseded)
	_, ok := l.Cache().Get(detailKey)
	require.False(t, ok)
	_, ok = store.Load(ctx, "r1", oversnap.KindPrimary)
	require.False(t, ok)
}

func TestLoad_AfterClearDoesNotJoinEarlierFetch(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, key overcache.Key) (json.RawMessage, error) {
		n := calls.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-release
		}
		return json.RawMessage(`{"id":"r1","name":"Soup"}`), nil
	})
	l, _ := newTestLoader(t, f)

	errc := make(chan error, 1)
	go func() {
		_, err := Load[recipe](ctx, l, detailKey)
		errc <- err
	}()
	<-started
	l.Cache().Clear()

	res, err := Load[recipe](ctx, l, detailKey)
	require.NoError(t, err)
	require.Equal(t, recipe{"r1", "Soup"}, res.Value)
	require.Equal(t, int32(2), calls.Load())

	close(release)
	require.ErrorIs(t, <-errc, ErrSuperseded)
	e, ok := l.Cache().Get(detailKey)
	require.True(t, ok)
	require.Equal(t, overcache.StateFresh, e.State)
}
