package oversnap

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recipeDetail struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

func newSQLiteKV(t *testing.T) *SQLiteKV {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// one connection so every query sees the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	kv, err := NewSQLiteKV(db)
	require.NoError(t, err)
	return kv
}

func backends(t *testing.T) map[string]KV {
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": newSQLiteKV(t),
	}
}

func fixedNow() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := NewStore(kv, &Config{Now: fixedNow})
			require.NoError(t, err)

			want := recipeDetail{ID: "r1", Name: "Soup", Steps: []string{"boil"}}
			s.Save(ctx, "r1", KindPrimary, want)

			snap, ok := s.Load(ctx, "r1", KindPrimary)
			require.True(t, ok)
			require.Equal(t, CurrentSchemaVersion, snap.SchemaVersion)
			require.Equal(t, fixedNow(), snap.FetchedAt)
			require.Equal(t, "r1", snap.EntityID)

			got, _, ok := LoadAs[recipeDetail](ctx, s, "r1", KindPrimary)
			require.True(t, ok)
			require.Equal(t, want, got)

			// Same id, other kind is a different record.
			_, ok = s.Load(ctx, "r1", KindSecondary)
			require.False(t, ok)
		})
	}
}

func TestStore_SchemaVersionMismatchPurges(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			old, err := NewStore(kv, &Config{SchemaVersion: 1})
			require.NoError(t, err)
			old.Save(ctx, "r1", KindPrimary, recipeDetail{ID: "r1"})

			cur, err := NewStore(kv, &Config{SchemaVersion: 2})
			require.NoError(t, err)
			_, ok := cur.Load(ctx, "r1", KindPrimary)
			require.False(t, ok)

			_, present, err := kv.Get(ctx, cur.Key(KindPrimary, "r1"))
			require.NoError(t, err)
			require.False(t, present, "mismatched record must be removed on read")
		})
	}
}

func TestStore_CorruptRecordIsPurgedAndIsolated(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s, err := NewStore(kv, nil)
	require.NoError(t, err)

	s.Save(ctx, "good", KindPrimary, recipeDetail{ID: "good"})
	require.NoError(t, kv.Set(ctx, s.Key(KindPrimary, "bad"), "{not json"))

	_, ok := s.Load(ctx, "bad", KindPrimary)
	require.False(t, ok)
	_, present, _ := kv.Get(ctx, s.Key(KindPrimary, "bad"))
	require.False(t, present)

	_, ok = s.Load(ctx, "good", KindPrimary)
	require.True(t, ok)
}

func TestLoadAs_UndecodablePayloadIsPurged(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s, err := NewStore(kv, nil)
	require.NoError(t, err)

	s.Save(ctx, "r1", KindPrimary, map[string]any{"steps": "not a list"})
	_, _, ok := LoadAs[recipeDetail](ctx, s, "r1", KindPrimary)
	require.False(t, ok)

	_, ok = s.Load(ctx, "r1", KindPrimary)
	require.False(t, ok)
}

func TestStore_PurgeAllOnlyTouchesNamespace(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := NewStore(kv, nil)
			require.NoError(t, err)

			s.Save(ctx, "r1", KindPrimary, recipeDetail{ID: "r1"})
			s.Save(ctx, "p1", KindSecondary, recipeDetail{ID: "p1"})
			require.NoError(t, kv.Set(ctx, "session_token", "abc"))
			require.NoError(t, kv.Set(ctx, "offline_snapshotter:x", "keep"))

			require.Equal(t, 2, s.PurgeAll(ctx))

			keys, err := kv.AllKeys(ctx)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"offline_snapshotter:x", "session_token"}, keys)
		})
	}
}

func TestStore_Purge(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(NewMemoryKV(), nil)
	require.NoError(t, err)

	s.Save(ctx, "r1", KindPrimary, recipeDetail{ID: "r1"})
	s.Purge(ctx, "r1", KindPrimary)
	s.Purge(ctx, "r1", KindPrimary)
	_, ok := s.Load(ctx, "r1", KindPrimary)
	require.False(t, ok)
}

type failingKV struct{}

var errDisk = errors.New("disk full")

func (failingKV) Get(context.Context, string) (string, bool, error) { return "", false, errDisk }
func (failingKV) Set(context.Context, string, string) error          { return errDisk }
func (failingKV) Remove(context.Context, string) error               { return errDisk }
func (failingKV) AllKeys(context.Context) ([]string, error)          { return nil, errDisk }
func (failingKV) MultiRemove(context.Context, []string) error        { return errDisk }

func TestStore_SwallowsPersistenceErrors(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(failingKV{}, nil)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		s.Save(ctx, "r1", KindPrimary, recipeDetail{ID: "r1"})
		s.Purge(ctx, "r1", KindPrimary)
	})
	_, ok := s.Load(ctx, "r1", KindPrimary)
	require.False(t, ok)
	require.Equal(t, 0, s.PurgeAll(ctx))
}

func TestNewStore_RejectsBadNamespace(t *testing.T) {
	_, err := NewStore(NewMemoryKV(), &Config{Namespace: "a:b"})
	require.Error(t, err)
	_, err = NewStore(nil, nil)
	require.Error(t, err)
}
