package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/hubd/internal/dynamic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(DefaultPath(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesStorageDir(t *testing.T) {
	root := t.TempDir()
	store, err := Open(DefaultPath(root))
	require.NoError(t, err)
	defer store.Close()

	info, err := os.Stat(filepath.Join(root, ".storage"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(root, ".storage", "state.db"), store.Path())
}

func TestSaveGetOverwrite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "counter", 1))
	require.NoError(t, store.Save(ctx, "counter", 2))

	var n int
	ok, err := store.Get(ctx, "counter", &n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)

	var s string
	ok, err := store.Get(context.Background(), "nope", &s)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyKeyRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Save(ctx, " ", 1), ErrKeyRequired)
	assert.ErrorIs(t, store.Delete(ctx, ""), ErrKeyRequired)
	_, err := store.Get(ctx, "", new(int))
	assert.ErrorIs(t, err, ErrKeyRequired)
}

func TestDeleteAndKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"app.a.x", "app.a.y", "app.b.x"} {
		require.NoError(t, store.Save(ctx, k, k))
	}
	require.NoError(t, store.Delete(ctx, "app.a.y"))

	keys, err := store.Keys(ctx, "app.a.")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.a.x"}, keys)

	all, err := store.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.a.x", "app.b.x"}, all)
}

func TestRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := dynamic.New(dynamic.IgnoreCase())
	rec.Set("Room", dynamic.String("kitchen"))
	rec.Set("level", dynamic.Int(40))
	require.NoError(t, store.Save(ctx, "scene", rec))

	got := dynamic.New(dynamic.IgnoreCase())
	ok, err := store.Get(ctx, "scene", got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Equal(got))
}

func TestScopedIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := NewScoped(store, "app.a.")
	b := NewScoped(store, "app.b.")

	require.NoError(t, a.Save(ctx, "count", 3))
	require.NoError(t, b.Save(ctx, "count", 7))

	var n int
	ok, err := a.Get(ctx, "count", &n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, n)

	keys, err := b.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"count"}, keys)

	require.NoError(t, a.Delete(ctx, "count"))
	ok, err = a.Get(ctx, "count", &n)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, a.Save(ctx, "", 1), ErrKeyRequired)
}
