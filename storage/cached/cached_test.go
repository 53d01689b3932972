package cached

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/prism/storage"
)

func newPair(t *testing.T) (l1, l2 *storage.LocalStorage) {
	t.Helper()
	return storage.NewLocalStorage(t.TempDir()), storage.NewLocalStorage(t.TempDir())
}

// TestCacheScenario: max_size=1024, write a/x (400B) and read it (hit),
// then write a/y and a/z (400B each) — total 1200 > 1024 triggers eviction
// of the LRU entry (a/x), then reading a/x misses and repopulates,
// evicting the new LRU (a/y).
func TestCacheScenario(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newPair(t)
	c := New(Config{MaxSizeBytes: 1024, WriteThrough: true, PopulateOnRead: true}, l1, l2)

	x := storage.ParsePath("a/b/0/x")
	y := storage.ParsePath("a/b/0/y")
	z := storage.ParsePath("a/b/0/z")

	payload := make([]byte, 400)

	require.NoError(t, c.Write(ctx, x, payload))
	_, err := c.Read(ctx, x)
	require.NoError(t, err)
	require.EqualValues(t, 1, c.Stats().Hits)

	require.NoError(t, c.Write(ctx, y, payload))
	require.NoError(t, c.Write(ctx, z, payload))

	// a/x should have been evicted from L1 (LRU at time total exceeded max).
	existsL1, _ := l1.Exists(ctx, x)
	require.False(t, existsL1, "a/x should have been evicted from L1")

	// Still present in L2 (write-through).
	existsL2, _ := l2.Exists(ctx, x)
	require.True(t, existsL2)

	_, err = c.Read(ctx, x)
	require.NoError(t, err) // populate-on-read repopulates from L2

	st := c.Stats()
	require.LessOrEqual(t, st.TotalSize, int64(1024))
	require.Equal(t, 2, st.Entries)
}

func TestCacheWriteThroughFailureDoesNotWriteL1(t *testing.T) {
	ctx := context.Background()
	l1, _ := newPair(t)
	failing := &failingStorage{err: storage.ErrNotFound}
	c := New(Config{MaxSizeBytes: 1024, WriteThrough: true}, l1, failing)

	p := storage.ParsePath("a/b/0/x")
	err := c.Write(ctx, p, []byte("data"))
	require.Error(t, err)

	exists, _ := l1.Exists(ctx, p)
	require.False(t, exists, "L1 must not be written when L2 write-through fails")
}

func TestCacheReadMissPropagatesNonNotFoundError(t *testing.T) {
	ctx := context.Background()
	l1 := &failingStorage{err: errBoom}
	l2, _ := newPair(t)
	c := New(Config{}, l1, l2)

	_, err := c.Read(ctx, storage.ParsePath("a/b/0/x"))
	require.ErrorIs(t, err, errBoom, "non-NotFound L1 errors must propagate without falling back to L2")
}

func TestCacheDeleteRequiresBothTiers(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newPair(t)
	c := New(Config{WriteThrough: true}, l1, l2)
	p := storage.ParsePath("a/b/0/x")
	require.NoError(t, c.Write(ctx, p, []byte("v")))
	require.NoError(t, c.Delete(ctx, p))

	_, err := c.Read(ctx, p)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCacheHitRate(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1}
	require.InDelta(t, 0.75, s.HitRate(), 0.0001)
	require.Equal(t, float64(0), Stats{}.HitRate())
}

var errBoom = errors.New("boom")

// failingStorage implements storage.SegmentStorage and fails every call with
// a fixed error, used to test CachedStorage's error-propagation rules.
type failingStorage struct {
	err error
}

func (f *failingStorage) Read(context.Context, storage.StoragePath) ([]byte, error) { return nil, f.err }
func (f *failingStorage) Write(context.Context, storage.StoragePath, []byte) error   { return f.err }
func (f *failingStorage) Delete(context.Context, storage.StoragePath) error          { return f.err }
func (f *failingStorage) Exists(context.Context, storage.StoragePath) (bool, error) {
	return false, f.err
}
func (f *failingStorage) List(context.Context, storage.StoragePath) ([]storage.ObjectMeta, error) {
	return nil, f.err
}
func (f *failingStorage) ListWithOptions(context.Context, storage.StoragePath, storage.ListOptions) ([]storage.ObjectMeta, error) {
	return nil, f.err
}
func (f *failingStorage) Rename(context.Context, storage.StoragePath, storage.StoragePath) error {
	return f.err
}
func (f *failingStorage) Copy(context.Context, storage.StoragePath, storage.StoragePath) error {
	return f.err
}
func (f *failingStorage) Head(context.Context, storage.StoragePath) (storage.ObjectMeta, error) {
	return storage.ObjectMeta{}, f.err
}
func (f *failingStorage) ReadSync(storage.StoragePath) ([]byte, error) { return nil, f.err }
func (f *failingStorage) WriteSync(storage.StoragePath, []byte) error  { return f.err }
func (f *failingStorage) DeleteSync(storage.StoragePath) error         { return f.err }
