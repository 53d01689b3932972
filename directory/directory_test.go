package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/prism/storage"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	backend := storage.NewLocalStorage(t.TempDir())
	base := storage.ParsePath("coll/backend/0")
	return New(backend, t.TempDir(), base)
}

func TestWriteHandleTerminateUploadsAndMarksPresent(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	w, err := a.OpenWrite("segment.idx")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Terminate(ctx))

	exists, err := a.Exists(ctx, "segment.idx")
	require.NoError(t, err)
	require.True(t, exists)

	rh, err := a.OpenRead(ctx, "segment.idx")
	require.NoError(t, err)
	data, err := rh.ReadBytes(0, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestWriteHandleBrokenPipeAfterTerminate(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	w, err := a.OpenWrite("segment.idx")
	require.NoError(t, err)
	require.NoError(t, w.Terminate(ctx))

	_, err = w.Write([]byte("too late"))
	require.ErrorIs(t, err, ErrBrokenPipe)

	err = w.Terminate(ctx)
	require.ErrorIs(t, err, ErrBrokenPipe)
}

func TestAtomicWriteReadUsesCurrentWriteVersion(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	require.NoError(t, a.AtomicWrite(ctx, "meta.json", []byte(`{"v":1}`)))
	data, err := a.AtomicRead(ctx, "meta.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(data))
}

// TestBumpVersionKeepsPriorVersionReadable exercises the CoW invariant: after
// BumpVersion, a reader still sees the previous version if the new one has
// not yet been written, and the new version wins once it has.
func TestBumpVersionKeepsPriorVersionReadable(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	require.NoError(t, a.AtomicWrite(ctx, "meta.json", []byte(`{"v":1}`)))
	a.BumpVersion()

	// write version bumped but nothing written at the new version yet:
	// readers fall back to the prior (now read) version.
	data, err := a.AtomicRead(ctx, "meta.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(data))

	require.NoError(t, a.AtomicWrite(ctx, "meta.json", []byte(`{"v":2}`)))
	data, err = a.AtomicRead(ctx, "meta.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(data))
}

func TestAtomicReadMissingMetaIsNotFound(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	_, err := a.AtomicRead(ctx, "meta.json")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloneSharesBackendAndSnapshotsPresence(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	w, err := a.OpenWrite("segment.idx")
	require.NoError(t, err)
	require.NoError(t, w.Terminate(ctx))

	clone := a.Clone()
	exists, err := clone.Exists(ctx, "segment.idx")
	require.NoError(t, err)
	require.True(t, exists, "clone should see pre-existing presence entries")

	// Writes after Clone() on the original must not retroactively appear in
	// the clone's presence snapshot.
	w2, err := a.OpenWrite("segment2.idx")
	require.NoError(t, err)
	require.NoError(t, w2.Terminate(ctx))

	existsOnOriginal, _ := a.Exists(ctx, "segment2.idx")
	require.True(t, existsOnOriginal)

	existsOnClone, _ := clone.cachedPresent("segment2.idx")
	require.False(t, existsOnClone, "clone's presence snapshot predates segment2.idx")
}

func TestDeleteClearsPresence(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	w, err := a.OpenWrite("segment.idx")
	require.NoError(t, err)
	require.NoError(t, w.Terminate(ctx))

	require.NoError(t, a.Delete(ctx, "segment.idx"))
	exists, err := a.Exists(ctx, "segment.idx")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAcquireLockIsNoOpAndReleasable(t *testing.T) {
	a := newAdapter(t)
	lock, err := a.AcquireLock(context.Background())
	require.NoError(t, err)
	lock.Release()
}
