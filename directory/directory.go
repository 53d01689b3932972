// Package directory bridges the synchronous directory API the external
// index library expects to the async storage.SegmentStorage interface. It
// buffers writes locally and uploads on terminate, and gives copy-on-write
// semantics to meta files by suffixing a version number, so readers on the
// prior version and writers on the current one never collide.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/prism/internal/cmn"
	"github.com/NVIDIA/prism/internal/cos"
	"github.com/NVIDIA/prism/storage"
)

// ErrBrokenPipe is returned by writes issued to a handle after Terminate.
var ErrBrokenPipe = cmn.NewStorageError("directory: write after terminate (broken pipe)", nil)

func isMetaFile(name string) bool {
	return name == "meta.json" || name == ".managed.json"
}

// Adapter is cheaply cloneable: clones share the storage backend and a
// snapshot of the presence cache.
type Adapter struct {
	backend   storage.SegmentStorage
	bufferDir string
	base      storage.StoragePath // collection/backend/shard prefix

	mu sync.Mutex // guards atomic_read / atomic_write

	// presence is an in-memory buntdb index of known object names. A plain
	// map would do as well, but this is the one cache in the system where a
	// point-lookup-by-key store's own locking replaces a hand-rolled
	// RWMutex, and Clone's snapshot becomes an index copy instead of a
	// manual map copy.
	presence *buntdb.DB

	writeVersion int
	readVersion  int
}

func New(backend storage.SegmentStorage, bufferDir string, base storage.StoragePath) *Adapter {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		panic(err) // in-memory open cannot fail
	}
	return &Adapter{
		backend:      backend,
		bufferDir:    bufferDir,
		base:         base,
		presence:     db,
		writeVersion: 1,
		readVersion:  0,
	}
}

// Clone returns an adapter sharing the backend and a point-in-time snapshot
// of the presence cache.
func (a *Adapter) Clone() *Adapter {
	snap, err := buntdb.Open(":memory:")
	if err != nil {
		panic(err)
	}
	a.presence.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			snap.Update(func(tx2 *buntdb.Tx) error {
				_, _, err := tx2.Set(key, value, nil)
				return err
			})
			return true
		})
	})
	return &Adapter{
		backend:      a.backend,
		bufferDir:    a.bufferDir,
		base:         a.base,
		presence:     snap,
		writeVersion: a.writeVersion,
		readVersion:  a.readVersion,
	}
}

func (a *Adapter) objPath(name string) storage.StoragePath {
	return a.base.Join(name)
}

func (a *Adapter) markPresent(name string) {
	a.presence.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(name, "1", nil)
		return err
	})
}

func (a *Adapter) clearPresent(name string) {
	a.presence.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(name)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (a *Adapter) cachedPresent(name string) (bool, bool) {
	found := false
	a.presence.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(name)
		found = err == nil
		return nil
	})
	return found, found
}

// Exists consults the presence cache first, then storage.
func (a *Adapter) Exists(ctx context.Context, name string) (bool, error) {
	if v, ok := a.cachedPresent(name); ok {
		return v, nil
	}
	ok, err := a.backend.Exists(ctx, a.objPath(name))
	if err != nil {
		return false, err
	}
	if ok {
		a.markPresent(name)
	}
	return ok, nil
}

// Head returns the object's size without materializing its bytes.
func (a *Adapter) Head(ctx context.Context, name string) (storage.ObjectMeta, error) {
	return a.backend.Head(ctx, a.objPath(name))
}

// ReadHandle blocks on the backend to fetch the whole object and slices the
// requested range in memory — callers accept the simplification that the
// payload is materialized rather than streamed.
type ReadHandle struct {
	data []byte
}

func (a *Adapter) OpenRead(ctx context.Context, name string) (*ReadHandle, error) {
	data, err := a.backend.Read(ctx, a.objPath(name))
	if err != nil {
		return nil, err
	}
	return &ReadHandle{data: data}, nil
}

func (h *ReadHandle) ReadBytes(offset, length int64) ([]byte, error) {
	if offset < 0 || offset > int64(len(h.data)) {
		return nil, cmn.NewStorageError(fmt.Sprintf("directory: offset %d out of range", offset), nil)
	}
	end := offset + length
	if end > int64(len(h.data)) || length < 0 {
		end = int64(len(h.data))
	}
	return h.data[offset:end], nil
}

// WriteHandle buffers writes to a local temp file; nothing is uploaded until
// Terminate.
type WriteHandle struct {
	a          *Adapter
	name       string
	file       *os.File
	tmpPath    string
	terminated bool
}

func (a *Adapter) OpenWrite(name string) (*WriteHandle, error) {
	if err := os.MkdirAll(a.bufferDir, 0o755); err != nil {
		return nil, err
	}
	tmpPath := filepath.Join(a.bufferDir, name+".buf."+cos.GenTie())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	return &WriteHandle{a: a, name: name, file: f, tmpPath: tmpPath}, nil
}

func (w *WriteHandle) Write(p []byte) (int, error) {
	if w.terminated {
		return 0, ErrBrokenPipe
	}
	return w.file.Write(p)
}

// Terminate flushes the buffer, uploads it synchronously, deletes the local
// temp file, and records the name in the presence cache. Writes after
// Terminate fail with ErrBrokenPipe.
func (w *WriteHandle) Terminate(ctx context.Context) error {
	if w.terminated {
		return ErrBrokenPipe
	}
	w.terminated = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "flush segment buffer")
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "close segment buffer")
	}
	data, err := os.ReadFile(w.tmpPath)
	if err != nil {
		return errors.Wrap(err, "read segment buffer")
	}
	name := w.name
	if isMetaFile(name) {
		name = versionedName(name, w.a.writeVersion)
	}
	if err := w.a.backend.Write(ctx, w.a.objPath(name), data); err != nil {
		return errors.Wrapf(err, "upload %s", w.name)
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.a.markPresent(w.name)
	return nil
}

func versionedName(name string, version int) string {
	return fmt.Sprintf("%s.%d", name, version)
}

// AtomicRead reads a meta file under the adapter's mutex: it tries the
// configured write version first, then falls back to the read version,
// else NotFound. Segment files (content-immutable by convention) are read
// directly without versioning.
func (a *Adapter) AtomicRead(ctx context.Context, name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !isMetaFile(name) {
		return a.backend.Read(ctx, a.objPath(name))
	}
	data, err := a.backend.Read(ctx, a.objPath(versionedName(name, a.writeVersion)))
	if err == nil {
		return data, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}
	data, err = a.backend.Read(ctx, a.objPath(versionedName(name, a.readVersion)))
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

// AtomicWrite writes a meta file under the adapter's mutex, always
// targeting the current write version — readers on the prior version never
// see a torn write.
func (a *Adapter) AtomicWrite(ctx context.Context, name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	target := name
	if isMetaFile(name) {
		target = versionedName(name, a.writeVersion)
	}
	if err := a.backend.Write(ctx, a.objPath(target), data); err != nil {
		return err
	}
	a.markPresent(name)
	return nil
}

// BumpVersion advances the CoW write version, leaving the prior version as
// the fallback read version for readers still in flight.
func (a *Adapter) BumpVersion() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readVersion = a.writeVersion
	a.writeVersion++
}

// Delete removes the object stored under the plain name from storage and
// evicts it from the presence cache. For meta files only that unversioned
// name is deleted; the versioned copies (<name>.<version>) written by
// AtomicWrite are left in storage.
func (a *Adapter) Delete(ctx context.Context, name string) error {
	if err := a.backend.Delete(ctx, a.objPath(name)); err != nil {
		return err
	}
	a.clearPresent(name)
	return nil
}

// Lock is a no-op: coordination across adapters is external to this type.
type Lock struct{}

func (a *Adapter) AcquireLock(context.Context) (*Lock, error) { return &Lock{}, nil }
func (*Lock) Release()                                        {}

// SyncDirectory and Watch are no-ops: remote storage is durable on write,
// and there is no local filesystem to watch.
func (a *Adapter) SyncDirectory() error               { return nil }
func (a *Adapter) Watch(func(string)) (cancel func()) { return func() {} }
