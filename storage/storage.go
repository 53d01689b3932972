package storage

import (
	"context"
	"time"

	"github.com/NVIDIA/prism/internal/cmn"
)

// ErrNotFound is returned by Read/Head/Rename/Copy when the source object
// does not exist. Delete treats this case as success (idempotent).
var ErrNotFound = cmn.NewNotFoundError("storage: object")

type ObjectMeta struct {
	Path         string
	Size         int64
	LastModified time.Time
}

type ListOptions struct {
	Limit int // 0 means unlimited
}

// SegmentStorage is the byte-addressed object store contract. LocalStorage
// and the cached two-tier wrapper implement it; consumers never know which
// concrete tier sits behind the interface.
type SegmentStorage interface {
	Read(ctx context.Context, path StoragePath) ([]byte, error)
	Write(ctx context.Context, path StoragePath, data []byte) error
	Delete(ctx context.Context, path StoragePath) error
	Exists(ctx context.Context, path StoragePath) (bool, error)
	List(ctx context.Context, prefix StoragePath) ([]ObjectMeta, error)
	ListWithOptions(ctx context.Context, prefix StoragePath, opts ListOptions) ([]ObjectMeta, error)
	Rename(ctx context.Context, src, dst StoragePath) error
	Copy(ctx context.Context, src, dst StoragePath) error
	Head(ctx context.Context, path StoragePath) (ObjectMeta, error)

	// Synchronous mirrors, for the directory adapter's bridge to the
	// synchronous index library.
	ReadSync(path StoragePath) ([]byte, error)
	WriteSync(path StoragePath, data []byte) error
	DeleteSync(path StoragePath) error
}
