// Package cos provides small utilities shared across prism's components:
// atomic file writes, id generation, and JSON helpers.
package cos

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GenTie returns a short random suffix, used for temp-file names so that
// concurrent writers to the same path never collide.
func GenTie() string {
	id := uuid.New()
	return id.String()[:8]
}

// MustMarshal marshals v and panics on error; only ever used on values whose
// shape is known in advance (internal metadata, not user input).
func MustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// CreateFile creates (or truncates) path, making parent directories as
// needed.
func CreateFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// FlushClose syncs f to stable storage and closes it.
func FlushClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close closes f, swallowing the error (best-effort cleanup path).
func Close(f *os.File) {
	_ = f.Close()
}

// RemoveFile removes path, treating "already gone" as success.
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
