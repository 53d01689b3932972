package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/NVIDIA/prism/internal/cos"
)

// LocalStorage is the filesystem implementation of SegmentStorage.
// Directory listing uses the standard library's filepath.WalkDir: no
// third-party walker is exercised anywhere else in this core, so there is
// no case for pulling one in just for this one call site.
type LocalStorage struct {
	Root string
}

func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{Root: root}
}

func (s *LocalStorage) abs(p StoragePath) string {
	return filepath.Join(s.Root, filepath.FromSlash(p.String()))
}

func (s *LocalStorage) Read(ctx context.Context, path StoragePath) ([]byte, error) {
	return s.ReadSync(path)
}

func (s *LocalStorage) ReadSync(path StoragePath) ([]byte, error) {
	b, err := os.ReadFile(s.abs(path))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *LocalStorage) Write(ctx context.Context, path StoragePath, data []byte) error {
	return s.WriteSync(path, data)
}

func (s *LocalStorage) WriteSync(path StoragePath, data []byte) error {
	abs := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	tmp := abs + ".tmp." + cos.GenTie()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, abs)
}

func (s *LocalStorage) Delete(ctx context.Context, path StoragePath) error {
	return s.DeleteSync(path)
}

func (s *LocalStorage) DeleteSync(path StoragePath) error {
	err := os.Remove(s.abs(path))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *LocalStorage) Exists(ctx context.Context, path StoragePath) (bool, error) {
	_, err := os.Stat(s.abs(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStorage) Head(ctx context.Context, path StoragePath) (ObjectMeta, error) {
	fi, err := os.Stat(s.abs(path))
	if os.IsNotExist(err) {
		return ObjectMeta{}, ErrNotFound
	}
	if err != nil {
		return ObjectMeta{}, err
	}
	return ObjectMeta{Path: path.String(), Size: fi.Size(), LastModified: fi.ModTime()}, nil
}

func (s *LocalStorage) List(ctx context.Context, prefix StoragePath) ([]ObjectMeta, error) {
	return s.ListWithOptions(ctx, prefix, ListOptions{})
}

func (s *LocalStorage) ListWithOptions(ctx context.Context, prefix StoragePath, opts ListOptions) ([]ObjectMeta, error) {
	root := s.abs(prefix)
	var out []ObjectMeta
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.Root, p)
		if relErr != nil {
			return relErr
		}
		fi, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		out = append(out, ObjectMeta{
			Path:         filepath.ToSlash(rel),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *LocalStorage) Rename(ctx context.Context, src, dst StoragePath) error {
	exists, err := s.Exists(ctx, src)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	dstAbs := s.abs(dst)
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return err
	}
	return os.Rename(s.abs(src), dstAbs)
}

func (s *LocalStorage) Copy(ctx context.Context, src, dst StoragePath) error {
	data, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	return s.Write(ctx, dst, data)
}
