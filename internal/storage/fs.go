package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/spf13/afero"
)

// FSStore implements ObjectStorage on an afero filesystem. Production wires a
// base-path OS filesystem per bucket; tests use afero.NewMemMapFs.
type FSStore struct {
	fs    afero.Fs
	local afero.Fs
}

// NewFSStore serves objects from fsys. local receives materialized copies and
// defaults to the OS filesystem.
func NewFSStore(fsys afero.Fs, local afero.Fs) *FSStore {
	if local == nil {
		local = afero.NewOsFs()
	}
	return &FSStore{fs: fsys, local: local}
}

// NewLocalStore roots a store at dir on the OS filesystem, creating it if needed.
func NewLocalStore(dir string) (*FSStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", dir, err)
	}
	return NewFSStore(afero.NewBasePathFs(osFs, dir), osFs), nil
}

func fsPath(dir string) string {
	return "/" + cleanDir(dir)
}

func (s *FSStore) ListFiles(ctx context.Context, dir string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, fsPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []ObjectInfo{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", fsPath(dir), err)
	}

	results := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		results = append(results, ObjectInfo{
			Key:  objectKey(dir, entry.Name()),
			Name: entry.Name(),
			Size: entry.Size(),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func (s *FSStore) GetContent(ctx context.Context, dir, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := "/" + objectKey(dir, name)
	content, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return content, nil
}

func (s *FSStore) MaterializeToLocal(ctx context.Context, dir, name, localPath string) ([]byte, error) {
	content, err := s.GetContent(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	if err := writeLocal(s.local, localPath, content); err != nil {
		return nil, err
	}
	return content, nil
}

func (s *FSStore) WriteContent(ctx context.Context, dir, name string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(fsPath(dir), 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", fsPath(dir), err)
	}
	p := path.Join(fsPath(dir), name)
	if err := afero.WriteFile(s.fs, p, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func (s *FSStore) Delete(ctx context.Context, dir, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := "/" + objectKey(dir, name)
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", p, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (s *FSStore) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := s.fs.Stat(fsPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", fsPath(dir), err)
	}
	return info.IsDir(), nil
}

var _ ObjectStorage = (*FSStore)(nil)
