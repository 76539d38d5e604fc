package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrNotFound is returned when a named object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo represents metadata for a remote file/object.
type ObjectInfo struct {
	Key  string // full key including directory
	Name string // base name within the listed directory
	Size int64
}

// ObjectStorage captures the directory-scoped operations the pipeline needs.
// Directories are slash separated and relative to the store root.
type ObjectStorage interface {
	ListFiles(ctx context.Context, dir string) ([]ObjectInfo, error)
	GetContent(ctx context.Context, dir, name string) ([]byte, error)
	// MaterializeToLocal reads the object and also writes it to localPath.
	MaterializeToLocal(ctx context.Context, dir, name, localPath string) ([]byte, error)
	// WriteContent creates dir if it does not exist yet.
	WriteContent(ctx context.Context, dir, name string, content []byte) error
	Delete(ctx context.Context, dir, name string) error
	DirectoryExists(ctx context.Context, dir string) (bool, error)
}

func objectKey(dir, name string) string {
	return strings.TrimPrefix(path.Join(cleanDir(dir), name), "/")
}

func cleanDir(dir string) string {
	dir = strings.Trim(path.Clean("/"+dir), "/")
	return dir
}
