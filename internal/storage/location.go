package storage

import (
	"context"
	"path"
)

// Location binds a store to one directory inside it. Input, output and error
// locations may point at different stores.
type Location struct {
	Store ObjectStorage
	Dir   string
}

func NewLocation(store ObjectStorage, dir string) Location {
	return Location{Store: store, Dir: cleanDir(dir)}
}

// Sub returns the child directory name of l on the same store.
func (l Location) Sub(name string) Location {
	return Location{Store: l.Store, Dir: cleanDir(path.Join(l.Dir, name))}
}

func (l Location) Key(name string) string {
	return objectKey(l.Dir, name)
}

func (l Location) List(ctx context.Context) ([]ObjectInfo, error) {
	return l.Store.ListFiles(ctx, l.Dir)
}

func (l Location) Read(ctx context.Context, name string) ([]byte, error) {
	return l.Store.GetContent(ctx, l.Dir, name)
}

func (l Location) Materialize(ctx context.Context, name, localPath string) ([]byte, error) {
	return l.Store.MaterializeToLocal(ctx, l.Dir, name, localPath)
}

func (l Location) Write(ctx context.Context, name string, content []byte) error {
	return l.Store.WriteContent(ctx, l.Dir, name, content)
}

func (l Location) Delete(ctx context.Context, name string) error {
	return l.Store.Delete(ctx, l.Dir, name)
}

func (l Location) Exists(ctx context.Context) (bool, error) {
	return l.Store.DirectoryExists(ctx, l.Dir)
}

func (l Location) String() string {
	if l.Dir == "" {
		return "/"
	}
	return l.Dir
}
