package vfs

import (
	"context"
	"fmt"
)

// File is the handle for a regular file path.
type File struct {
	entryBase
}

func newFile(fs *FileSystem, fullPath string) *File {
	f := &File{entryBase{
		fs:         fs,
		dir:        false,
		fullPath:   fullPath,
		name:       baseName(fullPath),
		parentPath: parentPath(fullPath),
	}}
	f.self = f
	return f
}

// Read returns the file's contents. The stat observed during the read
// is cached on the handle.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	fs := f.fs
	b, err := fs.backendOrErr()
	if err != nil {
		return nil, err
	}
	data, s, err := b.ReadFile(ctx, backendPath(f.FullPath()))
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	f.adoptStatLocked(s)
	fs.mu.Unlock()
	return data, nil
}

// Write replaces the file's contents, creating the file if absent. The
// parent directory's cached listing is invalidated so a subsequent
// GetContents observes the new child.
func (f *File) Write(ctx context.Context, data []byte) error {
	fs := f.fs
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}

	fs.beginChange()
	defer fs.endChange()

	p := f.FullPath()
	existed, err := f.Exists(ctx)
	if err != nil {
		return err
	}
	s, err := b.WriteFile(ctx, backendPath(p), data)
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}

	fs.mu.Lock()
	f.adoptStatLocked(s)
	parent := fs.index.get(parentPath(p))
	if parent != nil {
		parent.base().clearCacheLocked()
	}
	fs.mu.Unlock()

	if !existed && parent != nil {
		fs.fireChange(parent, []Entry{f}, nil)
	} else {
		fs.fireChange(f, nil, nil)
	}
	return nil
}
