package vfs

import (
	"context"
	"fmt"
)

// Directory is the handle for a directory path.
type Directory struct {
	entryBase

	// contents is the cached child listing, valid only while
	// contentsValid is set. Guarded by fs.mu.
	contents      []Entry
	contentsValid bool
}

func newDirectory(fs *FileSystem, fullPath string) *Directory {
	d := &Directory{entryBase: entryBase{
		fs:         fs,
		dir:        true,
		fullPath:   fullPath,
		name:       baseName(fullPath),
		parentPath: parentPath(fullPath),
	}}
	d.self = d
	return d
}

// GetContents lists the directory's children in backend order,
// filtered by the active watch filter. Results are cached on the
// handle; a cached listing is served until something invalidates it.
func (d *Directory) GetContents(ctx context.Context) ([]Entry, error) {
	fs := d.fs

	fs.mu.Lock()
	if d.contentsValid {
		out := make([]Entry, len(d.contents))
		copy(out, d.contents)
		fs.mu.Unlock()
		return out, nil
	}
	path := d.fullPath
	fs.mu.Unlock()

	b, err := fs.backendOrErr()
	if err != nil {
		return nil, err
	}
	names, stats, err := b.ReadDir(ctx, backendPath(path))
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	watched := fs.insideActiveRootLocked(path)
	entries := make([]Entry, 0, len(names))
	for i, name := range names {
		if !fs.shouldIndexLocked(name, path) {
			continue
		}
		var child Entry
		if stats[i].IsDir() {
			child = fs.internDirectoryLocked(path + name + "/")
		} else {
			child = fs.internFileLocked(path + name)
		}
		if watched {
			child.base().adoptStatLocked(stats[i])
		}
		entries = append(entries, child)
	}
	d.contents = entries
	d.contentsValid = true

	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Create makes the directory in the backend. The parent's cached
// listing is invalidated and a change event for the parent is fired;
// when the parent is not indexed, the change event names the new
// directory itself.
func (d *Directory) Create(ctx context.Context) error {
	fs := d.fs
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}

	fs.beginChange()
	defer fs.endChange()

	p := d.FullPath()
	s, err := b.Mkdir(ctx, backendPath(p))
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}

	fs.mu.Lock()
	d.adoptStatLocked(s)
	parent := fs.index.get(parentPath(p))
	if parent != nil {
		parent.base().clearCacheLocked()
	}
	fs.mu.Unlock()

	if parent != nil {
		fs.fireChange(parent, []Entry{d}, nil)
	} else {
		fs.fireChange(d, nil, nil)
	}
	return nil
}

// Visit walks the subtree rooted at the directory, calling fn for the
// directory itself and every reachable entry. Returning false from fn
// for a directory prunes its subtree. Traversal depth is capped to
// guard against backend cycles.
func (d *Directory) Visit(ctx context.Context, fn func(Entry) bool) error {
	const maxDepth = 100
	return d.visit(ctx, fn, maxDepth)
}

func (d *Directory) visit(ctx context.Context, fn func(Entry) bool, depth int) error {
	if depth <= 0 {
		return fmt.Errorf("visit %s: %w", d.FullPath(), errTooDeep)
	}
	if !fn(d) {
		return nil
	}
	children, err := d.GetContents(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		sub, ok := child.(*Directory)
		if !ok {
			fn(child)
			continue
		}
		if err := sub.visit(ctx, fn, depth-1); err != nil {
			return err
		}
	}
	return nil
}
