package vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/kumquat/internal/backend"
)

// Entry is a handle representing a filesystem path, either a *File or a
// *Directory. Handles are interned: any two lookups of the same
// canonical path return the same object. Entries may exist for paths
// that are absent from the backend.
type Entry interface {
	// FullPath returns the canonical absolute path. Directory paths
	// always end in "/".
	FullPath() string

	// Name returns the last path segment.
	Name() string

	// ParentPath returns the canonical path of the parent directory,
	// or "" for the filesystem root.
	ParentPath() string

	IsFile() bool
	IsDirectory() bool

	// Stat returns the entry's cached metadata when the entry holds any;
	// otherwise it asks the backend and caches the result.
	Stat(ctx context.Context) (backend.Stat, error)

	// Exists reports whether the path currently exists in the backend.
	Exists(ctx context.Context) (bool, error)

	// Rename moves the entry to newPath. The handle keeps its identity
	// and is re-keyed in place, together with every indexed descendant.
	Rename(ctx context.Context, newPath string) error

	// Unlink removes the entry from the backend and prunes it (and any
	// indexed descendants) from the index.
	Unlink(ctx context.Context) error

	base() *entryBase
}

// entryBase carries the state shared by File and Directory. All fields
// below fs are guarded by fs.mu.
type entryBase struct {
	fs   *FileSystem
	self Entry
	dir  bool

	fullPath   string
	name       string
	parentPath string
	stat       *backend.Stat
}

func (e *entryBase) base() *entryBase { return e }

func (e *entryBase) FullPath() string {
	e.fs.mu.Lock()
	defer e.fs.mu.Unlock()
	return e.fullPath
}

func (e *entryBase) Name() string {
	e.fs.mu.Lock()
	defer e.fs.mu.Unlock()
	return e.name
}

func (e *entryBase) ParentPath() string {
	e.fs.mu.Lock()
	defer e.fs.mu.Unlock()
	return e.parentPath
}

func (e *entryBase) IsFile() bool      { return !e.dir }
func (e *entryBase) IsDirectory() bool { return e.dir }

// setPathLocked re-keys the entry to a new canonical path. Caller holds
// fs.mu and is responsible for updating the index mapping.
func (e *entryBase) setPathLocked(fullPath string) {
	e.fullPath = fullPath
	e.name = baseName(fullPath)
	e.parentPath = parentPath(fullPath)
}

// clearCacheLocked drops the cached stat (and cached contents for
// directories). Caller holds fs.mu.
func (e *entryBase) clearCacheLocked() {
	e.stat = nil
	if d, ok := e.self.(*Directory); ok {
		d.contents = nil
		d.contentsValid = false
	}
}

func (e *entryBase) cachedStatLocked() *backend.Stat { return e.stat }

func (e *entryBase) adoptStatLocked(s backend.Stat) {
	stat := s
	e.stat = &stat
}

func (e *entryBase) Stat(ctx context.Context) (backend.Stat, error) {
	fs := e.fs
	fs.mu.Lock()
	if e.stat != nil {
		s := *e.stat
		fs.mu.Unlock()
		return s, nil
	}
	path := e.fullPath
	fs.mu.Unlock()

	b, err := fs.backendOrErr()
	if err != nil {
		return backend.Stat{}, err
	}
	s, err := b.Stat(ctx, backendPath(path))
	if err != nil {
		return backend.Stat{}, err
	}
	fs.mu.Lock()
	e.adoptStatLocked(s)
	fs.mu.Unlock()
	return s, nil
}

func (e *entryBase) Exists(ctx context.Context) (bool, error) {
	_, err := e.Stat(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *entryBase) Rename(ctx context.Context, newPath string) error {
	fs := e.fs
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}
	np, err := fs.normalize(newPath, e.dir)
	if err != nil {
		return err
	}

	fs.beginChange()
	defer fs.endChange()

	old := e.FullPath()
	if np == old {
		return nil
	}
	if err := b.Rename(ctx, backendPath(old), backendPath(np)); err != nil {
		return fmt.Errorf("rename %s: %w", old, err)
	}

	fs.mu.Lock()
	fs.index.entryRenamed(old, np, e.dir)
	fs.rekeyRootsLocked(old, np)
	fs.invalidateDirContentsLocked(parentPath(old))
	fs.invalidateDirContentsLocked(parentPath(np))
	fs.mu.Unlock()

	fs.fireRename(old, np)
	return nil
}

func (e *entryBase) Unlink(ctx context.Context) error {
	fs := e.fs
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}

	fs.beginChange()
	defer fs.endChange()

	p := e.FullPath()
	if err := b.Unlink(ctx, backendPath(p)); err != nil {
		return fmt.Errorf("unlink %s: %w", p, err)
	}

	fs.mu.Lock()
	fs.pruneLocked(p)
	e.clearCacheLocked()
	parent := fs.index.get(parentPath(p))
	if parent != nil {
		parent.base().clearCacheLocked()
	}
	fs.mu.Unlock()

	if parent != nil {
		fs.fireChange(parent, nil, []Entry{e.self})
	} else {
		fs.fireChange(e.self, nil, nil)
	}
	return nil
}

// backendPath converts a canonical path to the form backends consume:
// no trailing slash, except the filesystem root itself.
func backendPath(fullPath string) string {
	if len(fullPath) > 1 && fullPath[len(fullPath)-1] == '/' {
		return fullPath[:len(fullPath)-1]
	}
	return fullPath
}
