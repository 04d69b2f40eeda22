// Package vfs implements the virtual filesystem core: canonical
// paths, interned entry handles, cached metadata, watched subtrees and
// a unified change event stream over pluggable storage backends.
package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
)

// FileSystem is the façade through which all filesystem access flows.
// It hands out interned File and Directory handles, serves cached
// metadata for watched subtrees and turns backend watcher
// notifications into change events.
//
// A FileSystem is safe for concurrent use.
type FileSystem struct {
	mu sync.Mutex

	b     backend.Backend
	index *fileIndex
	roots map[string]*watchedRoot

	// activeChangeCount tracks in-flight mutations initiated through
	// this FileSystem. External change notifications arriving while it
	// is positive are deferred until the last mutation finishes.
	activeChangeCount int
	deferred          []deferredChange
	deferredByPath    map[string]int

	queue      watchQueue
	dispatcher dispatcher
}

// New returns an uninitialized FileSystem. Init must be called with a
// backend before any path operation.
func New() *FileSystem {
	return &FileSystem{
		index:          newFileIndex(),
		roots:          make(map[string]*watchedRoot),
		deferredByPath: make(map[string]int),
	}
}

var defaultFS = New()

// Default returns the shared package-level FileSystem for callers that
// only ever need one instance. It still requires Init.
func Default() *FileSystem { return defaultFS }

// Init attaches the backend and registers the watcher sinks. It may be
// called at most once.
func (fs *FileSystem) Init(b backend.Backend) error {
	fs.mu.Lock()
	if fs.b != nil {
		fs.mu.Unlock()
		return ErrAlreadyInitialized
	}
	fs.b = b
	fs.mu.Unlock()

	b.InitWatchers(fs.enqueueExternalChange, fs.watchersOffline)
	logging.L().Info("filesystem initialized")
	return nil
}

// Close tears down all watchers and releases the backend. The
// FileSystem must not be used afterwards.
func (fs *FileSystem) Close(ctx context.Context) error {
	fs.mu.Lock()
	b := fs.b
	fs.roots = make(map[string]*watchedRoot)
	fs.index.clear()
	fs.mu.Unlock()

	if b == nil {
		return nil
	}
	err := b.UnwatchAll(ctx)
	if cerr := b.Close(); err == nil {
		err = cerr
	}
	return err
}

func (fs *FileSystem) backendOrErr() (backend.Backend, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.b == nil {
		return nil, ErrNotInitialized
	}
	return fs.b, nil
}

// normalize canonicalizes path, honoring the backend's UNC handling.
func (fs *FileSystem) normalize(path string, isDirectory bool) (string, error) {
	preserveUNC := false
	fs.mu.Lock()
	if fs.b != nil {
		preserveUNC = fs.b.Capabilities().NormalizeUNCPaths
	}
	fs.mu.Unlock()
	return normalizePath(path, isDirectory, preserveUNC)
}

// GetFileForPath returns the unique File handle for path. The file
// need not exist in the backend.
func (fs *FileSystem) GetFileForPath(path string) (*File, error) {
	full, err := fs.normalize(path, false)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.internFileLocked(full), nil
}

// GetDirectoryForPath returns the unique Directory handle for path.
// The directory need not exist in the backend.
func (fs *FileSystem) GetDirectoryForPath(path string) (*Directory, error) {
	full, err := fs.normalize(path, true)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.internDirectoryLocked(full), nil
}

// internFileLocked returns the indexed File for a canonical file path,
// creating and indexing it when absent. File and directory paths never
// collide: directory keys carry a trailing slash.
func (fs *FileSystem) internFileLocked(fullPath string) *File {
	if e := fs.index.get(fullPath); e != nil {
		return e.(*File)
	}
	f := newFile(fs, fullPath)
	fs.index.add(f)
	return f
}

func (fs *FileSystem) internDirectoryLocked(fullPath string) *Directory {
	if e := fs.index.get(fullPath); e != nil {
		return e.(*Directory)
	}
	d := newDirectory(fs, fullPath)
	fs.index.add(d)
	return d
}

// Resolve looks up path and returns a handle of the kind the backend
// reports, together with its stat. Indexed entries resolve without a
// backend round trip when their stat is cached.
func (fs *FileSystem) Resolve(ctx context.Context, path string) (Entry, backend.Stat, error) {
	filePath, err := fs.normalize(path, false)
	if err != nil {
		return nil, backend.Stat{}, err
	}
	dirPath, err := fs.normalize(path, true)
	if err != nil {
		return nil, backend.Stat{}, err
	}

	fs.mu.Lock()
	e := fs.index.get(filePath)
	if e == nil {
		e = fs.index.get(dirPath)
	}
	fs.mu.Unlock()

	if e != nil {
		s, err := e.Stat(ctx)
		if err != nil {
			return nil, backend.Stat{}, err
		}
		return e, s, nil
	}

	b, err := fs.backendOrErr()
	if err != nil {
		return nil, backend.Stat{}, err
	}
	s, err := b.Stat(ctx, backendPath(filePath))
	if err != nil {
		return nil, backend.Stat{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if s.IsFile {
		e = fs.internFileLocked(filePath)
	} else {
		e = fs.internDirectoryLocked(dirPath)
	}
	if fs.insideActiveRootLocked(e.base().fullPath) {
		e.base().adoptStatLocked(s)
	}
	return e, s, nil
}

// ShowOpenDialog asks the backend to present a native open dialog.
// Cancellation returns an empty selection and a nil error.
func (fs *FileSystem) ShowOpenDialog(ctx context.Context, opts backend.OpenDialogOptions) ([]string, error) {
	b, err := fs.backendOrErr()
	if err != nil {
		return nil, err
	}
	return b.ShowOpenDialog(ctx, opts)
}

// ShowSaveDialog asks the backend to present a native save dialog.
// Cancellation returns an empty path and a nil error.
func (fs *FileSystem) ShowSaveDialog(ctx context.Context, opts backend.SaveDialogOptions) (string, error) {
	b, err := fs.backendOrErr()
	if err != nil {
		return "", err
	}
	return b.ShowSaveDialog(ctx, opts)
}

// OnChange registers a change handler and returns its observer token.
func (fs *FileSystem) OnChange(fn ChangeHandler) Observer {
	return fs.dispatcher.onChange(fn)
}

// OnRename registers a rename handler and returns its observer token.
func (fs *FileSystem) OnRename(fn RenameHandler) Observer {
	return fs.dispatcher.onRename(fn)
}

// Off removes a previously registered handler.
func (fs *FileSystem) Off(id Observer) {
	fs.dispatcher.off(id)
}

func (fs *FileSystem) fireChange(entry Entry, added, removed []Entry) {
	metrics.ChangeEventsFired.Inc()
	fs.dispatcher.fireChange(entry, added, removed)
}

func (fs *FileSystem) fireRename(oldPath, newPath string) {
	metrics.RenameEventsFired.Inc()
	fs.dispatcher.fireRename(oldPath, newPath)
}

// watchersOffline handles the backend reporting that its watchers are
// gone. Every watched root is dropped, caches are cleared and a
// wholesale change is fired so consumers re-read what they need.
func (fs *FileSystem) watchersOffline() {
	logging.L().Warn("backend watchers offline, dropping watched roots")
	fs.mu.Lock()
	fs.roots = make(map[string]*watchedRoot)
	fs.index.visitAll(func(e Entry) {
		e.base().clearCacheLocked()
	})
	fs.mu.Unlock()

	fs.fireChange(nil, nil, nil)
}

// pruneLocked removes the entry at fullPath from the index, along with
// every indexed descendant when fullPath names a directory. Pruned
// handles keep their identity but lose their cached state.
func (fs *FileSystem) pruneLocked(fullPath string) {
	isDir := len(fullPath) > 0 && fullPath[len(fullPath)-1] == '/'
	var doomed []Entry
	fs.index.visitAll(func(e Entry) {
		p := e.base().fullPath
		if p == fullPath || (isDir && strings.HasPrefix(p, fullPath)) {
			doomed = append(doomed, e)
		}
	})
	for _, e := range doomed {
		e.base().clearCacheLocked()
		fs.index.remove(e.base().fullPath)
	}
}

// invalidateDirContentsLocked drops the cached listing of the indexed
// directory at fullPath, if any.
func (fs *FileSystem) invalidateDirContentsLocked(fullPath string) {
	if d, ok := fs.index.get(fullPath).(*Directory); ok {
		d.contents = nil
		d.contentsValid = false
	}
}
