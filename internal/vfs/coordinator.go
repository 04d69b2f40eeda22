package vfs

import (
	"context"

	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
)

// deferredChange is an external notification parked while a mutation
// initiated through this FileSystem is in flight.
type deferredChange struct {
	path string
	stat *backend.Stat
}

// beginChange marks the start of a mutation initiated through this
// FileSystem. External notifications are deferred until the matching
// endChange, so a mutation's own watcher echo coalesces with it.
func (fs *FileSystem) beginChange() {
	fs.mu.Lock()
	fs.activeChangeCount++
	fs.mu.Unlock()
}

// endChange marks the end of a mutation. When the last in-flight
// mutation finishes, deferred notifications replay in arrival order.
func (fs *FileSystem) endChange() {
	fs.mu.Lock()
	fs.activeChangeCount--
	if fs.activeChangeCount < 0 {
		logging.L().Error("unbalanced change bracket", zap.Int("count", fs.activeChangeCount))
		fs.activeChangeCount = 0
	}
	var replay []deferredChange
	if fs.activeChangeCount == 0 && len(fs.deferred) > 0 {
		replay = fs.deferred
		fs.deferred = nil
		fs.deferredByPath = make(map[string]int)
	}
	fs.mu.Unlock()

	for _, c := range replay {
		fs.handleExternalChange(c.path, c.stat)
	}
}

// enqueueExternalChange is the backend's ChangeFunc. Notifications
// arriving during a mutation are deferred, deduplicated by path with
// the latest stat kept.
func (fs *FileSystem) enqueueExternalChange(path string, stat *backend.Stat) {
	metrics.ExternalChanges.Inc()

	fs.mu.Lock()
	if fs.activeChangeCount > 0 {
		if i, ok := fs.deferredByPath[path]; ok {
			fs.deferred[i].stat = stat
		} else {
			fs.deferredByPath[path] = len(fs.deferred)
			fs.deferred = append(fs.deferred, deferredChange{path: path, stat: stat})
		}
		fs.mu.Unlock()
		return
	}
	fs.mu.Unlock()

	fs.handleExternalChange(path, stat)
}

// handleExternalChange applies one watcher notification. An empty path
// is a wholesale change: every cache is dropped and a nil-entry change
// event tells consumers to refresh everything. Notifications for paths
// that were never indexed are ignored.
func (fs *FileSystem) handleExternalChange(path string, stat *backend.Stat) {
	if path == "" {
		fs.mu.Lock()
		fs.index.visitAll(func(e Entry) {
			e.base().clearCacheLocked()
		})
		fs.mu.Unlock()
		fs.fireChange(nil, nil, nil)
		return
	}

	// Watcher paths carry no trailing slash, so the entry may be keyed
	// under either form.
	filePath, err := fs.normalize(path, false)
	if err != nil {
		logging.L().Warn("unnormalizable watcher path", zap.String("path", path), zap.Error(err))
		return
	}
	dirPath, err := fs.normalize(path, true)
	if err != nil {
		return
	}

	fs.mu.Lock()
	e := fs.index.get(filePath)
	if e == nil {
		e = fs.index.get(dirPath)
	}
	fs.mu.Unlock()
	if e == nil {
		return
	}

	switch entry := e.(type) {
	case *File:
		fs.fileChanged(entry, stat)
	case *Directory:
		fs.directoryChanged(entry, stat)
	}
}

// fileChanged applies a watcher notification for a file. Notifications
// whose stat matches the cached modification time are echoes of
// already-observed state and are dropped.
func (fs *FileSystem) fileChanged(f *File, stat *backend.Stat) {
	fs.mu.Lock()
	if stat != nil {
		if cached := f.cachedStatLocked(); cached != nil && cached.SameMTime(*stat) {
			fs.mu.Unlock()
			return
		}
		f.adoptStatLocked(*stat)
	} else {
		f.clearCacheLocked()
	}
	fs.mu.Unlock()

	fs.fireChange(f, nil, nil)
}

// directoryChanged re-reads a changed directory and reports which
// children appeared or vanished. Vanished children are pruned; on
// non-recursive backends, watchers follow the membership change.
func (fs *FileSystem) directoryChanged(d *Directory, stat *backend.Stat) {
	fs.mu.Lock()
	var oldContents []Entry
	if d.contentsValid {
		oldContents = d.contents
	}
	d.contents = nil
	d.contentsValid = false
	if stat != nil {
		d.adoptStatLocked(*stat)
	} else {
		d.stat = nil
	}
	fs.mu.Unlock()

	ctx := context.Background()
	newContents, err := d.GetContents(ctx)
	if err != nil {
		logging.L().Warn("reread after change failed",
			zap.String("path", d.FullPath()), zap.Error(err))
		fs.fireChange(d, nil, nil)
		return
	}

	added, removed := diffContents(oldContents, newContents)

	fs.mu.Lock()
	watched := fs.insideActiveRootLocked(d.base().fullPath)
	recursive := fs.b != nil && fs.b.Capabilities().RecursiveWatch
	for _, e := range removed {
		fs.pruneLocked(e.base().fullPath)
	}
	fs.mu.Unlock()

	if watched && !recursive {
		fs.adjustChildWatchers(ctx, added, removed)
	}

	if oldContents == nil {
		fs.fireChange(d, nil, nil)
		return
	}
	fs.fireChange(d, added, removed)
}

// adjustChildWatchers follows directory membership changes on backends
// that watch each directory individually. Errors are logged, not
// propagated: the membership change already happened.
func (fs *FileSystem) adjustChildWatchers(ctx context.Context, added, removed []Entry) {
	b, err := fs.backendOrErr()
	if err != nil {
		return
	}
	for _, e := range added {
		d, ok := e.(*Directory)
		if !ok {
			continue
		}
		fs.queue.enqueue(func() error {
			return b.WatchPath(ctx, backendPath(d.base().fullPath))
		}, func(err error) {
			if err != nil {
				logging.L().Warn("watch new child failed",
					zap.String("path", d.FullPath()), zap.Error(err))
			}
		})
	}
	for _, e := range removed {
		d, ok := e.(*Directory)
		if !ok {
			continue
		}
		fs.queue.enqueue(func() error {
			return b.UnwatchPath(ctx, backendPath(d.base().fullPath))
		}, func(err error) {
			if err != nil {
				logging.L().Warn("unwatch removed child failed",
					zap.String("path", d.FullPath()), zap.Error(err))
			}
		})
	}
}

// diffContents compares two listings by handle identity. Interning
// guarantees the same path yields the same handle, so pointer equality
// is membership.
func diffContents(oldContents, newContents []Entry) (added, removed []Entry) {
	oldSet := make(map[Entry]struct{}, len(oldContents))
	for _, e := range oldContents {
		oldSet[e] = struct{}{}
	}
	newSet := make(map[Entry]struct{}, len(newContents))
	for _, e := range newContents {
		newSet[e] = struct{}{}
	}
	for _, e := range newContents {
		if _, ok := oldSet[e]; !ok {
			added = append(added, e)
		}
	}
	for _, e := range oldContents {
		if _, ok := newSet[e]; !ok {
			removed = append(removed, e)
		}
	}
	return added, removed
}
