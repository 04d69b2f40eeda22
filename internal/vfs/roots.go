package vfs

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
)

// WatchFilter decides whether a child named name under parentPath is
// visible inside a watched subtree. Filtered-out children are left out
// of directory listings, so enumeration never indexes, watches or
// reports them.
type WatchFilter func(name, parentPath string) bool

// watchedRoot tracks one watched subtree. active flips to true once
// the backend watcher registration succeeds; filters apply from the
// moment the root is registered so watch-time enumeration already
// honors them.
type watchedRoot struct {
	entry  *Directory
	filter WatchFilter
	active bool
}

// Watch starts watching the subtree rooted at dir. Watched subtrees
// may not overlap: watching inside an existing root, or above one,
// fails without side effects. Watcher registrations for all roots are
// serialized in request order.
func (fs *FileSystem) Watch(ctx context.Context, dir *Directory, filter WatchFilter) error {
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}
	path := dir.FullPath()

	fs.mu.Lock()
	for rp, r := range fs.roots {
		// Only active roots block. A root mid-registration or
		// mid-teardown does not own the subtree yet.
		if !r.active {
			continue
		}
		if strings.HasPrefix(path, rp) {
			fs.mu.Unlock()
			return ErrParentAlreadyWatched
		}
		if strings.HasPrefix(rp, path) {
			fs.mu.Unlock()
			return ErrChildAlreadyWatched
		}
	}
	root := &watchedRoot{entry: dir, filter: filter}
	fs.roots[path] = root
	fs.mu.Unlock()

	recursive := b.Capabilities().RecursiveWatch
	errc := make(chan error, 1)
	fs.queue.enqueue(func() error {
		if recursive {
			return b.WatchPath(ctx, backendPath(path))
		}
		return fs.watchTree(ctx, dir, filter)
	}, func(err error) { errc <- err })
	err = <-errc

	fs.mu.Lock()
	if err != nil {
		delete(fs.roots, path)
	} else {
		root.active = true
	}
	fs.mu.Unlock()

	if err != nil {
		logging.L().Error("watch failed", zap.String("path", path), zap.Error(err))
		return err
	}
	metrics.WatchedRoots.Inc()
	logging.L().Info("watching", zap.String("path", path), zap.Bool("recursive", recursive))
	return nil
}

// watchTree registers a watcher on every directory of the subtree for
// backends without recursive watching. The filter prunes enumeration.
func (fs *FileSystem) watchTree(ctx context.Context, dir *Directory, filter WatchFilter) error {
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}
	var dirs []*Directory
	err = dir.Visit(ctx, func(e Entry) bool {
		if e != Entry(dir) && filter != nil && !filter(e.Name(), e.ParentPath()) {
			return false
		}
		if d, ok := e.(*Directory); ok {
			dirs = append(dirs, d)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if werr := b.WatchPath(ctx, backendPath(d.FullPath())); werr != nil {
			return werr
		}
	}
	return nil
}

// Unwatch stops watching the subtree rooted at dir. The root and every
// indexed descendant are pruned from the index regardless of whether
// the backend teardown succeeds.
func (fs *FileSystem) Unwatch(ctx context.Context, dir *Directory) error {
	b, err := fs.backendOrErr()
	if err != nil {
		return err
	}
	path := dir.FullPath()

	fs.mu.Lock()
	root := fs.roots[path]
	if root == nil {
		fs.mu.Unlock()
		return ErrNotWatched
	}
	root.active = false

	var dirs []string
	if !b.Capabilities().RecursiveWatch {
		fs.index.visitAll(func(e Entry) {
			p := e.base().fullPath
			if e.IsDirectory() && p != path && strings.HasPrefix(p, path) {
				dirs = append(dirs, p)
			}
		})
	}
	fs.mu.Unlock()

	recursive := b.Capabilities().RecursiveWatch
	errc := make(chan error, 1)
	fs.queue.enqueue(func() error {
		if recursive {
			return b.UnwatchPath(ctx, backendPath(path))
		}
		var first error
		for _, p := range append(dirs, path) {
			if uerr := b.UnwatchPath(ctx, backendPath(p)); uerr != nil && first == nil {
				first = uerr
			}
		}
		return first
	}, func(err error) { errc <- err })
	err = <-errc

	fs.mu.Lock()
	delete(fs.roots, path)
	fs.pruneLocked(path)
	fs.mu.Unlock()

	metrics.WatchedRoots.Dec()
	if err != nil {
		logging.L().Warn("unwatch finished with error", zap.String("path", path), zap.Error(err))
		return err
	}
	logging.L().Info("unwatched", zap.String("path", path))
	return nil
}

// insideActiveRootLocked reports whether fullPath lies inside (or is)
// an actively watched root. Listings and Resolve adopt backend stats
// into the cache only there, since only watched subtrees receive invalidating
// notifications.
func (fs *FileSystem) insideActiveRootLocked(fullPath string) bool {
	for rp, r := range fs.roots {
		if r.active && strings.HasPrefix(fullPath, rp) {
			return true
		}
	}
	return false
}

// shouldIndexLocked applies the owning root's filter to a child
// discovered under parentPath. Paths outside every watched root are
// always indexable.
func (fs *FileSystem) shouldIndexLocked(name, parentPath string) bool {
	for rp, r := range fs.roots {
		if strings.HasPrefix(parentPath, rp) {
			if r.filter != nil {
				return r.filter(name, parentPath)
			}
			return true
		}
	}
	return true
}

// rekeyRootsLocked moves watched-root registrations affected by a
// rename to their new keys. Root handles themselves are re-keyed by
// the index.
func (fs *FileSystem) rekeyRootsLocked(oldPath, newPath string) {
	moved := make(map[string]*watchedRoot)
	for rp, r := range fs.roots {
		if rp == oldPath || strings.HasPrefix(rp, oldPath) {
			moved[newPath+rp[len(oldPath):]] = r
			delete(fs.roots, rp)
		}
	}
	for rp, r := range moved {
		fs.roots[rp] = r
	}
}
