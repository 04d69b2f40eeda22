// Package memory provides an in-memory backend. It is the reference
// implementation of the backend contract and the workhorse of the
// test suite: external changes can be injected directly.
package memory

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/kumquat/internal/backend"
)

// ErrExists is returned when creating something that is already there.
var ErrExists = errors.New("path already exists")

type node struct {
	isDir bool
	data  []byte
	mtime time.Time
}

// Backend stores a filesystem tree in memory. Watching is recursive:
// one WatchPath covers the whole subtree.
type Backend struct {
	mu      sync.Mutex
	nodes   map[string]*node
	watched map[string]struct{}
	change  backend.ChangeFunc
	offline backend.OfflineFunc

	// Canned dialog selections, consumed front to back. Empty means
	// the user cancelled.
	openSelections [][]string
	saveSelections []string
}

// New returns a memory backend containing only the root directory.
func New() *Backend {
	return &Backend{
		nodes:   map[string]*node{"/": {isDir: true, mtime: time.Now()}},
		watched: make(map[string]struct{}),
	}
}

func (b *Backend) InitWatchers(change backend.ChangeFunc, offline backend.OfflineFunc) {
	b.mu.Lock()
	b.change = change
	b.offline = offline
	b.mu.Unlock()
}

func (b *Backend) get(p string) (*node, error) {
	n := b.nodes[p]
	if n == nil {
		return nil, fmt.Errorf("%s: %w", p, backend.ErrNotFound)
	}
	return n, nil
}

func statOf(n *node) backend.Stat {
	return backend.Stat{
		Size:   int64(len(n.data)),
		MTime:  n.mtime,
		IsFile: !n.isDir,
	}
}

func (b *Backend) Stat(ctx context.Context, p string) (backend.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(p)
	if err != nil {
		return backend.Stat{}, err
	}
	return statOf(n), nil
}

func (b *Backend) ReadDir(ctx context.Context, p string) ([]string, []backend.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(p)
	if err != nil {
		return nil, nil, err
	}
	if !n.isDir {
		return nil, nil, fmt.Errorf("readdir %s: not a directory", p)
	}

	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for cp := range b.nodes {
		if cp == p || !strings.HasPrefix(cp, prefix) {
			continue
		}
		rest := cp[len(prefix):]
		if strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)

	stats := make([]backend.Stat, len(names))
	for i, name := range names {
		stats[i] = statOf(b.nodes[prefix+name])
	}
	return names, stats, nil
}

func (b *Backend) ReadFile(ctx context.Context, p string) ([]byte, backend.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(p)
	if err != nil {
		return nil, backend.Stat{}, err
	}
	if n.isDir {
		return nil, backend.Stat{}, fmt.Errorf("read %s: is a directory", p)
	}
	data := make([]byte, len(n.data))
	copy(data, n.data)
	return data, statOf(n), nil
}

func (b *Backend) WriteFile(ctx context.Context, p string, data []byte) (backend.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.get(path.Dir(p)); err != nil {
		return backend.Stat{}, err
	}
	if existing := b.nodes[p]; existing != nil && existing.isDir {
		return backend.Stat{}, fmt.Errorf("write %s: is a directory", p)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	n := &node{data: stored, mtime: time.Now()}
	b.nodes[p] = n
	return statOf(n), nil
}

func (b *Backend) Mkdir(ctx context.Context, p string) (backend.Stat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nodes[p] != nil {
		return backend.Stat{}, fmt.Errorf("mkdir %s: %w", p, ErrExists)
	}
	if _, err := b.get(path.Dir(p)); err != nil {
		return backend.Stat{}, err
	}
	n := &node{isDir: true, mtime: time.Now()}
	b.nodes[p] = n
	return statOf(n), nil
}

func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(oldPath)
	if err != nil {
		return err
	}
	if b.nodes[newPath] != nil {
		return fmt.Errorf("rename %s: %w", newPath, ErrExists)
	}
	if _, err := b.get(path.Dir(newPath)); err != nil {
		return err
	}

	if n.isDir {
		prefix := oldPath + "/"
		moved := make(map[string]*node)
		for cp, cn := range b.nodes {
			if strings.HasPrefix(cp, prefix) {
				moved[newPath+"/"+cp[len(prefix):]] = cn
				delete(b.nodes, cp)
			}
		}
		for cp, cn := range moved {
			b.nodes[cp] = cn
		}
	}
	delete(b.nodes, oldPath)
	b.nodes[newPath] = n
	n.mtime = time.Now()
	return nil
}

func (b *Backend) Unlink(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.get(p)
	if err != nil {
		return err
	}
	if n.isDir {
		prefix := p + "/"
		for cp := range b.nodes {
			if strings.HasPrefix(cp, prefix) {
				delete(b.nodes, cp)
			}
		}
	}
	delete(b.nodes, p)
	return nil
}

func (b *Backend) WatchPath(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.get(p); err != nil {
		return err
	}
	b.watched[p] = struct{}{}
	return nil
}

func (b *Backend) UnwatchPath(ctx context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watched, p)
	return nil
}

func (b *Backend) UnwatchAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched = make(map[string]struct{})
	return nil
}

func (b *Backend) ShowOpenDialog(ctx context.Context, opts backend.OpenDialogOptions) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.openSelections) == 0 {
		return nil, nil
	}
	sel := b.openSelections[0]
	b.openSelections = b.openSelections[1:]
	return sel, nil
}

func (b *Backend) ShowSaveDialog(ctx context.Context, opts backend.SaveDialogOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.saveSelections) == 0 {
		return "", nil
	}
	sel := b.saveSelections[0]
	b.saveSelections = b.saveSelections[1:]
	return sel, nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{RecursiveWatch: true}
}

func (b *Backend) Close() error { return nil }

// QueueOpenSelection arranges the next ShowOpenDialog call to return
// the given paths.
func (b *Backend) QueueOpenSelection(paths ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openSelections = append(b.openSelections, paths)
}

// QueueSaveSelection arranges the next ShowSaveDialog call to return
// the given path.
func (b *Backend) QueueSaveSelection(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveSelections = append(b.saveSelections, p)
}

// notifyLocked fires the change sink for p when p sits inside a
// watched subtree. Caller holds b.mu; the sink runs without it.
func (b *Backend) notifyLocked(p string, s *backend.Stat) func() {
	change := b.change
	if change == nil {
		return func() {}
	}
	inWatched := false
	for wp := range b.watched {
		if p == wp || strings.HasPrefix(p, wp+"/") || wp == "/" {
			inWatched = true
			break
		}
	}
	if !inWatched {
		return func() {}
	}
	return func() { change(p, s) }
}

// SimulateExternalWrite mutates a file as an outside actor would and
// delivers the watcher notification for it.
func (b *Backend) SimulateExternalWrite(p string, data []byte) error {
	b.mu.Lock()
	stored := make([]byte, len(data))
	copy(stored, data)
	mtime := time.Now()
	if old := b.nodes[p]; old != nil {
		// An outside write lands in a later millisecond than the version
		// it replaces, so it never compares equal to that version's stat.
		prev := old.mtime.Truncate(time.Millisecond)
		if !mtime.Truncate(time.Millisecond).After(prev) {
			mtime = prev.Add(time.Millisecond)
		}
	}
	n := &node{data: stored, mtime: mtime}
	b.nodes[p] = n
	s := statOf(n)
	notify := b.notifyLocked(p, &s)
	b.mu.Unlock()
	notify()
	return nil
}

// SimulateExternalCreate adds a file or directory from outside and
// notifies for the parent directory.
func (b *Backend) SimulateExternalCreate(p string, isDir bool, data []byte) error {
	b.mu.Lock()
	n := &node{isDir: isDir, data: data, mtime: time.Now()}
	b.nodes[p] = n
	parent := path.Dir(p)
	var notify func()
	if pn := b.nodes[parent]; pn != nil {
		pn.mtime = time.Now()
		s := statOf(pn)
		notify = b.notifyLocked(parent, &s)
	} else {
		notify = func() {}
	}
	b.mu.Unlock()
	notify()
	return nil
}

// SimulateExternalRemove deletes a path from outside and notifies for
// the parent directory.
func (b *Backend) SimulateExternalRemove(p string) error {
	b.mu.Lock()
	n := b.nodes[p]
	if n == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", p, backend.ErrNotFound)
	}
	if n.isDir {
		prefix := p + "/"
		for cp := range b.nodes {
			if strings.HasPrefix(cp, prefix) {
				delete(b.nodes, cp)
			}
		}
	}
	delete(b.nodes, p)
	parent := path.Dir(p)
	var notify func()
	if pn := b.nodes[parent]; pn != nil {
		pn.mtime = time.Now()
		s := statOf(pn)
		notify = b.notifyLocked(parent, &s)
	} else {
		notify = func() {}
	}
	b.mu.Unlock()
	notify()
	return nil
}

// SimulateWholesaleChange delivers the empty-path notification that
// tells the core to drop every cache.
func (b *Backend) SimulateWholesaleChange() {
	b.mu.Lock()
	change := b.change
	b.mu.Unlock()
	if change != nil {
		change("", nil)
	}
}

// SimulateOffline fires the offline sink, as a backend losing its
// watcher machinery would.
func (b *Backend) SimulateOffline() {
	b.mu.Lock()
	offline := b.offline
	b.mu.Unlock()
	if offline != nil {
		offline()
	}
}
