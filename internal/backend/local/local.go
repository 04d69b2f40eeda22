// Package local provides a backend over the host filesystem with
// fsnotify-based change watching.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/logging"
	"github.com/fruitsalade/kumquat/internal/metrics"
)

// Config holds local backend settings.
type Config struct {
	// RootPath is the host directory exposed as the filesystem root.
	RootPath string

	// CreateRoot makes the root directory when it does not exist.
	CreateRoot bool
}

// Backend exposes a host directory tree. fsnotify watches one
// directory per WatchPath call, so RecursiveWatch is false and the
// core enumerates subtrees itself.
type Backend struct {
	root string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	change  backend.ChangeFunc
	offline backend.OfflineFunc
	closed  bool
}

// New creates a local backend rooted at cfg.RootPath.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateRoot {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, err
	}
	return &Backend{root: root}, nil
}

func (b *Backend) osPath(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

func (b *Backend) vfsPath(osPath string) string {
	rel, err := filepath.Rel(b.root, osPath)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, path, backend.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

func statOf(info fs.FileInfo) backend.Stat {
	return backend.Stat{
		Size:   info.Size(),
		MTime:  info.ModTime(),
		IsFile: !info.IsDir(),
	}
}

// InitWatchers registers the change sinks and starts the fsnotify
// event loop.
func (b *Backend) InitWatchers(change backend.ChangeFunc, offline backend.OfflineFunc) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logging.L().Error("fsnotify unavailable", zap.Error(err))
		offline()
		return
	}
	b.mu.Lock()
	b.watcher = w
	b.change = change
	b.offline = offline
	b.mu.Unlock()

	go b.eventLoop(w)
}

func (b *Backend) eventLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				b.goOffline()
				return
			}
			b.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				b.goOffline()
				return
			}
			logging.L().Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (b *Backend) goOffline() {
	b.mu.Lock()
	closed := b.closed
	offline := b.offline
	b.mu.Unlock()
	if !closed && offline != nil {
		offline()
	}
}

// handleEvent translates one fsnotify event. Writes report the file
// itself with a fresh stat; structural events report the parent
// directory, since membership is what changed.
func (b *Backend) handleEvent(ev fsnotify.Event) {
	b.mu.Lock()
	change := b.change
	b.mu.Unlock()
	if change == nil {
		return
	}

	if ev.Op&fsnotify.Chmod != 0 && ev.Op&^fsnotify.Chmod == 0 {
		return
	}

	if ev.Op&fsnotify.Write != 0 {
		path := b.vfsPath(ev.Name)
		info, err := os.Stat(ev.Name)
		if err != nil {
			change(path, nil)
			return
		}
		s := statOf(info)
		change(path, &s)
		return
	}

	// Create, Remove, Rename: report the containing directory.
	parent := filepath.Dir(ev.Name)
	if !strings.HasPrefix(parent, b.root) {
		return
	}
	path := b.vfsPath(parent)
	info, err := os.Stat(parent)
	if err != nil {
		change(path, nil)
		return
	}
	s := statOf(info)
	change(path, &s)
}

func (b *Backend) Stat(ctx context.Context, path string) (backend.Stat, error) {
	start := time.Now()
	osp := b.osPath(path)
	info, err := os.Stat(osp)
	metrics.RecordBackendOperation("local", "stat", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, mapError("stat", path, err)
	}
	s := statOf(info)
	if resolved, rerr := filepath.EvalSymlinks(osp); rerr == nil && resolved != osp {
		if strings.HasPrefix(resolved, b.root) {
			s.RealPath = b.vfsPath(resolved)
		}
	}
	return s, nil
}

func (b *Backend) ReadDir(ctx context.Context, path string) ([]string, []backend.Stat, error) {
	start := time.Now()
	entries, err := os.ReadDir(b.osPath(path))
	metrics.RecordBackendOperation("local", "readdir", time.Since(start), err)
	if err != nil {
		return nil, nil, mapError("readdir", path, err)
	}
	names := make([]string, 0, len(entries))
	stats := make([]backend.Stat, 0, len(entries))
	for _, e := range entries {
		info, ierr := e.Info()
		if ierr != nil {
			// Raced with a concurrent delete; skip the entry.
			continue
		}
		names = append(names, e.Name())
		stats = append(stats, statOf(info))
	}
	return names, stats, nil
}

func (b *Backend) ReadFile(ctx context.Context, path string) ([]byte, backend.Stat, error) {
	start := time.Now()
	osp := b.osPath(path)
	data, err := os.ReadFile(osp)
	metrics.RecordBackendOperation("local", "read", time.Since(start), err)
	if err != nil {
		return nil, backend.Stat{}, mapError("read", path, err)
	}
	info, err := os.Stat(osp)
	if err != nil {
		return nil, backend.Stat{}, mapError("stat", path, err)
	}
	return data, statOf(info), nil
}

// WriteFile writes atomically: content lands in a temp file that is
// renamed over the destination.
func (b *Backend) WriteFile(ctx context.Context, path string, data []byte) (backend.Stat, error) {
	start := time.Now()
	osp := b.osPath(path)
	err := atomicWrite(osp, data)
	metrics.RecordBackendOperation("local", "write", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, mapError("write", path, err)
	}
	info, err := os.Stat(osp)
	if err != nil {
		return backend.Stat{}, mapError("stat", path, err)
	}
	return statOf(info), nil
}

func atomicWrite(osp string, data []byte) error {
	dir := filepath.Dir(osp)
	tmp, err := os.CreateTemp(dir, ".kumquat-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, osp); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (b *Backend) Mkdir(ctx context.Context, path string) (backend.Stat, error) {
	start := time.Now()
	osp := b.osPath(path)
	err := os.Mkdir(osp, 0755)
	metrics.RecordBackendOperation("local", "mkdir", time.Since(start), err)
	if err != nil {
		return backend.Stat{}, mapError("mkdir", path, err)
	}
	info, err := os.Stat(osp)
	if err != nil {
		return backend.Stat{}, mapError("stat", path, err)
	}
	return statOf(info), nil
}

func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	err := os.Rename(b.osPath(oldPath), b.osPath(newPath))
	metrics.RecordBackendOperation("local", "rename", time.Since(start), err)
	return mapError("rename", oldPath, err)
}

func (b *Backend) Unlink(ctx context.Context, path string) error {
	start := time.Now()
	osp := b.osPath(path)
	_, err := os.Lstat(osp)
	if err == nil {
		err = os.RemoveAll(osp)
	}
	metrics.RecordBackendOperation("local", "unlink", time.Since(start), err)
	return mapError("unlink", path, err)
}

func (b *Backend) WatchPath(ctx context.Context, path string) error {
	b.mu.Lock()
	w := b.watcher
	b.mu.Unlock()
	if w == nil {
		return fmt.Errorf("watch %s: watcher not initialized", path)
	}
	return w.Add(b.osPath(path))
}

func (b *Backend) UnwatchPath(ctx context.Context, path string) error {
	b.mu.Lock()
	w := b.watcher
	b.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Remove(b.osPath(path))
	if err != nil && errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return nil
	}
	return err
}

func (b *Backend) UnwatchAll(ctx context.Context) error {
	b.mu.Lock()
	w := b.watcher
	b.mu.Unlock()
	if w == nil {
		return nil
	}
	for _, p := range w.WatchList() {
		if err := w.Remove(p); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			return err
		}
	}
	return nil
}

func (b *Backend) ShowOpenDialog(ctx context.Context, opts backend.OpenDialogOptions) ([]string, error) {
	return nil, backend.ErrNotSupported
}

func (b *Backend) ShowSaveDialog(ctx context.Context, opts backend.SaveDialogOptions) (string, error) {
	return "", backend.ErrNotSupported
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		RecursiveWatch:    false,
		NormalizeUNCPaths: runtime.GOOS == "windows",
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	w := b.watcher
	b.watcher = nil
	b.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
