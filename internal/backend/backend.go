// Package backend defines the low-level storage contract consumed by the
// virtual filesystem core. Backends are constructed by package factory.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by backends for operations they cannot
// perform (for example, native dialogs on a headless backend).
var ErrNotSupported = errors.New("operation not supported by backend")

// ErrNotFound is returned when a path does not exist in the backend.
var ErrNotFound = errors.New("no such file or directory")

// Stat is an immutable snapshot of a path's metadata.
type Stat struct {
	Size     int64
	MTime    time.Time
	IsFile   bool
	RealPath string
}

// IsDir reports whether the stat describes a directory.
func (s Stat) IsDir() bool { return !s.IsFile }

// SameMTime reports whether two stats carry the same modification time
// at millisecond precision. Watcher backends differ in sub-millisecond
// fidelity, so freshness comparisons truncate.
func (s Stat) SameMTime(other Stat) bool {
	return s.MTime.Truncate(time.Millisecond).Equal(other.MTime.Truncate(time.Millisecond))
}

// ChangeFunc receives external change notifications from a backend
// watcher. An empty path signals a wholesale change: arbitrary parts of
// the filesystem may have changed and all caches must be invalidated.
// A nil stat means the backend has no fresh metadata for the path.
type ChangeFunc func(path string, stat *Stat)

// OfflineFunc signals that the backend's watchers are gone and no
// further change notifications will arrive.
type OfflineFunc func()

// Capabilities describes optional backend behaviors the core must
// adapt to.
type Capabilities struct {
	// RecursiveWatch is true when a single WatchPath call covers the
	// whole subtree. When false the core enumerates and watches every
	// directory individually.
	RecursiveWatch bool

	// NormalizeUNCPaths is true when //server/share paths must keep
	// their leading double slash through normalization.
	NormalizeUNCPaths bool
}

// OpenDialogOptions configures ShowOpenDialog.
type OpenDialogOptions struct {
	AllowMultiple     bool
	ChooseDirectories bool
	Title             string
	InitialPath       string
	FileTypes         []string
}

// SaveDialogOptions configures ShowSaveDialog.
type SaveDialogOptions struct {
	Title        string
	InitialPath  string
	ProposedName string
}

// Backend is the low-level storage interface. Paths are absolute,
// slash-separated, with no trailing slash except the filesystem root.
//
// A user cancelling a dialog is a successful completion with an empty
// selection, not an error.
type Backend interface {
	// InitWatchers registers the global change and offline sinks.
	// Called exactly once, before any WatchPath call.
	InitWatchers(change ChangeFunc, offline OfflineFunc)

	Stat(ctx context.Context, path string) (Stat, error)

	// ReadDir lists a directory. Names and stats are parallel slices in
	// backend order.
	ReadDir(ctx context.Context, path string) ([]string, []Stat, error)

	ReadFile(ctx context.Context, path string) ([]byte, Stat, error)
	WriteFile(ctx context.Context, path string, data []byte) (Stat, error)
	Mkdir(ctx context.Context, path string) (Stat, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	Unlink(ctx context.Context, path string) error

	WatchPath(ctx context.Context, path string) error
	UnwatchPath(ctx context.Context, path string) error
	UnwatchAll(ctx context.Context) error

	ShowOpenDialog(ctx context.Context, opts OpenDialogOptions) ([]string, error)
	ShowSaveDialog(ctx context.Context, opts SaveDialogOptions) (string, error)

	Capabilities() Capabilities

	// Close releases any resources held by the backend.
	Close() error
}
