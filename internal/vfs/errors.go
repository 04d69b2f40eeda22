package vfs

import "errors"

// Error kinds surfaced by the core. Backend errors pass through verbatim.
var (
	// ErrAbsolutePathRequired is returned when an input path is not
	// absolute.
	ErrAbsolutePathRequired = errors.New("absolute path required")

	// ErrInvalidPath is returned when a path escapes above the
	// filesystem root via "..".
	ErrInvalidPath = errors.New("invalid path")

	// ErrParentAlreadyWatched is returned from Watch when the requested
	// root, or an ancestor of it, is already actively watched.
	ErrParentAlreadyWatched = errors.New("parent directory is already watched")

	// ErrChildAlreadyWatched is returned from Watch when a descendant
	// of the requested root is already actively watched.
	ErrChildAlreadyWatched = errors.New("child directory is already watched")

	// ErrNotWatched is returned from Unwatch for a path that is not a
	// watched root.
	ErrNotWatched = errors.New("directory is not watched")

	// ErrAlreadyInitialized is returned when Init is called twice.
	ErrAlreadyInitialized = errors.New("filesystem already initialized")

	// ErrNotInitialized is returned when an operation requires a
	// backend but Init has not been called.
	ErrNotInitialized = errors.New("filesystem not initialized")
)

// errTooDeep aborts subtree traversal when nesting exceeds the visit
// depth cap, which usually means the backend exposes a cycle.
var errTooDeep = errors.New("directory tree too deep")
