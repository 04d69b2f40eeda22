package vfs

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/kumquat/internal/logging"
)

// Observer identifies a registered callback so it can be removed.
type Observer uint64

// ChangeHandler observes filesystem changes. A nil entry means a
// wholesale change: anything may have changed and all state derived
// from the filesystem should be refreshed. added and removed carry the
// children that appeared in or vanished from a changed directory, when
// known.
type ChangeHandler func(entry Entry, added, removed []Entry)

// RenameHandler observes entry renames by canonical path.
type RenameHandler func(oldPath, newPath string)

// dispatcher fans filesystem events out to registered handlers in
// registration order. Handlers run synchronously on the calling
// goroutine; a panicking handler is logged and skipped so the rest of
// the handlers still run.
type dispatcher struct {
	mu      sync.Mutex
	nextID  Observer
	changes []changeSub
	renames []renameSub
}

type changeSub struct {
	id Observer
	fn ChangeHandler
}

type renameSub struct {
	id Observer
	fn RenameHandler
}

func (d *dispatcher) onChange(fn ChangeHandler) Observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.changes = append(d.changes, changeSub{id: d.nextID, fn: fn})
	return d.nextID
}

func (d *dispatcher) onRename(fn RenameHandler) Observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.renames = append(d.renames, renameSub{id: d.nextID, fn: fn})
	return d.nextID
}

func (d *dispatcher) off(id Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.changes {
		if s.id == id {
			d.changes = append(d.changes[:i], d.changes[i+1:]...)
			return
		}
	}
	for i, s := range d.renames {
		if s.id == id {
			d.renames = append(d.renames[:i], d.renames[i+1:]...)
			return
		}
	}
}

func (d *dispatcher) fireChange(entry Entry, added, removed []Entry) {
	d.mu.Lock()
	subs := make([]changeSub, len(d.changes))
	copy(subs, d.changes)
	d.mu.Unlock()

	for _, s := range subs {
		invokeChange(s.fn, entry, added, removed)
	}
}

func (d *dispatcher) fireRename(oldPath, newPath string) {
	d.mu.Lock()
	subs := make([]renameSub, len(d.renames))
	copy(subs, d.renames)
	d.mu.Unlock()

	for _, s := range subs {
		invokeRename(s.fn, oldPath, newPath)
	}
}

func invokeChange(fn ChangeHandler, entry Entry, added, removed []Entry) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("change handler panicked", zap.Any("panic", r))
		}
	}()
	fn(entry, added, removed)
}

func invokeRename(fn RenameHandler, oldPath, newPath string) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("rename handler panicked", zap.Any("panic", r))
		}
	}()
	fn(oldPath, newPath)
}
