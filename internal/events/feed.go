// Package events delivers filesystem change notifications to event
// stream consumers. Unlike a plain fan-out, each subscription holds a
// coalescing queue: repeated changes to one path collapse into the
// latest, a wholesale notification subsumes everything pending, and a
// reader too far behind is handed a single wholesale event instead of
// a partial history it cannot reconcile.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fruitsalade/kumquat/internal/metrics"
)

// Kind discriminates the notification payload.
type Kind string

const (
	Change    Kind = "change"
	Rename    Kind = "rename"
	Wholesale Kind = "wholesale"
)

// Event is one filesystem notification on the wire.
type Event struct {
	Type      Kind   `json:"type"`
	Path      string `json:"path,omitempty"`
	OldPath   string `json:"old_path,omitempty"`
	NewPath   string `json:"new_path,omitempty"`
	IsDir     bool   `json:"is_dir,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrClosed is returned from Next after the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// maxPending bounds a subscription's queue. Past this point the
// reader's view is too stale to patch incrementally.
const maxPending = 256

// Feed fans filesystem notifications out to subscriptions.
type Feed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new consumer. The caller must Close it.
func (f *Feed) Subscribe() *Subscription {
	sub := &Subscription{feed: f, wake: make(chan struct{}, 1)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	n := len(f.subs)
	f.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return sub
}

// Publish enqueues the event on every live subscription. It never
// blocks on slow consumers.
func (f *Feed) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}
	metrics.RecordSSEEvent(string(ev.Type))
}

// Count returns the number of live subscriptions.
func (f *Feed) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Subscription is one consumer's pending-event queue.
type Subscription struct {
	feed *Feed

	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch ev.Type {
	case Wholesale:
		s.pending = append(s.pending[:0], ev)
	case Change:
		// Coalesce with a pending change for the same path, but never
		// across a rename: event order relative to renames is part of
		// the contract.
		for i := len(s.pending) - 1; i >= 0; i-- {
			prev := s.pending[i]
			if prev.Type != Change {
				break
			}
			if prev.Path == ev.Path {
				s.pending[i] = ev
				s.signalLocked()
				return
			}
		}
		s.pending = append(s.pending, ev)
	default:
		s.pending = append(s.pending, ev)
	}

	if len(s.pending) > maxPending {
		s.pending = append(s.pending[:0], Event{Type: Wholesale, Timestamp: ev.Timestamp})
	}
	s.signalLocked()
}

func (s *Subscription) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the oldest pending event, blocking until one arrives,
// the context is cancelled, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close detaches the subscription from its feed. Pending events are
// discarded and a blocked Next returns ErrClosed.
func (s *Subscription) Close() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	n := len(s.feed.subs)
	s.feed.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.signalLocked()
	s.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
}
