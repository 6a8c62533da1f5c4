// Package lock provides keyed mutual exclusion. The engine takes one lock
// per batch, approval item and alert so that mutations of a single record
// never interleave while different records proceed in parallel.
package lock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotAcquired is returned when a lock could not be obtained.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the lock for key. Callers waiting for a
// busy key queue until it is released or ctx is done.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type entry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*entry)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := l.ref(key)
	defer l.unref(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ErrNotAcquired, "%s: %v", key, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

func (l *LocalLocker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
