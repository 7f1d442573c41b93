package store

import (
	"context"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
)

// locker serializes writes per document id. Acquisition is gated behind a
// one-time ready signal: operations requested before the lock service is
// wired up queue until MarkReady rather than failing, with no bound on the
// queue.
type locker struct {
	ready chan struct{}
	once  sync.Once
	locks *mapmutex.Mutex
}

const lockRetryDelay = 2 * time.Millisecond

func newLocker() *locker {
	return &locker{
		ready: make(chan struct{}),
		locks: mapmutex.NewMapMutex(),
	}
}

// MarkReady releases every queued acquisition. Idempotent.
func (l *locker) MarkReady() {
	l.once.Do(func() { close(l.ready) })
}

// Lock blocks until the per-id mutex is held or the context is cancelled.
func (l *locker) Lock(ctx context.Context, id string) error {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	for !l.locks.TryLock(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return nil
}

// Unlock releases the per-id mutex.
func (l *locker) Unlock(id string) {
	l.locks.Unlock(id)
}
