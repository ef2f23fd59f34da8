package engine

import (
	"context"
	"sync"
)

// lockTable hands out one turn lock per session. Each lock is a
// 1-buffered channel: a send acquires, a receive releases, and blocked
// senders queue in arrival order, which gives scheduled fires their
// wait-in-line behavior.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (lt *lockTable) get(sessionID string) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ch, ok := lt.locks[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.locks[sessionID] = ch
	}
	return ch
}

// tryAcquire takes the lock without blocking. Returns false when a
// turn is already in progress.
func (lt *lockTable) tryAcquire(sessionID string) bool {
	select {
	case lt.get(sessionID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire blocks until the lock is free or the context is cancelled.
func (lt *lockTable) acquire(ctx context.Context, sessionID string) error {
	select {
	case lt.get(sessionID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the lock. Must only be called by the current holder.
func (lt *lockTable) release(sessionID string) {
	<-lt.get(sessionID)
}
