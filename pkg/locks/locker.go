// Package locks serializes state-mutating operations per workflow. Long-lived
// handler I/O never runs under the lock; the engine releases it as soon as
// the suspension point is persisted.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/gridbee/marketflow/pkg/persistence"
)

// Locker acquires an exclusive per-workflow lock. Acquire blocks up to the
// wait duration and returns persistence.ErrConflictingWrite when another
// writer still holds the lock; the caller retries.
type Locker interface {
	Acquire(ctx context.Context, workflowID string, wait time.Duration) (release func(), err error)
}

// MutexLocker is the in-process implementation, sufficient for a single
// engine replica.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMutexLocker creates an in-process per-workflow locker.
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]chan struct{})}
}

// Acquire takes the workflow's lock, waiting up to wait.
func (l *MutexLocker) Acquire(ctx context.Context, workflowID string, wait time.Duration) (func(), error) {
	ch := l.channel(workflowID)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, persistence.ErrConflictingWrite
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MutexLocker) channel(workflowID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[workflowID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[workflowID] = ch
	}

	return ch
}
