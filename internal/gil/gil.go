// Package gil provides the global lock that serializes every mutation of
// program state and every slice of script execution.
//
// The lock is not a true interpreter-wide execution lock: a running script
// releases and re-acquires it at yield checkpoints so that other queued work
// can interleave. Waiting for a program to become idle is done with a
// condition variable bound to the lock rather than by polling.
package gil

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

// ErrStarved is the panic value raised when the lock cannot be acquired
// within the configured timeout. Starvation means the lock is being held
// across a blocking call somewhere, which is not recoverable.
var ErrStarved = errors.New("gil: lock acquisition timed out")

// Lock is a binary semaphore with a bounded acquisition wait.
// It implements sync.Locker and is not tied to the goroutine that locked it.
type Lock struct {
	sem     chan struct{}
	timeout time.Duration
	cond    *sync.Cond
}

// New creates an unlocked Lock. A timeout of zero or less waits forever.
func New(timeout time.Duration) *Lock {
	l := &Lock{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
	}
	l.cond = sync.NewCond(l)
	return l
}

// Lock acquires the lock, panicking with ErrStarved if the wait exceeds the
// configured timeout.
func (l *Lock) Lock() {
	select {
	case l.sem <- struct{}{}:
		return
	default:
	}

	if l.timeout <= 0 {
		l.sem <- struct{}{}
		return
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		panic(ErrStarved)
	}
}

// TryLock acquires the lock only if it is free.
func (l *Lock) TryLock() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the lock. Unlocking a free lock panics.
func (l *Lock) Unlock() {
	select {
	case <-l.sem:
	default:
		panic("gil: unlock of unlocked lock")
	}
}

// Held reports whether somebody currently holds the lock.
func (l *Lock) Held() bool {
	return len(l.sem) == 1
}

// Yield is the cooperative checkpoint: it releases the lock, lets other
// goroutines run, and re-acquires it. The caller must hold the lock.
func (l *Lock) Yield() {
	l.Unlock()
	runtime.Gosched()
	l.Lock()
}

// Unlocked runs fn with the lock released and re-acquires it before
// returning. Used around host calls that block (sleeping, full queues).
func (l *Lock) Unlocked(fn func()) {
	l.Unlock()
	defer l.Lock()
	fn()
}

// Broadcast wakes every goroutine blocked in WaitUntil. Call it after any
// state change a waiter might be waiting for, with the lock held.
func (l *Lock) Broadcast() {
	l.cond.Broadcast()
}

// WaitUntil blocks until ready returns true. The caller must hold the lock;
// it is released while waiting and held again on return. If ctx ends first
// the context error is returned with the lock held.
func (l *Lock) WaitUntil(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stop := context.AfterFunc(ctx, func() {
		l.Lock()
		l.cond.Broadcast()
		l.Unlock()
	})
	defer stop()

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	return nil
}
