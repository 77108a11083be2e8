// Package lifecycle provides the small synchronization helpers used to start up and
// tear down the eviction subsystem: a one-shot initialization latch and an idle tracker.
package lifecycle

import (
	"context"
	"sync"
)

// Latch is a one-shot completion primitive. It memoizes the status passed to Complete
// and hands it to every waiter, including those that arrive afterwards.
type Latch struct {
	mu      sync.Mutex
	done    bool
	err     error
	waiters []func(error)
	ch      chan struct{}
}

// NewLatch creates a pending latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Complete resolves the latch with err (nil means success) and runs the registered
// continuations. It must be called exactly once.
func (l *Latch) Complete(err error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		panic("lifecycle: latch completed twice")
	}
	l.done = true
	l.err = err
	waiters := l.waiters
	l.waiters = nil
	close(l.ch)
	l.mu.Unlock()

	for _, fn := range waiters {
		fn(err)
	}
}

// WaitUntilDone registers fn to run once the latch completes. If it already has, fn runs
// immediately on the calling goroutine with the memoized status.
func (l *Latch) WaitUntilDone(fn func(error)) {
	l.mu.Lock()
	if !l.done {
		l.waiters = append(l.waiters, fn)
		l.mu.Unlock()
		return
	}
	err := l.err
	l.mu.Unlock()
	fn(err)
}

// Wait blocks until the latch completes or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return l.Status()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed on completion.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// Status returns the memoized status, or nil if not yet completed.
func (l *Latch) Status() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Completed reports whether Complete has been called.
func (l *Latch) Completed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
