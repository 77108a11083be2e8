package lifecycle

import (
	"sync"
	"sync/atomic"
)

// IdleTracker counts outstanding operations. When the count drops back to zero the
// registered callback is invoked, once per zero-crossing.
type IdleTracker struct {
	mu      sync.Mutex
	pending int
	onIdle  func()
}

// Token is a handle on one outstanding operation. Release must be called exactly once
// when the operation finishes; extra calls are ignored.
type Token struct {
	tracker  *IdleTracker
	released atomic.Bool
}

// NewIdleTracker returns a tracker with no pending operations.
func NewIdleTracker() *IdleTracker {
	return &IdleTracker{}
}

// NewToken marks one more operation as pending.
func (t *IdleTracker) NewToken() *Token {
	t.mu.Lock()
	t.pending++
	t.mu.Unlock()
	return &Token{tracker: t}
}

// SetOnDiscardable registers the callback run when pending work drains.
func (t *IdleTracker) SetOnDiscardable(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onIdle = fn
}

// IsDiscardable reports whether no operation is pending.
func (t *IdleTracker) IsDiscardable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending == 0
}

// Pending returns the number of outstanding tokens.
func (t *IdleTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *IdleTracker) release() {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		panic("lifecycle: idle tracker released more tokens than it issued")
	}
	t.pending--
	var fn func()
	if t.pending == 0 {
		fn = t.onIdle
	}
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Release ends the operation the token stands for.
func (tk *Token) Release() {
	if tk == nil || !tk.released.CompareAndSwap(false, true) {
		return
	}
	tk.tracker.release()
}
