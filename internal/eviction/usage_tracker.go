package eviction

import (
	"fmt"
	"sync"

	"pagekeeper/internal/page"
)

// UsageState is the liveness of one page.
type UsageState struct {
	ExternalCount        uint32
	InternalCount        uint32
	EverExternallyOpened bool

	// externalEpoch is set when an external reference was taken since the page last
	// became open.
	externalEpoch bool
}

// Open reports whether any reference is held.
func (s UsageState) Open() bool {
	return s.ExternalCount+s.InternalCount > 0
}

// TransitionHooks are called, under the tracker lock, when a page becomes open and
// when its last reference is dropped. They must not block or call back into the tracker.
type TransitionHooks struct {
	Opened func(key page.Key, external bool)
	Closed func(key page.Key, externalEpoch bool)
}

// UsageTracker counts live references to pages, split by origin. A UsageState exists
// for a key exactly while at least one reference is held.
type UsageTracker struct {
	mu           sync.Mutex
	states       map[page.Key]*UsageState
	everExternal map[page.Key]struct{}
	watches      map[page.Key]map[*Watch]struct{}
	hooks        TransitionHooks
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker(hooks TransitionHooks) *UsageTracker {
	return &UsageTracker{
		states:       make(map[page.Key]*UsageState),
		everExternal: make(map[page.Key]struct{}),
		watches:      make(map[page.Key]map[*Watch]struct{}),
		hooks:        hooks,
	}
}

func (t *UsageTracker) OnExternallyUsed(key page.Key) {
	t.used(key, true)
}

// OnExternallyUnused drops an external reference and reports whether the page is
// now fully unused.
func (t *UsageTracker) OnExternallyUnused(key page.Key) bool {
	return t.unused(key, true)
}

func (t *UsageTracker) OnInternallyUsed(key page.Key) {
	t.used(key, false)
}

// OnInternallyUnused drops an internal reference and reports whether the page is
// now fully unused.
func (t *UsageTracker) OnInternallyUnused(key page.Key) bool {
	return t.unused(key, false)
}

func (t *UsageTracker) used(key page.Key, external bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		st = &UsageState{}
		if _, ever := t.everExternal[key]; ever {
			st.EverExternallyOpened = true
		}
		t.states[key] = st
	}

	if external {
		st.ExternalCount++
		st.externalEpoch = true
		st.EverExternallyOpened = true
		t.everExternal[key] = struct{}{}
	} else {
		st.InternalCount++
	}

	for w := range t.watches[key] {
		w.fired = true
	}

	if !ok && t.hooks.Opened != nil {
		t.hooks.Opened(key, external)
	}
}

func (t *UsageTracker) unused(key page.Key, external bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if external {
		if !ok || st.ExternalCount == 0 {
			panic(fmt.Sprintf("eviction: external unused of %s without matching used", key))
		}
		st.ExternalCount--
	} else {
		if !ok || st.InternalCount == 0 {
			panic(fmt.Sprintf("eviction: internal unused of %s without matching used", key))
		}
		st.InternalCount--
	}

	if st.Open() {
		return false
	}
	delete(t.states, key)
	if t.hooks.Closed != nil {
		t.hooks.Closed(key, st.externalEpoch)
	}
	return true
}

// IsOpen reports whether key currently has any reference.
func (t *UsageTracker) IsOpen(key page.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[key]
	return ok
}

// IsExternallyOpen reports whether an external client currently holds key.
func (t *UsageTracker) IsExternallyOpen(key page.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	return ok && st.ExternalCount > 0
}

// EverExternallyOpened reports whether key was opened externally during the lifetime
// of this tracker.
func (t *UsageTracker) EverExternallyOpened(key page.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.everExternal[key]
	return ok
}

// State returns a copy of the state of key, if it is open.
func (t *UsageTracker) State(key page.Key) (UsageState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		return UsageState{}, false
	}
	return *st, true
}

// OpenPages returns the number of pages currently open.
func (t *UsageTracker) OpenPages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Watch is a staleness marker on a key: it fires on the first Used call for the key
// made after the watch was registered.
type Watch struct {
	tracker *UsageTracker
	key     page.Key
	fired   bool
}

// Watch registers a staleness marker for key. Stop must be called when done.
func (t *UsageTracker) Watch(key page.Key) *Watch {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &Watch{tracker: t, key: key}
	set, ok := t.watches[key]
	if !ok {
		set = make(map[*Watch]struct{})
		t.watches[key] = set
	}
	set[w] = struct{}{}
	return w
}

// Fired reports whether the key was used since the watch was registered.
func (w *Watch) Fired() bool {
	w.tracker.mu.Lock()
	defer w.tracker.mu.Unlock()
	return w.fired
}

// Stop unregisters the watch.
func (w *Watch) Stop() {
	t := w.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.watches[w.key]
	delete(set, w)
	if len(set) == 0 {
		delete(t.watches, w.key)
	}
}
