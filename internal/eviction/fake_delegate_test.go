package eviction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagekeeper/internal/page"
	"pagekeeper/internal/persistence"
)

type fakePage struct {
	synced       bool
	offlineEmpty bool
}

// gate holds one delegate query until release is closed.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

// fakeDelegate is an in-memory Delegate whose queries can be held open to interleave
// concurrent operations deterministically.
type fakeDelegate struct {
	mu        sync.Mutex
	pages     map[page.Key]*fakePage
	gates     []*gate
	deleted   []page.Key
	deleteErr error
	isOpen    func(page.Key) bool
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{pages: make(map[page.Key]*fakePage)}
}

func (f *fakeDelegate) addPage(key page.Key, synced, offlineEmpty bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[key] = &fakePage{synced: synced, offlineEmpty: offlineEmpty}
}

func (f *fakeDelegate) setSynced(key page.Key, synced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[key].synced = synced
}

func (f *fakeDelegate) has(key page.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pages[key]
	return ok
}

func (f *fakeDelegate) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

// holdNext makes the next IsSynced or IsOfflineAndEmpty call block until released.
func (f *fakeDelegate) holdNext() *gate {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates = append(f.gates, g)
	f.mu.Unlock()
	return g
}

func (f *fakeDelegate) wait(ctx context.Context) error {
	f.mu.Lock()
	var g *gate
	if len(f.gates) > 0 {
		g = f.gates[0]
		f.gates = f.gates[1:]
	}
	f.mu.Unlock()

	if g == nil {
		return nil
	}
	close(g.entered)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDelegate) get(key page.Key) (fakePage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[key]
	if !ok {
		return fakePage{}, false
	}
	return *p, true
}

func (f *fakeDelegate) Lookup(ctx context.Context, key page.Key) (bool, error) {
	_, ok := f.get(key)
	return ok, nil
}

func (f *fakeDelegate) IsSynced(ctx context.Context, key page.Key) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	p, ok := f.get(key)
	if !ok {
		return false, ErrPageNotFound
	}
	return p.synced, nil
}

func (f *fakeDelegate) IsOfflineAndEmpty(ctx context.Context, key page.Key) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	p, ok := f.get(key)
	if !ok {
		return false, ErrPageNotFound
	}
	return p.offlineEmpty, nil
}

func (f *fakeDelegate) DeletePageStorage(ctx context.Context, key page.Key) error {
	if f.isOpen != nil && f.isOpen(key) {
		return newError(StatusIllegalState, "delete", "page is open", nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.pages[key]; !ok {
		return newError(StatusPageNotFound, "delete", "page not found", nil)
	}
	delete(f.pages, key)
	f.deleted = append(f.deleted, key)
	return nil
}

// listingDelegate also enumerates its pages.
type listingDelegate struct {
	*fakeDelegate
}

func (l listingDelegate) ListPages(ctx context.Context) ([]page.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]page.Key, 0, len(l.pages))
	for k := range l.pages {
		keys = append(keys, k)
	}
	return keys, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager  *Manager
	delegate *fakeDelegate
	store    *persistence.UsageStore
	clock    *testClock
}

type fixtureOption func(*ManagerConfig)

func withOpportunistic(cfg *ManagerConfig) { cfg.Opportunistic = true }

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureWithDelegate(t, newFakeDelegate(), opts...)
}

func newFixtureWithDelegate(t *testing.T, d *fakeDelegate, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureWith(t, d, d, opts...)
}

func newFixtureWith(t *testing.T, fake *fakeDelegate, d Delegate, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := newTestClock()
	store := persistence.NewUsageStore(persistence.UsageStoreConfig{
		Dir:                 t.TempDir(),
		NodeID:              "test",
		SyncPolicy:          "no",
		SnapshotCompression: "none",
		RetainSnapshots:     1,
	})
	cfg := ManagerConfig{Policy: LeastRecentlyUsedPolicy{}, Now: clock.Now}
	for _, o := range opts {
		o(&cfg)
	}

	m := NewManager(store, cfg)
	fake.isOpen = m.IsOpen
	m.SetDelegate(d)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { m.Close() })

	return &fixture{manager: m, delegate: fake, store: store, clock: clock}
}

// settle waits for pending usage index writes and background evictions.
func (fx *fixture) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, fx.manager.IsDiscardable, 2*time.Second, time.Millisecond)
}

// use opens and closes key externally, advancing the clock first.
func (fx *fixture) use(key page.Key) {
	fx.clock.Advance(time.Minute)
	fx.manager.OnExternallyUsed(key)
	fx.manager.OnExternallyUnused(key)
}

func testKey(id string) page.Key {
	return page.NewKey("test", []byte(id))
}

var errDisk = errors.New("disk on fire")
