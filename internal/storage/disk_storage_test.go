package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagekeeper/internal/eviction"
	"pagekeeper/internal/page"
	"pagekeeper/internal/persistence"
)

func newTestStorage(t *testing.T, root string) *DiskStorage {
	t.Helper()
	budget := NewDiskBudget("test", 1<<20)
	budget.SetPressureHandlers(nil, nil, nil)
	s, err := NewDiskStorage(DiskStorageConfig{
		Root:                root,
		MetadataCacheSize:   16,
		FilterExpectedPages: 1000,
	}, budget)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	return s
}

func pageKey(id string) page.Key {
	return page.NewKey("ledger", []byte(id))
}

func TestDiskStorage_PageLifecycle(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()
	k := pageKey("p1")

	found, err := s.Lookup(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.CreatePage(ctx, k))
	assert.ErrorIs(t, s.CreatePage(ctx, k), ErrPageExists)

	found, err = s.Lookup(ctx, k)
	require.NoError(t, err)
	assert.True(t, found)

	empty, err := s.IsOfflineAndEmpty(ctx, k)
	require.NoError(t, err)
	assert.True(t, empty)
	synced, err := s.IsSynced(ctx, k)
	require.NoError(t, err)
	assert.True(t, synced, "a page without commits has nothing to sync")

	require.NoError(t, s.WriteContent(ctx, k, "commit-1", []byte("hello")))
	empty, err = s.IsOfflineAndEmpty(ctx, k)
	require.NoError(t, err)
	assert.False(t, empty)
	synced, err = s.IsSynced(ctx, k)
	require.NoError(t, err)
	assert.False(t, synced)
	assert.EqualValues(t, 5, s.Budget().Used())

	data, err := s.ReadContent(ctx, k, "commit-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, s.MarkSynced(ctx, k))
	synced, err = s.IsSynced(ctx, k)
	require.NoError(t, err)
	assert.True(t, synced)

	meta, err := s.Meta(ctx, k)
	require.NoError(t, err)
	assert.True(t, meta.EverSynced)
	assert.EqualValues(t, 5, meta.SizeBytes)

	require.NoError(t, s.DeletePageStorage(ctx, k))
	found, err = s.Lookup(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)
	assert.EqualValues(t, 0, s.Budget().Used())
	_, err = os.Stat(s.pageDir(k))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskStorage_MissingPage(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()
	k := pageKey("nope")

	_, err := s.IsSynced(ctx, k)
	assert.ErrorIs(t, err, eviction.ErrPageNotFound)
	_, err = s.IsOfflineAndEmpty(ctx, k)
	assert.ErrorIs(t, err, eviction.ErrPageNotFound)
	err = s.DeletePageStorage(ctx, k)
	assert.ErrorIs(t, err, eviction.ErrPageNotFound)
	assert.Equal(t, eviction.StatusPageNotFound, eviction.StatusOf(err))
	assert.ErrorIs(t, s.WriteContent(ctx, k, "c", []byte("x")), eviction.ErrPageNotFound)
}

func TestDiskStorage_FullFilterKeepsLookupsCorrect(t *testing.T) {
	budget := NewDiskBudget("test", 1<<20)
	budget.SetPressureHandlers(nil, nil, nil)
	s, err := NewDiskStorage(DiskStorageConfig{Root: t.TempDir(), FilterExpectedPages: 1}, budget)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))

	keys := make([]page.Key, 8)
	for i := range keys {
		keys[i] = pageKey(string(rune('a' + i)))
		require.NoError(t, s.CreatePage(ctx, keys[i]))
	}
	for _, k := range keys {
		found, err := s.Lookup(ctx, k)
		require.NoError(t, err)
		assert.True(t, found, "page %s must be found once the filter overflowed", k)
	}
	found, err := s.Lookup(ctx, pageKey("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDiskStorage_DeleteRefusesOpenPages(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()
	k := pageKey("p1")
	require.NoError(t, s.CreatePage(ctx, k))

	s.SetOpenChecker(func(key page.Key) bool { return key == k })
	err := s.DeletePageStorage(ctx, k)
	assert.ErrorIs(t, err, eviction.ErrIllegalState)

	found, err := s.Lookup(ctx, k)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDiskStorage_OpenDuringDeleteKeepsPage(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()
	k := pageKey("p1")
	require.NoError(t, s.CreatePage(ctx, k))

	var open atomic.Bool
	s.SetOpenChecker(func(key page.Key) bool { return key == k && open.Load() })

	// The delete is decided while an opener holds the page lock.
	unlock := s.lock(k)
	done := make(chan error, 1)
	go func() { done <- s.DeletePageStorage(ctx, k) }()

	select {
	case err := <-done:
		t.Fatalf("delete finished without the page lock: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	open.Store(true)
	unlock()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, eviction.ErrIllegalState)
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not finish")
	}

	created, err := s.EnsurePage(ctx, k)
	require.NoError(t, err)
	assert.False(t, created)
	found, err := s.Lookup(ctx, k)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDiskStorage_EnsurePageAfterDelete(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()
	k := pageKey("p1")

	created, err := s.EnsurePage(ctx, k)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.EnsurePage(ctx, k)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.DeletePageStorage(ctx, k))
	created, err = s.EnsurePage(ctx, k)
	require.NoError(t, err)
	assert.True(t, created)

	found, err := s.Lookup(ctx, k)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = s.EnsurePage(ctx, page.NewKey("a/b", []byte("x")))
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestDiskStorage_ContentOverwriteCharges(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()
	k := pageKey("p1")
	require.NoError(t, s.CreatePage(ctx, k))

	require.NoError(t, s.WriteContent(ctx, k, "obj", make([]byte, 100)))
	require.NoError(t, s.WriteContent(ctx, k, "obj", make([]byte, 40)))
	assert.EqualValues(t, 40, s.Budget().PageSize(k))

	meta, err := s.Meta(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.UnsyncedCommits)
	assert.EqualValues(t, 40, meta.SizeBytes)
}

func TestDiskStorage_BudgetRefusesWrite(t *testing.T) {
	budget := NewDiskBudget("tiny", 10)
	budget.SetPressureHandlers(nil, nil, nil)
	s, err := NewDiskStorage(DiskStorageConfig{Root: t.TempDir()}, budget)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))

	ctx := context.Background()
	k := pageKey("p1")
	require.NoError(t, s.CreatePage(ctx, k))
	assert.ErrorIs(t, s.WriteContent(ctx, k, "big", make([]byte, 11)), ErrBudgetExceeded)

	empty, err := s.IsOfflineAndEmpty(ctx, k)
	require.NoError(t, err)
	assert.True(t, empty, "refused write leaves the page untouched")
}

func TestDiskStorage_InvalidNames(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx := context.Background()

	for _, scope := range []string{"", ".", "..", ".hidden", "a/b"} {
		assert.ErrorIs(t, s.CreatePage(ctx, page.NewKey(scope, []byte("x"))), ErrInvalidScope, "scope %q", scope)
	}

	k := pageKey("p1")
	require.NoError(t, s.CreatePage(ctx, k))
	for _, name := range []string{"", "..", "a/b"} {
		assert.ErrorIs(t, s.WriteContent(ctx, k, name, nil), ErrInvalidName, "name %q", name)
	}
}

func TestDiskStorage_ReopenDiscoversPages(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s := newTestStorage(t, root)
	keys := []page.Key{pageKey("a"), pageKey("b"), page.NewKey("other", []byte{0x00, 0xff})}
	for _, k := range keys {
		require.NoError(t, s.CreatePage(ctx, k))
		require.NoError(t, s.WriteContent(ctx, k, "c", []byte("1234")))
	}
	// Leftover of an interrupted delete.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ledger", "00", "dead.deleting"), 0o755))

	reopened := newTestStorage(t, root)
	listed, err := reopened.ListPages(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, listed)
	assert.EqualValues(t, 12, reopened.Budget().Used())

	for _, k := range keys {
		found, err := reopened.Lookup(ctx, k)
		require.NoError(t, err)
		assert.True(t, found)
	}
	_, err = os.Stat(filepath.Join(root, "ledger", "00", "dead.deleting"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskStorage_ReopenRebuildsFilter(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := newTestStorage(t, root)

	a, b := pageKey("a"), pageKey("b")
	require.NoError(t, s.CreatePage(ctx, a))
	require.NoError(t, s.CreatePage(ctx, b))
	assert.EqualValues(t, 2, s.Stats().Filter.Size)

	require.NoError(t, s.Open(ctx))
	assert.EqualValues(t, 2, s.Stats().Filter.Size, "reopen must not add pages twice")

	// Removed behind the storage's back.
	require.NoError(t, os.RemoveAll(s.pageDir(b)))
	require.NoError(t, s.Open(ctx))
	assert.EqualValues(t, 1, s.Stats().Filter.Size)

	found, err := s.Lookup(ctx, b)
	require.NoError(t, err)
	assert.False(t, found)
	found, err = s.Lookup(ctx, a)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDiskStorage_ListPagesOnMissingRoot(t *testing.T) {
	budget := NewDiskBudget("test", 1024)
	s, err := NewDiskStorage(DiskStorageConfig{Root: filepath.Join(t.TempDir(), "absent")}, budget)
	require.NoError(t, err)

	keys, err := s.ListPages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDiskStorage_CancelledContext(t *testing.T) {
	s := newTestStorage(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.IsSynced(ctx, pageKey("p1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, eviction.StatusInterrupted, eviction.StatusOf(err))
}

func TestDiskStorage_WithEvictionManager(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	s := newTestStorage(t, filepath.Join(root, "pages"))

	store := persistence.NewUsageStore(persistence.UsageStoreConfig{
		Dir:                 filepath.Join(root, "usage"),
		NodeID:              "test",
		SyncPolicy:          "no",
		SnapshotCompression: "snappy",
		RetainSnapshots:     1,
	})
	cfg := eviction.DefaultManagerConfig()
	m := eviction.NewManager(store, cfg)
	m.SetDelegate(s)
	s.SetOpenChecker(m.IsOpen)
	require.NoError(t, m.Init(ctx))
	t.Cleanup(func() { m.Close() })

	emptyPage, fullPage := pageKey("empty"), pageKey("full")
	require.NoError(t, s.CreatePage(ctx, emptyPage))
	require.NoError(t, s.CreatePage(ctx, fullPage))
	require.NoError(t, s.WriteContent(ctx, fullPage, "c", []byte("data")))

	// Closing an empty page evicts it in the background.
	m.OnExternallyUsed(emptyPage)
	m.OnExternallyUnused(emptyPage)
	require.Eventually(t, func() bool {
		found, err := s.Lookup(ctx, emptyPage)
		return err == nil && !found
	}, 2*time.Second, 5*time.Millisecond)

	m.OnExternallyUsed(fullPage)
	m.OnExternallyUnused(fullPage)
	require.Eventually(t, m.IsDiscardable, 2*time.Second, time.Millisecond)

	require.NoError(t, m.TryCleanUp(ctx, nil))
	found, err := s.Lookup(ctx, fullPage)
	require.NoError(t, err)
	assert.True(t, found, "unsynced pages survive cleanup")

	require.NoError(t, s.MarkSynced(ctx, fullPage))
	require.Eventually(t, m.IsDiscardable, 2*time.Second, time.Millisecond)
	require.NoError(t, m.TryCleanUp(ctx, nil))
	found, err = s.Lookup(ctx, fullPage)
	require.NoError(t, err)
	assert.False(t, found)
	assert.EqualValues(t, 0, s.Budget().Used())
}
