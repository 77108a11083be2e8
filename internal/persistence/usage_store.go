// Package persistence holds the durable usage index: an ordered in-memory index of
// every known page backed by an append-only log and periodic snapshots.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/btree"

	"pagekeeper/internal/lifecycle"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/page"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("usage index closed")

// UsageEntry is the durable recency record of one page.
type UsageEntry struct {
	Key page.Key
	// LastClosedAt is the last time an external client closed the page, or the time
	// it became known if it never was. Meaningless while Open is set.
	LastClosedAt time.Time
	Open         bool
	// ExternallyUsed is set once an external client has opened the page. Never cleared.
	ExternallyUsed bool
}

// UsageStoreConfig configures a UsageStore.
type UsageStoreConfig struct {
	Dir                 string
	NodeID              string
	SyncPolicy          string // "always", "everysec", "no"
	CompactAfter        int    // log records before a snapshot; 0 disables
	SnapshotCompression string // "none", "snappy"
	RetainSnapshots     int
}

// UsageStoreStats reports index and log counters.
type UsageStoreStats struct {
	Entries     int
	OpenEntries int
	LogRecords  int
	Compactions int64
	Recovered   int
	RecoveredAt time.Time
}

// UsageStore is the persisted usage index. Every operation waits for Init.
type UsageStore struct {
	config    UsageStoreConfig
	latch     *lifecycle.Latch
	log       *UsageLog
	snapshots *SnapshotManager
	now       func() time.Time

	mu          sync.RWMutex
	index       *btree.BTreeG[UsageEntry]
	sinceSnap   int
	compactions int64
	recovered   int
	recoveredAt time.Time
	initStarted bool
	closed      bool
}

func lessEntry(a, b UsageEntry) bool {
	return a.Key.Less(b.Key)
}

// NewUsageStore creates a store. Nothing touches disk until Init.
func NewUsageStore(config UsageStoreConfig) *UsageStore {
	if config.SyncPolicy == "" {
		config.SyncPolicy = "everysec"
	}
	return &UsageStore{
		config:    config,
		latch:     lifecycle.NewLatch(),
		log:       NewUsageLog(config.Dir, config.SyncPolicy),
		snapshots: NewSnapshotManager(config.Dir, config.SnapshotCompression, config.RetainSnapshots),
		now:       time.Now,
		index:     btree.NewG(32, lessEntry),
	}
}

// Init loads the index from the latest snapshot and the log, closes every entry a
// previous process left open, and releases waiting operations. It must be called once.
func (s *UsageStore) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.initStarted {
		s.mu.Unlock()
		return fmt.Errorf("usage index already initialized")
	}
	s.initStarted = true
	s.mu.Unlock()

	err := s.load(ctx)
	s.latch.Complete(err)
	return err
}

func (s *UsageStore) load(ctx context.Context) error {
	start := time.Now()

	entries, header, err := s.snapshots.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("failed to load usage snapshot: %w", err)
	}
	records, err := s.log.Replay(ctx)
	if err != nil {
		return fmt.Errorf("failed to replay usage log: %w", err)
	}
	if err := s.log.Open(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.index.ReplaceOrInsert(e)
	}
	// Records are absolute per-key updates, so replaying a log that a snapshot already
	// covers converges to the same state.
	for _, rec := range records {
		s.apply(rec)
	}
	s.sinceSnap = len(records)

	now := s.now()
	var stale []UsageEntry
	s.index.Ascend(func(e UsageEntry) bool {
		if e.Open {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		rec := Record{Timestamp: now, Op: OpClose, Key: e.Key, Ext: e.ExternallyUsed}
		if err := s.appendLocked(rec); err != nil {
			return err
		}
	}

	s.recovered = s.index.Len()
	s.recoveredAt = now

	fields := logging.Fields{
		"entries":      s.index.Len(),
		"log_records":  len(records),
		"closed_stale": len(stale),
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	if header != nil {
		fields["snapshot_entries"] = header.EntryCount
	}
	logging.Info(ctx, logging.ComponentUsageIndex, logging.ActionRestore, "Usage index loaded", fields)
	return nil
}

// apply folds a record into the index. Caller holds mu.
func (s *UsageStore) apply(rec Record) {
	probe := UsageEntry{Key: rec.Key}
	cur, found := s.index.Get(probe)

	switch rec.Op {
	case OpOpen:
		// Internal sessions also touch pages that are absent or already deleted.
		if !found && !rec.Ext {
			return
		}
		if !found {
			cur = UsageEntry{Key: rec.Key, LastClosedAt: rec.Timestamp}
		}
		cur.Open = true
		if rec.Ext {
			cur.ExternallyUsed = true
		}
		s.index.ReplaceOrInsert(cur)
	case OpClose:
		if !found {
			return
		}
		cur.Open = false
		// Internal-only sessions (sync, eviction checks) do not refresh recency.
		if rec.Ext {
			cur.LastClosedAt = rec.Timestamp
			cur.ExternallyUsed = true
		}
		s.index.ReplaceOrInsert(cur)
	case OpKnown:
		if !found {
			s.index.ReplaceOrInsert(UsageEntry{Key: rec.Key, LastClosedAt: rec.Timestamp, ExternallyUsed: rec.Ext})
		}
	case OpDelete:
		s.index.Delete(probe)
	}
}

func (s *UsageStore) appendLocked(rec Record) error {
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.apply(rec)
	s.sinceSnap++
	return nil
}

// mutate waits for Init, then logs and applies rec.
func (s *UsageStore) mutate(ctx context.Context, rec Record) error {
	if err := s.waitReady(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.appendLocked(rec); err != nil {
		return err
	}
	if s.config.CompactAfter > 0 && s.sinceSnap >= s.config.CompactAfter {
		if err := s.compactLocked(ctx); err != nil {
			// The log still holds everything; retry on the next write.
			logging.Error(ctx, logging.ComponentUsageIndex, logging.ActionCompact, "Usage index compaction failed", err)
		}
	}
	return nil
}

func (s *UsageStore) waitReady(ctx context.Context) error {
	if err := s.latch.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("usage index unavailable: %w", err)
	}
	return nil
}

// MarkOpened records that key is currently open. external is set when an external
// client opened it.
func (s *UsageStore) MarkOpened(ctx context.Context, key page.Key, external bool) error {
	return s.mutate(ctx, Record{Timestamp: s.now(), Op: OpOpen, Key: key, Ext: external})
}

// MarkClosed records that key closed at ts. The recency timestamp only moves when
// external is set.
func (s *UsageStore) MarkClosed(ctx context.Context, key page.Key, ts time.Time, external bool) error {
	return s.mutate(ctx, Record{Timestamp: ts, Op: OpClose, Key: key, Ext: external})
}

// MarkKnown registers a page found on disk. Existing entries are left untouched.
func (s *UsageStore) MarkKnown(ctx context.Context, key page.Key, ts time.Time, external bool) error {
	return s.mutate(ctx, Record{Timestamp: ts, Op: OpKnown, Key: key, Ext: external})
}

// MarkDeleted removes key from the index.
func (s *UsageStore) MarkDeleted(ctx context.Context, key page.Key) error {
	return s.mutate(ctx, Record{Timestamp: s.now(), Op: OpDelete, Key: key})
}

// Get returns the entry for key.
func (s *UsageStore) Get(ctx context.Context, key page.Key) (UsageEntry, bool, error) {
	if err := s.waitReady(ctx); err != nil {
		return UsageEntry{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index.Get(UsageEntry{Key: key})
	return e, ok, nil
}

// ListCandidates returns a lazy sequence over a point-in-time copy of the index in
// key order. The sequence can be ranged over any number of times. Open entries are
// included with Open set.
func (s *UsageStore) ListCandidates(ctx context.Context) (iter.Seq[UsageEntry], error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}

	// Clone marks the shared nodes copy-on-write, so it needs exclusive access.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	clone := s.index.Clone()
	s.mu.Unlock()

	return func(yield func(UsageEntry) bool) {
		clone.Ascend(func(e UsageEntry) bool {
			return yield(e)
		})
	}, nil
}

// Len returns the number of indexed pages, or 0 before Init.
func (s *UsageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func (s *UsageStore) compactLocked(ctx context.Context) error {
	entries := make([]UsageEntry, 0, s.index.Len())
	s.index.Ascend(func(e UsageEntry) bool {
		entries = append(entries, e)
		return true
	})

	if err := s.snapshots.Save(ctx, s.config.NodeID, entries); err != nil {
		return err
	}
	if err := s.log.Reset(); err != nil {
		return err
	}

	s.sinceSnap = 0
	s.compactions++
	logging.Info(ctx, logging.ComponentUsageIndex, logging.ActionCompact, "Usage index compacted", logging.Fields{
		"entries": len(entries),
	})
	return nil
}

// Stats returns current counters.
func (s *UsageStore) Stats() UsageStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := 0
	s.index.Ascend(func(e UsageEntry) bool {
		if e.Open {
			open++
		}
		return true
	})
	return UsageStoreStats{
		Entries:     s.index.Len(),
		OpenEntries: open,
		LogRecords:  s.sinceSnap,
		Compactions: s.compactions,
		Recovered:   s.recovered,
		RecoveredAt: s.recoveredAt,
	}
}

// Close flushes and closes the log. Operations issued afterwards fail with ErrClosed.
func (s *UsageStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.initStarted
	s.initStarted = true
	s.mu.Unlock()

	if !started {
		// Release anything parked on the latch.
		s.latch.Complete(ErrClosed)
		return nil
	}
	<-s.latch.Done()
	if s.latch.Status() != nil {
		return s.log.Close()
	}

	// A clean shutdown leaves a snapshot and an empty log behind.
	s.mu.Lock()
	if s.sinceSnap > 0 {
		ctx := context.Background()
		if err := s.compactLocked(ctx); err != nil {
			logging.Error(ctx, logging.ComponentUsageIndex, logging.ActionCompact, "Usage index compaction on close failed", err)
		}
	}
	s.mu.Unlock()
	return s.log.Close()
}
