// Package storage keeps local page replicas on disk and implements the storage side
// of eviction: lookups, sync state, emptiness and deletion.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"pagekeeper/internal/eviction"
	"pagekeeper/internal/filter"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/page"
)

const (
	metaFileName = "page.meta"
	contentDir   = "content"
	lockStripes  = 64
)

var (
	ErrPageExists   = errors.New("page already exists")
	ErrInvalidScope = errors.New("invalid scope name")
	ErrInvalidName  = errors.New("invalid content name")
)

// PageMeta is the per-page state persisted in page.meta.
type PageMeta struct {
	Scope           string    `yaml:"scope"`
	ID              string    `yaml:"id"`
	HasContent      bool      `yaml:"has_content"`
	EverSynced      bool      `yaml:"ever_synced"`
	UnsyncedCommits int       `yaml:"unsynced_commits"`
	SizeBytes       int64     `yaml:"size_bytes"`
	CreatedAt       time.Time `yaml:"created_at"`
	UpdatedAt       time.Time `yaml:"updated_at"`
}

// DiskStorageConfig configures a DiskStorage.
type DiskStorageConfig struct {
	Root                string
	MetadataCacheSize   int
	FilterExpectedPages uint64
	// ScanConcurrency bounds the number of scopes scanned in parallel.
	ScanConcurrency int
}

// StorageStats summarizes a DiskStorage.
type StorageStats struct {
	Root        string       `json:"root"`
	CachedMetas int          `json:"cached_metas"`
	Filter      filter.Stats `json:"filter"`
	Budget      BudgetStats  `json:"budget"`
}

// DiskStorage stores each page under <root>/<scope>/<shard>/<hexid>/. It implements
// eviction.Delegate and eviction.PageLister.
type DiskStorage struct {
	config DiskStorageConfig
	budget *DiskBudget
	metas  *lru.Cache[page.Key, PageMeta]
	locks  [lockStripes]sync.Mutex
	now    func() time.Time

	filter *filter.CuckooFilter
	// filterLossy is set once an Add failed; negative filter answers are then ignored.
	filterLossy atomic.Bool

	mu     sync.RWMutex
	isOpen func(page.Key) bool
}

var (
	_ eviction.Delegate   = (*DiskStorage)(nil)
	_ eviction.PageLister = (*DiskStorage)(nil)
)

// NewDiskStorage creates a storage rooted at config.Root, charging content to budget.
func NewDiskStorage(config DiskStorageConfig, budget *DiskBudget) (*DiskStorage, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	if budget == nil {
		return nil, fmt.Errorf("disk budget is required")
	}
	if config.MetadataCacheSize <= 0 {
		config.MetadataCacheSize = 1024
	}
	if config.FilterExpectedPages == 0 {
		config.FilterExpectedPages = 100000
	}
	if config.ScanConcurrency <= 0 {
		config.ScanConcurrency = 8
	}

	metas, err := lru.New[page.Key, PageMeta](config.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	f, err := filter.NewCuckooFilter(filter.DefaultConfig(config.FilterExpectedPages))
	if err != nil {
		return nil, fmt.Errorf("failed to create page filter: %w", err)
	}

	return &DiskStorage{
		config: config,
		budget: budget,
		filter: f,
		metas:  metas,
		now:    time.Now,
	}, nil
}

// Open creates the root directory and loads every page already on disk into the
// filter and the disk budget. Opening again rebuilds the filter from disk.
func (s *DiskStorage) Open(ctx context.Context) error {
	if err := os.MkdirAll(s.config.Root, 0o755); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	start := time.Now()
	keys, err := s.ListPages(ctx)
	if err != nil {
		return err
	}
	s.filter.Clear()
	s.filterLossy.Store(false)
	s.metas.Purge()
	var total int64
	for _, k := range keys {
		meta, err := s.loadMeta(k)
		if err != nil {
			return err
		}
		s.addToFilter(ctx, k)
		s.budget.Set(k, meta.SizeBytes)
		total += meta.SizeBytes
	}

	logging.Info(ctx, logging.ComponentStorage, logging.ActionRestore, "Disk storage opened", logging.Fields{
		"root":        s.config.Root,
		"pages":       len(keys),
		"bytes":       total,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// SetOpenChecker installs the function consulted before deleting a page.
func (s *DiskStorage) SetOpenChecker(fn func(page.Key) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = fn
}

func (s *DiskStorage) pageOpen(key page.Key) bool {
	s.mu.RLock()
	fn := s.isOpen
	s.mu.RUnlock()
	return fn != nil && fn(key)
}

func (s *DiskStorage) lock(key page.Key) func() {
	m := &s.locks[key.Hash()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *DiskStorage) pageDir(key page.Key) string {
	shard := fmt.Sprintf("%02x", key.Hash()&0xff)
	return filepath.Join(s.config.Root, key.Scope, shard, key.HexID())
}

func validScope(scope string) bool {
	return scope != "" && scope != "." && scope != ".." && !strings.HasPrefix(scope, ".") &&
		!strings.ContainsAny(scope, `/\`)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func notFound(key page.Key) error {
	return fmt.Errorf("page %s: %w", key, eviction.ErrPageNotFound)
}

func (s *DiskStorage) addToFilter(ctx context.Context, key page.Key) {
	if err := s.filter.Add(key.Bytes()); err != nil {
		if !s.filterLossy.Swap(true) {
			logging.Warn(ctx, logging.ComponentStorage, logging.ActionOpen, "Page filter full, lookups go to disk", logging.Fields{
				"page":  key,
				"error": err.Error(),
			})
		}
	}
}

// meta returns the metadata of key, reading page.meta on a cache miss.
func (s *DiskStorage) meta(key page.Key) (PageMeta, error) {
	if m, ok := s.metas.Get(key); ok {
		return m, nil
	}

	data, err := os.ReadFile(filepath.Join(s.pageDir(key), metaFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PageMeta{}, notFound(key)
		}
		return PageMeta{}, fmt.Errorf("failed to read metadata of %s: %w", key, err)
	}
	var m PageMeta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return PageMeta{}, fmt.Errorf("failed to parse metadata of %s: %w", key, err)
	}
	s.metas.Add(key, m)
	return m, nil
}

// loadMeta is meta under the page lock, for callers that do not already hold it.
func (s *DiskStorage) loadMeta(key page.Key) (PageMeta, error) {
	defer s.lock(key)()
	return s.meta(key)
}

func (s *DiskStorage) writeMeta(key page.Key, m PageMeta) error {
	m.UpdatedAt = s.now()
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of %s: %w", key, err)
	}
	if err := writeFileAtomic(filepath.Join(s.pageDir(key), metaFileName), data); err != nil {
		s.metas.Remove(key)
		return err
	}
	s.metas.Add(key, m)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// CreatePage creates an empty, never synced page.
func (s *DiskStorage) CreatePage(ctx context.Context, key page.Key) error {
	if err := checkKey(key); err != nil {
		return err
	}
	defer s.lock(key)()

	if _, err := s.meta(key); err == nil {
		return fmt.Errorf("page %s: %w", key, ErrPageExists)
	} else if !errors.Is(err, eviction.ErrPageNotFound) {
		return err
	}
	return s.createLocked(ctx, key)
}

// EnsurePage creates key unless it exists and reports whether it did. Callers take
// their reference on the page before calling it: the page lock orders EnsurePage
// against DeletePageStorage, so a delete either sees the reference and refuses, or
// finishes first and the page is created again.
func (s *DiskStorage) EnsurePage(ctx context.Context, key page.Key) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	defer s.lock(key)()

	if _, err := s.meta(key); err == nil {
		return false, nil
	} else if !errors.Is(err, eviction.ErrPageNotFound) {
		return false, err
	}
	if err := s.createLocked(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func checkKey(key page.Key) error {
	if !validScope(key.Scope) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, key.Scope)
	}
	if key.ID == "" {
		return fmt.Errorf("page id cannot be empty")
	}
	return nil
}

func (s *DiskStorage) createLocked(ctx context.Context, key page.Key) error {
	if err := os.MkdirAll(filepath.Join(s.pageDir(key), contentDir), 0o755); err != nil {
		return fmt.Errorf("failed to create page directory: %w", err)
	}
	now := s.now()
	if err := s.writeMeta(key, PageMeta{Scope: key.Scope, ID: key.HexID(), CreatedAt: now}); err != nil {
		return err
	}
	s.addToFilter(ctx, key)

	logging.Debug(ctx, logging.ComponentStorage, logging.ActionOpen, "Page created", logging.Fields{"page": key})
	return nil
}

// WriteContent stores one content object of key and records an unsynced commit.
func (s *DiskStorage) WriteContent(ctx context.Context, key page.Key, name string, data []byte) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	defer s.lock(key)()

	m, err := s.meta(key)
	if err != nil {
		return err
	}

	path := filepath.Join(s.pageDir(key), contentDir, name)
	var prev int64
	if fi, err := os.Stat(path); err == nil {
		prev = fi.Size()
	}
	delta := int64(len(data)) - prev
	if err := s.budget.Charge(key, delta); err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		s.budget.Charge(key, -delta)
		return err
	}

	m.HasContent = true
	m.UnsyncedCommits++
	m.SizeBytes += delta
	return s.writeMeta(key, m)
}

// ReadContent returns one content object of key.
func (s *DiskStorage) ReadContent(ctx context.Context, key page.Key, name string) ([]byte, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, err := s.loadMeta(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.pageDir(key), contentDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("content %s of page %s: %w", name, key, fs.ErrNotExist)
	}
	return data, err
}

// MarkSynced records that every local commit of key reached the cloud.
func (s *DiskStorage) MarkSynced(ctx context.Context, key page.Key) error {
	defer s.lock(key)()

	m, err := s.meta(key)
	if err != nil {
		return err
	}
	m.UnsyncedCommits = 0
	m.EverSynced = true
	return s.writeMeta(key, m)
}

// Meta returns the metadata of key.
func (s *DiskStorage) Meta(ctx context.Context, key page.Key) (PageMeta, error) {
	return s.loadMeta(key)
}

func (s *DiskStorage) Lookup(ctx context.Context, key page.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.filterLossy.Load() && !s.filter.Contains(key.Bytes()) {
		return false, nil
	}
	_, err := s.loadMeta(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, eviction.ErrPageNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *DiskStorage) IsSynced(ctx context.Context, key page.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m, err := s.loadMeta(key)
	if err != nil {
		return false, err
	}
	return m.UnsyncedCommits == 0, nil
}

func (s *DiskStorage) IsOfflineAndEmpty(ctx context.Context, key page.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m, err := s.loadMeta(key)
	if err != nil {
		return false, err
	}
	return !m.HasContent && !m.EverSynced, nil
}

// DeletePageStorage removes the page directory. Open pages are refused.
func (s *DiskStorage) DeletePageStorage(ctx context.Context, key page.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock(key)()

	// Checked under the page lock, see EnsurePage.
	if s.pageOpen(key) {
		return fmt.Errorf("delete %s: %w", key, eviction.ErrIllegalState)
	}
	if _, err := s.meta(key); err != nil {
		return err
	}

	dir := s.pageDir(key)
	// Renaming first makes the delete atomic for readers of page.meta.
	trash := dir + ".deleting"
	os.RemoveAll(trash)
	if err := os.Rename(dir, trash); err != nil {
		return fmt.Errorf("failed to delete page %s: %w", key, err)
	}
	s.metas.Remove(key)
	s.filter.Delete(key.Bytes())
	freed := s.budget.Release(key)

	if err := os.RemoveAll(trash); err != nil {
		logging.Warn(ctx, logging.ComponentStorage, logging.ActionEvict, "Failed to remove page directory", logging.Fields{
			"page":  key,
			"path":  trash,
			"error": err.Error(),
		})
	}
	logging.Debug(ctx, logging.ComponentStorage, logging.ActionEvict, "Page storage deleted", logging.Fields{
		"page":        key,
		"freed_bytes": freed,
	})
	return nil
}

// ListPages scans the storage root, one goroutine per scope.
func (s *DiskStorage) ListPages(ctx context.Context) ([]page.Key, error) {
	scopes, err := os.ReadDir(s.config.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list storage root: %w", err)
	}

	var (
		mu   sync.Mutex
		keys []page.Key
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.ScanConcurrency)
	for _, d := range scopes {
		if !d.IsDir() || !validScope(d.Name()) {
			continue
		}
		scope := d.Name()
		g.Go(func() error {
			found, err := s.scanScope(ctx, scope)
			if err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Debug(ctx, logging.ComponentStorage, logging.ActionDiscover, "Pages listed", logging.Fields{
		"scopes": len(scopes),
		"pages":  len(keys),
	})
	return keys, nil
}

func (s *DiskStorage) scanScope(ctx context.Context, scope string) ([]page.Key, error) {
	scopeDir := filepath.Join(s.config.Root, scope)
	shards, err := os.ReadDir(scopeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope %s: %w", scope, err)
	}

	var keys []page.Key
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !shard.IsDir() {
			continue
		}
		pages, err := os.ReadDir(filepath.Join(scopeDir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list shard %s/%s: %w", scope, shard.Name(), err)
		}
		for _, p := range pages {
			if !p.IsDir() {
				continue
			}
			if strings.HasSuffix(p.Name(), ".deleting") {
				// Left over from an interrupted delete.
				os.RemoveAll(filepath.Join(scopeDir, shard.Name(), p.Name()))
				continue
			}
			key, err := page.FromHex(scope, p.Name())
			if err != nil {
				continue
			}
			if _, err := os.Stat(filepath.Join(scopeDir, shard.Name(), p.Name(), metaFileName)); err != nil {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *DiskStorage) Stats() StorageStats {
	return StorageStats{
		Root:        s.config.Root,
		CachedMetas: s.metas.Len(),
		Filter:      s.filter.Stats(),
		Budget:      s.budget.Stats(),
	}
}

// Budget returns the disk budget content is charged to.
func (s *DiskStorage) Budget() *DiskBudget {
	return s.budget
}
