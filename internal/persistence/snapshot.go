package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"

	"pagekeeper/internal/logging"
)

const snapshotPattern = "usage-snapshot-*.snap"

// snappy framing format stream identifier
var snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")

// SnapshotManager writes and loads point-in-time copies of the usage index.
type SnapshotManager struct {
	dir      string
	compress bool
	retain   int
}

// SnapshotHeader contains metadata about the snapshot
type SnapshotHeader struct {
	Version    int
	CreatedAt  time.Time
	NodeID     string
	EntryCount int64
	Compressed bool
}

// NewSnapshotManager creates a snapshot manager. compression is "none" or "snappy".
func NewSnapshotManager(dir, compression string, retain int) *SnapshotManager {
	if retain < 1 {
		retain = 1
	}
	return &SnapshotManager{
		dir:      dir,
		compress: compression == "snappy",
		retain:   retain,
	}
}

// Save writes entries to a new snapshot file and prunes old ones.
func (sm *SnapshotManager) Save(ctx context.Context, nodeID string, entries []UsageEntry) error {
	start := time.Now()

	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// Zero padded so lexical order is creation order.
	filename := fmt.Sprintf("usage-snapshot-%020d.snap", start.UnixNano())
	path := filepath.Join(sm.dir, filename)
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if err := sm.write(ctx, file, nodeID, entries); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	if err := sm.cleanupOldSnapshots(); err != nil {
		logging.Warn(ctx, logging.ComponentUsageIndex, logging.ActionSnapshot,
			"Failed to clean up old snapshots", logging.Fields{"error": err.Error()})
	}

	logging.Debug(ctx, logging.ComponentUsageIndex, logging.ActionSnapshot, "Snapshot created", logging.Fields{
		"file":        filename,
		"entries":     len(entries),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func (sm *SnapshotManager) write(ctx context.Context, w io.Writer, nodeID string, entries []UsageEntry) error {
	var out io.Writer = w
	var sw *snappy.Writer
	if sm.compress {
		sw = snappy.NewBufferedWriter(w)
		out = sw
	}

	encoder := gob.NewEncoder(out)
	header := SnapshotHeader{
		Version:    1,
		CreatedAt:  time.Now(),
		NodeID:     nodeID,
		EntryCount: int64(len(entries)),
		Compressed: sm.compress,
	}
	if err := encoder.Encode(header); err != nil {
		return fmt.Errorf("failed to encode snapshot header: %w", err)
	}

	for i, entry := range entries {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", entry.Key, err)
		}
	}

	if sw != nil {
		if err := sw.Close(); err != nil {
			return fmt.Errorf("failed to flush snappy stream: %w", err)
		}
	}
	return nil
}

// LoadLatest loads the newest snapshot. A nil header means none exists.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) ([]UsageEntry, *SnapshotHeader, error) {
	files, err := sm.list()
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, nil
	}
	latest := files[len(files)-1]

	file, err := os.Open(latest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	var reader io.Reader = br
	if magic, err := br.Peek(len(snappyMagic)); err == nil && bytes.Equal(magic, snappyMagic) {
		reader = snappy.NewReader(br)
	}

	decoder := gob.NewDecoder(reader)

	var header SnapshotHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, nil, fmt.Errorf("failed to decode snapshot header: %w", err)
	}

	entries := make([]UsageEntry, 0, header.EntryCount)
	for i := int64(0); i < header.EntryCount; i++ {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		var entry UsageEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, nil, fmt.Errorf("failed to decode entry at position %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	return entries, &header, nil
}

// list returns snapshot paths, oldest first.
func (sm *SnapshotManager) list() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(sm.dir, snapshotPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to search for snapshots: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (sm *SnapshotManager) cleanupOldSnapshots() error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	if len(files) <= sm.retain {
		return nil
	}

	for _, f := range files[:len(files)-sm.retain] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove old snapshot %s: %w", f, err)
		}
	}
	return nil
}
