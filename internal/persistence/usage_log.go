package persistence

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"pagekeeper/internal/logging"
	"pagekeeper/internal/page"
)

const usageLogName = "usage.log"

// Op is the kind of a usage log record.
type Op string

const (
	OpOpen   Op = "OPEN"  // page became open
	OpClose  Op = "CLOSE" // page closed, Ext tells whether an external client had it open
	OpKnown  Op = "KNOWN" // page discovered on disk
	OpDelete Op = "DEL"   // page evicted
)

// Record is a single usage log line.
type Record struct {
	Timestamp time.Time
	Op        Op
	Key       page.Key
	Ext       bool
}

// UsageLog is the append-only log of usage index mutations.
type UsageLog struct {
	dir        string
	syncPolicy string
	interval   time.Duration

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	dirty   bool
	stop    chan struct{}
	stopped chan struct{}

	stats struct {
		TotalWrites int64
		LogSize     int64
		LastWrite   time.Time
		Resets      int64
	}
}

// NewUsageLog creates a log in dir. syncPolicy is "always", "everysec" or "no".
func NewUsageLog(dir, syncPolicy string) *UsageLog {
	return &UsageLog{
		dir:        dir,
		syncPolicy: syncPolicy,
		interval:   time.Second,
	}
}

func (l *UsageLog) path() string {
	return filepath.Join(l.dir, usageLogName)
}

// Open opens or creates the log file for appending and starts the background
// flusher for the everysec policy.
func (l *UsageLog) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLocked(); err != nil {
		return err
	}

	if l.syncPolicy == "everysec" && l.stop == nil {
		l.stop = make(chan struct{})
		l.stopped = make(chan struct{})
		go l.flushLoop(l.stop, l.stopped)
	}
	return nil
}

func (l *UsageLog) openLocked() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create usage index directory: %w", err)
	}

	file, err := os.OpenFile(l.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}

	l.file = file
	l.writer = bufio.NewWriterSize(file, 64*1024)
	if info, err := file.Stat(); err == nil {
		l.stats.LogSize = info.Size()
	}
	return nil
}

func (l *UsageLog) flushLoop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			if l.dirty && l.writer != nil {
				if err := l.syncLocked(); err != nil {
					logging.Error(context.Background(), logging.ComponentUsageIndex, logging.ActionPersist,
						"Periodic usage log sync failed", err)
				}
			}
			l.mu.Unlock()
		case <-stop:
			return
		}
	}
}

func (l *UsageLog) syncLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush usage log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync usage log: %w", err)
	}
	l.dirty = false
	return nil
}

// Close flushes pending writes and closes the file.
func (l *UsageLog) Close() error {
	l.mu.Lock()
	stop, stopped := l.stop, l.stopped
	l.stop, l.stopped = nil, nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-stopped
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *UsageLog) closeLocked() error {
	if l.file == nil {
		return nil
	}
	var err error
	if ferr := l.syncLocked(); ferr != nil {
		err = ferr
	}
	if cerr := l.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	l.file = nil
	l.writer = nil
	return err
}

// Append writes one record, flushing according to the sync policy.
func (l *UsageLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return fmt.Errorf("usage log not open")
	}

	line := formatRecord(rec)
	if _, err := l.writer.WriteString(line); err != nil {
		return fmt.Errorf("failed to write usage log record: %w", err)
	}

	l.stats.TotalWrites++
	l.stats.LastWrite = time.Now()
	l.stats.LogSize += int64(len(line))
	l.dirty = true

	switch l.syncPolicy {
	case "always":
		return l.syncLocked()
	case "everysec":
		// flushLoop syncs
	default: // "no"
		// Buffer writes, rely on OS for flushing
	}
	return nil
}

// Reset truncates the log. It is called after a snapshot captured everything it held.
func (l *UsageLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.Truncate(l.path(), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate usage log: %w", err)
	}
	l.stats.Resets++
	return l.openLocked()
}

// Replay reads every record in the log, oldest first.
func (l *UsageLog) Replay(ctx context.Context) ([]Record, error) {
	file, err := os.Open(l.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open usage log for replay: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rec, err := parseRecord(scanner.Text())
		if err != nil {
			// A torn final line is expected after a crash; anything earlier is corruption.
			if !scanner.Scan() {
				logging.Warn(ctx, logging.ComponentUsageIndex, logging.ActionRestore,
					"Ignoring torn record at end of usage log", logging.Fields{"line": lineNum})
				break
			}
			return nil, fmt.Errorf("failed to parse usage log line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading usage log: %w", err)
	}
	return records, nil
}

// Stats returns current log statistics.
func (l *UsageLog) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"total_writes": l.stats.TotalWrites,
		"log_size":     l.stats.LogSize,
		"last_write":   l.stats.LastWrite,
		"resets":       l.stats.Resets,
	}
}

// Format: TIMESTAMP_NANOS|OP|SCOPE|HEXID|EXT\n
func formatRecord(rec Record) string {
	ext := 0
	if rec.Ext {
		ext = 1
	}
	return fmt.Sprintf("%d|%s|%s|%s|%d\n",
		rec.Timestamp.UnixNano(), rec.Op, rec.Key.Scope, rec.Key.HexID(), ext)
}

func parseRecord(line string) (Record, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 5 {
		return Record{}, fmt.Errorf("invalid record format: expected 5 fields, got %d", len(parts))
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	op := Op(parts[1])
	switch op {
	case OpOpen, OpClose, OpKnown, OpDelete:
	default:
		return Record{}, fmt.Errorf("unknown operation %q", parts[1])
	}

	key, err := page.FromHex(parts[2], parts[3])
	if err != nil {
		return Record{}, err
	}

	var ext bool
	switch parts[4] {
	case "0":
	case "1":
		ext = true
	default:
		return Record{}, fmt.Errorf("invalid ext flag %q", parts[4])
	}

	return Record{
		Timestamp: time.Unix(0, nanos),
		Op:        op,
		Key:       key,
		Ext:       ext,
	}, nil
}
