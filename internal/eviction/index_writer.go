package eviction

import (
	"context"
	"sync"
	"time"

	"pagekeeper/internal/lifecycle"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/page"
)

type indexOpKind int

const (
	indexOpen indexOpKind = iota
	indexClose
	indexDelete
)

type indexOp struct {
	kind     indexOpKind
	key      page.Key
	ts       time.Time
	external bool
	token    *lifecycle.Token
	done     chan error
}

// indexWriter applies usage index updates in the order they were queued, on its own
// goroutine, so that usage transitions never wait on disk.
type indexWriter struct {
	index UsageIndex
	idle  *lifecycle.IdleTracker

	mu      sync.Mutex
	queue   []indexOp
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
}

func newIndexWriter(index UsageIndex, idle *lifecycle.IdleTracker) *indexWriter {
	w := &indexWriter{
		index:   index,
		idle:    idle,
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *indexWriter) enqueue(op indexOp) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	op.token = w.idle.NewToken()
	w.queue = append(w.queue, op)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

func (w *indexWriter) recordOpened(key page.Key, external bool) {
	w.enqueue(indexOp{kind: indexOpen, key: key, external: external})
}

func (w *indexWriter) recordClosed(key page.Key, ts time.Time, external bool) {
	w.enqueue(indexOp{kind: indexClose, key: key, ts: ts, external: external})
}

// markDeleted queues a delete behind every pending update and waits for it.
func (w *indexWriter) markDeleted(ctx context.Context, key page.Key) error {
	done := make(chan error, 1)
	if !w.enqueue(indexOp{kind: indexDelete, key: key, done: done}) {
		return newError(StatusInterrupted, "mark_deleted", "usage index writer stopped", nil)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *indexWriter) run() {
	defer close(w.stopped)

	for range w.signal {
		for {
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			closed := w.closed
			w.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, op := range batch {
				w.apply(op)
			}
		}
	}
}

func (w *indexWriter) apply(op indexOp) {
	defer op.token.Release()

	// Writes are local and short; they are not tied to any caller's context.
	ctx := context.Background()
	var err error
	switch op.kind {
	case indexOpen:
		err = w.index.MarkOpened(ctx, op.key, op.external)
	case indexClose:
		err = w.index.MarkClosed(ctx, op.key, op.ts, op.external)
	case indexDelete:
		err = w.index.MarkDeleted(ctx, op.key)
	}

	if op.done != nil {
		op.done <- err
	}
	if err != nil && op.done == nil {
		logging.Error(ctx, logging.ComponentUsageIndex, logging.ActionPersist, "Usage index update failed", err,
			logging.Fields{"page": op.key, "op": int(op.kind)})
	}
}

// close stops accepting updates, drains the queue and waits for the goroutine.
func (w *indexWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.stopped
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	<-w.stopped
}
