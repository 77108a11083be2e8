// Package eviction decides when the local replica of a page can be deleted. It tracks
// live references to pages, evaluates staleness-aware safety predicates against the
// page storage, and runs eviction policies over the persisted usage index.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pagekeeper/internal/lifecycle"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/metrics"
	"pagekeeper/internal/page"
)

// Condition selects the safety predicate an eviction must pass.
type Condition int

const (
	// IfEmpty evicts only closed pages that are empty and were never synced.
	IfEmpty Condition = iota
	// IfPossible evicts closed pages that are fully synced.
	IfPossible
)

func (c Condition) String() string {
	switch c {
	case IfEmpty:
		return "if_empty"
	case IfPossible:
		return "if_possible"
	default:
		return "unknown"
	}
}

// ParseCondition parses the String form of a Condition.
func ParseCondition(s string) (Condition, error) {
	switch s {
	case "if_empty", "empty":
		return IfEmpty, nil
	case "if_possible", "possible", "":
		return IfPossible, nil
	default:
		return 0, fmt.Errorf("unknown eviction condition: %s", s)
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Opportunistic enables the IfEmpty eviction attempted whenever an externally
	// opened page becomes unused.
	Opportunistic bool
	// Policy is used by TryCleanUp when the caller passes nil.
	Policy Policy
	Now    func() time.Time
}

// DefaultManagerConfig returns the configuration used by the daemon.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Opportunistic: true,
		Policy:        LeastRecentlyUsedPolicy{},
		Now:           time.Now,
	}
}

// SweepResult summarizes one cleanup sweep.
type SweepResult struct {
	Policy     string `json:"policy"`
	Candidates int    `json:"candidates"`
	Evicted    int    `json:"evicted"`
	Skipped    int    `json:"skipped"`
}

// Manager coordinates page eviction. It is the PageUsageListener of the page-owning
// layer, so it also owns the UsageTracker.
type Manager struct {
	config  ManagerConfig
	tracker *UsageTracker
	index   UsageIndex
	writer  *indexWriter
	idle    *lifecycle.IdleTracker

	mu          sync.RWMutex
	delegate    Delegate
	evaluator   *PredicateEvaluator
	observers   []Observer
	initialized bool
	closed      bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ PageUsageListener = (*Manager)(nil)

// NewManager creates a manager over index. SetDelegate must be called before Init.
func NewManager(index UsageIndex, config ManagerConfig) *Manager {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Policy == nil {
		config.Policy = LeastRecentlyUsedPolicy{}
	}

	m := &Manager{
		config: config,
		index:  index,
		idle:   lifecycle.NewIdleTracker(),
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	m.writer = newIndexWriter(index, m.idle)
	m.tracker = NewUsageTracker(TransitionHooks{
		Opened: func(key page.Key, external bool) {
			metrics.PageOpened()
			m.writer.recordOpened(key, external)
		},
		Closed: func(key page.Key, externalEpoch bool) {
			metrics.PageClosed()
			m.writer.recordClosed(key, m.config.Now(), externalEpoch)
		},
	})
	return m
}

// SetDelegate installs the page storage.
func (m *Manager) SetDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
	m.evaluator = NewPredicateEvaluator(m.tracker, d)
}

// AddObserver registers o to be told about evictions.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Tracker exposes the usage tracker.
func (m *Manager) Tracker() *UsageTracker {
	return m.tracker
}

// IsOpen reports whether key has any live reference.
func (m *Manager) IsOpen(key page.Key) bool {
	return m.tracker.IsOpen(key)
}

// SetOnDiscardable registers fn to run whenever the last pending operation finishes.
func (m *Manager) SetOnDiscardable(fn func()) {
	m.idle.SetOnDiscardable(fn)
}

// IsDiscardable reports whether no eviction, check or index update is pending.
func (m *Manager) IsDiscardable() bool {
	return m.idle.IsDiscardable()
}

func (m *Manager) begin() func() {
	tk := m.idle.NewToken()
	metrics.SetPendingOperations(m.idle.Pending())
	return func() {
		tk.Release()
		metrics.SetPendingOperations(m.idle.Pending())
	}
}

// operationContext derives a context that is also cancelled by Close.
func (m *Manager) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Manager) current(op string) (Delegate, *PredicateEvaluator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, newError(StatusInterrupted, op, "manager closed", nil)
	}
	if m.delegate == nil {
		return nil, nil, newError(StatusIllegalState, op, "no storage delegate set", nil)
	}
	return m.delegate, m.evaluator, nil
}

// Init opens the usage index and registers every page the delegate finds on disk.
func (m *Manager) Init(ctx context.Context) error {
	done := m.begin()
	defer done()
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	start := time.Now()
	if err := m.index.Init(ctx); err != nil {
		logging.Error(ctx, logging.ComponentEviction, logging.ActionStart, "Usage index initialization failed", err)
		return classify("init", err)
	}

	m.mu.Lock()
	m.initialized = true
	d := m.delegate
	m.mu.Unlock()

	discovered := 0
	if lister, ok := d.(PageLister); ok {
		keys, err := lister.ListPages(ctx)
		if err != nil {
			return classify("init", err)
		}
		now := m.config.Now()
		for _, k := range keys {
			// Pages already on disk were fetched for a client at some point.
			if err := m.index.MarkKnown(ctx, k, now, true); err != nil {
				return classify("init", err)
			}
		}
		discovered = len(keys)
	}

	logging.Info(ctx, logging.ComponentEviction, logging.ActionStart, "Eviction manager initialized", logging.Fields{
		"discovered_pages": discovered,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	return nil
}

func (m *Manager) OnExternallyUsed(key page.Key) {
	m.tracker.OnExternallyUsed(key)
}

func (m *Manager) OnExternallyUnused(key page.Key) {
	m.tracker.OnExternallyUnused(key)
	m.HandlePageIfUnused(key)
}

func (m *Manager) OnInternallyUsed(key page.Key) {
	m.tracker.OnInternallyUsed(key)
}

func (m *Manager) OnInternallyUnused(key page.Key) {
	m.tracker.OnInternallyUnused(key)
	m.HandlePageIfUnused(key)
}

// HandlePageIfUnused attempts, in the background, an IfEmpty eviction of key if it is
// fully unused and was ever opened externally. Failures are logged only; a later
// sweep retries.
func (m *Manager) HandlePageIfUnused(key page.Key) {
	if !m.config.Opportunistic {
		return
	}
	if m.tracker.IsOpen(key) || !m.tracker.EverExternallyOpened(key) {
		return
	}

	m.mu.RLock()
	if m.closed || m.delegate == nil {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	done := m.begin()
	go func() {
		defer m.wg.Done()
		defer done()

		evicted, err := m.TryEvictPage(m.baseCtx, key, IfEmpty)
		switch {
		case err == nil:
			if evicted {
				logging.Debug(m.baseCtx, logging.ComponentEviction, logging.ActionEvict,
					"Evicted empty page after close", logging.Fields{"page": key})
			}
		case errors.Is(err, ErrPageNotFound), errors.Is(err, ErrInterrupted):
			logging.Debug(m.baseCtx, logging.ComponentEviction, logging.ActionEvict,
				"Opportunistic eviction skipped", logging.Fields{"page": key, "status": StatusOf(err).String()})
		default:
			logging.Warn(m.baseCtx, logging.ComponentEviction, logging.ActionEvict,
				"Opportunistic eviction failed", logging.Fields{"page": key, "error": err.Error()})
		}
	}()
}

// IsClosedAndSynced evaluates the IfPossible predicate for key.
func (m *Manager) IsClosedAndSynced(ctx context.Context, key page.Key) (PredicateResult, error) {
	done := m.begin()
	defer done()
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	_, ev, err := m.current("closed_and_synced")
	if err != nil {
		return PredicateNo, err
	}
	return ev.IsClosedAndSynced(ctx, key)
}

// IsClosedOfflineAndEmpty evaluates the IfEmpty predicate for key.
func (m *Manager) IsClosedOfflineAndEmpty(ctx context.Context, key page.Key) (PredicateResult, error) {
	done := m.begin()
	defer done()
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	_, ev, err := m.current("closed_offline_and_empty")
	if err != nil {
		return PredicateNo, err
	}
	return ev.IsClosedOfflineAndEmpty(ctx, key)
}

// TryEvictPage deletes the local replica of key if it passes condition. A page that
// is open, or reopened before the delete is issued, is not evicted and is not an
// error. evicted reports whether the physical delete happened, even if recording it
// in the usage index then failed.
func (m *Manager) TryEvictPage(ctx context.Context, key page.Key, condition Condition) (evicted bool, err error) {
	done := m.begin()
	defer done()
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	defer func() {
		if err != nil {
			metrics.IncEvictionFailure(StatusOf(err).String())
		}
	}()

	d, ev, err := m.current("evict")
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, classify("evict", ctx.Err())
	}

	var result PredicateResult
	switch condition {
	case IfPossible:
		result, err = ev.IsClosedAndSynced(ctx, key)
	case IfEmpty:
		result, err = ev.IsClosedOfflineAndEmpty(ctx, key)
	default:
		return false, newError(StatusInternalError, "evict", fmt.Sprintf("unknown condition %d", condition), nil)
	}
	if err != nil {
		return false, err
	}
	if result != PredicateYes {
		return false, nil
	}

	// The page may have been reopened since the predicate released its reference.
	if m.tracker.IsOpen(key) {
		return false, nil
	}

	if err := d.DeletePageStorage(ctx, key); err != nil {
		return false, classify("delete", err)
	}

	metrics.IncEviction(condition.String())
	logging.Info(ctx, logging.ComponentEviction, logging.ActionEvict, "Page evicted", logging.Fields{
		"page":      key,
		"condition": condition.String(),
	})

	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		o.PageEvicted(ctx, key, condition)
	}

	if err := m.writer.markDeleted(ctx, key); err != nil {
		logging.Error(ctx, logging.ComponentEviction, logging.ActionPersist,
			"Failed to remove evicted page from usage index", err, logging.Fields{"page": key})
		return true, classify("mark_deleted", err)
	}
	return true, nil
}

// TryCleanUp runs one sweep with policy, or the configured policy if nil.
func (m *Manager) TryCleanUp(ctx context.Context, policy Policy) error {
	_, err := m.Sweep(ctx, policy)
	return err
}

// Sweep tries the candidates of policy in order with IfPossible until one is evicted,
// or through the whole list for policies that evict all. Candidates that are open,
// reopened, unsynced or already gone are skipped. Only I/O failures and interruption
// end the sweep with an error.
func (m *Manager) Sweep(ctx context.Context, policy Policy) (SweepResult, error) {
	done := m.begin()
	defer done()
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	if policy == nil {
		policy = m.config.Policy
	}
	result := SweepResult{Policy: policy.Name()}
	start := time.Now()

	err := m.sweep(ctx, policy, &result)

	outcome := "ok"
	if err != nil {
		outcome = StatusOf(err).String()
	}
	metrics.ObserveSweep(policy.Name(), outcome, float64(time.Since(start).Microseconds())/1000)

	fields := logging.Fields{
		"policy":      result.Policy,
		"candidates":  result.Candidates,
		"evicted":     result.Evicted,
		"skipped":     result.Skipped,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		logging.Error(ctx, logging.ComponentCleanup, logging.ActionSweep, "Cleanup sweep failed", err, fields)
	} else {
		logging.Info(ctx, logging.ComponentCleanup, logging.ActionSweep, "Cleanup sweep completed", fields)
	}
	return result, err
}

func (m *Manager) sweep(ctx context.Context, policy Policy, result *SweepResult) error {
	if _, _, err := m.current("cleanup"); err != nil {
		return err
	}

	keys, err := policy.SelectCandidates(ctx, m.index)
	if err != nil {
		return classify("cleanup", err)
	}
	result.Candidates = len(keys)

	evictAll := false
	if p, ok := policy.(sweepAll); ok {
		evictAll = p.EvictsAll()
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return classify("cleanup", err)
		}

		evicted, err := m.TryEvictPage(ctx, key, IfPossible)
		switch {
		case err == nil && evicted:
			result.Evicted++
			if !evictAll {
				return nil
			}
		case err == nil:
			result.Skipped++
		case errors.Is(err, ErrPageNotFound):
			result.Skipped++
			if m.tracker.IsOpen(key) {
				continue
			}
			// The replica is gone without us; drop the stale index entry.
			if err := m.writer.markDeleted(ctx, key); err != nil {
				return classify("cleanup", err)
			}
		case errors.Is(err, ErrIllegalState):
			result.Skipped++
		default:
			return err
		}
	}
	return nil
}

// Close interrupts in-flight operations, waits for background evictions, drains
// pending usage index updates and closes the index.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	initialized := m.initialized
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	if !initialized {
		// Fail updates parked on the index latch instead of waiting forever.
		m.index.Close()
	}
	m.writer.close()
	return m.index.Close()
}
