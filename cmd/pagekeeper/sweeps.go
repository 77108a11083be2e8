package main

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pagekeeper/internal/eviction"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/storage"
)

// maxReliefSweeps bounds the sweeps run for a single pressure trigger.
const maxReliefSweeps = 64

// sweepScheduler runs cleanup sweeps from the periodic ticker and from disk pressure
// callbacks. Concurrent triggers share one sweep.
type sweepScheduler struct {
	cleanup *eviction.DiskCleanupManager
	budget  *storage.DiskBudget
	group   singleflight.Group

	// onLevel, if set, receives the budget's pressure level after every sweep run.
	onLevel func(storage.PressureLevel)

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func newSweepScheduler(cleanup *eviction.DiskCleanupManager, budget *storage.DiskBudget) *sweepScheduler {
	return &sweepScheduler{cleanup: cleanup, budget: budget}
}

// trigger sweeps once, then keeps sweeping while the disk budget stays above its
// warning level and sweeps still evict something.
func (s *sweepScheduler) trigger(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	v, err, shared := s.group.Do("sweep", func() (interface{}, error) {
		return s.relieve(ctx)
	})
	if shared {
		return
	}
	if s.onLevel != nil && s.budget != nil {
		s.onLevel(s.budget.Level())
	}

	fields := logging.Fields{"reason": reason}
	if total, ok := v.(int); ok {
		fields["evicted"] = total
	}
	if err != nil {
		logging.Error(ctx, logging.ComponentCleanup, logging.ActionSweep, "Scheduled cleanup failed", err, fields)
		return
	}
	logging.Debug(ctx, logging.ComponentCleanup, logging.ActionSweep, "Scheduled cleanup finished", fields)
}

func (s *sweepScheduler) relieve(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < maxReliefSweeps; i++ {
		result, err := s.cleanup.Sweep(ctx)
		total += result.Evicted
		if err != nil {
			return total, err
		}
		if result.Evicted == 0 || s.budget == nil || s.budget.Level() == storage.PressureNone {
			return total, nil
		}
	}
	return total, nil
}

// runPeriodic sweeps every interval until ctx is cancelled. A zero interval disables it.
func (s *sweepScheduler) runPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, "interval")
		}
	}
}

// wait stops accepting triggers and waits for running sweeps.
func (s *sweepScheduler) wait() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}
