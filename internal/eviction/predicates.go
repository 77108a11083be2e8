package eviction

import (
	"context"

	"pagekeeper/internal/logging"
	"pagekeeper/internal/metrics"
	"pagekeeper/internal/page"
)

// PredicateResult is the outcome of an eviction safety check.
type PredicateResult int

const (
	PredicateYes PredicateResult = iota
	PredicateNo
	// PredicatePageOpened means the page was used while the check ran, so the
	// storage answer may be stale.
	PredicatePageOpened
)

func (r PredicateResult) String() string {
	switch r {
	case PredicateYes:
		return "YES"
	case PredicateNo:
		return "NO"
	case PredicatePageOpened:
		return "PAGE_OPENED"
	default:
		return "UNKNOWN"
	}
}

// PredicateEvaluator answers closed-and-synced and closed-offline-and-empty questions.
// Concurrent checks for the same key are independent; each one decides staleness on
// its own from the tracker.
type PredicateEvaluator struct {
	tracker  *UsageTracker
	delegate Delegate
}

// NewPredicateEvaluator creates an evaluator over tracker and delegate.
func NewPredicateEvaluator(tracker *UsageTracker, delegate Delegate) *PredicateEvaluator {
	return &PredicateEvaluator{tracker: tracker, delegate: delegate}
}

// IsClosedAndSynced reports whether key is closed and has nothing left to sync.
func (e *PredicateEvaluator) IsClosedAndSynced(ctx context.Context, key page.Key) (PredicateResult, error) {
	return e.evaluate(ctx, key, "closed_and_synced", e.delegate.IsSynced)
}

// IsClosedOfflineAndEmpty reports whether key is closed, empty and was never synced.
func (e *PredicateEvaluator) IsClosedOfflineAndEmpty(ctx context.Context, key page.Key) (PredicateResult, error) {
	return e.evaluate(ctx, key, "closed_offline_and_empty", e.delegate.IsOfflineAndEmpty)
}

func (e *PredicateEvaluator) evaluate(ctx context.Context, key page.Key, name string,
	query func(context.Context, page.Key) (bool, error)) (PredicateResult, error) {

	// The internal reference keeps the page from being collected mid-check. The watch
	// is taken after it so that our own reference does not count as a reopen.
	e.tracker.OnInternallyUsed(key)
	w := e.tracker.Watch(key)
	defer w.Stop()

	held := true
	release := func() {
		if held {
			held = false
			e.tracker.OnInternallyUnused(key)
		}
	}
	defer release()

	found, err := e.delegate.Lookup(ctx, key)
	if err != nil {
		return PredicateNo, classify(name, err)
	}
	if !found {
		return PredicateNo, newError(StatusPageNotFound, name, "page not found", nil)
	}

	answer, err := query(ctx, key)
	if err != nil {
		return PredicateNo, classify(name, err)
	}

	release()

	result := PredicateNo
	switch {
	case w.Fired() || e.tracker.IsExternallyOpen(key):
		result = PredicatePageOpened
	case answer:
		result = PredicateYes
	}

	metrics.IncPredicateResult(name, result.String())
	logging.Debug(ctx, logging.ComponentPredicate, logging.ActionCheck, "Predicate evaluated", logging.Fields{
		"page":      key,
		"predicate": name,
		"result":    result.String(),
	})
	return result, nil
}
