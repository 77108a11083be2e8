package eviction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pagekeeper/internal/page"
	"pagekeeper/internal/persistence"
)

// Policy orders eviction candidates. Policies only read the usage index.
type Policy interface {
	Name() string
	SelectCandidates(ctx context.Context, src CandidateSource) ([]page.Key, error)
}

// sweepAll is implemented by policies whose sweeps keep evicting after the first
// success.
type sweepAll interface {
	EvictsAll() bool
}

// eligible skips open pages and pages no external client ever asked for.
func eligible(e persistence.UsageEntry) bool {
	return !e.Open && e.ExternallyUsed
}

func sortByRecency(entries []persistence.UsageEntry) []page.Key {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastClosedAt.Equal(b.LastClosedAt) {
			return a.LastClosedAt.Before(b.LastClosedAt)
		}
		return a.Key.Less(b.Key)
	})
	keys := make([]page.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// LeastRecentlyUsedPolicy orders closed pages by last close, oldest first, and
// evicts a single page per sweep.
type LeastRecentlyUsedPolicy struct{}

func (LeastRecentlyUsedPolicy) Name() string { return "lru" }

func (LeastRecentlyUsedPolicy) SelectCandidates(ctx context.Context, src CandidateSource) ([]page.Key, error) {
	seq, err := src.ListCandidates(ctx)
	if err != nil {
		return nil, err
	}

	var entries []persistence.UsageEntry
	for e := range seq {
		if eligible(e) {
			entries = append(entries, e)
		}
	}
	return sortByRecency(entries), nil
}

// AgePolicy selects every closed page not used for longer than Threshold, oldest
// first, and evicts all of them in one sweep.
type AgePolicy struct {
	Threshold time.Duration
	Now       func() time.Time
}

func (p AgePolicy) Name() string { return "age" }

func (p AgePolicy) EvictsAll() bool { return true }

func (p AgePolicy) SelectCandidates(ctx context.Context, src CandidateSource) ([]page.Key, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-p.Threshold)

	seq, err := src.ListCandidates(ctx)
	if err != nil {
		return nil, err
	}

	var entries []persistence.UsageEntry
	for e := range seq {
		if eligible(e) && e.LastClosedAt.Before(cutoff) {
			entries = append(entries, e)
		}
	}
	return sortByRecency(entries), nil
}

// PolicyOptions carries the settings policies may need.
type PolicyOptions struct {
	AgeThreshold time.Duration
}

// NewPolicy builds the policy registered under name.
func NewPolicy(name string, opts PolicyOptions) (Policy, error) {
	switch name {
	case "lru", "":
		return LeastRecentlyUsedPolicy{}, nil
	case "age":
		if opts.AgeThreshold <= 0 {
			return nil, fmt.Errorf("age policy requires a positive threshold")
		}
		return AgePolicy{Threshold: opts.AgeThreshold}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy: %s", name)
	}
}
