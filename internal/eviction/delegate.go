package eviction

import (
	"context"
	"iter"
	"time"

	"pagekeeper/internal/page"
	"pagekeeper/internal/persistence"
)

// Delegate is the page storage the manager evicts from.
type Delegate interface {
	// Lookup reports whether a local replica of key exists.
	Lookup(ctx context.Context, key page.Key) (bool, error)
	// IsSynced reports whether no unsynced commits or objects remain locally.
	IsSynced(ctx context.Context, key page.Key) (bool, error)
	// IsOfflineAndEmpty reports whether the page has no content and was never synced.
	IsOfflineAndEmpty(ctx context.Context, key page.Key) (bool, error)
	// DeletePageStorage removes the local replica. It must fail with ErrIllegalState
	// if the page is open and ErrIOError on filesystem failure.
	DeletePageStorage(ctx context.Context, key page.Key) error
}

// PageLister is implemented by delegates that can enumerate the pages on disk.
// Pages it returns are registered in the usage index at Init.
type PageLister interface {
	ListPages(ctx context.Context) ([]page.Key, error)
}

// Observer is told about every page the manager evicts.
type Observer interface {
	PageEvicted(ctx context.Context, key page.Key, condition Condition)
}

// PageUsageListener receives open and close notifications from the page-owning layer.
type PageUsageListener interface {
	OnExternallyUsed(key page.Key)
	OnExternallyUnused(key page.Key)
	OnInternallyUsed(key page.Key)
	OnInternallyUnused(key page.Key)
}

// CandidateSource is the read side of the usage index that policies consume.
type CandidateSource interface {
	ListCandidates(ctx context.Context) (iter.Seq[persistence.UsageEntry], error)
}

// UsageIndex is the persisted usage store as seen by the manager.
type UsageIndex interface {
	CandidateSource
	Init(ctx context.Context) error
	MarkOpened(ctx context.Context, key page.Key, external bool) error
	MarkClosed(ctx context.Context, key page.Key, ts time.Time, external bool) error
	MarkKnown(ctx context.Context, key page.Key, ts time.Time, external bool) error
	MarkDeleted(ctx context.Context, key page.Key) error
	Close() error
}

var _ UsageIndex = (*persistence.UsageStore)(nil)
