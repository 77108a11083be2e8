package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pagekeeper/internal/eviction"
	"pagekeeper/internal/logging"
	"pagekeeper/internal/metrics"
	"pagekeeper/internal/page"
)

// EvictionEventName is the serf user event carrying an EvictionNotice.
const EvictionEventName = "page-evicted"

const recentNoticeLimit = 256

// EvictionNotice tells peers that a node dropped its local replica of a page.
type EvictionNotice struct {
	NodeID        string    `json:"node_id"`
	Scope         string    `json:"scope"`
	PageID        string    `json:"page_id"` // hex
	Condition     string    `json:"condition"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Key returns the page the notice is about.
func (n EvictionNotice) Key() (page.Key, error) {
	return page.FromHex(n.Scope, n.PageID)
}

// EvictionBroadcaster publishes this node's evictions to the cluster and keeps the
// notices received from peers.
type EvictionBroadcaster struct {
	nodeID    string
	publisher EventPublisher

	mu        sync.Mutex
	recent    []EvictionNotice
	perPeer   map[string]int64
	published int64
	failed    int64
}

var _ eviction.Observer = (*EvictionBroadcaster)(nil)

// NewEvictionBroadcaster creates a broadcaster publishing through publisher.
func NewEvictionBroadcaster(nodeID string, publisher EventPublisher) *EvictionBroadcaster {
	return &EvictionBroadcaster{
		nodeID:    nodeID,
		publisher: publisher,
		perPeer:   make(map[string]int64),
	}
}

// PageEvicted gossips an EvictionNotice. Publishing failures are logged; eviction
// does not depend on peers hearing about it.
func (b *EvictionBroadcaster) PageEvicted(ctx context.Context, key page.Key, condition eviction.Condition) {
	notice := EvictionNotice{
		NodeID:        b.nodeID,
		Scope:         key.Scope,
		PageID:        key.HexID(),
		Condition:     condition.String(),
		CorrelationID: logging.CorrelationID(ctx),
		Timestamp:     time.Now(),
	}

	err := b.publish(notice)

	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.published++
	}
	b.mu.Unlock()

	if err != nil {
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionBroadcast, "Failed to broadcast eviction", logging.Fields{
			"page":  key,
			"error": err.Error(),
		})
		return
	}
	logging.Debug(ctx, logging.ComponentCluster, logging.ActionBroadcast, "Eviction broadcast", logging.Fields{"page": key})
}

func (b *EvictionBroadcaster) publish(notice EvictionNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to serialize eviction notice: %w", err)
	}
	return b.publisher.SendUserEvent(EvictionEventName, data)
}

// HandleUserEvent is installed as the membership's user event handler. Our own
// notices come back through gossip and are ignored.
func (b *EvictionBroadcaster) HandleUserEvent(name string, payload []byte) {
	if name != EvictionEventName {
		return
	}

	var notice EvictionNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		logging.Warn(context.Background(), logging.ComponentCluster, logging.ActionBroadcast, "Malformed eviction notice", logging.Fields{
			"error": err.Error(),
		})
		return
	}
	if notice.NodeID == b.nodeID {
		return
	}

	b.mu.Lock()
	b.perPeer[notice.NodeID]++
	b.recent = append(b.recent, notice)
	if len(b.recent) > recentNoticeLimit {
		b.recent = append(b.recent[:0], b.recent[len(b.recent)-recentNoticeLimit:]...)
	}
	b.mu.Unlock()

	metrics.IncPeerEvictionNotice()
	ctx := logging.WithCorrelationID(context.Background(), notice.CorrelationID)
	logging.Debug(ctx, logging.ComponentCluster, logging.ActionBroadcast, "Peer evicted page", logging.Fields{
		"peer":      notice.NodeID,
		"scope":     notice.Scope,
		"page_id":   notice.PageID,
		"condition": notice.Condition,
	})
}

// RecentNotices returns the latest notices received from peers, oldest first.
func (b *EvictionBroadcaster) RecentNotices() []EvictionNotice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]EvictionNotice(nil), b.recent...)
}

// BroadcastStats summarizes the broadcaster.
type BroadcastStats struct {
	Published     int64            `json:"published"`
	Failed        int64            `json:"failed"`
	ReceivedPeers map[string]int64 `json:"received_by_peer"`
}

func (b *EvictionBroadcaster) Stats() BroadcastStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers := make(map[string]int64, len(b.perPeer))
	for k, v := range b.perPeer {
		peers[k] = v
	}
	return BroadcastStats{Published: b.published, Failed: b.failed, ReceivedPeers: peers}
}
