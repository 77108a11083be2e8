// Package cluster gossips with the other pagekeeper nodes of a deployment so that
// peers learn which page replicas this node dropped.
package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClusterConfig configures gossip membership.
type ClusterConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	ClusterName string `yaml:"cluster_name" json:"cluster_name"`

	BindAddress      string `yaml:"bind_address" json:"bind_address"`
	BindPort         int    `yaml:"bind_port" json:"bind_port"`
	AdvertiseAddress string `yaml:"advertise_address" json:"advertise_address"`

	SeedNodes []string `yaml:"seed_nodes" json:"seed_nodes"`

	JoinTimeout    time.Duration `yaml:"join_timeout" json:"join_timeout"`
	GossipInterval time.Duration `yaml:"gossip_interval" json:"gossip_interval"`

	// Tags are gossiped with the local member, e.g. the addresses of its listeners.
	Tags map[string]string `yaml:"tags" json:"tags"`
}

// Tag keys set by pagekeeper nodes.
const (
	TagRole         = "role"
	TagCluster      = "cluster"
	TagAPI          = "api"
	TagSessions     = "sessions"
	TagDiskPressure = "disk_pressure"
)

// DefaultClusterConfig returns the defaults; NodeID must be set by the caller.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		ClusterName:    "pagekeeper",
		BindAddress:    "0.0.0.0",
		BindPort:       7946,
		SeedNodes:      []string{},
		JoinTimeout:    30 * time.Second,
		GossipInterval: 200 * time.Millisecond,
	}
}

var ErrInvalidConfiguration = errors.New("invalid cluster configuration")

// ValidateConfig checks the fields gossip cannot start without.
func ValidateConfig(config ClusterConfig) error {
	if config.NodeID == "" {
		return fmt.Errorf("node_id is required: %w", ErrInvalidConfiguration)
	}
	if config.ClusterName == "" {
		return fmt.Errorf("cluster_name is required: %w", ErrInvalidConfiguration)
	}
	if config.BindPort <= 0 || config.BindPort > 65535 {
		return fmt.Errorf("bind_port must be between 1 and 65535: %w", ErrInvalidConfiguration)
	}
	if config.GossipInterval <= 0 {
		return fmt.Errorf("gossip_interval must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// GenerateNodeID returns a random node identifier.
func GenerateNodeID() string {
	return "pagekeeper-" + uuid.NewString()[:8]
}

// NodeStatus is the liveness of a cluster member.
type NodeStatus string

const (
	NodeAlive   NodeStatus = "alive"
	NodeLeaving NodeStatus = "leaving"
	NodeDead    NodeStatus = "dead"
)

// ClusterMember is one node as seen through gossip.
type ClusterMember struct {
	NodeID   string            `json:"node_id"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Status   NodeStatus        `json:"status"`
	Metadata map[string]string `json:"metadata"`
	LastSeen time.Time         `json:"last_seen"`
	JoinedAt time.Time         `json:"joined_at"`
}

// MembershipEventType is the kind of membership change.
type MembershipEventType string

const (
	MemberJoined  MembershipEventType = "joined"
	MemberLeft    MembershipEventType = "left"
	MemberFailed  MembershipEventType = "failed"
	MemberUpdated MembershipEventType = "updated"
)

// MembershipEvent reports a membership change to subscribers.
type MembershipEvent struct {
	Type      MembershipEventType `json:"type"`
	Member    ClusterMember       `json:"member"`
	Timestamp time.Time           `json:"timestamp"`
}

// MembershipSummary condenses the member table.
type MembershipSummary struct {
	TotalMembers   int           `json:"total_members"`
	HealthyMembers int           `json:"healthy_members"`
	FailedMembers  int           `json:"failed_members"`
	ClusterAge     time.Duration `json:"cluster_age"`
	EventCount     int64         `json:"event_count"`

	// Nodes gossiping a disk_pressure tag other than "none".
	PressuredNodes map[string]string `json:"pressured_nodes,omitempty"`
}

// EventPublisher sends a named user event to every node.
type EventPublisher interface {
	SendUserEvent(name string, payload []byte) error
}
