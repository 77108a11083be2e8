package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/serf/serf"

	"pagekeeper/internal/logging"
)

// GossipMembership tracks cluster members over serf and relays user events.
type GossipMembership struct {
	config     ClusterConfig
	serf       *serf.Serf
	eventCh    chan serf.Event
	stopCh     chan struct{}
	done       chan struct{}
	memberSubs []chan MembershipEvent

	members     map[string]*ClusterMember
	localMember *ClusterMember

	userEventHandler func(eventName string, payload []byte)

	mu     sync.RWMutex
	subsMu sync.RWMutex

	startTime  time.Time
	eventCount int64
}

// NewGossipMembership creates a membership provider; Start brings it up.
func NewGossipMembership(config ClusterConfig) (*GossipMembership, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	now := time.Now()
	tags := map[string]string{
		TagCluster: config.ClusterName,
		TagRole:    "pagekeeper",
	}
	for k, v := range config.Tags {
		tags[k] = v
	}
	gm := &GossipMembership{
		config:    config,
		eventCh:   make(chan serf.Event, 256),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		members:   make(map[string]*ClusterMember),
		startTime: now,
	}
	gm.localMember = &ClusterMember{
		NodeID:  config.NodeID,
		Address: config.AdvertiseAddress,
		Port:    config.BindPort,
		Status:   NodeAlive,
		Metadata: tags,
		JoinedAt: now,
		LastSeen: now,
	}
	gm.members[config.NodeID] = gm.localMember
	return gm, nil
}

// Start creates the serf agent and begins processing membership events.
func (gm *GossipMembership) Start(ctx context.Context) error {
	conf := serf.DefaultConfig()
	conf.Init()
	conf.NodeName = gm.config.NodeID
	conf.MemberlistConfig.BindAddr = gm.config.BindAddress
	conf.MemberlistConfig.BindPort = gm.config.BindPort
	if gm.config.AdvertiseAddress != "" {
		conf.MemberlistConfig.AdvertiseAddr = gm.config.AdvertiseAddress
		conf.MemberlistConfig.AdvertisePort = gm.config.BindPort
	}
	conf.MemberlistConfig.GossipInterval = gm.config.GossipInterval
	conf.EventCh = gm.eventCh

	conf.Tags = gm.localTags()

	s, err := serf.Create(conf)
	if err != nil {
		return fmt.Errorf("failed to create serf instance: %w", err)
	}
	gm.serf = s

	go gm.processEvents()

	logging.Info(ctx, logging.ComponentCluster, logging.ActionStart, "Gossip membership started", logging.Fields{
		"node_id":   gm.config.NodeID,
		"bind_addr": gm.config.BindAddress,
		"bind_port": gm.config.BindPort,
	})
	return nil
}

// Stop leaves the cluster and shuts serf down.
func (gm *GossipMembership) Stop(ctx context.Context) error {
	if gm.serf == nil {
		return nil
	}

	if err := gm.serf.Leave(); err != nil {
		logging.Warn(ctx, logging.ComponentCluster, logging.ActionStop, "Error leaving serf cluster", logging.Fields{"error": err.Error()})
	}
	err := gm.serf.Shutdown()

	select {
	case <-gm.stopCh:
	default:
		close(gm.stopCh)
		<-gm.done
	}

	gm.subsMu.Lock()
	for _, ch := range gm.memberSubs {
		close(ch)
	}
	gm.memberSubs = nil
	gm.subsMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to shutdown serf: %w", err)
	}
	logging.Info(ctx, logging.ComponentCluster, logging.ActionStop, "Gossip membership stopped")
	return nil
}

// Join contacts the seed nodes until one of them answers or the join timeout expires.
func (gm *GossipMembership) Join(ctx context.Context, seedNodes []string) error {
	if gm.serf == nil {
		return fmt.Errorf("membership provider not started")
	}
	if len(seedNodes) == 0 {
		return nil
	}

	timeout := gm.config.JoinTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for _, seed := range seedNodes {
		if err := joinCtx.Err(); err != nil {
			return fmt.Errorf("join timeout: %w", err)
		}

		n, err := gm.serf.Join([]string{seed}, false)
		if err != nil {
			lastErr = err
			logging.Warn(ctx, logging.ComponentCluster, logging.ActionJoin, "Seed node did not answer", logging.Fields{
				"seed":  seed,
				"error": err.Error(),
			})
			continue
		}
		if n > 0 {
			logging.Info(ctx, logging.ComponentCluster, logging.ActionJoin, "Joined cluster", logging.Fields{
				"seed":    seed,
				"members": n,
			})
			return nil
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to join any seed nodes: %w", lastErr)
	}
	return fmt.Errorf("no seed nodes responded")
}

// GetMembers returns a copy of the member table.
func (gm *GossipMembership) GetMembers() []ClusterMember {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	members := make([]ClusterMember, 0, len(gm.members))
	for _, m := range gm.members {
		c := *m
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
		members = append(members, c)
	}
	return members
}

// SetTag changes one tag of the local member and gossips the new tag set. Before
// Start it only updates the tags Start will announce.
func (gm *GossipMembership) SetTag(key, value string) error {
	gm.mu.Lock()
	if gm.localMember.Metadata[key] == value {
		gm.mu.Unlock()
		return nil
	}
	gm.localMember.Metadata[key] = value
	gm.mu.Unlock()

	if gm.serf == nil {
		return nil
	}
	if err := gm.serf.SetTags(gm.localTags()); err != nil {
		return fmt.Errorf("failed to gossip tag %s: %w", key, err)
	}
	return nil
}

func (gm *GossipMembership) localTags() map[string]string {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	tags := make(map[string]string, len(gm.localMember.Metadata))
	for k, v := range gm.localMember.Metadata {
		tags[k] = v
	}
	return tags
}

// Subscribe returns a channel of membership changes, closed by Stop.
func (gm *GossipMembership) Subscribe() <-chan MembershipEvent {
	ch := make(chan MembershipEvent, 100)
	gm.subsMu.Lock()
	gm.memberSubs = append(gm.memberSubs, ch)
	gm.subsMu.Unlock()
	return ch
}

// Summary counts members by liveness and lists the nodes reporting disk pressure.
func (gm *GossipMembership) Summary() MembershipSummary {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	sum := MembershipSummary{
		TotalMembers: len(gm.members),
		ClusterAge:   time.Since(gm.startTime),
		EventCount:   gm.eventCount,
	}
	for _, member := range gm.members {
		switch member.Status {
		case NodeAlive:
			sum.HealthyMembers++
		case NodeDead:
			sum.FailedMembers++
		}
		if level := member.Metadata[TagDiskPressure]; level != "" && level != "none" {
			if sum.PressuredNodes == nil {
				sum.PressuredNodes = make(map[string]string)
			}
			sum.PressuredNodes[member.NodeID] = level
		}
	}
	return sum
}

// IsHealthy reports whether serf is running.
func (gm *GossipMembership) IsHealthy() bool {
	return gm.serf != nil && gm.serf.State() == serf.SerfAlive
}

// SendUserEvent gossips a named event to every node, this one included.
func (gm *GossipMembership) SendUserEvent(name string, payload []byte) error {
	if gm.serf == nil {
		return fmt.Errorf("membership provider not started")
	}
	return gm.serf.UserEvent(name, payload, false)
}

// SetUserEventHandler installs the receiver of user events.
func (gm *GossipMembership) SetUserEventHandler(handler func(eventName string, payload []byte)) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.userEventHandler = handler
}

func (gm *GossipMembership) processEvents() {
	defer close(gm.done)
	for {
		select {
		case <-gm.stopCh:
			return
		case event := <-gm.eventCh:
			gm.handleSerfEvent(event)
		}
	}
}

func (gm *GossipMembership) handleSerfEvent(event serf.Event) {
	gm.mu.Lock()
	gm.eventCount++
	gm.mu.Unlock()

	switch e := event.(type) {
	case serf.MemberEvent:
		for _, m := range e.Members {
			gm.processMemberChange(m, e.EventType())
		}
	case serf.UserEvent:
		gm.mu.RLock()
		handler := gm.userEventHandler
		gm.mu.RUnlock()
		if handler != nil {
			handler(e.Name, e.Payload)
		}
	default:
		logging.Debug(context.Background(), logging.ComponentCluster, logging.ActionBroadcast, "Ignoring serf event", logging.Fields{
			"type": event.EventType().String(),
		})
	}
}

func (gm *GossipMembership) processMemberChange(sm serf.Member, eventType serf.EventType) {
	now := time.Now()
	member := &ClusterMember{
		NodeID:   sm.Name,
		Port:     int(sm.Port),
		Metadata: sm.Tags,
		LastSeen: now,
	}
	if sm.Addr != nil {
		member.Address = sm.Addr.String()
	}

	var kind MembershipEventType
	gm.mu.Lock()
	switch eventType {
	case serf.EventMemberJoin:
		member.Status = NodeAlive
		member.JoinedAt = now
		kind = MemberJoined
		gm.members[member.NodeID] = member
	case serf.EventMemberLeave:
		member.Status = NodeLeaving
		kind = MemberLeft
		delete(gm.members, member.NodeID)
	case serf.EventMemberFailed:
		member.Status = NodeDead
		kind = MemberFailed
		if existing, ok := gm.members[member.NodeID]; ok {
			existing.Status = NodeDead
			existing.LastSeen = now
		}
	case serf.EventMemberUpdate:
		member.Status = NodeAlive
		kind = MemberUpdated
		if existing, ok := gm.members[member.NodeID]; ok {
			existing.Metadata = member.Metadata
			existing.LastSeen = now
		}
	case serf.EventMemberReap:
		delete(gm.members, member.NodeID)
	}
	gm.mu.Unlock()

	if kind == "" {
		return
	}
	logging.Info(context.Background(), logging.ComponentCluster, logging.ActionJoin, "Cluster membership changed", logging.Fields{
		"member":  member.NodeID,
		"address": member.Address,
		"change":  string(kind),
	})
	gm.notifySubscribers(MembershipEvent{Type: kind, Member: *member, Timestamp: now})
}

func (gm *GossipMembership) notifySubscribers(event MembershipEvent) {
	gm.subsMu.RLock()
	defer gm.subsMu.RUnlock()

	for _, ch := range gm.memberSubs {
		select {
		case ch <- event:
		default:
			logging.Warn(context.Background(), logging.ComponentCluster, logging.ActionBroadcast, "Membership subscriber channel full")
		}
	}
}
