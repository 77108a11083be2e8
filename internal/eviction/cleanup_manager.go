package eviction

import (
	"context"

	"pagekeeper/internal/page"
)

// DiskCleanupManager is the face of the eviction subsystem handed to its owner: the
// usage listener for the page layer plus on-demand cleanup with a fixed policy.
type DiskCleanupManager struct {
	manager *Manager
	policy  Policy
}

var _ PageUsageListener = (*DiskCleanupManager)(nil)

// NewDiskCleanupManager wraps manager. A nil policy uses the manager's default.
func NewDiskCleanupManager(manager *Manager, policy Policy) *DiskCleanupManager {
	if policy == nil {
		policy = manager.config.Policy
	}
	return &DiskCleanupManager{manager: manager, policy: policy}
}

func (c *DiskCleanupManager) Init(ctx context.Context) error {
	return c.manager.Init(ctx)
}

func (c *DiskCleanupManager) SetOnDiscardable(fn func()) {
	c.manager.SetOnDiscardable(fn)
}

func (c *DiskCleanupManager) IsDiscardable() bool {
	return c.manager.IsDiscardable()
}

// TryCleanUp runs one sweep with the configured policy.
func (c *DiskCleanupManager) TryCleanUp(ctx context.Context) error {
	return c.manager.TryCleanUp(ctx, c.policy)
}

// Sweep is TryCleanUp with the sweep summary.
func (c *DiskCleanupManager) Sweep(ctx context.Context) (SweepResult, error) {
	return c.manager.Sweep(ctx, c.policy)
}

// Policy returns the sweep policy.
func (c *DiskCleanupManager) Policy() Policy {
	return c.policy
}

// Manager returns the underlying eviction manager.
func (c *DiskCleanupManager) Manager() *Manager {
	return c.manager
}

func (c *DiskCleanupManager) OnExternallyUsed(key page.Key) {
	c.manager.OnExternallyUsed(key)
}

func (c *DiskCleanupManager) OnExternallyUnused(key page.Key) {
	c.manager.OnExternallyUnused(key)
}

func (c *DiskCleanupManager) OnInternallyUsed(key page.Key) {
	c.manager.OnInternallyUsed(key)
}

func (c *DiskCleanupManager) OnInternallyUnused(key page.Key) {
	c.manager.OnInternallyUnused(key)
}

func (c *DiskCleanupManager) Close() error {
	return c.manager.Close()
}
