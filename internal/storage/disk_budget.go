package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"pagekeeper/internal/logging"
	"pagekeeper/internal/metrics"
	"pagekeeper/internal/page"
)

// PressureLevel grades how full the disk budget is.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureWarning
	PressureCritical
	PressurePanic
)

func (p PressureLevel) String() string {
	switch p {
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressurePanic:
		return "panic"
	default:
		return "none"
	}
}

// ErrBudgetExceeded is returned when a charge would push usage past the budget.
var ErrBudgetExceeded = fmt.Errorf("disk budget exceeded")

// DiskBudget accounts the bytes held by local page replicas against a maximum and
// reports pressure when usage crosses the configured thresholds.
type DiskBudget struct {
	name    string
	maxSize int64
	used    atomic.Int64

	mu      sync.Mutex
	perPage map[page.Key]int64

	warningThreshold  float64
	criticalThreshold float64
	panicThreshold    float64

	charges  atomic.Int64
	releases atomic.Int64
	refusals atomic.Int64

	onWarning  func(float64)
	onCritical func(float64)
	onPanic    func(float64)
}

// NewDiskBudget creates a budget of maxSize bytes with 0.80/0.90/0.95 thresholds.
func NewDiskBudget(name string, maxSize int64) *DiskBudget {
	b := &DiskBudget{
		name:              name,
		maxSize:           maxSize,
		perPage:           make(map[page.Key]int64),
		warningThreshold:  0.80,
		criticalThreshold: 0.90,
		panicThreshold:    0.95,
	}
	b.onWarning = b.logPressure(PressureWarning)
	b.onCritical = b.logPressure(PressureCritical)
	b.onPanic = b.logPressure(PressurePanic)
	return b
}

// Charge adds delta bytes to key. A positive delta that would exceed the budget is
// refused; negative deltas always succeed.
func (b *DiskBudget) Charge(key page.Key, delta int64) error {
	if delta == 0 {
		return nil
	}

	b.mu.Lock()
	if delta > 0 && b.used.Load()+delta > b.maxSize {
		b.mu.Unlock()
		b.refusals.Add(1)
		b.checkPressure(1)
		return fmt.Errorf("%w: %d + %d > %d", ErrBudgetExceeded, b.used.Load(), delta, b.maxSize)
	}
	cur := b.perPage[key] + delta
	if cur <= 0 {
		delta -= cur
		delete(b.perPage, key)
	} else {
		b.perPage[key] = cur
	}
	used := b.used.Add(delta)
	b.mu.Unlock()

	b.charges.Add(1)
	metrics.SetDiskUsed(used)
	if delta > 0 {
		b.checkPressure(float64(used) / float64(b.maxSize))
	}
	return nil
}

// Set records key as holding exactly size bytes, regardless of the limit. It is used
// when pages already on disk are discovered at startup.
func (b *DiskBudget) Set(key page.Key, size int64) {
	b.mu.Lock()
	prev := b.perPage[key]
	if size <= 0 {
		delete(b.perPage, key)
		size = 0
	} else {
		b.perPage[key] = size
	}
	used := b.used.Add(size - prev)
	b.mu.Unlock()
	metrics.SetDiskUsed(used)
}

// Release frees everything charged to key and returns the amount.
func (b *DiskBudget) Release(key page.Key) int64 {
	b.mu.Lock()
	size, ok := b.perPage[key]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	delete(b.perPage, key)
	used := b.used.Add(-size)
	b.mu.Unlock()

	b.releases.Add(1)
	metrics.SetDiskUsed(used)
	return size
}

// PageSize returns the bytes charged to key.
func (b *DiskBudget) PageSize(key page.Key) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perPage[key]
}

func (b *DiskBudget) Used() int64 {
	return b.used.Load()
}

func (b *DiskBudget) MaxSize() int64 {
	return b.maxSize
}

func (b *DiskBudget) Available() int64 {
	return b.maxSize - b.used.Load()
}

// Pressure is used/max in [0, 1] (it can exceed 1 after Set).
func (b *DiskBudget) Pressure() float64 {
	return float64(b.used.Load()) / float64(b.maxSize)
}

// Level classifies the current pressure.
func (b *DiskBudget) Level() PressureLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level(b.Pressure())
}

func (b *DiskBudget) level(p float64) PressureLevel {
	switch {
	case p >= b.panicThreshold:
		return PressurePanic
	case p >= b.criticalThreshold:
		return PressureCritical
	case p >= b.warningThreshold:
		return PressureWarning
	default:
		return PressureNone
	}
}

// checkPressure fires the handler for the highest threshold crossed, asynchronously so
// that writers never wait on cleanup.
func (b *DiskBudget) checkPressure(p float64) {
	b.mu.Lock()
	var fn func(float64)
	switch b.level(p) {
	case PressurePanic:
		fn = b.onPanic
	case PressureCritical:
		fn = b.onCritical
	case PressureWarning:
		fn = b.onWarning
	}
	b.mu.Unlock()
	if fn != nil {
		go fn(p)
	}
}

// SetPressureThresholds sets the warning, critical and panic levels.
func (b *DiskBudget) SetPressureThresholds(warning, critical, panic float64) error {
	if warning < 0 || warning > 1 || critical < 0 || critical > 1 || panic < 0 || panic > 1 {
		return fmt.Errorf("thresholds must be between 0.0 and 1.0")
	}
	if warning >= critical || critical >= panic {
		return fmt.Errorf("thresholds must be ordered: warning < critical < panic")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.warningThreshold = warning
	b.criticalThreshold = critical
	b.panicThreshold = panic
	return nil
}

// SetPressureHandlers replaces the pressure callbacks. A nil handler disables that
// level.
func (b *DiskBudget) SetPressureHandlers(onWarning, onCritical, onPanic func(float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onWarning = onWarning
	b.onCritical = onCritical
	b.onPanic = onPanic
}

// BudgetStats is a snapshot of a DiskBudget.
type BudgetStats struct {
	Name      string  `json:"name"`
	MaxSize   int64   `json:"max_size"`
	Used      int64   `json:"used"`
	Available int64   `json:"available"`
	Pressure  float64 `json:"pressure"`
	Level     string  `json:"level"`
	Pages     int     `json:"pages"`
	Charges   int64   `json:"charges"`
	Releases  int64   `json:"releases"`
	Refusals  int64   `json:"refusals"`
}

func (b *DiskBudget) Stats() BudgetStats {
	b.mu.Lock()
	pages := len(b.perPage)
	b.mu.Unlock()

	used := b.used.Load()
	return BudgetStats{
		Name:      b.name,
		MaxSize:   b.maxSize,
		Used:      used,
		Available: b.maxSize - used,
		Pressure:  b.Pressure(),
		Level:     b.Level().String(),
		Pages:     pages,
		Charges:   b.charges.Load(),
		Releases:  b.releases.Load(),
		Refusals:  b.refusals.Load(),
	}
}

func (b *DiskBudget) Name() string {
	return b.name
}

func (b *DiskBudget) logPressure(level PressureLevel) func(float64) {
	return func(p float64) {
		logging.Warn(context.Background(), logging.ComponentStorage, logging.ActionPressure, "Disk budget under pressure", logging.Fields{
			"budget":   b.name,
			"level":    level.String(),
			"pressure": fmt.Sprintf("%.1f%%", p*100),
		})
	}
}
