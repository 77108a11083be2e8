// Package filter provides a cuckoo filter used to answer "definitely absent" page
// lookups without touching disk. Unlike a Bloom filter it supports deletions, which
// evicted pages need.
package filter

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const slotsPerBucket = 4

// Config sizes a CuckooFilter.
type Config struct {
	ExpectedItems     uint64  `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	// MaxKicks bounds the relocation chain of one insert.
	MaxKicks uint32 `yaml:"max_kicks"`
}

// DefaultConfig returns a filter sized for expectedItems at a 0.1% false positive rate.
func DefaultConfig(expectedItems uint64) Config {
	return Config{
		ExpectedItems:     expectedItems,
		FalsePositiveRate: 0.001,
		MaxKicks:          500,
	}
}

// Stats is a point-in-time view of a filter.
type Stats struct {
	Size              uint64  `json:"size"`
	Capacity          uint64  `json:"capacity"`
	LoadFactor        float64 `json:"load_factor"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Lookups           uint64  `json:"lookups"`
	Negatives         uint64  `json:"negatives"`
	FailedAdds        uint64  `json:"failed_adds"`
	Kicks             uint64  `json:"kicks"`
}

// Error describes a filter failure.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("filter %s failed: %s", e.Op, e.Message)
}

var (
	ErrFilterFull    = &Error{Op: "add", Message: "filter is full"}
	ErrInvalidKey    = &Error{Op: "key", Message: "key cannot be empty"}
	ErrConfigInvalid = &Error{Op: "config", Message: "filter configuration is invalid"}
)

type bucket struct {
	fingerprints [slotsPerBucket]uint16
	occupied     uint8
}

// victim holds the fingerprint left homeless by a failed relocation chain. Keeping it
// preserves the no-false-negative guarantee; while it is set the filter reports full.
type victim struct {
	set         bool
	bucket      uint64
	fingerprint uint16
}

// CuckooFilter is a concurrency-safe cuckoo filter over byte keys. Contains never
// returns false for a key that was added and not deleted.
type CuckooFilter struct {
	mu       sync.RWMutex
	buckets  []bucket
	mask     uint64
	fpBits   uint8
	fpMask   uint32
	maxKicks uint32
	capacity uint64
	victim   victim

	size       atomic.Uint64
	lookups    atomic.Uint64
	negatives  atomic.Uint64
	failedAdds atomic.Uint64
	kicks      atomic.Uint64
}

// NewCuckooFilter creates a filter for cfg.
func NewCuckooFilter(cfg Config) (*CuckooFilter, error) {
	if cfg.ExpectedItems == 0 {
		return nil, &Error{Op: "create", Message: "expected_items must be greater than 0"}
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		return nil, &Error{Op: "create", Message: "false_positive_rate must be between 0 and 1"}
	}
	if cfg.MaxKicks == 0 {
		cfg.MaxKicks = 500
	}

	fpBits := uint8(math.Ceil(math.Log2(slotsPerBucket / cfg.FalsePositiveRate)))
	if fpBits > 16 {
		fpBits = 16
	}

	const loadFactor = 0.85
	n := nextPowerOfTwo(uint64(math.Ceil(float64(cfg.ExpectedItems) / (slotsPerBucket * loadFactor))))

	return &CuckooFilter{
		buckets:  make([]bucket, n),
		mask:     n - 1,
		fpBits:   fpBits,
		fpMask:   uint32(1)<<fpBits - 1,
		maxKicks: cfg.MaxKicks,
		capacity: uint64(float64(n*slotsPerBucket) * loadFactor),
	}, nil
}

// Add inserts key. Adding the same key twice stores it twice.
func (f *CuckooFilter) Add(key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	fp, i1, i2 := f.locate(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.victim.set || f.size.Load() >= f.capacity {
		f.failedAdds.Add(1)
		return ErrFilterFull
	}
	if f.insert(i1, fp) || f.insert(i2, fp) {
		f.size.Add(1)
		return nil
	}

	// Relocate existing fingerprints until one finds a free slot.
	cur, idx := fp, i1
	if rand.IntN(2) == 1 {
		idx = i2
	}
	for k := uint32(0); k < f.maxKicks; k++ {
		f.kicks.Add(1)
		b := &f.buckets[idx]
		slot := rand.IntN(slotsPerBucket)
		cur, b.fingerprints[slot] = b.fingerprints[slot], cur

		idx = f.altIndex(idx, cur)
		if f.insert(idx, cur) {
			f.size.Add(1)
			return nil
		}
	}

	f.victim = victim{set: true, bucket: idx, fingerprint: cur}
	f.size.Add(1)
	return nil
}

// Contains reports whether key may have been added.
func (f *CuckooFilter) Contains(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	f.lookups.Add(1)
	fp, i1, i2 := f.locate(key)

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.has(i1, fp) || f.has(i2, fp) {
		return true
	}
	if f.victim.set && f.victim.fingerprint == fp && (f.victim.bucket == i1 || f.victim.bucket == i2) {
		return true
	}
	f.negatives.Add(1)
	return false
}

// Delete removes one copy of key. It must only be called for keys that were added.
func (f *CuckooFilter) Delete(key []byte) bool {
	if len(key) == 0 {
		return false
	}
	fp, i1, i2 := f.locate(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.victim.set && f.victim.fingerprint == fp && (f.victim.bucket == i1 || f.victim.bucket == i2):
		f.victim = victim{}
	case f.remove(i1, fp), f.remove(i2, fp):
	default:
		return false
	}
	f.size.Add(^uint64(0))

	// A freed slot may take the victim back.
	if f.victim.set {
		v := f.victim
		if f.insert(v.bucket, v.fingerprint) || f.insert(f.altIndex(v.bucket, v.fingerprint), v.fingerprint) {
			f.victim = victim{}
		}
	}
	return true
}

// Clear empties the filter.
func (f *CuckooFilter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.buckets)
	f.victim = victim{}
	f.size.Store(0)
}

func (f *CuckooFilter) Size() uint64 {
	return f.size.Load()
}

func (f *CuckooFilter) Capacity() uint64 {
	return f.capacity
}

// FalsePositiveRate is the theoretical rate, 2b/2^f for bucket size b.
func (f *CuckooFilter) FalsePositiveRate() float64 {
	return 2 * slotsPerBucket / math.Pow(2, float64(f.fpBits))
}

func (f *CuckooFilter) Stats() Stats {
	size := f.size.Load()
	return Stats{
		Size:              size,
		Capacity:          f.capacity,
		LoadFactor:        float64(size) / float64(f.capacity),
		FalsePositiveRate: f.FalsePositiveRate(),
		Lookups:           f.lookups.Load(),
		Negatives:         f.negatives.Load(),
		FailedAdds:        f.failedAdds.Load(),
		Kicks:             f.kicks.Load(),
	}
}

func (f *CuckooFilter) locate(key []byte) (fp uint16, i1, i2 uint64) {
	h := xxhash.Sum64(key)
	// Upper bits for the fingerprint so it does not correlate with the bucket index.
	v := (uint32(h>>32) ^ uint32(h)) & f.fpMask
	if v == 0 {
		v = 1
	}
	fp = uint16(v)
	i1 = h & f.mask
	i2 = f.altIndex(i1, fp)
	return fp, i1, i2
}

// altIndex is an involution: altIndex(altIndex(i, fp), fp) == i.
func (f *CuckooFilter) altIndex(i uint64, fp uint16) uint64 {
	h := uint64(fp)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return (i ^ h) & f.mask
}

func (f *CuckooFilter) insert(i uint64, fp uint16) bool {
	b := &f.buckets[i]
	for s := 0; s < slotsPerBucket; s++ {
		if b.occupied&(1<<s) == 0 {
			b.fingerprints[s] = fp
			b.occupied |= 1 << s
			return true
		}
	}
	return false
}

func (f *CuckooFilter) has(i uint64, fp uint16) bool {
	b := &f.buckets[i]
	for s := 0; s < slotsPerBucket; s++ {
		if b.occupied&(1<<s) != 0 && b.fingerprints[s] == fp {
			return true
		}
	}
	return false
}

func (f *CuckooFilter) remove(i uint64, fp uint16) bool {
	b := &f.buckets[i]
	for s := 0; s < slotsPerBucket; s++ {
		if b.occupied&(1<<s) != 0 && b.fingerprints[s] == fp {
			b.fingerprints[s] = 0
			b.occupied &^= 1 << s
			return true
		}
	}
	return false
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
