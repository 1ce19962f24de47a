// Package throttle implements spec.md section 4.1's throttler: two
// counting semaphores bounding outstanding unwritten block changes and
// index changes, the latter capped at a fixed multiple of the former. The
// steady-state acquire/release path is built on
// golang.org/x/sync/semaphore.Weighted — already pulled into the teacher's
// dependency graph transitively through hashicorp/raft — which is the
// natural Go realization of "counting semaphore". Because
// semaphore.Weighted is fixed-size, InformMemoryLimitChange (which must
// resize both semaphores per spec.md section 4.1) drains each semaphore to
// empty before installing a freshly sized one, rather than mutating size
// in place.
package throttle

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"go.uber.org/zap"
)

const (
	// SoftLimitBlockChanges is the hard ceiling on block-change capacity
	// regardless of how much memory is available, per spec.md section 4.1.
	SoftLimitBlockChanges int64 = 8000
	// IndexFactor is how much larger the index-changes semaphore is than
	// the block-changes semaphore.
	IndexFactor int64 = 5
	// MemoryFraction is the share of the memory budget the throttler may
	// assume is available for outstanding block changes.
	MemoryFraction = 0.5
)

// CapacityObserver receives the throttler's current capacity whenever it
// changes, satisfying the perfmon-sink shape from spec.md section 6
// without this package needing to import the serializer package.
type CapacityObserver interface {
	ObserveThrottlerCapacity(blockCapacity, indexCapacity int64)
}

// Throttler bounds the amount of unwritten work the cache will admit.
type Throttler struct {
	mu sync.Mutex

	blockSem *semaphore.Weighted
	indexSem *semaphore.Weighted

	blockCapacity int64
	indexCapacity int64
	minimum       int64

	observer CapacityObserver
	logger   *zap.Logger
}

// New creates a throttler at the given initial block-change capacity
// (index capacity is derived as IndexFactor times that).
func New(initialBlockCapacity int64, logger *zap.Logger) *Throttler {
	if initialBlockCapacity < 1 {
		initialBlockCapacity = 1
	}
	indexCap := initialBlockCapacity * IndexFactor
	return &Throttler{
		blockSem:      semaphore.NewWeighted(initialBlockCapacity),
		indexSem:      semaphore.NewWeighted(indexCap),
		blockCapacity: initialBlockCapacity,
		indexCapacity: indexCap,
		minimum:       1,
		logger:        logger,
	}
}

// SetObserver installs (or clears, with nil) the capacity observer.
func (t *Throttler) SetObserver(o CapacityObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = o
}

// Acq is one transaction's outstanding reservation against both
// semaphores, returned by BeginOrThrottle.
type Acq struct {
	t *Throttler

	blockUnits int64
	indexUnits int64

	preSpawnFlush bool
	retired       bool
}

// BeginOrThrottle acquires expectedChangeCount units from both semaphores,
// index first then blocks, per spec.md section 4.1's fixed ordering rule
// (it prevents deadlock against any other code path that might acquire in
// the other order). It blocks until both are granted. If
// expectedChangeCount alone exceeds the configured capacity, the
// transaction is admitted alone: it waits for the semaphore to drain
// completely and then holds the whole thing, satisfying spec.md section 8
// property 5's single-oversized-txn carve-out.
func (t *Throttler) BeginOrThrottle(ctx context.Context, expectedChangeCount int64) (*Acq, error) {
	if expectedChangeCount < 0 {
		return nil, fmt.Errorf("throttle: negative expected change count %d", expectedChangeCount)
	}
	t.mu.Lock()
	blockCap := t.blockCapacity
	indexCap := t.indexCapacity
	t.mu.Unlock()

	blockN, indexN := expectedChangeCount, expectedChangeCount
	if expectedChangeCount > blockCap {
		blockN = blockCap
	}
	if expectedChangeCount > indexCap {
		indexN = indexCap
	}

	if err := t.indexSem.Acquire(ctx, indexN); err != nil {
		return nil, err
	}
	if err := t.blockSem.Acquire(ctx, blockN); err != nil {
		t.indexSem.Release(indexN)
		return nil, err
	}
	return &Acq{t: t, blockUnits: blockN, indexUnits: indexN}, nil
}

// UpdateDirtyPageCount grows both acquisitions to n once the owning
// transaction has entered pre-flush state, if n exceeds what's already
// reserved. It never shrinks before flush, per spec.md section 4.1.
func (a *Acq) UpdateDirtyPageCount(ctx context.Context, n int64) error {
	if !a.preSpawnFlush || n <= a.blockUnits {
		return nil
	}
	deltaBlock := n - a.blockUnits
	deltaIndex := n - a.indexUnits
	if deltaIndex > 0 {
		if err := a.t.indexSem.Acquire(ctx, deltaIndex); err != nil {
			return err
		}
		a.indexUnits += deltaIndex
	}
	if deltaBlock > 0 {
		if err := a.t.blockSem.Acquire(ctx, deltaBlock); err != nil {
			return err
		}
		a.blockUnits += deltaBlock
	}
	return nil
}

// MarkPreSpawnFlush flags this acquisition as belonging to a transaction
// the flush engine has decided to flush ahead of commit (spec.md
// section 4.4's pre-spawn-flush state).
func (a *Acq) MarkPreSpawnFlush() { a.preSpawnFlush = true }

// PreSpawnFlush reports whether MarkPreSpawnFlush has been called.
func (a *Acq) PreSpawnFlush() bool { return a.preSpawnFlush }

// MarkDirtyPagesWritten drops the block-changes reservation to zero; the
// index reservation is held until the transaction fully retires
// (spec.md section 4.1).
func (a *Acq) MarkDirtyPagesWritten() {
	if a.blockUnits > 0 {
		a.t.blockSem.Release(a.blockUnits)
		a.blockUnits = 0
	}
}

// Retire releases whatever remains of both reservations. Safe to call more
// than once.
func (a *Acq) Retire() {
	if a.retired {
		return
	}
	a.retired = true
	if a.blockUnits > 0 {
		a.t.blockSem.Release(a.blockUnits)
		a.blockUnits = 0
	}
	if a.indexUnits > 0 {
		a.t.indexSem.Release(a.indexUnits)
		a.indexUnits = 0
	}
}

// InformMemoryLimitChange recomputes capacity as
// min(SoftLimitBlockChanges, memBytes/blockSize*MemoryFraction), floored
// at minimum (>= 1), and resizes both semaphores to match. It blocks until
// every outstanding reservation drains, since semaphore.Weighted cannot be
// resized in place.
func (t *Throttler) InformMemoryLimitChange(ctx context.Context, memBytes int64, blockSize int, minimum int64) error {
	if minimum < 1 {
		minimum = 1
	}
	if blockSize <= 0 {
		return fmt.Errorf("throttle: invalid block size %d", blockSize)
	}
	newBlockCap := int64(float64(memBytes) / float64(blockSize) * MemoryFraction)
	if newBlockCap > SoftLimitBlockChanges {
		newBlockCap = SoftLimitBlockChanges
	}
	if newBlockCap < minimum {
		newBlockCap = minimum
	}
	newIndexCap := newBlockCap * IndexFactor

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.blockSem.Acquire(ctx, t.blockCapacity); err != nil {
		return err
	}
	if err := t.indexSem.Acquire(ctx, t.indexCapacity); err != nil {
		t.blockSem.Release(t.blockCapacity)
		return err
	}

	t.blockSem = semaphore.NewWeighted(newBlockCap)
	t.indexSem = semaphore.NewWeighted(newIndexCap)
	t.blockCapacity = newBlockCap
	t.indexCapacity = newIndexCap
	t.minimum = minimum

	if t.logger != nil {
		t.logger.Info("throttler capacity changed",
			zap.Int64("block_capacity", newBlockCap),
			zap.Int64("index_capacity", newIndexCap))
	}
	if t.observer != nil {
		t.observer.ObserveThrottlerCapacity(newBlockCap, newIndexCap)
	}
	return nil
}

// Capacity returns the current (blockCapacity, indexCapacity) pair.
func (t *Throttler) Capacity() (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockCapacity, t.indexCapacity
}
