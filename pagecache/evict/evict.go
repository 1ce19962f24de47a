// Package evict implements spec.md section 4.2's multi-bag eviction
// structure and read-ahead ingestion path. The bag-plus-index bookkeeping
// follows the teacher's BufferPoolManager
// (core/write_engine/memtable/bufferpoolmanager.go): a container/list
// doubly linked list per priority class, paired with a map from key to
// list.Element for O(1) removal, generalized here from the teacher's
// single LRU list into one list per residency bag so victim selection can
// prefer dropping clean pages before dirty ones.
package evict

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/kilndb/pagecache/blockio"
)

// Residency is the coarse eviction-priority class spec.md section 4.2
// groups pages into.
type Residency int

const (
	// Loading pages are never evictable: a load is in flight.
	Loading Residency = iota
	// Unloaded pages are already disk-backed; evicting them is free.
	Unloaded
	// ResidentClean pages hold bytes that match what's on disk.
	ResidentClean
	// ResidentDirty pages hold bytes not yet flushed.
	ResidentDirty
)

func (r Residency) String() string {
	switch r {
	case Loading:
		return "loading"
	case Unloaded:
		return "unloaded"
	case ResidentClean:
		return "resident-clean"
	case ResidentDirty:
		return "resident-dirty"
	default:
		return "unknown"
	}
}

// Evictable is the narrow view of a cached block the evicter needs. The
// cache's façade package implements this over *graph.CurrentPage without
// this package importing graph, avoiding a cycle (evict would otherwise
// need graph's types, and graph's flush/eviction hooks would need
// evict's).
type Evictable interface {
	BlockID() blockio.BlockID
	// ShouldEvict reports whether this item may currently be reclaimed:
	// no acquirers, no pins, no in-flight load (spec.md section 3's
	// current_page destruction invariant, or page.Page.Evictable for a
	// bytes-only reclaim).
	ShouldEvict() bool
	// EvictBytes drops resident bytes and marks the item disk-backed. Only
	// called when ShouldEvict is true and Residency is ResidentClean or
	// ResidentDirty (dirty pages must be flushed first by the caller).
	EvictBytes() error
}

// Evicter tracks every known block's residency bag and selects victims
// when memory is over budget.
type Evicter struct {
	mu sync.Mutex

	bags    [4]*list.List
	index   map[blockio.BlockID]*list.Element
	entries map[blockio.BlockID]Evictable
	classOf map[blockio.BlockID]Residency

	evictions uint64
}

// New creates an empty evicter.
func New() *Evicter {
	e := &Evicter{
		index:   make(map[blockio.BlockID]*list.Element),
		entries: make(map[blockio.BlockID]Evictable),
		classOf: make(map[blockio.BlockID]Residency),
	}
	for i := range e.bags {
		e.bags[i] = list.New()
	}
	return e
}

// Track registers item under the given initial residency, at the
// most-recently-used end of its bag.
func (e *Evicter) Track(item Evictable, r Residency) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := item.BlockID()
	if _, ok := e.entries[id]; ok {
		e.removeLocked(id)
	}
	e.entries[id] = item
	e.classOf[id] = r
	e.index[id] = e.bags[r].PushFront(id)
}

// Untrack drops item from all bookkeeping, e.g. once its CurrentPage is
// destroyed.
func (e *Evicter) Untrack(id blockio.BlockID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(id)
}

func (e *Evicter) removeLocked(id blockio.BlockID) {
	if el, ok := e.index[id]; ok {
		r := e.classOf[id]
		e.bags[r].Remove(el)
	}
	delete(e.index, id)
	delete(e.entries, id)
	delete(e.classOf, id)
}

// Touch moves id to the most-recently-used end of its current bag,
// without changing its residency class.
func (e *Evicter) Touch(id blockio.BlockID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.index[id]
	if !ok {
		return
	}
	r := e.classOf[id]
	e.bags[r].MoveToFront(el)
}

// Reclassify moves id into a different residency bag, e.g. once a write
// dirties a clean page, or a flush cleans a dirty one.
func (e *Evicter) Reclassify(id blockio.BlockID, r Residency) {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.index[id]
	if !ok {
		return
	}
	old := e.classOf[id]
	if old == r {
		return
	}
	e.bags[old].Remove(el)
	e.classOf[id] = r
	e.index[id] = e.bags[r].PushFront(id)
}

// EvictionsPerformed reports the cumulative count of successful
// EvictBytes calls, for the perfmon sink.
func (e *Evicter) EvictionsPerformed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictions
}

// Reclaim walks ResidentClean from least- to most-recently-used, evicting
// up to maxVictims items whose ShouldEvict is true; it has no byte budget,
// only that count. It never touches ResidentDirty: those must be
// flushed by the caller first and reclassified before Reclaim can free
// them, matching spec.md section 4.2's "selects victims from the
// evictable bag(s)" without the evicter itself driving flush.
func (e *Evicter) Reclaim(maxVictims int) (evicted []blockio.BlockID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bag := e.bags[ResidentClean]
	var next *list.Element
	for el := bag.Back(); el != nil && len(evicted) < maxVictims; el = next {
		next = el.Prev()
		id := el.Value.(blockio.BlockID)
		item, ok := e.entries[id]
		if !ok || !item.ShouldEvict() {
			continue
		}
		if evictErr := item.EvictBytes(); evictErr != nil {
			return evicted, fmt.Errorf("evict: block %d: %w", id, evictErr)
		}
		e.evictions++
		bag.Remove(el)
		e.classOf[id] = Unloaded
		e.index[id] = e.bags[Unloaded].PushFront(id)
		evicted = append(evicted, id)
	}
	return evicted, nil
}

// BagLen reports how many items currently sit in bag r, for diagnostics
// and tests.
func (e *Evicter) BagLen(r Residency) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bags[r].Len()
}

// Residency reports id's current bag, or false if untracked.
func (e *Evicter) Residency(id blockio.BlockID) (Residency, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.classOf[id]
	return r, ok
}
