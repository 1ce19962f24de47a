package graph

import (
	"fmt"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/page"
)

// CurrentPage is the per-block access arbiter: spec.md section 3's
// current_page. It owns the FIFO queue of acquirers and hands out
// read/write admission in queue order, enforcing that at most one writer
// at a time holds the page and that readers queued ahead of a writer all
// see the pre-write bytes.
type CurrentPage struct {
	blockID blockio.BlockID
	pg      *page.Page
	deleted bool

	// lastWriteAcquirer/lastWriteAcquirerVersion let a fresh acquirer
	// connect itself as a preceder of whichever transaction most recently
	// held write access, per spec.md section 4.3's "preceder" edges.
	lastWriteAcquirer        *Txn
	lastWriteAcquirerVersion blockio.Version

	// lastDirtier/lastDirtierVersion/lastDirtierRecency track the
	// transaction that last actually modified the page, distinct from one
	// that merely acquired write access without dirtying it.
	lastDirtier        *Txn
	lastDirtierVersion blockio.Version
	lastDirtierRecency blockio.Recency

	// keepalive counts snapshot readers still holding a reference to pg
	// after being lifted out of the queue; it, together with acquirers,
	// decides ShouldEvict.
	keepalive int

	version blockio.Version
	recency blockio.Recency

	acquirers []*Acq
}

// NewCurrentPage creates the arbiter for a freshly allocated or
// freshly-loaded block.
func NewCurrentPage(id blockio.BlockID, pg *page.Page, recency blockio.Recency) *CurrentPage {
	return &CurrentPage{
		blockID: id,
		pg:      pg,
		recency: recency,
	}
}

// BlockID reports the block this arbiter serves.
func (cp *CurrentPage) BlockID() blockio.BlockID { return cp.blockID }

// Page returns the resident page record. Callers must not retain it past
// a RemoveAcquirer/eviction boundary without pinning it first.
func (cp *CurrentPage) Page() *page.Page { return cp.pg }

// Deleted reports whether MarkDeleted has been called.
func (cp *CurrentPage) Deleted() bool { return cp.deleted }

// Recency returns the current recency value for eviction ranking.
func (cp *CurrentPage) Recency() blockio.Recency { return cp.recency }

// Version returns the current block version.
func (cp *CurrentPage) Version() blockio.Version { return cp.version }

// QueueLen reports how many acquirers are still queued (not yet lifted or
// removed). Exposed for the eviction and diagnostics paths.
func (cp *CurrentPage) QueueLen() int { return len(cp.acquirers) }

// AddAcquirer appends a new acquirer to the queue and wires its preceder
// edges, per spec.md section 4.3. A write acquirer connects itself as a
// successor of lastWriteAcquirer (if any) and becomes the new
// lastWriteAcquirer; a read acquirer simply takes the current version. It
// then re-runs pulsePulsables to admit whatever can now proceed.
func (cp *CurrentPage) AddAcquirer(acq *Acq) {
	acq.version = cp.version
	cp.acquirers = append(cp.acquirers, acq)
	if acq.txn != nil {
		acq.txn.addAcquirer(acq)
	}

	if acq.mode == Write {
		if acq.txn != nil && cp.lastWriteAcquirer != nil && cp.lastWriteAcquirer != acq.txn {
			acq.txn.ConnectPreceder(cp.lastWriteAcquirer)
			cp.lastWriteAcquirer.clearLastWriteAcquirer(cp)
		}
		if acq.txn != nil {
			cp.lastWriteAcquirer = acq.txn
			cp.lastWriteAcquirerVersion = cp.version
			acq.txn.noteLastWriteAcquirer(cp)
		}
	}

	cp.pulsePulsables()
}

// pulsePulsables walks the queue from the front, releasing every acquirer
// that may now proceed. Readers ahead of the first writer are always
// pulsable; the scan stops at the first writer still queued, which gets
// read access there but write access only once it is at the head of the
// queue, so at most one writer holds write access and no reader still
// queued ahead of it can see its writes.
//
// A reader that declared itself a snapshot reader is lifted out of the
// queue entirely the moment it is pulsed: it captures pg/recency by value
// and is removed from acquirers, so it no longer participates in eviction
// or future scans. It is re-run from index 0 on every call (rather than
// resuming from a saved cursor) because lifting splices the slice and
// shifts every later index — a cursor would have to be recomputed anyway,
// and the full rescan is cheap since admitted entries are no-ops on
// revisit (pulseRead/pulseWrite are idempotent).
func (cp *CurrentPage) pulsePulsables() {
	i := 0
	for i < len(cp.acquirers) {
		acq := cp.acquirers[i]

		if acq.mode == Read {
			acq.pulseRead()
			if acq.declaredSnapshot && !acq.dirtiedPage {
				acq.snapshotPage = cp.pg
				acq.snapshotRec = cp.recency
				acq.cp = nil
				cp.keepalive++
				cp.acquirers = append(cp.acquirers[:i], cp.acquirers[i+1:]...)
				continue // don't advance i: next element shifted into place
			}
			i++
			continue
		}

		// acq.mode == Write: every reader ahead of the first writer has been
		// pulsed (by the loop reaching this point), so the writer may read.
		// It acquires write access only at index 0: readers still queued
		// ahead of it must exit (RemoveAcquirer) or be lifted as snapshots
		// first. Since acquirers are removed via RemoveAcquirer once done,
		// the first Write entry in the live queue is the sole writer
		// eligible right now.
		acq.pulseRead()
		if i == 0 {
			acq.pulseWrite()
		}
		return
	}
}

// RemoveAcquirer detaches acq from the queue (whether still queued or
// already lifted as a snapshot), releases its hold on the page, and
// re-runs pulsePulsables so the next waiter can proceed.
func (cp *CurrentPage) RemoveAcquirer(acq *Acq) {
	if acq.txn != nil {
		acq.txn.removeAcquirer(acq)
	}

	if acq.cp == nil {
		// Already lifted: just drop the keepalive reference.
		if cp.keepalive > 0 {
			cp.keepalive--
		}
		return
	}

	for i, a := range cp.acquirers {
		if a == acq {
			cp.acquirers = append(cp.acquirers[:i], cp.acquirers[i+1:]...)
			break
		}
	}
	acq.cp = nil
	cp.pulsePulsables()
}

// DirtyThePage records that acq (a write acquirer) has modified the
// page's bytes, bumping the block version and recency. If the previous
// dirtier is a different transaction, one of two things happens: if that
// transaction was already marked for pre-spawn flush, its pre-image bytes
// are snapshotted now (it can no longer rely on reading them off the live
// page once this write lands); otherwise the previous dirtier connects as
// a preceder of acq's transaction, since without a snapshot it must flush
// no later than this write does, and its dirtied entry for this block is
// dropped: this write supersedes those bytes, which are kept nowhere else.
func (cp *CurrentPage) DirtyThePage(acq *Acq, newData []byte) error {
	if acq.cp != cp {
		return fmt.Errorf("current_page %d: DirtyThePage called by foreign acquirer", cp.blockID)
	}
	if acq.mode != Write {
		return fmt.Errorf("current_page %d: DirtyThePage called by a reader", cp.blockID)
	}

	if cp.lastDirtier != nil && cp.lastDirtier != acq.txn {
		if cp.lastDirtier.BeganWaitingForFlush() {
			cp.lastDirtier.capturePreImage(cp.blockID, cp.pg.Clone())
		} else if acq.txn != nil {
			acq.txn.ConnectPreceder(cp.lastDirtier)
			cp.lastDirtier.dropDirtied(cp.blockID)
		}
		cp.lastDirtier.clearLastDirtier(cp)
	}

	cp.pg.SetData(newData)
	cp.version++
	cp.recency++
	acq.dirtiedPage = true
	acq.touchedPage = true

	if acq.txn != nil {
		cp.lastDirtier = acq.txn
		cp.lastDirtierVersion = cp.version
		cp.lastDirtierRecency = cp.recency
		acq.txn.noteLastDirtier(cp)
		acq.txn.markDirtied(cp, cp.version)
	}
	return nil
}

// SetRecency bumps recency without dirtying the page, per spec.md
// section 3's touch_recency (a plain read that wants to count as "recently
// used" without being a write).
func (cp *CurrentPage) SetRecency(acq *Acq, r blockio.Recency) {
	cp.recency = r
	acq.touchedPage = true
	if acq.txn != nil {
		acq.txn.markTouched(cp, cp.version, r)
		if cp.lastDirtier == acq.txn {
			cp.lastDirtierRecency = r
		}
	}
}

// MarkDeleted tombstones the block: acq (its write acquirer) is deleting
// the page. Readers already lifted as snapshots keep their pre-deletion
// bytes; anything that lifts after this point sees a nil snapshot page,
// signaling "this block no longer exists" (spec.md section 4.3). The
// deletion is recorded as a dirtied entry with no page on acq's
// transaction, which the flush turns into an index delete; a previous
// dirtier is handed off as in DirtyThePage.
func (cp *CurrentPage) MarkDeleted(acq *Acq) error {
	if acq.cp != cp || acq.mode != Write {
		return fmt.Errorf("current_page %d: MarkDeleted requires the current write acquirer", cp.blockID)
	}
	if len(cp.acquirers) != 1 || cp.acquirers[0] != acq {
		return fmt.Errorf("current_page %d: MarkDeleted requires acq to be the sole remaining acquirer", cp.blockID)
	}
	if cp.lastDirtier != nil && cp.lastDirtier != acq.txn {
		if cp.lastDirtier.BeganWaitingForFlush() && cp.pg != nil {
			cp.lastDirtier.capturePreImage(cp.blockID, cp.pg.Clone())
		} else if acq.txn != nil {
			acq.txn.ConnectPreceder(cp.lastDirtier)
			cp.lastDirtier.dropDirtied(cp.blockID)
		}
		cp.lastDirtier.clearLastDirtier(cp)
	}
	cp.deleted = true
	cp.pg = nil
	cp.recency = blockio.RecencyInvalid
	cp.version++
	acq.dirtiedPage = true
	acq.touchedPage = true
	if acq.txn != nil {
		cp.lastDirtier = acq.txn
		cp.lastDirtierVersion = cp.version
		cp.lastDirtierRecency = cp.recency
		acq.txn.noteLastDirtier(cp)
		acq.txn.markDirtied(cp, cp.version)
	}
	return nil
}

// ShouldEvict reports whether this arbiter may be destroyed, per spec.md
// section 3's invariant: no acquirers, no last_write_acquirer, no
// last_dirtier, zero keepalives, and its page either absent or
// disk-backed with no waiters.
func (cp *CurrentPage) ShouldEvict() bool {
	if len(cp.acquirers) > 0 || cp.keepalive > 0 {
		return false
	}
	if cp.lastWriteAcquirer != nil || cp.lastDirtier != nil {
		return false
	}
	if cp.pg == nil {
		return true
	}
	return cp.pg.State() == page.DiskBacked && !cp.pg.HasWaiters()
}
