package graph

import (
	"time"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/page"
	"github.com/kilndb/pagecache/throttle"
)

// TxnID identifies a transaction for the lifetime of the process. It is
// never reused, which keeps it convenient as a map key in graph
// algorithms — the C++ original additionally needed a generation counter
// here to detect stale pointers into a manually managed arena, but Go's
// garbage collector makes the plain monotonic counter sufficient.
type TxnID int64

// Color is one of the four marks the flush engine's maximal-flushable-set
// walk uses over the preceder graph: not yet visited, queued for visit
// (blue), settled flushable (green), or settled poisoned by an unflushable
// preceder (red).
type Color int

const (
	ColorNone Color = iota
	ColorBlue
	ColorGreen
	ColorRed
)

// DirtiedEntry records one block a transaction modified: the version it
// produced, and a snapshot of its bytes, attached either by a later writer
// inheriting the block while the transaction is pre-spawn-flushed or by
// DetachFromPages for a block the transaction still last dirtied. Page
// stays nil for a deleted block.
type DirtiedEntry struct {
	BlockID blockio.BlockID
	Version blockio.Version
	Page    *page.Page
	At      time.Time
}

// TouchedEntry records one block a transaction recency-bumped without
// modifying.
type TouchedEntry struct {
	BlockID blockio.BlockID
	Version blockio.Version
	Recency blockio.Recency
	At      time.Time
}

// Txn is one transaction's node in the dependency graph (spec.md section
// 3's page_txn). A preceder edge from t to p (t.ConnectPreceder(p)) means
// p must not be flushed strictly after t: t inherited access from p.
type Txn struct {
	id TxnID

	// connRef is this txn's back-pointer to its owning connection. It is
	// non-nil only while this txn is that connection's newest_txn; once a
	// later transaction on the same connection supersedes it, connRef is
	// nulled (the connection itself still knows the ordering via the
	// preceder edge already recorded).
	connRef *CacheConn

	preceders []*Txn
	subseqers []*Txn

	acquirers []*Acq

	dirtied []DirtiedEntry
	touched []TouchedEntry

	// pagesWriteAcquiredLast and pagesDirtiedLast are the reverse index
	// spec.md section 3 calls for: every CurrentPage for which this txn is
	// currently last_write_acquirer_ / last_dirtier_, so the flush engine
	// can null those back-pointers in O(degree) when removing a flushed
	// txn from the graph instead of scanning every live block.
	pagesWriteAcquiredLast map[*CurrentPage]struct{}
	pagesDirtiedLast       map[*CurrentPage]struct{}

	throttleAcq *throttle.Acq

	liveAcqs int

	beganWaitingForFlush bool
	spawnedFlush         bool

	color Color

	committed bool
	flushed   bool
	flushDone chan struct{}
	softDone  chan struct{}
}

// NewTxn creates a fresh, unconnected transaction node. throttleAcq is the
// reservation obtained from the throttler at begin time; nil for read-only
// transactions, which bypass the throttler entirely (spec.md section 4.6).
func NewTxn(id TxnID, throttleAcq *throttle.Acq) *Txn {
	return &Txn{
		id:                     id,
		throttleAcq:            throttleAcq,
		pagesWriteAcquiredLast: make(map[*CurrentPage]struct{}),
		pagesDirtiedLast:       make(map[*CurrentPage]struct{}),
		flushDone:              make(chan struct{}),
		softDone:               make(chan struct{}),
	}
}

// ID returns this transaction's identity.
func (t *Txn) ID() TxnID { return t.id }

// Conn returns the owning connection, or nil if this txn has since been
// superseded as that connection's newest or had its back-pointer cleared
// by the flush engine.
func (t *Txn) Conn() *CacheConn { return t.connRef }

// ThrottleAcq returns the throttler reservation for this txn, or nil for a
// read-only transaction.
func (t *Txn) ThrottleAcq() *throttle.Acq { return t.throttleAcq }

// ConnectPreceder records that t inherited access from pred: pred must not
// be flushed strictly after t. Deduplicates and ignores self-edges. If t
// is already in pre-spawn-flush state, the mark propagates backward across
// the new edge per spec.md section 4.4.
func (t *Txn) ConnectPreceder(pred *Txn) {
	if pred == nil || pred == t {
		return
	}
	for _, p := range t.preceders {
		if p == pred {
			return
		}
	}
	t.preceders = append(t.preceders, pred)
	pred.subseqers = append(pred.subseqers, t)

	if t.beganWaitingForFlush {
		pred.propagatePreSpawnFlush()
	}
}

// Preceders returns the transactions t must not be flushed strictly ahead
// of.
func (t *Txn) Preceders() []*Txn { return t.preceders }

// Subseqers returns the transactions that recorded t as a preceder.
func (t *Txn) Subseqers() []*Txn { return t.subseqers }

// BeganWaitingForFlush reports whether the flush engine has committed to
// flushing t ahead of (or independent of) its own application-level
// commit. Per spec.md's invariant this implies LiveAcqs() == 0.
func (t *Txn) BeganWaitingForFlush() bool { return t.beganWaitingForFlush }

// MarkBeganWaitingForFlush flags t as entering pre-spawn-flush state and
// propagates that mark backward across every preceder, transitively,
// stopping at nodes already marked (spec.md section 4.4: "this cap on
// graph growth is essential to termination").
func (t *Txn) MarkBeganWaitingForFlush() {
	t.propagatePreSpawnFlush()
}

func (t *Txn) propagatePreSpawnFlush() {
	stack := []*Txn{t}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.beganWaitingForFlush {
			continue
		}
		n.beganWaitingForFlush = true
		stack = append(stack, n.preceders...)
	}
}

// SpawnedFlush reports whether this txn's flushable set has already been
// removed from the graph (spec.md section 4.5).
func (t *Txn) SpawnedFlush() bool { return t.spawnedFlush }

// Color reports t's current mark in the flush engine's maximal-flushable-
// set walk.
func (t *Txn) Color() Color { return t.color }

// SetColor sets t's mark.
func (t *Txn) SetColor(c Color) { t.color = c }

// LiveAcqs reports the number of acquirers currently attached to t.
func (t *Txn) LiveAcqs() int { return t.liveAcqs }

// markDirtied records that t produced version ver of block id, snapshotting
// no bytes yet (those are attached later, by a pre-spawn-flushed handoff or
// by DetachFromPages).
func (t *Txn) markDirtied(cp *CurrentPage, ver blockio.Version) {
	for i := range t.dirtied {
		if t.dirtied[i].BlockID == cp.blockID {
			t.dirtied[i].Version = ver
			return
		}
	}
	t.dirtied = append(t.dirtied, DirtiedEntry{BlockID: cp.blockID, Version: ver, At: time.Now()})
	t.pagesDirtiedLast[cp] = struct{}{}
}

// markTouched records that t recency-bumped block id without modifying it.
// A block already in dirtied is not double-recorded: spec.md section 3
// says a dirtied page implies touched.
func (t *Txn) markTouched(cp *CurrentPage, ver blockio.Version, rec blockio.Recency) {
	for _, d := range t.dirtied {
		if d.BlockID == cp.blockID {
			return
		}
	}
	for i := range t.touched {
		if t.touched[i].BlockID == cp.blockID {
			t.touched[i].Version = ver
			t.touched[i].Recency = rec
			return
		}
	}
	t.touched = append(t.touched, TouchedEntry{BlockID: cp.blockID, Version: ver, Recency: rec, At: time.Now()})
}

// Dirtied returns the blocks t modified, in first-touch order.
func (t *Txn) Dirtied() []DirtiedEntry { return t.dirtied }

// Touched returns the blocks t recency-bumped but did not modify, in
// first-touch order, excluding anything already in Dirtied.
func (t *Txn) Touched() []TouchedEntry { return t.touched }

// capturePreImage attaches pg as the pre-write snapshot for block id in
// t's dirtied list, taken on t's behalf by a later writer inheriting that
// block while t is already pre-spawn-flushed (spec.md section 4.3,
// dirty_the_page clause (a)).
func (t *Txn) capturePreImage(id blockio.BlockID, pg *page.Page) {
	for i := range t.dirtied {
		if t.dirtied[i].BlockID == id && t.dirtied[i].Page == nil {
			t.dirtied[i].Page = pg
			return
		}
	}
}

// dropDirtied removes block id from t's dirtied list, once a later writer
// has superseded t's bytes for it without a snapshot being taken.
func (t *Txn) dropDirtied(id blockio.BlockID) {
	for i := range t.dirtied {
		if t.dirtied[i].BlockID == id {
			t.dirtied = append(t.dirtied[:i], t.dirtied[i+1:]...)
			return
		}
	}
}

// removeAcquirer drops acq from t's bookkeeping once its CurrentPage has
// released it, decrementing the live count and recording the exit as
// dirtied (already recorded via markDirtied), touched (already recorded
// via markTouched), or neither (a pure read leaves no trace beyond the
// live count drop).
func (t *Txn) removeAcquirer(acq *Acq) {
	for i, a := range t.acquirers {
		if a == acq {
			t.acquirers = append(t.acquirers[:i], t.acquirers[i+1:]...)
			break
		}
	}
	if t.liveAcqs > 0 {
		t.liveAcqs--
	}
}

// addAcquirer records that t now holds acq.
func (t *Txn) addAcquirer(acq *Acq) {
	t.acquirers = append(t.acquirers, acq)
	t.liveAcqs++
}

// noteLastWriteAcquirer / clearLastWriteAcquirer and
// noteLastDirtier / clearLastDirtier maintain the reverse index CurrentPage
// uses when handing off last_write_acquirer_/last_dirtier_, so the flush
// engine can null every such pointer for a departing txn without scanning
// the whole cache.
func (t *Txn) noteLastWriteAcquirer(cp *CurrentPage)  { t.pagesWriteAcquiredLast[cp] = struct{}{} }
func (t *Txn) clearLastWriteAcquirer(cp *CurrentPage) { delete(t.pagesWriteAcquiredLast, cp) }
func (t *Txn) noteLastDirtier(cp *CurrentPage)        { t.pagesDirtiedLast[cp] = struct{}{} }
func (t *Txn) clearLastDirtier(cp *CurrentPage)       { delete(t.pagesDirtiedLast, cp) }

// PagesWriteAcquiredLast returns every CurrentPage for which t is currently
// last_write_acquirer_.
func (t *Txn) PagesWriteAcquiredLast() []*CurrentPage {
	out := make([]*CurrentPage, 0, len(t.pagesWriteAcquiredLast))
	for cp := range t.pagesWriteAcquiredLast {
		out = append(out, cp)
	}
	return out
}

// PagesDirtiedLast returns every CurrentPage for which t is currently
// last_dirtier_.
func (t *Txn) PagesDirtiedLast() []*CurrentPage {
	out := make([]*CurrentPage, 0, len(t.pagesDirtiedLast))
	for cp := range t.pagesDirtiedLast {
		out = append(out, cp)
	}
	return out
}

// Commit marks t as application-committed. It does not itself trigger
// flush; the flush engine decides independently (including, per spec.md
// section 4.4, sometimes flushing t before this is ever called).
func (t *Txn) Commit() { t.committed = true }

// Committed reports whether Commit has been called.
func (t *Txn) Committed() bool { return t.committed }

// SoftDurable returns the channel that closes once t's dirtied blocks have
// been folded into a flush batch (spec.md section 4.5's soft durability
// signal: ordering is guaranteed, the bytes may not yet be on disk).
func (t *Txn) SoftDurable() <-chan struct{} { return t.softDone }

// HardDurable returns the channel that closes once the serializer has
// acknowledged t's flush writes durable.
func (t *Txn) HardDurable() <-chan struct{} { return t.flushDone }

func (t *Txn) markSoftDurable() {
	select {
	case <-t.softDone:
	default:
		close(t.softDone)
	}
}

func (t *Txn) markHardDurable() {
	t.flushed = true
	select {
	case <-t.flushDone:
	default:
		close(t.flushDone)
	}
}

// Flushed reports whether markHardDurable has fired.
func (t *Txn) Flushed() bool { return t.flushed }

// MarkSoftDurablePublic closes the SoftDurable channel. Exported for the
// flush package, which signals durability from outside this package once
// a flush it drove has reached each milestone.
func (t *Txn) MarkSoftDurablePublic() { t.markSoftDurable() }

// MarkHardDurablePublic closes the HardDurable channel and flags Flushed.
func (t *Txn) MarkHardDurablePublic() { t.markHardDurable() }

// DetachFromGraph severs every edge to and from t: each subseqer's
// preceder list drops t, each preceder's subseqer list drops t, and t's
// own lists are cleared. Called once a flushed set is removed from the
// graph (spec.md section 4.5) — by that point every subseqer already
// inherited whatever ordering it needed.
func (t *Txn) DetachFromGraph() {
	for _, s := range t.subseqers {
		for i, p := range s.preceders {
			if p == t {
				s.preceders = append(s.preceders[:i], s.preceders[i+1:]...)
				break
			}
		}
	}
	for _, p := range t.preceders {
		for i, s := range p.subseqers {
			if s == t {
				p.subseqers = append(p.subseqers[:i], p.subseqers[i+1:]...)
				break
			}
		}
	}
	t.subseqers = nil
	t.preceders = nil
}

// DetachFromPages nulls every CurrentPage back-pointer to t — both
// last_write_acquirer_ and last_dirtier_ — snapshotting the pre-image of
// each still-dirtied block first, per spec.md section 4.5's "removing a
// flushed set from the graph": t is about to be destroyed, so nothing
// will be left to read those live pages off of on its behalf afterward.
// Returns the CurrentPages t was last_write_acquirer_ for, so the caller
// can attempt eviction on each now that the back-pointer is gone.
func (t *Txn) DetachFromPages() []*CurrentPage {
	writeAcquired := make([]*CurrentPage, 0, len(t.pagesWriteAcquiredLast))
	for cp := range t.pagesWriteAcquiredLast {
		cp.lastWriteAcquirer = nil
		writeAcquired = append(writeAcquired, cp)
	}
	t.pagesWriteAcquiredLast = make(map[*CurrentPage]struct{})

	for cp := range t.pagesDirtiedLast {
		if cp.pg != nil {
			t.capturePreImage(cp.blockID, cp.pg.Clone())
		}
		cp.lastDirtier = nil
	}
	t.pagesDirtiedLast = make(map[*CurrentPage]struct{})

	return writeAcquired
}

// MarkSpawnedFlush flags t as having had its flushable set removed from
// the graph and nulls its connection back-pointer, per spec.md section
// 4.5's "null the cache-conn back-pointer; set spawned_flush_".
func (t *Txn) MarkSpawnedFlush() {
	t.spawnedFlush = true
	t.connRef = nil
}
