// Package graph implements spec.md section 4.3 and 4.4: the per-block
// access arbiter (current_page / current_page_acq) and the transaction
// dependency graph (page_txn). The two live in one package because they
// form the natural reference cycle spec.md section 9 calls out
// (current_page ⇄ page_txn) — Go's garbage collector has no trouble with
// that cycle, so unlike the C++ original this package keeps plain
// pointers rather than the ID+generation indirection section 9 proposes
// as a workaround for manual memory management.
package graph

import (
	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/page"
)

// Mode is a current_page_acq's access mode.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Acq is one acquirer's handle on a CurrentPage (spec.md section 3's
// current_page_acq). Exactly one of cp/snapshotPage is populated once the
// acquirer has been lifted out of the queue as a snapshot.
type Acq struct {
	cp  *CurrentPage
	txn *Txn // nil for a pure (non-transactional) reader

	mode             Mode
	declaredSnapshot bool
	version          blockio.Version

	readCond  chan struct{}
	writeCond chan struct{}
	readDone  bool
	writeDone bool

	dirtiedPage bool
	touchedPage bool

	inQueue bool

	snapshotPage *page.Page // set once lifted as a snapshot reader
	snapshotRec  blockio.Recency
}

// NewAcq constructs an acquirer for cp under txn (nil for a pure reader).
// It does not add the acquirer to cp's queue; call CurrentPage.AddAcquirer
// for that.
func NewAcq(cp *CurrentPage, txn *Txn, mode Mode) *Acq {
	a := &Acq{
		cp:        cp,
		txn:       txn,
		mode:      mode,
		readCond:  make(chan struct{}),
		writeCond: make(chan struct{}),
		inQueue:   true,
	}
	return a
}

// Mode reports this acquirer's access mode.
func (a *Acq) Mode() Mode { return a.mode }

// Txn returns the owning transaction, or nil for a pure reader.
func (a *Acq) Txn() *Txn { return a.txn }

// Version returns the block version assigned to this acquirer at enter
// time.
func (a *Acq) Version() blockio.Version { return a.version }

// CurrentPage returns the arbiter this acquirer is queued on, or nil if it
// has already been lifted out as a snapshot.
func (a *Acq) CurrentPage() *CurrentPage { return a.cp }

// DeclareSnapshotted marks this read acquirer for lifting, per spec.md
// section 6's acq.declare_snapshotted(). Only meaningful for readers.
func (a *Acq) DeclareSnapshotted() {
	a.declaredSnapshot = true
}

// IsSnapshotted reports whether DeclareSnapshotted was called.
func (a *Acq) IsSnapshotted() bool { return a.declaredSnapshot }

// ReadReady returns the one-shot channel that closes once this acquirer
// may read, per spec.md section 6's acq.read_ready().
func (a *Acq) ReadReady() <-chan struct{} { return a.readCond }

// WriteReady returns the one-shot channel that closes once this acquirer
// may write. Only meaningful for writers.
func (a *Acq) WriteReady() <-chan struct{} { return a.writeCond }

func (a *Acq) pulseRead() {
	if !a.readDone {
		a.readDone = true
		close(a.readCond)
	}
}

func (a *Acq) pulseWrite() {
	if !a.writeDone {
		a.writeDone = true
		close(a.writeCond)
	}
}

// SnapshotPage returns the page this acquirer captured when lifted as a
// snapshot, or nil if it was lifted while the block was deleted, or if it
// has not been lifted at all.
func (a *Acq) SnapshotPage() *page.Page { return a.snapshotPage }

// SnapshotRecency returns the recency captured at the moment of lifting.
func (a *Acq) SnapshotRecency() blockio.Recency { return a.snapshotRec }

// Page returns the page this acquirer should read or write: the live
// CurrentPage's page if still queued, or the captured snapshot if lifted
// (nil if the block was deleted at the moment it was lifted).
func (a *Acq) Page() *page.Page {
	if a.cp != nil {
		return a.cp.pg
	}
	return a.snapshotPage
}

// DirtiedPage reports whether this acquirer dirtied its page.
func (a *Acq) DirtiedPage() bool { return a.dirtiedPage }

// TouchedPage reports whether this acquirer touched (recency-bumped) its
// page. A dirtied page always reports touched too (spec.md section 3:
// "a dirtied page implies touched_page semantics").
func (a *Acq) TouchedPage() bool { return a.touchedPage }
