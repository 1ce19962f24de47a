package pagecache

import (
	"context"
	"fmt"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/evict"
	"github.com/kilndb/pagecache/graph"
	"github.com/kilndb/pagecache/page"
)

// Acq is a current_page_acq façade (spec.md section 3/4.3): one
// acquirer's handle on a block, bridging graph.Acq into page loading and
// the cache's home-context suspension points.
type Acq struct {
	c  *Cache
	ga *graph.Acq
	cp *graph.CurrentPage // captured at AddAcquirer; graph.Acq's own cp
	// field nils out once a declared-snapshot reader is lifted, so Release
	// keeps its own reference to still find its way back to cp.RemoveAcquirer.
}

// AcqBeginExisting acquires block id on behalf of txn (nil for a pure,
// non-transactional reader: spec.md's acq_begin(cache, block_id, read)).
// If no current_page exists yet for id and create is false, ErrBlockNotFound
// is returned; only the cache's own block table is consulted, not the
// serializer. If create is true a current_page is created backed by a
// disk-loading page regardless (StartLoad will surface the real "doesn't
// exist" failure on first touch, same as any other serializer miss).
func (c *Cache) AcqBeginExisting(txn *Txn, id blockio.BlockID, mode graph.Mode, create bool) (*Acq, error) {
	c.Lock()
	defer c.Unlock()
	c.assertHomeContext()
	if c.closed {
		return nil, ErrClosed
	}

	cp, exists := c.blocks[id]
	if !exists {
		if !create {
			return nil, ErrBlockNotFound
		}
		cp = c.getOrLoadCurrentPage(id)
	}

	return c.addAcquirer(txn, cp, mode), nil
}

// AcqBeginNew allocates a fresh block ID in the given partition, registers
// a brand-new resident current_page for it, and returns a write acquirer
// on it — spec.md's acq_begin(txn, new_block, type). txn must not be nil:
// a freshly allocated block with nobody to own its dirtying would violate
// the "every dirtied page has a last_dirtier" bookkeeping this cache relies
// on for flush.
func (c *Cache) AcqBeginNew(txn *Txn, aux bool) (*Acq, blockio.BlockID, error) {
	if txn == nil {
		return nil, 0, fmt.Errorf("pagecache: AcqBeginNew requires a transaction")
	}
	c.Lock()
	defer c.Unlock()
	c.assertHomeContext()
	if c.closed {
		return nil, 0, ErrClosed
	}

	var id blockio.BlockID
	if aux {
		id = c.auxIDs.Alloc()
	} else {
		id = c.normalIDs.Alloc()
	}
	cp := c.newCurrentPageForBlock(id)
	return c.addAcquirer(txn, cp, graph.Write), id, nil
}

func (c *Cache) addAcquirer(txn *Txn, cp *graph.CurrentPage, mode graph.Mode) *Acq {
	var gtxn *graph.Txn
	if txn != nil {
		gtxn = txn.t
	}
	ga := graph.NewAcq(cp, gtxn, mode)
	cp.AddAcquirer(ga)
	c.evicter.Touch(cp.BlockID())
	return &Acq{c: c, ga: ga, cp: cp}
}

// BlockID reports the block this acquirer is on.
func (a *Acq) BlockID() blockio.BlockID { return a.cp.BlockID() }

// Mode reports this acquirer's access mode.
func (a *Acq) Mode() graph.Mode { return a.ga.Mode() }

// DeclareSnapshotted marks a read acquirer for lifting out of the queue
// the moment it is pulsed, per spec.md section 6's acq.declare_snapshotted.
func (a *Acq) DeclareSnapshotted() {
	a.c.Lock()
	defer a.c.Unlock()
	a.ga.DeclareSnapshotted()
}

// DeclareReadonly is a no-op in this port: every reader acquirer is
// already read-mode by construction (AcqBeginExisting's mode parameter),
// and nothing downstream of that distinguishes "declared readonly" from
// plain read mode the way declare_snapshotted changes lifting behavior.
// Kept for API parity with spec.md section 6.
func (a *Acq) DeclareReadonly() {}

// awaitChan blocks on ch, releasing the home-context lock for the duration
// (spec.md section 5's suspension points) unless ch is already closed, in
// which case it returns immediately without ever releasing the lock.
func (a *Acq) awaitChan(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	default:
	}
	a.c.Unlock()
	defer a.c.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadReady blocks until this acquirer may read.
func (a *Acq) ReadReady(ctx context.Context) error {
	a.c.Lock()
	defer a.c.Unlock()
	return a.awaitChan(ctx, a.ga.ReadReady())
}

// WriteReady blocks until this acquirer may write. Only meaningful for
// writers.
func (a *Acq) WriteReady(ctx context.Context) error {
	a.c.Lock()
	defer a.c.Unlock()
	return a.awaitChan(ctx, a.ga.WriteReady())
}

// PageForRead waits for read readiness, then returns the resident bytes,
// loading them from disk first if necessary. Returns (nil, nil) if the
// block is deleted as of this acquirer's snapshot.
func (a *Acq) PageForRead(ctx context.Context, account blockio.IOAccount) ([]byte, error) {
	a.c.Lock()
	defer a.c.Unlock()
	if err := a.awaitChan(ctx, a.ga.ReadReady()); err != nil {
		return nil, err
	}
	pg := a.ga.Page()
	if pg == nil {
		return nil, nil
	}
	if err := a.ensureLoaded(ctx, pg, account); err != nil {
		return nil, err
	}
	return pg.Bytes(), nil
}

// PageForWrite waits for write readiness, then returns the resident bytes
// for in-place modification; callers must follow with DirtyPage once they
// have written into the returned slice (or a replacement of it).
func (a *Acq) PageForWrite(ctx context.Context, account blockio.IOAccount) ([]byte, error) {
	a.c.Lock()
	defer a.c.Unlock()
	if err := a.awaitChan(ctx, a.ga.WriteReady()); err != nil {
		return nil, err
	}
	pg := a.ga.Page()
	if pg == nil {
		return nil, fmt.Errorf("pagecache: block %d has no page for write", a.cp.BlockID())
	}
	if err := a.ensureLoaded(ctx, pg, account); err != nil {
		return nil, err
	}
	return pg.Bytes(), nil
}

// ensureLoaded drives page.Page's StartLoad/FinishLoad protocol: every
// state mutation on pg happens while Cache.mu is held, but the actual
// serializer read (and any wait on a load already in flight) happens with
// the lock released, per spec.md section 5. Caller must hold Cache.mu on
// entry and leaves it held on return.
func (a *Acq) ensureLoaded(ctx context.Context, pg *page.Page, account blockio.IOAccount) error {
	for {
		tok, needsLoad, err := pg.StartLoad()
		if err != nil {
			if ch, ok := page.AwaitChannel(err); ok {
				if waitErr := a.awaitChan(ctx, ch); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		if !needsLoad {
			a.c.evicter.Touch(pg.BlockID())
			return nil
		}

		a.c.Unlock()
		data, readErr := a.c.ser.ReadBlock(ctx, tok, account)
		a.c.Lock()

		if finishErr := pg.FinishLoad(data, readErr); finishErr != nil {
			return finishErr
		}
		a.c.evicter.Touch(pg.BlockID())
		return nil
	}
}

// DirtyPage hands newData off as the page's new bytes, per spec.md
// section 4.3's dirty_the_page. Only valid for a write acquirer that has
// observed WriteReady.
func (a *Acq) DirtyPage(newData []byte) error {
	a.c.Lock()
	defer a.c.Unlock()
	if err := a.cp.DirtyThePage(a.ga, newData); err != nil {
		return err
	}
	a.c.evicter.Reclassify(a.cp.BlockID(), evict.ResidentDirty)
	return nil
}

// SetRecency bumps recency without dirtying the page, per spec.md
// section 4.3's set_recency.
func (a *Acq) SetRecency(r blockio.Recency) {
	a.c.Lock()
	defer a.c.Unlock()
	a.cp.SetRecency(a.ga, r)
}

// MarkDeleted tombstones the block. Requires a is the sole remaining
// acquirer on its current_page, per spec.md section 4.3's mark_deleted.
func (a *Acq) MarkDeleted() error {
	a.c.Lock()
	defer a.c.Unlock()
	if err := a.cp.MarkDeleted(a.ga); err != nil {
		return err
	}
	a.c.evicter.Reclassify(a.cp.BlockID(), evict.ResidentDirty)
	return nil
}

// Release detaches this acquirer from its current_page (spec.md section
// 4.3's Exit), then attempts eviction on the block now that one fewer
// holder stands in the way.
func (a *Acq) Release() {
	a.c.Lock()
	defer a.c.Unlock()
	a.cp.RemoveAcquirer(a.ga)
	a.c.considerEvicting(a.cp.BlockID())
}
