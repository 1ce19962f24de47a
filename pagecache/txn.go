package pagecache

import (
	"context"

	"github.com/kilndb/pagecache/flush"
	"github.com/kilndb/pagecache/graph"
	"github.com/kilndb/pagecache/internal/assert"
)

// Durability selects how a write transaction's commit behaves, per
// spec.md section 6's txn_begin(conn, durability, expected_changes).
type Durability int

const (
	// DurabilitySoft selects a soft commit. Commit flushes synchronously
	// either way, so it returns only once the serializer has acknowledged
	// the flush's writes (see Txn.Commit).
	DurabilitySoft Durability = iota
	// DurabilityHard selects a hard commit: Commit returns only once the
	// serializer has acknowledged the flush's writes.
	DurabilityHard
)

// Txn is a page_txn façade (spec.md section 3/4.4): the user-visible
// transaction handle bridging graph.Txn into the cache's flush pipeline.
type Txn struct {
	c *Cache
	t *graph.Txn

	read       bool
	durability Durability
	committed  bool
}

// TxnBeginRead begins a read-only transaction on conn, per spec.md section
// 4.6: it bypasses the throttler and never enters the dependency graph
// beyond the cache-conn newest-txn chain.
func (c *Cache) TxnBeginRead(conn *Conn) *Txn {
	c.Lock()
	defer c.Unlock()
	c.assertHomeContext()
	t := conn.cc.BeginTxn(nil)
	return &Txn{c: c, t: t, read: true}
}

// TxnBeginWrite begins a write transaction on conn under the given
// durability, reserving expectedChanges units of throttle capacity.
// Reservation may suspend the caller (spec.md section 5); the home-context
// lock is released for the duration of that suspension, matching every
// other blocking point in this package.
func (c *Cache) TxnBeginWrite(ctx context.Context, conn *Conn, durability Durability, expectedChanges int64) (*Txn, error) {
	c.Lock()
	if c.closed {
		c.Unlock()
		return nil, ErrClosed
	}
	c.Unlock()

	tacq, err := c.throttler.BeginOrThrottle(ctx, expectedChanges)
	if err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()
	if c.closed {
		tacq.Retire()
		return nil, ErrClosed
	}
	t := conn.cc.BeginTxn(tacq)
	return &Txn{c: c, t: t, durability: durability}, nil
}

// ID returns this transaction's identity, for diagnostics.
func (tx *Txn) ID() graph.TxnID { return tx.t.ID() }

// Commit finalizes tx. For a read transaction this is the "end_read_txn"
// reap spec.md section 4.6 calls for: a no-op beyond the invariant check
// that every acquirer has already been released. For a write transaction
// it marks began_waiting_for_flush, computes and drives the maximal
// flushable set rooted at tx, and signals durability on every transaction
// the flush swept in — not only tx itself, since a commit here may flush
// preceders that never separately called Commit (spec.md section 4.4's
// pre-spawn-flush).
//
// This cache runs every flush synchronously within the home context (there
// is no background flush queue in this port): by the time Flush returns,
// the serializer has already acknowledged both the block writes and the
// index update. So DurabilitySoft and DurabilityHard observe identical
// completion timing from tx's own caller, and SoftDurable() and
// HardDurable() both close, for every transaction the flush swept in, once
// Flush returns.
func (tx *Txn) Commit(ctx context.Context) error {
	if tx.committed {
		return nil
	}
	tx.committed = true

	if tx.read {
		tx.c.Lock()
		defer tx.c.Unlock()
		assert.Invariant(tx.c.logger, tx.t.LiveAcqs() == 0, "read txn committed with live acquirers")
		return nil
	}

	tx.c.Lock()
	defer tx.c.Unlock()

	tx.t.Commit()
	tx.t.MarkBeganWaitingForFlush()

	result, err := tx.c.flushEngine.Flush(ctx, tx.c, tx.c.flushAccount, tx.t, tx.c.considerEvicting)
	if err != nil {
		return err
	}
	assert.Invariant(tx.c.logger, result != nil, "maximal flushable set empty after MarkBeganWaitingForFlush")

	flush.SignalDurable(result.Set, true)

	for _, id := range result.Deleted {
		tx.c.releaseBlockID(id)
	}

	if tacq := tx.t.ThrottleAcq(); tacq != nil {
		tacq.Retire()
	}
	return nil
}

// Abort destroys a write transaction without committing it. Per spec.md
// section 7, this is treated as fatal: a write transaction destroyed
// without commit risks leaving dirtied pages with no recorded intent to
// flush them, so the process is terminated rather than limping on. Reads
// may always be abandoned freely.
func (tx *Txn) Abort() {
	if tx.read || tx.committed {
		return
	}
	assert.Fatal(tx.c.logger, ErrWriteTxnAborted.Error())
}

// SoftDurable returns the channel that closes once tx's changes are
// ordering-guaranteed in a flush batch.
func (tx *Txn) SoftDurable() <-chan struct{} { return tx.t.SoftDurable() }

// HardDurable returns the channel that closes once the serializer has
// acknowledged tx's flush writes.
func (tx *Txn) HardDurable() <-chan struct{} { return tx.t.HardDurable() }
