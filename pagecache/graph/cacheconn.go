package graph

import (
	"sync/atomic"

	"github.com/kilndb/pagecache/throttle"
)

var connSeq atomic.Int64

// CacheConn is one long-lived connection handle (spec.md section 3's
// cache_conn): the thing an embedder holds across many transactions. It
// exists mainly to chain transactions from the same connection into a
// single-threaded-per-connection ordering guarantee — newestTxn lets a
// freshly begun transaction connect itself as a preceder of whatever
// transaction this connection most recently began, so two transactions on
// the same connection are never flushed out of the order they were
// started in.
//
// It lives in this package rather than the root one, alongside Txn, for
// the same reason current_page and page_txn do: CacheConn needs a
// *Txn back-pointer and Txn needs a *CacheConn one, an unavoidable
// reference cycle once either side tracks the other.
type CacheConn struct {
	id      int64
	newest  *Txn
	nextTxn TxnID
}

// NewCacheConn creates a connection handle with a process-wide unique
// diagnostic id.
func NewCacheConn() *CacheConn {
	return &CacheConn{id: connSeq.Add(1)}
}

// ID returns this connection's diagnostic identifier.
func (c *CacheConn) ID() int64 { return c.id }

// BeginTxn creates a new transaction on this connection, under throttleAcq
// (nil for a read-only transaction, which bypasses the throttler per
// spec.md section 4.6). If this connection has a newest transaction, the
// new one becomes its subseqer — replacing it as newest — and the old
// newest's back-pointer to this connection is nulled, since its position
// in the connection ordering is now fully captured by the preceder edge.
func (c *CacheConn) BeginTxn(throttleAcq *throttle.Acq) *Txn {
	c.nextTxn++
	t := NewTxn(c.nextTxn, throttleAcq)
	t.connRef = c
	if c.newest != nil {
		t.ConnectPreceder(c.newest)
		c.newest.connRef = nil
	}
	c.newest = t
	return t
}

// NewestTxn returns the transaction most recently begun on this
// connection, or nil if none has been begun yet.
func (c *CacheConn) NewestTxn() *Txn { return c.newest }
