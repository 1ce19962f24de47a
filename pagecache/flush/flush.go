// Package flush implements spec.md section 4.5's flush engine: the
// maximal-flushable-set walk over the preceder graph, change coalescing
// across the set's dirtied and touched pages, and the serializer-driving
// pipeline (batched block writes, FIFO-ordered index writes, completion
// signaling). It depends on graph and evict but not on the root pagecache
// package, which wires the three together.
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/evict"
	"github.com/kilndb/pagecache/graph"
	"github.com/kilndb/pagecache/page"
	"github.com/kilndb/pagecache/serializer"
)

// HomeContext lets the flush engine release and reapply the cache's home-
// context lock around the parts of a flush that call out to the
// serializer, per spec.md section 5: "Flush work suspends on ... the
// buffer-write completion signal" and similar — those suspensions must
// not hold the single big lock that serializes the rest of the cache's
// operations, or every other home-context caller would block on I/O.
type HomeContext interface {
	Unlock()
	Lock()
}

// Engine drives flushes for one cache instance.
type Engine struct {
	ser     serializer.Serializer
	evicter *evict.Evicter
	perfmon serializer.PerfmonSink
	logger  *zap.Logger

	gate *fifoGate

	// indexMu serializes the serializer's own IndexWrite call, modeling
	// spec.md section 5's "(b) the mutex guarding the serializer's
	// index-write call" as distinct from the FIFO ordering gate: the gate
	// decides whose turn it is, this mutex ensures only one IndexWrite
	// call is actually in flight against the serializer at a time even if
	// a future serializer implementation is not itself safe for
	// concurrent IndexWrite calls.
	indexMu sync.Mutex
}

// NewEngine creates a flush engine driving ser, reclassifying evicted
// block bags in evicter and reporting latency to perfmon (nil is
// accepted for either).
func NewEngine(ser serializer.Serializer, evicter *evict.Evicter, perfmon serializer.PerfmonSink, logger *zap.Logger) *Engine {
	return &Engine{ser: ser, evicter: evicter, perfmon: perfmon, logger: logger, gate: newFIFOGate()}
}

// MaximalFlushableSet computes spec.md section 4.5's largest set of
// transactions containing base such that every member has
// BeganWaitingForFlush true and every preceder of a member is also a
// member — an unflushable preceder (not yet waiting to flush) poisons
// every transitive subseqer.
//
// The four colors spec.md names (not/blue/green/red) are used here too,
// but settled by one depth-first pass over the closure of base's
// preceders rather than the online blue-then-revisit walk spec.md
// describes: since a transaction's color depends only on its preceders'
// colors and the graph is acyclic (spec.md section 3's invariant),
// visiting preceders to completion before deciding a node needs no
// revisit bookkeeping and reaches the identical fixed point. Blue marks
// a node currently on the DFS stack, solely to detect a graph invariant
// violation rather than to drive any revisit logic.
func (e *Engine) MaximalFlushableSet(base *graph.Txn) []*graph.Txn {
	var order []*graph.Txn
	visited := make(map[*graph.Txn]bool)

	var visit func(n *graph.Txn)
	visit = func(n *graph.Txn) {
		if visited[n] {
			return
		}
		if n.Color() == graph.ColorBlue {
			if e.logger != nil {
				e.logger.Error("flush: cycle detected in preceder graph", zap.Int64("txn", int64(n.ID())))
			}
			return
		}
		n.SetColor(graph.ColorBlue)
		for _, p := range n.Preceders() {
			visit(p)
		}
		poisoned := !n.BeganWaitingForFlush()
		if !poisoned {
			for _, p := range n.Preceders() {
				if p.Color() == graph.ColorRed {
					poisoned = true
					break
				}
			}
		}
		if poisoned {
			n.SetColor(graph.ColorRed)
		} else {
			n.SetColor(graph.ColorGreen)
		}
		visited[n] = true
		order = append(order, n)
	}
	visit(base)

	// Every node in order is a preceder of base, so base is green exactly
	// when all of them are; a red base leaves no set containing it.
	baseGreen := base.Color() == graph.ColorGreen
	green := make([]*graph.Txn, 0, len(order))
	for _, n := range order {
		if baseGreen && n.Color() == graph.ColorGreen {
			green = append(green, n)
		}
		n.SetColor(graph.ColorNone)
	}
	return green
}

// change is one block's coalesced flush work, per spec.md section 4.5's
// "map from block ID to a change: (version, modified, optional page,
// timestamp)".
type change struct {
	blockID  blockio.BlockID
	version  blockio.Version
	modified bool
	deleted  bool
	pg       *page.Page
	recency  blockio.Recency
	at       time.Time
}

// coalesce builds the block-ID-to-change map for set, per spec.md section
// 4.5: dirtied entries first (insertion conflicts keep the higher
// version), then touched entries with modified=false (never overriding an
// already-modified change; otherwise keeping the higher version and its
// recency). Every dirtied entry in set is expected to already carry its
// pre-image page (via Txn.DetachFromPages, which the caller must run over
// the whole set before calling coalesce) — a nil page on a dirtied entry
// means the block was deleted.
func coalesce(set []*graph.Txn) map[blockio.BlockID]*change {
	changes := make(map[blockio.BlockID]*change)

	for _, t := range set {
		for _, d := range t.Dirtied() {
			c, ok := changes[d.BlockID]
			if !ok {
				changes[d.BlockID] = &change{
					blockID: d.BlockID, version: d.Version, modified: true,
					deleted: d.Page == nil, pg: d.Page, at: d.At,
				}
				continue
			}
			if d.Version > c.version {
				c.version = d.Version
				c.deleted = d.Page == nil
				c.pg = d.Page
				c.at = d.At
			}
		}
	}

	for _, t := range set {
		for _, tt := range t.Touched() {
			c, ok := changes[tt.BlockID]
			if !ok {
				changes[tt.BlockID] = &change{
					blockID: tt.BlockID, version: tt.Version, modified: false,
					recency: tt.Recency, at: tt.At,
				}
				continue
			}
			if c.modified {
				continue
			}
			if tt.Version > c.version {
				c.version = tt.Version
				c.recency = tt.Recency
				c.at = tt.At
			}
		}
	}

	return changes
}

// EvictAttempt is the narrow callback the façade supplies so the flush
// engine can try to reclaim a CurrentPage once it's no longer anyone's
// last_write_acquirer_, without this package importing the façade (or the
// façade needing to expose its whole block table here).
type EvictAttempt func(id blockio.BlockID)

// Result carries the outcome of one Flush call back to the caller's
// durability-signaling logic.
type Result struct {
	Set         []*graph.Txn
	Flushed     []blockio.BlockID
	Deleted     []blockio.BlockID
	TouchedOnly []blockio.BlockID
}

// Flush computes the maximal flushable set rooted at base (which the
// caller must already have marked BeganWaitingForFlush, directly or via
// transitive propagation), detaches it from the graph, coalesces its
// changes, and drives the serializer: a batched BlockWrites call for every
// modified block whose on-disk token is no longer valid, followed by a
// FIFO-ordered IndexWrite call covering deletions, new-token writes, and
// bare recency touches. hc is released around both serializer calls so
// other home-context work can proceed while they're in flight.
//
// It returns nil (not an error) if the set is empty — base's preceders
// simply aren't flushable yet — leaving base queued for a future Flush
// call once they are.
func (e *Engine) Flush(ctx context.Context, hc HomeContext, account blockio.IOAccount, base *graph.Txn, evictAttempt EvictAttempt) (*Result, error) {
	set := e.MaximalFlushableSet(base)
	if len(set) == 0 {
		return nil, nil
	}

	var writeAcquiredPages []*graph.CurrentPage
	for _, t := range set {
		writeAcquiredPages = append(writeAcquiredPages, t.DetachFromPages()...)
		t.DetachFromGraph()
	}

	changes := coalesce(set)

	var writes []blockio.BlockWrite
	var writeIDs []blockio.BlockID
	var indexOps []blockio.IndexWriteOp
	for id, c := range changes {
		switch {
		case c.deleted:
			indexOps = append(indexOps, blockio.IndexWriteOp{Kind: blockio.IndexOpDelete, BlockID: id})
		case c.modified:
			if c.pg == nil {
				return nil, fmt.Errorf("flush: block %d marked modified with no page snapshot", id)
			}
			if tok := c.pg.Token(); tok != nil && tok.Valid() {
				indexOps = append(indexOps, blockio.IndexWriteOp{Kind: blockio.IndexOpTouch, BlockID: id, Token: tok, Recency: c.recency})
				continue
			}
			writes = append(writes, blockio.BlockWrite{BlockID: id, Data: c.pg.Bytes()})
			writeIDs = append(writeIDs, id)
		default:
			var tok blockio.Token
			if c.pg != nil {
				tok = c.pg.Token()
			}
			indexOps = append(indexOps, blockio.IndexWriteOp{Kind: blockio.IndexOpTouch, BlockID: id, Token: tok, Recency: c.recency})
		}
	}

	start := time.Now()

	hc.Unlock()
	var tokens []blockio.Token
	if len(writes) > 0 {
		var err error
		tokens, err = e.ser.BlockWrites(ctx, writes, account, nil)
		if err != nil {
			hc.Lock()
			return nil, fmt.Errorf("flush: block writes: %w", err)
		}
	}
	for i, id := range writeIDs {
		indexOps = append(indexOps, blockio.IndexWriteOp{Kind: blockio.IndexOpWrite, BlockID: id, Token: tokens[i]})
	}

	release, err := e.gate.Enter(ctx)
	if err != nil {
		hc.Lock()
		return nil, fmt.Errorf("flush: index write FIFO gate: %w", err)
	}
	e.indexMu.Lock()
	indexErr := e.ser.IndexWrite(ctx, indexOps, nil)
	e.indexMu.Unlock()
	release()
	hc.Lock()

	if indexErr != nil {
		return nil, fmt.Errorf("flush: index write: %w", indexErr)
	}

	res := &Result{Set: set}
	for i, id := range writeIDs {
		if c := changes[id]; c.pg != nil {
			c.pg.SetToken(tokens[i])
		}
		if e.evicter != nil {
			e.evicter.Reclassify(id, evict.ResidentClean)
		}
		res.Flushed = append(res.Flushed, id)
	}
	for id, c := range changes {
		if c.deleted {
			res.Deleted = append(res.Deleted, id)
			if e.evicter != nil {
				e.evicter.Untrack(id)
			}
		} else if !c.modified {
			res.TouchedOnly = append(res.TouchedOnly, id)
		}
	}

	for _, t := range set {
		if acq := t.ThrottleAcq(); acq != nil {
			acq.MarkDirtyPagesWritten()
		}
	}

	for _, cp := range writeAcquiredPages {
		if cp.ShouldEvict() && evictAttempt != nil {
			evictAttempt(cp.BlockID())
		}
	}

	if e.perfmon != nil {
		e.perfmon.ObserveFlushLatency(time.Since(start).Seconds())
	}

	for _, t := range set {
		t.MarkSpawnedFlush()
	}

	return res, nil
}

// SignalDurable marks every transaction in a flushed set soft-durable
// (ordering guaranteed) and, once the serializer's index update has been
// observed, hard-durable (bytes and index entries both acknowledged). The
// façade calls this once per Flush, after Flush returns, with hard set:
// by then the serializer has acknowledged both, whatever the committing
// transaction's durability.
func SignalDurable(set []*graph.Txn, hard bool) {
	for _, t := range set {
		t.MarkSoftDurablePublic()
		if hard {
			t.MarkHardDurablePublic()
		}
	}
}
