package flush

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/evict"
	"github.com/kilndb/pagecache/graph"
	"github.com/kilndb/pagecache/page"
	"github.com/kilndb/pagecache/serializer/memserializer"
)

// testHomeContext is a plain mutex standing in for the cache's real
// home-context lock, exercising the Unlock/Lock hops Flush makes around
// serializer calls.
type testHomeContext struct{ mu sync.Mutex }

func (h *testHomeContext) Lock()   { h.mu.Lock() }
func (h *testHomeContext) Unlock() { h.mu.Unlock() }

func writeAcquireAndDirty(t *testing.T, txn *graph.Txn, id blockio.BlockID, data []byte) *graph.CurrentPage {
	t.Helper()
	pg := page.NewEmpty(id, len(data))
	cp := graph.NewCurrentPage(id, pg, 0)
	acq := graph.NewAcq(cp, txn, graph.Write)
	cp.AddAcquirer(acq)
	require.NoError(t, cp.DirtyThePage(acq, data))
	cp.RemoveAcquirer(acq)
	return cp
}

func TestMaximalFlushableSet_SingleReadyTxn(t *testing.T) {
	e := NewEngine(memserializer.New(16), evict.New(), nil, nil)
	txn := graph.NewTxn(1, nil)
	txn.MarkBeganWaitingForFlush()

	set := e.MaximalFlushableSet(txn)
	require.Len(t, set, 1)
	require.Same(t, txn, set[0])
}

func TestMaximalFlushableSet_IncludesEveryMarkedPreceder(t *testing.T) {
	e := NewEngine(memserializer.New(16), evict.New(), nil, nil)
	grandparent, parent, child := graph.NewTxn(1, nil), graph.NewTxn(2, nil), graph.NewTxn(3, nil)
	parent.ConnectPreceder(grandparent)
	child.ConnectPreceder(parent)
	child.MarkBeganWaitingForFlush() // propagates backward across both edges

	set := e.MaximalFlushableSet(child)
	require.ElementsMatch(t, []*graph.Txn{grandparent, parent, child}, set)
}

func TestFlush_WritesModifiedBlockAndSignalsDurability(t *testing.T) {
	ser := memserializer.New(8)
	e := NewEngine(ser, evict.New(), nil, nil)
	hc := &testHomeContext{}

	txn := graph.NewTxn(1, nil)
	writeAcquireAndDirty(t, txn, 1, []byte("12345678"))
	txn.Commit()
	txn.MarkBeganWaitingForFlush()

	hc.Lock()
	res, err := e.Flush(context.Background(), hc, nil, txn, nil)
	hc.Unlock()
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Contains(t, res.Flushed, blockio.BlockID(1))
	require.Equal(t, 1, ser.WritesIssued())

	data, ok := ser.ReadAll(blockio.BlockID(1))
	require.True(t, ok)
	require.Equal(t, []byte("12345678"), data)

	SignalDurable(res.Set, true)
	select {
	case <-txn.HardDurable():
	default:
		t.Fatal("hard durability signal should have fired")
	}
}

func TestFlush_EmptySetWhenBaseNotYetWaiting(t *testing.T) {
	e := NewEngine(memserializer.New(8), evict.New(), nil, nil)
	hc := &testHomeContext{}
	txn := graph.NewTxn(1, nil)

	hc.Lock()
	res, err := e.Flush(context.Background(), hc, nil, txn, nil)
	hc.Unlock()
	require.NoError(t, err)
	require.Nil(t, res, "an unmarked base leaves nothing flushable yet")
}

func TestFlush_DeletedBlockProducesIndexDeleteEntry(t *testing.T) {
	ser := memserializer.New(8)
	e := NewEngine(ser, evict.New(), nil, nil)
	hc := &testHomeContext{}

	txn := graph.NewTxn(1, nil)
	pg := page.NewEmpty(blockio.BlockID(2), 8)
	cp := graph.NewCurrentPage(blockio.BlockID(2), pg, 0)
	acq := graph.NewAcq(cp, txn, graph.Write)
	cp.AddAcquirer(acq)
	require.NoError(t, cp.MarkDeleted(acq))
	cp.RemoveAcquirer(acq)

	txn.MarkBeganWaitingForFlush()
	hc.Lock()
	res, err := e.Flush(context.Background(), hc, nil, txn, nil)
	hc.Unlock()
	require.NoError(t, err)
	require.Contains(t, res.Deleted, blockio.BlockID(2))
}

func TestFlush_UnmodifiedTouchProducesTouchOnlyEntry(t *testing.T) {
	ser := memserializer.New(8)
	e := NewEngine(ser, evict.New(), nil, nil)
	hc := &testHomeContext{}

	txn := graph.NewTxn(1, nil)
	pg := page.NewEmpty(blockio.BlockID(3), 8)
	cp := graph.NewCurrentPage(blockio.BlockID(3), pg, 0)
	acq := graph.NewAcq(cp, txn, graph.Read)
	cp.AddAcquirer(acq)
	cp.SetRecency(acq, 42)
	cp.RemoveAcquirer(acq)

	txn.MarkBeganWaitingForFlush()
	hc.Lock()
	res, err := e.Flush(context.Background(), hc, nil, txn, nil)
	hc.Unlock()
	require.NoError(t, err)
	require.Contains(t, res.TouchedOnly, blockio.BlockID(3))
	require.Equal(t, 0, ser.WritesIssued(), "a recency-only touch must never trigger a block write")
}
