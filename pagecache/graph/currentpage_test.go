package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/page"
)

func newTestCurrentPage(t *testing.T) *CurrentPage {
	t.Helper()
	pg := page.NewEmpty(1, 8)
	return NewCurrentPage(1, pg, blockio.RecencyDistantPast)
}

func ready(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAddAcquirer_SoleReaderIsImmediatelyReady(t *testing.T) {
	cp := newTestCurrentPage(t)
	acq := NewAcq(cp, nil, Read)
	cp.AddAcquirer(acq)
	require.True(t, ready(acq.ReadReady()))
}

func TestAddAcquirer_WriterBlocksBehindReaders(t *testing.T) {
	cp := newTestCurrentPage(t)
	r := NewAcq(cp, nil, Read)
	cp.AddAcquirer(r)
	w := NewAcq(cp, NewTxn(1, nil), Write)
	cp.AddAcquirer(w)

	require.True(t, ready(r.ReadReady()))
	require.False(t, ready(w.WriteReady()), "writer must wait for the reader ahead of it to exit")

	cp.RemoveAcquirer(r)
	require.True(t, ready(w.WriteReady()))
}

func TestAddAcquirer_SecondWriterWaitsForFirst(t *testing.T) {
	cp := newTestCurrentPage(t)
	t1, t2 := NewTxn(1, nil), NewTxn(2, nil)
	w1 := NewAcq(cp, t1, Write)
	cp.AddAcquirer(w1)
	w2 := NewAcq(cp, t2, Write)
	cp.AddAcquirer(w2)

	require.True(t, ready(w1.WriteReady()))
	require.False(t, ready(w2.WriteReady()))

	cp.RemoveAcquirer(w1)
	require.True(t, ready(w2.WriteReady()))
}

func TestAddAcquirer_WriterConnectsPrecederEdgeToPriorWriter(t *testing.T) {
	cp := newTestCurrentPage(t)
	t1, t2 := NewTxn(1, nil), NewTxn(2, nil)
	cp.AddAcquirer(NewAcq(cp, t1, Write))
	cp.AddAcquirer(NewAcq(cp, t2, Write))

	require.Contains(t, t2.Preceders(), t1, "t2 inherited access from t1 and must not flush ahead of it")
}

func TestDirtyThePage_BumpsVersionAndRecency(t *testing.T) {
	cp := newTestCurrentPage(t)
	txn := NewTxn(1, nil)
	w := NewAcq(cp, txn, Write)
	cp.AddAcquirer(w)
	require.True(t, ready(w.WriteReady()))

	beforeVer := cp.Version()
	require.NoError(t, cp.DirtyThePage(w, []byte("newdata")))
	require.Greater(t, cp.Version(), beforeVer)
	require.True(t, w.DirtiedPage())
	require.Equal(t, cp.BlockID(), txn.Dirtied()[0].BlockID)
}

func TestDirtyThePage_RejectsForeignAcquirer(t *testing.T) {
	cp := newTestCurrentPage(t)
	other := NewCurrentPage(2, page.NewEmpty(2, 8), blockio.RecencyDistantPast)
	foreign := NewAcq(other, nil, Write)
	err := cp.DirtyThePage(foreign, []byte("x"))
	require.Error(t, err)
}

func TestDeclareSnapshotted_LiftsReaderOutOfQueue(t *testing.T) {
	cp := newTestCurrentPage(t)
	r := NewAcq(cp, nil, Read)
	r.DeclareSnapshotted()
	cp.AddAcquirer(r)

	require.True(t, ready(r.ReadReady()))
	require.Nil(t, r.CurrentPage(), "a lifted snapshot reader's cp pointer must be nilled")
	require.NotNil(t, r.SnapshotPage())
	require.Equal(t, 0, cp.QueueLen())
}

func TestRemoveAcquirer_LiftedReaderDropsKeepalive(t *testing.T) {
	// A disk-backed page, so the keepalive is the only thing blocking
	// eviction (a resident page blocks it on its own).
	cp := NewCurrentPage(1, page.NewDiskBacked(1, 8, nil), blockio.RecencyDistantPast)
	r := NewAcq(cp, nil, Read)
	r.DeclareSnapshotted()
	cp.AddAcquirer(r)
	require.False(t, cp.ShouldEvict(), "a live keepalive reference must block eviction")

	cp.RemoveAcquirer(r)
	require.True(t, cp.ShouldEvict())
}

func TestMarkDeleted_RequiresSoleAcquirer(t *testing.T) {
	cp := newTestCurrentPage(t)
	txn := NewTxn(1, nil)
	w := NewAcq(cp, txn, Write)
	cp.AddAcquirer(w)

	r := NewAcq(cp, nil, Read)
	cp.AddAcquirer(r)

	require.Error(t, cp.MarkDeleted(w), "another acquirer is still queued behind the writer")
}

func TestMarkDeleted_TombstonesBlock(t *testing.T) {
	cp := newTestCurrentPage(t)
	txn := NewTxn(1, nil)
	w := NewAcq(cp, txn, Write)
	cp.AddAcquirer(w)

	require.NoError(t, cp.MarkDeleted(w))
	require.True(t, cp.Deleted())
	require.Nil(t, cp.Page())
	require.Equal(t, blockio.RecencyInvalid, cp.Recency())
}

func TestShouldEvict_FalseWhileLastWriteAcquirerSet(t *testing.T) {
	cp := newTestCurrentPage(t)
	txn := NewTxn(1, nil)
	w := NewAcq(cp, txn, Write)
	cp.AddAcquirer(w)
	cp.RemoveAcquirer(w)

	require.False(t, cp.ShouldEvict(), "last_write_acquirer_ is still set until the flush engine clears it")
}
