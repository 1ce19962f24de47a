package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/pagecache/blockio"
)

func TestConnectPreceder_DeduplicatesAndIgnoresSelfEdges(t *testing.T) {
	a, b := NewTxn(1, nil), NewTxn(2, nil)
	a.ConnectPreceder(b)
	a.ConnectPreceder(b)
	a.ConnectPreceder(a)

	require.Len(t, a.Preceders(), 1)
	require.Contains(t, b.Subseqers(), a)
}

func TestMarkBeganWaitingForFlush_PropagatesBackwardAcrossPreceders(t *testing.T) {
	grandparent, parent, child := NewTxn(1, nil), NewTxn(2, nil), NewTxn(3, nil)
	parent.ConnectPreceder(grandparent)
	child.ConnectPreceder(parent)

	child.MarkBeganWaitingForFlush()

	require.True(t, child.BeganWaitingForFlush())
	require.True(t, parent.BeganWaitingForFlush(), "propagation must reach transitive preceders")
	require.True(t, grandparent.BeganWaitingForFlush())
}

func TestConnectPreceder_PropagatesIfSuccessorAlreadyMarked(t *testing.T) {
	child := NewTxn(1, nil)
	child.MarkBeganWaitingForFlush()

	lateParent := NewTxn(2, nil)
	require.False(t, lateParent.BeganWaitingForFlush())
	child.ConnectPreceder(lateParent)
	require.True(t, lateParent.BeganWaitingForFlush(), "a preceder connected after the mark must inherit it immediately")
}

func TestDetachFromGraph_RemovesAllEdgesBothDirections(t *testing.T) {
	a, b, c := NewTxn(1, nil), NewTxn(2, nil), NewTxn(3, nil)
	b.ConnectPreceder(a)
	c.ConnectPreceder(b)

	b.DetachFromGraph()

	require.Empty(t, b.Preceders())
	require.Empty(t, b.Subseqers())
	require.NotContains(t, a.Subseqers(), b)
	require.NotContains(t, c.Preceders(), b)
}

func TestMarkDirtied_KeepsHighestVersionOnRepeatedTouch(t *testing.T) {
	txn := NewTxn(1, nil)
	cp := NewCurrentPage(1, nil, 0)
	txn.markDirtied(cp, 3)
	txn.markDirtied(cp, 7)

	require.Len(t, txn.Dirtied(), 1)
	require.Equal(t, blockio.Version(7), txn.Dirtied()[0].Version)
}

func TestMarkTouched_SkipsBlockAlreadyDirtied(t *testing.T) {
	txn := NewTxn(1, nil)
	cp := NewCurrentPage(1, nil, 0)
	txn.markDirtied(cp, 1)
	txn.markTouched(cp, 2, 5)

	require.Empty(t, txn.Touched(), "a dirtied block must not also appear in touched")
}

func TestLiveAcqs_TracksAddAndRemove(t *testing.T) {
	txn := NewTxn(1, nil)
	cp := NewCurrentPage(1, nil, 0)
	acq := NewAcq(cp, txn, Read)
	txn.addAcquirer(acq)
	require.Equal(t, 1, txn.LiveAcqs())
	txn.removeAcquirer(acq)
	require.Equal(t, 0, txn.LiveAcqs())
}
