package pagecache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/pagecache/graph"
	"github.com/kilndb/pagecache/serializer/memserializer"
)

func newTestCache(t *testing.T) (*Cache, *memserializer.Serializer) {
	t.Helper()
	ser := memserializer.New(8)
	c, err := New(context.Background(), Config{Serializer: ser})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close(context.Background())) })
	return c, ser
}

func TestNew_RejectsMissingSerializer(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestAllocateBlockID_VendsDistinctIDs(t *testing.T) {
	c, _ := newTestCache(t)
	a := c.AllocateBlockID(false)
	b := c.AllocateBlockID(false)
	require.NotEqual(t, a, b)
	require.False(t, a.IsAux())
}

func TestAllocateBlockID_AuxPartitionIsDisjoint(t *testing.T) {
	c, _ := newTestCache(t)
	normal := c.AllocateBlockID(false)
	aux := c.AllocateBlockID(true)
	require.False(t, normal.IsAux())
	require.True(t, aux.IsAux())
}

func TestWriteThenReadTransaction_RoundTripsBytes(t *testing.T) {
	ctx := context.Background()
	c, ser := newTestCache(t)
	conn := c.NewConn()

	wtx, err := c.TxnBeginWrite(ctx, conn, DurabilityHard, 1)
	require.NoError(t, err)

	acq, id, err := c.AcqBeginNew(wtx, false)
	require.NoError(t, err)
	require.NoError(t, acq.WriteReady(ctx))

	buf, err := acq.PageForWrite(ctx, nil)
	require.NoError(t, err)
	copy(buf, []byte("abcdefgh"))
	require.NoError(t, acq.DirtyPage(buf))
	acq.Release()

	require.NoError(t, wtx.Commit(ctx))

	select {
	case <-wtx.HardDurable():
	default:
		t.Fatal("a hard-durability commit must have signaled hard durable by the time Commit returns")
	}

	data, ok := ser.ReadAll(id)
	require.True(t, ok)
	require.Equal(t, []byte("abcdefgh"), data)

	rtx := c.TxnBeginRead(conn)
	racq, err := c.AcqBeginExisting(rtx, id, graph.Read, false)
	require.NoError(t, err)
	require.NoError(t, racq.ReadReady(ctx))

	readBuf, err := racq.PageForRead(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), readBuf)

	racq.Release()
	require.NoError(t, rtx.Commit(ctx))
}

func TestAcqBeginExisting_UnknownBlockWithoutCreateFails(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.AcqBeginExisting(nil, 999, graph.Read, false)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestResident_ReflectsLiveBlocks(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	conn := c.NewConn()
	wtx, err := c.TxnBeginWrite(ctx, conn, DurabilitySoft, 1)
	require.NoError(t, err)

	acq, id, err := c.AcqBeginNew(wtx, false)
	require.NoError(t, err)
	require.True(t, c.Resident(id))
	acq.Release()
	require.NoError(t, wtx.Commit(ctx))
}

func TestAcqBeginNew_RequiresTransaction(t *testing.T) {
	c, _ := newTestCache(t)
	_, _, err := c.AcqBeginNew(nil, false)
	require.Error(t, err)
}

func TestTxnAbort_WriteTransactionIsFatal(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	conn := c.NewConn()
	wtx, err := c.TxnBeginWrite(ctx, conn, DurabilitySoft, 1)
	require.NoError(t, err)

	require.Panics(t, func() { wtx.Abort() }, "aborting a write transaction is a fatal invariant violation")
}

func TestTxnCommit_ReadTransactionIsIdempotent(t *testing.T) {
	c, _ := newTestCache(t)
	conn := c.NewConn()
	rtx := c.TxnBeginRead(conn)
	require.NoError(t, rtx.Commit(context.Background()))
	require.NoError(t, rtx.Commit(context.Background()))
}

func TestClose_RejectsFurtherAcquisitionAfterClose(t *testing.T) {
	ser := memserializer.New(8)
	c, err := New(context.Background(), Config{Serializer: ser})
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	_, err = c.AcqBeginExisting(nil, 1, graph.Read, true)
	require.ErrorIs(t, err, ErrClosed)
}
