package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBeginOrThrottle_GrantsWithinCapacity(t *testing.T) {
	th := New(10, nil)
	acq, err := th.BeginOrThrottle(context.Background(), 4)
	require.NoError(t, err)
	require.NotNil(t, acq)
}

func TestBeginOrThrottle_BlocksUntilCapacityFrees(t *testing.T) {
	th := New(4, nil)
	first, err := th.BeginOrThrottle(context.Background(), 4)
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		acq, err := th.BeginOrThrottle(context.Background(), 1)
		require.NoError(t, err)
		acq.Retire()
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second acquisition must block while capacity is fully reserved")
	case <-time.After(50 * time.Millisecond):
	}

	first.Retire()

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second acquisition should proceed once capacity is released")
	}
}

func TestBeginOrThrottle_OversizedTxnAdmittedAlone(t *testing.T) {
	th := New(4, nil)
	acq, err := th.BeginOrThrottle(context.Background(), 1000)
	require.NoError(t, err, "a request exceeding capacity must still be admitted, just against the full semaphore")
	acq.Retire()
}

func TestBeginOrThrottle_RespectsContextCancellation(t *testing.T) {
	th := New(2, nil)
	_, err := th.BeginOrThrottle(context.Background(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = th.BeginOrThrottle(ctx, 1)
	require.Error(t, err)
}

func TestRetire_IsIdempotent(t *testing.T) {
	th := New(4, nil)
	acq, err := th.BeginOrThrottle(context.Background(), 2)
	require.NoError(t, err)
	acq.Retire()
	require.NotPanics(t, func() { acq.Retire() })
}

func TestMarkDirtyPagesWritten_ReleasesOnlyBlockReservation(t *testing.T) {
	th := New(4, nil)
	acq, err := th.BeginOrThrottle(context.Background(), 2)
	require.NoError(t, err)
	acq.MarkDirtyPagesWritten()

	// Block capacity should be fully available again even though the index
	// reservation is still held.
	blockAcq, err := th.BeginOrThrottle(context.Background(), 4)
	require.NoError(t, err)
	blockAcq.Retire()
	acq.Retire()
}

func TestInformMemoryLimitChange_ResizesCapacity(t *testing.T) {
	th := New(100, nil)
	blockCap, _ := th.Capacity()
	require.Equal(t, int64(100), blockCap)

	require.NoError(t, th.InformMemoryLimitChange(context.Background(), 8192, 4096, 1))
	newBlockCap, newIndexCap := th.Capacity()
	require.Equal(t, int64(1), newBlockCap) // 8192/4096 * 0.5 == 1
	require.Equal(t, newBlockCap*IndexFactor, newIndexCap)
}

func TestInformMemoryLimitChange_NeverAboveSoftLimit(t *testing.T) {
	th := New(1, nil)
	require.NoError(t, th.InformMemoryLimitChange(context.Background(), 1<<40, 1, 1))
	blockCap, _ := th.Capacity()
	require.Equal(t, SoftLimitBlockChanges, blockCap)
}

func TestIOAccount_PriorityScalesAdmissionRate(t *testing.T) {
	low := NewIOAccount(ReferencePriority/2, 10)
	high := NewIOAccount(ReferencePriority*2, 10)
	require.Equal(t, ReferencePriority/2, low.Priority())
	require.Equal(t, ReferencePriority*2, high.Priority())
	require.Less(t, float64(low.limiter.Limit()), float64(high.limiter.Limit()))
}
