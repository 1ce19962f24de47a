package evict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/pagecache/blockio"
)

func TestReadAhead_OfferIngestsOnBackgroundGoroutine(t *testing.T) {
	var ingested []blockio.BlockID
	done := make(chan struct{})
	ra := NewReadAhead(func(buf blockio.Buffer) {
		ingested = append(ingested, buf.BlockID)
		close(done)
	}, 4, 16)
	defer ra.TeardownAndSweep(context.Background(), nil)

	ra.Offer(blockio.Buffer{BlockID: 1})
	<-done
	require.Equal(t, []blockio.BlockID{1}, ingested)
	require.EqualValues(t, 1, ra.Ingested())
}

func TestReadAhead_DedupesRepeatedOffersBeforeDrain(t *testing.T) {
	block := make(chan struct{})
	proceed := make(chan struct{})
	var calls int
	ra := NewReadAhead(func(buf blockio.Buffer) {
		calls++
		close(block)
		<-proceed
	}, 1, 16)
	defer func() {
		close(proceed)
		ra.TeardownAndSweep(context.Background(), nil)
	}()

	ra.Offer(blockio.Buffer{BlockID: 1})
	<-block // first offer is now being ingested, holding the consumer goroutine
	ra.Offer(blockio.Buffer{BlockID: 1})
	ra.Offer(blockio.Buffer{BlockID: 1})

	require.EqualValues(t, 2, ra.Dropped(), "repeated offers of the same block before drain must be deduped")
}

func TestReadAhead_TeardownDropsFurtherOffers(t *testing.T) {
	ra := NewReadAhead(func(blockio.Buffer) {}, 4, 16)
	ra.TeardownAndSweep(context.Background(), nil)

	ra.Offer(blockio.Buffer{BlockID: 1})
	require.True(t, ra.TornDown())
	require.EqualValues(t, 1, ra.Dropped())
}

func TestReadAhead_TeardownAndSweepDrivesSweepToCompletion(t *testing.T) {
	ra := NewReadAhead(func(blockio.Buffer) {}, 4, 16)

	var batches int
	remaining := 3
	sweep := func(batchSize int) (visited int, done bool) {
		batches++
		if remaining == 0 {
			return 0, true
		}
		remaining--
		return 1, remaining == 0
	}
	ra.TeardownAndSweep(context.Background(), sweep)
	require.Equal(t, 0, remaining)
	require.GreaterOrEqual(t, batches, 3)
}

func TestReadAhead_TeardownAndSweepIsIdempotent(t *testing.T) {
	ra := NewReadAhead(func(blockio.Buffer) {}, 4, 16)
	ra.TeardownAndSweep(context.Background(), nil)
	require.NotPanics(t, func() { ra.TeardownAndSweep(context.Background(), nil) })
}
