package evict

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/pagecache/blockio"
)

type fakeEvictable struct {
	id         blockio.BlockID
	evictable  bool
	evictErr   error
	evictCalls int
}

func (f *fakeEvictable) BlockID() blockio.BlockID { return f.id }
func (f *fakeEvictable) ShouldEvict() bool         { return f.evictable }
func (f *fakeEvictable) EvictBytes() error {
	f.evictCalls++
	return f.evictErr
}

func TestTrack_PlacesItemInRequestedBag(t *testing.T) {
	e := New()
	item := &fakeEvictable{id: 1, evictable: true}
	e.Track(item, ResidentClean)

	r, ok := e.Residency(1)
	require.True(t, ok)
	require.Equal(t, ResidentClean, r)
	require.Equal(t, 1, e.BagLen(ResidentClean))
}

func TestReclassify_MovesBetweenBags(t *testing.T) {
	e := New()
	item := &fakeEvictable{id: 1, evictable: true}
	e.Track(item, ResidentClean)
	e.Reclassify(1, ResidentDirty)

	r, _ := e.Residency(1)
	require.Equal(t, ResidentDirty, r)
	require.Equal(t, 0, e.BagLen(ResidentClean))
	require.Equal(t, 1, e.BagLen(ResidentDirty))
}

func TestUntrack_RemovesFromAllBookkeeping(t *testing.T) {
	e := New()
	item := &fakeEvictable{id: 1, evictable: true}
	e.Track(item, Unloaded)
	e.Untrack(1)

	_, ok := e.Residency(1)
	require.False(t, ok)
	require.Equal(t, 0, e.BagLen(Unloaded))
}

func TestReclaim_OnlyTouchesResidentCleanBag(t *testing.T) {
	e := New()
	clean := &fakeEvictable{id: 1, evictable: true}
	dirty := &fakeEvictable{id: 2, evictable: true}
	e.Track(clean, ResidentClean)
	e.Track(dirty, ResidentDirty)

	evicted, err := e.Reclaim(10)
	require.NoError(t, err)
	require.Equal(t, []blockio.BlockID{1}, evicted)
	require.Equal(t, 1, clean.evictCalls)
	require.Equal(t, 0, dirty.evictCalls)

	r, _ := e.Residency(1)
	require.Equal(t, Unloaded, r, "a reclaimed block moves to the unloaded bag")
}

func TestReclaim_SkipsItemsNotCurrentlyEvictable(t *testing.T) {
	e := New()
	pinned := &fakeEvictable{id: 1, evictable: false}
	e.Track(pinned, ResidentClean)

	evicted, err := e.Reclaim(10)
	require.NoError(t, err)
	require.Empty(t, evicted)
	require.Equal(t, 0, pinned.evictCalls)
}

func TestReclaim_StopsAtMaxVictims(t *testing.T) {
	e := New()
	for i := blockio.BlockID(1); i <= 5; i++ {
		e.Track(&fakeEvictable{id: i, evictable: true}, ResidentClean)
	}
	evicted, err := e.Reclaim(2)
	require.NoError(t, err)
	require.Len(t, evicted, 2)
}

func TestReclaim_PropagatesEvictBytesError(t *testing.T) {
	e := New()
	broken := &fakeEvictable{id: 1, evictable: true, evictErr: errors.New("disk full")}
	e.Track(broken, ResidentClean)

	_, err := e.Reclaim(10)
	require.Error(t, err)
}

func TestTouch_MovesToFrontWithoutChangingBag(t *testing.T) {
	e := New()
	e.Track(&fakeEvictable{id: 1, evictable: true}, ResidentClean)
	e.Touch(1)
	r, ok := e.Residency(1)
	require.True(t, ok)
	require.Equal(t, ResidentClean, r)
}

func TestEvictionsPerformed_CountsSuccessfulEvictions(t *testing.T) {
	e := New()
	e.Track(&fakeEvictable{id: 1, evictable: true}, ResidentClean)
	_, err := e.Reclaim(10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.EvictionsPerformed())
}
