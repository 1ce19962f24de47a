package page

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEmpty_IsImmediatelyLoaded(t *testing.T) {
	p := NewEmpty(1, 16)
	require.Equal(t, Loaded, p.State())
	require.Len(t, p.Bytes(), 16)
	require.True(t, p.Evictable())
}

func TestStartLoad_DiskBackedTransitionsToLoading(t *testing.T) {
	tok := fakeToken{valid: true}
	p := NewDiskBacked(1, 16, tok)

	gotTok, needsLoad, err := p.StartLoad()
	require.NoError(t, err)
	require.True(t, needsLoad)
	require.Equal(t, tok, gotTok)
	require.Equal(t, Loading, p.State())
}

func TestStartLoad_AlreadyLoadedNeedsNoLoad(t *testing.T) {
	p := NewFromBuffer(1, fakeToken{valid: true}, []byte("hello"))
	tok, needsLoad, err := p.StartLoad()
	require.NoError(t, err)
	require.False(t, needsLoad)
	require.Nil(t, tok)
}

func TestStartLoad_NoTokenFails(t *testing.T) {
	p := NewDiskBacked(1, 16, nil)
	_, _, err := p.StartLoad()
	require.Error(t, err)
}

func TestStartLoad_ConcurrentCallersWaitOnInFlightLoad(t *testing.T) {
	p := NewDiskBacked(1, 16, fakeToken{valid: true})

	_, needsLoad, err := p.StartLoad()
	require.NoError(t, err)
	require.True(t, needsLoad)

	_, _, err = p.StartLoad()
	require.Error(t, err)
	ch, ok := AwaitChannel(err)
	require.True(t, ok)

	select {
	case <-ch:
		t.Fatal("waiter channel must not be closed before FinishLoad")
	default:
	}

	require.NoError(t, p.FinishLoad([]byte("data"), nil))

	select {
	case <-ch:
	default:
		t.Fatal("waiter channel should be closed after FinishLoad succeeds")
	}
	require.Equal(t, Loaded, p.State())
	require.Equal(t, []byte("data"), p.Bytes())
}

func TestFinishLoad_FailureRevertsToDiskBacked(t *testing.T) {
	p := NewDiskBacked(1, 16, fakeToken{valid: true})
	_, _, err := p.StartLoad()
	require.NoError(t, err)

	loadErr := errors.New("boom")
	err = p.FinishLoad(nil, loadErr)
	require.ErrorIs(t, err, loadErr)
	require.Equal(t, DiskBacked, p.State())
}

func TestEvictToDiskBacked_RequiresTokenAndEvictable(t *testing.T) {
	p := NewEmpty(1, 16)
	err := p.EvictToDiskBacked()
	require.Error(t, err, "a never-flushed page has no token to fall back to")

	p.SetToken(fakeToken{valid: true})
	require.NoError(t, p.EvictToDiskBacked())
	require.Equal(t, DiskBacked, p.State())
	require.Nil(t, p.Bytes())
}

func TestEvictToDiskBacked_NotEvictableWhilePinned(t *testing.T) {
	p := NewEmpty(1, 16)
	p.SetToken(fakeToken{valid: true})
	p.Pin()
	require.False(t, p.Evictable())
	require.Error(t, p.EvictToDiskBacked())
	p.Unpin()
	require.True(t, p.Evictable())
}

func TestClone_IsIndependentCopy(t *testing.T) {
	p := NewEmpty(1, 4)
	copy(p.Bytes(), []byte("abcd"))
	clone := p.Clone()
	clone.Bytes()[0] = 'z'
	require.Equal(t, byte('a'), p.Bytes()[0], "clone must not share backing storage")
}

type fakeToken struct{ valid bool }

func (f fakeToken) Valid() bool { return f.valid }
