// Package arena holds the cache's block-ID allocator and its dense
// per-block recency table, the two pieces of bookkeeping spec.md section 3
// describes as living outside any single page or current_page: the free
// list vends and reclaims block IDs, and the recency table is indexed
// directly by block ID rather than hung off a map.
package arena

import "github.com/kilndb/pagecache/blockio"

// FreeList vends block IDs from one partition of the ID space (normal or
// aux) and reclaims released ones for reuse, per spec.md's "Block ID" entry
// in section 3. It is not safe for concurrent use; callers serialize access
// through the cache's home context, same as every other piece of cache
// state.
type FreeList struct {
	aux        bool
	nextSeq    uint64
	released   []uint64
}

// NewFreeList creates a free list for the normal or aux block-ID partition.
func NewFreeList(aux bool) *FreeList {
	return &FreeList{aux: aux, nextSeq: 1}
}

// Alloc hands out a fresh or reclaimed block ID. Per spec.md's "Delete then
// reuse" scenario (section 8), a reclaimed ID may or may not be the most
// recently released one; this implementation treats released as a stack,
// so the most recently released ID is reused first.
func (f *FreeList) Alloc() blockio.BlockID {
	var seq uint64
	if n := len(f.released); n > 0 {
		seq = f.released[n-1]
		f.released = f.released[:n-1]
	} else {
		seq = f.nextSeq
		f.nextSeq++
	}
	if f.aux {
		return blockio.ToAux(seq)
	}
	return blockio.BlockID(seq)
}

// Release returns id to the pool for future reuse.
func (f *FreeList) Release(id blockio.BlockID) {
	seq := uint64(id)
	if f.aux {
		seq = uint64(id &^ (blockio.BlockID(1) << 63))
	}
	f.released = append(f.released, seq)
}
