// Package blockio holds the small set of wire-level types shared between
// the page cache and its serializer contract, so that neither side needs
// to import the other's internals.
package blockio

import "math"

// BlockID identifies a fixed-size block. The top bit partitions the space
// into the normal range (used for B-tree/user data) and the aux range
// (used for cache-internal bookkeeping blocks), per spec.md section 3.
type BlockID uint64

const (
	// InvalidBlockID never names a real block.
	InvalidBlockID BlockID = 0

	auxBit = BlockID(1) << 63
)

// IsAux reports whether id falls in the aux partition of the ID space.
func (id BlockID) IsAux() bool { return id&auxBit != 0 }

// ToAux returns the aux-range counterpart of a normal-range sequence number.
func ToAux(seq uint64) BlockID { return BlockID(seq) | auxBit }

// Version orders concurrent writers to the same block. Zero means
// "unassigned" and is never handed to a real acquirer.
type Version uint64

const VersionUnassigned Version = 0

// Recency is a per-block logical timestamp independent of block bytes.
type Recency uint64

const (
	// RecencyDistantPast is stamped on a freshly created block.
	RecencyDistantPast Recency = 0
	// RecencyInvalid marks a deleted block.
	RecencyInvalid Recency = Recency(math.MaxUint64)
)

// Token is an opaque handle issued by the serializer that references a
// block's on-disk location and size. The cache never interprets a token;
// it only holds it, reuses it when a block is unchanged, and replaces it
// after a write.
type Token interface {
	// Valid reports whether the token still refers to live on-disk data.
	// A token becomes invalid once its block has been rewritten under a
	// newer token.
	Valid() bool
}

// Buffer is a read-only view of a block's bytes as delivered by the
// serializer, either as a read result or as a read-ahead offer.
type Buffer struct {
	BlockID BlockID
	Token   Token
	Data    []byte
}

// IOAccount maps a cache_account (spec.md section 6's
// cache.create_cache_account) to the I/O priority the serializer should
// use when servicing requests issued under it.
type IOAccount interface {
	Priority() int
}

// BlockWrite is one buffer destined for disk, as submitted in a single
// batched block_writes call (spec.md section 4.5).
type BlockWrite struct {
	BlockID BlockID
	Data    []byte
}

// IndexOpKind distinguishes the three shapes an index_write operation can
// take, per spec.md section 4.5's "Serializer write" paragraph.
type IndexOpKind int

const (
	// IndexOpDelete tombstones a block (it was deleted).
	IndexOpDelete IndexOpKind = iota
	// IndexOpWrite records a new token for a block whose bytes changed.
	IndexOpWrite
	// IndexOpTouch updates only the recency, keeping the existing token.
	IndexOpTouch
)

// IndexWriteOp is one entry in a batched index_write call.
type IndexWriteOp struct {
	Kind    IndexOpKind
	BlockID BlockID
	Token   Token
	Recency Recency
}
