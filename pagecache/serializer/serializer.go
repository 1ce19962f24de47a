// Package serializer defines the contract the page cache consumes from the
// on-disk block serializer and the two other external collaborators named
// in spec.md section 6 (the cache balancer and the perfmon sink). None of
// these are implemented here beyond the in-memory reference serializer in
// the memserializer subpackage: the real on-disk serializer is external
// collaborator, out of this module's scope per spec.md section 1.
package serializer

import (
	"context"

	"github.com/kilndb/pagecache/blockio"
)

// ReadAheadFunc is offered a buffer the serializer has read (or written)
// for reasons of its own; the cache may ingest it into its own page table
// if doing so is safe (spec.md section 4.2).
type ReadAheadFunc func(blockio.Buffer)

// Serializer is the on-disk block store the cache drives during flush and
// consults on first touch of a block. Method names mirror spec.md section 6
// verbatim.
type Serializer interface {
	// MaxBlockSize returns the fixed block size used for every page.
	MaxBlockSize() int

	// AllRecencies returns the serializer's last known recency for every
	// block it has ever written, used to seed the cache's recency table
	// on startup.
	AllRecencies(ctx context.Context) (map[blockio.BlockID]blockio.Recency, error)

	// MakeIOAccount creates an account used to prioritize and bound the
	// requests issued under it, per spec.md section 6.
	MakeIOAccount(priority int, outstandingLimit int) (blockio.IOAccount, error)

	// ReadBlock fetches the bytes behind tok under account, for a page
	// transitioning out of DiskBacked state (spec.md section 3). Satisfies
	// page.Loader.
	ReadBlock(ctx context.Context, tok blockio.Token, account blockio.IOAccount) ([]byte, error)

	// BlockWrites submits a batch of buffer writes under account,
	// returning one fresh token per input write in the same order.
	// onComplete is invoked once the writes are durable at whatever
	// level the serializer itself guarantees (spec.md's non-goal:
	// the cache asks for no stronger durability than this).
	BlockWrites(ctx context.Context, writes []blockio.BlockWrite, account blockio.IOAccount, onComplete func()) ([]blockio.Token, error)

	// IndexWrite submits a batch of index-only operations (deletions,
	// new-token writes, recency-only touches). onUpdate fires once the
	// serializer's in-memory index reflects ops — not necessarily once
	// they are fsynced, per spec.md's open question (a) in section 9.
	IndexWrite(ctx context.Context, ops []blockio.IndexWriteOp, onUpdate func()) error

	// RegisterReadAheadCB installs the cache's read-ahead sink. Only one
	// may be registered at a time.
	RegisterReadAheadCB(cb ReadAheadFunc)

	// UnregisterReadAheadCB tears down read-ahead. Idempotent, per
	// spec.md section 4.2.
	UnregisterReadAheadCB()
}

// Balancer decides whether to start read-ahead and informs the throttler
// of changes to the process's memory budget (spec.md section 6).
type Balancer interface {
	ShouldReadAhead() bool
	MemoryLimitBytes() int64
}

// PerfmonSink receives stats about cache residency, evictions, and flush
// latency (spec.md section 6). The telemetry package's Reporter implements
// this against OpenTelemetry instruments.
type PerfmonSink interface {
	ObserveResidency(residentPages, totalPages int)
	ObserveEviction()
	ObserveFlushLatency(seconds float64)
	ObserveThrottlerCapacity(blockCapacity, indexCapacity int64)
}
