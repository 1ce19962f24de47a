package evict

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kilndb/pagecache/blockio"
)

// IngestFunc runs on the cache's home execution context and decides
// whether to adopt an offered buffer: create a fresh CurrentPage from it
// if none exists yet for that block, or drop it (spec.md section 4.2,
// steps 3-4). It must not block.
type IngestFunc func(blockio.Buffer)

// SweepFunc examines every live current page once and evicts any that now
// qualify, returning how many it visited. It is invoked repeatedly in
// batches by ReadAhead's post-teardown sweep.
type SweepFunc func(batchSize int) (visited int, done bool)

// sweepBatch is the batch size ReadAhead.TeardownAndSweep yields at
// ("every 16 pages", spec.md section 4.2).
const sweepBatch = 16

// ReadAhead implements the serializer-facing read-ahead callback and the
// cross-context hop into the cache's single-threaded home context (spec.md
// section 4.2 and section 5's "bounded, order-preserving hops"). The
// serializer may call Offer from its own goroutine; Offer enqueues onto a
// channel a single consumer goroutine drains in arrival order, calling
// IngestFunc only ever from that one goroutine — so the cache's internal
// single-mutator invariant holds even though Offer itself is safe to call
// concurrently.
type ReadAhead struct {
	mu       sync.Mutex
	tornDown bool

	queue  chan blockio.Buffer
	ingest IngestFunc

	// seen deduplicates back-to-back offers of the same block that arrive
	// before the consumer goroutine has drained the first one, so a chatty
	// serializer can't pile up redundant ingests for a block the cache
	// already has an answer for. Bounded, so a long-idle cache can't grow
	// this without limit.
	seen *lru.Cache[blockio.BlockID, struct{}]

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	dropped  atomic.Uint64
	ingested atomic.Uint64
}

// NewReadAhead creates a ReadAhead sink that calls ingest for every admitted
// buffer, on a single background goroutine, until TeardownAndSweep is
// called. queueDepth bounds how many offers may be in flight before Offer
// blocks the serializer's goroutine; dedupeSize bounds the seen cache.
func NewReadAhead(ingest IngestFunc, queueDepth, dedupeSize int) *ReadAhead {
	if queueDepth < 1 {
		queueDepth = 1
	}
	if dedupeSize < 1 {
		dedupeSize = 1
	}
	seen, _ := lru.New[blockio.BlockID, struct{}](dedupeSize)
	ra := &ReadAhead{
		queue:  make(chan blockio.Buffer, queueDepth),
		ingest: ingest,
		seen:   seen,
		stopCh: make(chan struct{}),
	}
	ra.wg.Add(1)
	go ra.run()
	return ra
}

func (ra *ReadAhead) run() {
	defer ra.wg.Done()
	for {
		select {
		case buf, ok := <-ra.queue:
			if !ok {
				return
			}
			ra.mu.Lock()
			torn := ra.tornDown
			ra.mu.Unlock()
			if torn {
				ra.dropped.Add(1)
				continue
			}
			ra.ingest(buf)
			ra.seen.Remove(buf.BlockID)
			ra.ingested.Add(1)
		case <-ra.stopCh:
			// Drain whatever is already queued so offers made just before
			// teardown aren't silently lost without at least being
			// counted, then exit.
			for {
				select {
				case buf, ok := <-ra.queue:
					if !ok {
						return
					}
					_ = buf
					ra.dropped.Add(1)
				default:
					return
				}
			}
		}
	}
}

// Offer is the callback registered with the serializer
// (serializer.RegisterReadAheadCB). It is safe to call from any goroutine.
// If read-ahead has been torn down, or this block was already offered
// recently and not yet drained, the buffer is dropped without hopping to
// the home context at all.
func (ra *ReadAhead) Offer(buf blockio.Buffer) {
	ra.mu.Lock()
	if ra.tornDown {
		ra.mu.Unlock()
		ra.dropped.Add(1)
		return
	}
	if _, dup := ra.seen.Get(buf.BlockID); dup {
		ra.mu.Unlock()
		ra.dropped.Add(1)
		return
	}
	ra.seen.Add(buf.BlockID, struct{}{})
	ra.mu.Unlock()

	select {
	case ra.queue <- buf:
	case <-ra.stopCh:
		ra.dropped.Add(1)
	}
}

// Dropped reports how many offers were discarded (torn down, deduped, or
// drained post-teardown).
func (ra *ReadAhead) Dropped() uint64 { return ra.dropped.Load() }

// Ingested reports how many offers were handed to IngestFunc.
func (ra *ReadAhead) Ingested() uint64 { return ra.ingested.Load() }

// TeardownAndSweep tears down read-ahead — idempotently — and then runs
// sweep in batches of 16, yielding to ctx between batches so a large
// current-page table doesn't starve other home-context work (spec.md
// section 4.2: "a background sweep examines every current page and
// evicts any that now qualify, yielding every 16 pages"). It returns once
// sweep reports done or ctx is canceled.
func (ra *ReadAhead) TeardownAndSweep(ctx context.Context, sweep SweepFunc) {
	ra.stopOnce.Do(func() {
		ra.mu.Lock()
		ra.tornDown = true
		ra.mu.Unlock()
		close(ra.stopCh)
	})
	ra.wg.Wait()

	if sweep == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, done := sweep(sweepBatch)
		if done {
			return
		}
	}
}

// TornDown reports whether TeardownAndSweep has been called.
func (ra *ReadAhead) TornDown() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.tornDown
}
