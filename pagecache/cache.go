package pagecache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/evict"
	"github.com/kilndb/pagecache/flush"
	"github.com/kilndb/pagecache/graph"
	"github.com/kilndb/pagecache/internal/arena"
	"github.com/kilndb/pagecache/internal/assert"
	"github.com/kilndb/pagecache/internal/homecheck"
	"github.com/kilndb/pagecache/page"
	"github.com/kilndb/pagecache/serializer"
	"github.com/kilndb/pagecache/throttle"
)

// Balancer decides whether to start read-ahead and informs the throttler
// of memory-limit changes, per spec.md section 6's cache-balancer
// collaborator.
type Balancer interface {
	ShouldReadAhead() bool
	MemoryLimitBytes() int64
}

// Config configures a Cache at construction time.
type Config struct {
	// Serializer is the on-disk block store. Required.
	Serializer serializer.Serializer
	// Logger receives structured diagnostics. A no-op logger is used if nil.
	Logger *zap.Logger
	// Perfmon receives residency/eviction/flush-latency observations. May
	// be nil to disable reporting.
	Perfmon serializer.PerfmonSink
	// Balancer decides whether read-ahead should be registered at startup.
	// If nil, read-ahead is registered unconditionally.
	Balancer Balancer
	// InitialBlockCapacity seeds the throttler's block-change semaphore
	// (spec.md section 4.1). Defaults to throttle.SoftLimitBlockChanges if
	// zero or negative.
	InitialBlockCapacity int64
	// ReadAheadQueueDepth bounds how many serializer offers may be in
	// flight before Offer blocks the serializer's own goroutine. Defaults
	// to 256 if zero or negative.
	ReadAheadQueueDepth int
	// ReadAheadDedupeSize bounds the recently-offered-block dedup cache.
	// Defaults to 4096 if zero or negative.
	ReadAheadDedupeSize int
	// FlushAccountPriority is the priority used for the IOAccount the
	// flush engine presents to the serializer for its own writes, distinct
	// from any caller-created account (spec.md section 9's open question
	// on who pays for flush I/O: this cache attributes it to a fixed
	// background account rather than splitting it across contributing
	// txns' accounts). Defaults to throttle.ReferencePriority if zero.
	FlushAccountPriority int
}

// Cache is the transactional page cache: the home-context mutex owner and
// the wiring point for the graph, evict, flush, and throttle subpackages.
// Every exported method that touches cache state takes Cache.mu for its
// duration (spec.md section 5's single-threaded cooperative execution
// context); there is no separate background goroutine mutating this state
// except the single read-ahead consumer, which only ever calls back into
// Cache through methods that themselves take the lock.
type Cache struct {
	mu    chanlock
	owner homecheck.Owner

	ser      serializer.Serializer
	throttler *throttle.Throttler
	evicter  *evict.Evicter
	flushEngine *flush.Engine
	readAhead *evict.ReadAhead
	logger   *zap.Logger
	perfmon  serializer.PerfmonSink

	blockSize int
	normalIDs *arena.FreeList
	auxIDs    *arena.FreeList
	recency   *arena.RecencyTable

	blocks map[blockio.BlockID]*graph.CurrentPage

	flushAccount blockio.IOAccount

	closed bool
}

// chanlock is a channel-based mutex, matching flush's fifoGate in spirit:
// Lock/Unlock is all the HomeContext interface needs, and a plain
// sync.Mutex would work identically, but a channel lets a future
// context-aware LockContext be added without changing callers.
type chanlock chan struct{}

func newChanlock() chanlock { return make(chanlock, 1) }
func (l chanlock) Lock()    { l <- struct{}{} }
func (l chanlock) Unlock()  { <-l }

// New constructs a Cache against the given serializer, seeding the recency
// table from the serializer's recorded recencies and registering read-ahead
// unless the balancer declines it.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Serializer == nil {
		return nil, fmt.Errorf("pagecache: Config.Serializer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initialCap := cfg.InitialBlockCapacity
	if initialCap <= 0 {
		initialCap = throttle.SoftLimitBlockChanges
	}
	queueDepth := cfg.ReadAheadQueueDepth
	if queueDepth <= 0 {
		queueDepth = 256
	}
	dedupeSize := cfg.ReadAheadDedupeSize
	if dedupeSize <= 0 {
		dedupeSize = 4096
	}
	flushPriority := cfg.FlushAccountPriority
	if flushPriority <= 0 {
		flushPriority = throttle.ReferencePriority
	}

	throttler := throttle.New(initialCap, logger)
	if cfg.Perfmon != nil {
		throttler.SetObserver(cfg.Perfmon)
	}
	evicter := evict.New()

	c := &Cache{
		mu:        newChanlock(),
		ser:       cfg.Serializer,
		throttler: throttler,
		evicter:   evicter,
		flushEngine: flush.NewEngine(cfg.Serializer, evicter, cfg.Perfmon, logger),
		logger:    logger,
		perfmon:   cfg.Perfmon,
		blockSize: cfg.Serializer.MaxBlockSize(),
		normalIDs: arena.NewFreeList(false),
		auxIDs:    arena.NewFreeList(true),
		recency:   arena.NewRecencyTable(),
		blocks:    make(map[blockio.BlockID]*graph.CurrentPage),
	}

	recencies, err := cfg.Serializer.AllRecencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("pagecache: seeding recency table: %w", err)
	}
	for id, r := range recencies {
		c.recency.Set(id, r)
	}

	flushAccount, err := cfg.Serializer.MakeIOAccount(flushPriority, defaultAccountOutstandingLimit)
	if err != nil {
		return nil, fmt.Errorf("pagecache: creating flush IO account: %w", err)
	}
	c.flushAccount = flushAccount

	if cfg.Balancer == nil || cfg.Balancer.ShouldReadAhead() {
		c.readAhead = evict.NewReadAhead(c.ingestReadAhead, queueDepth, dedupeSize)
		cfg.Serializer.RegisterReadAheadCB(c.readAhead.Offer)
	}

	return c, nil
}

// Lock acquires the home-context mutex and records the calling goroutine as
// its owner, for homecheck assertions in internal helpers. It implements
// flush.HomeContext.
func (c *Cache) Lock() {
	c.mu.Lock()
	c.owner.Acquire()
}

// Unlock releases home-context ownership and the mutex. It implements
// flush.HomeContext.
func (c *Cache) Unlock() {
	c.owner.Release()
	c.mu.Unlock()
}

// assertHomeContext is the Go analogue of spec.md section 5's
// assert_home_context(): called by every internal helper that mutates
// shared cache state, to catch a caller that reached it without holding
// Cache.mu.
func (c *Cache) assertHomeContext() {
	assert.Invariant(c.logger, c.owner.Is(), "called outside the cache's home context")
}

// Close tears down read-ahead (draining its sweep) and marks the cache
// closed; further entry points return ErrClosed. Close does not flush
// outstanding write transactions — an embedder must commit or accept fatal
// termination for those first, per spec.md section 7.
func (c *Cache) Close(ctx context.Context) error {
	c.Lock()
	if c.closed {
		c.Unlock()
		return nil
	}
	c.closed = true
	ra := c.readAhead
	c.Unlock()

	if ra != nil {
		c.ser.UnregisterReadAheadCB()
		ra.TeardownAndSweep(ctx, c.sweepOnce)
	}
	return nil
}

// sweepOnce implements evict.SweepFunc: one batch of up to batchSize
// current pages is examined for evictability, taking the home-context lock
// for the duration (a short, bounded critical section per page, matching
// spec.md section 5's "explicit cooperative yields ... every 16-256
// items").
func (c *Cache) sweepOnce(batchSize int) (visited int, done bool) {
	c.Lock()
	defer c.Unlock()

	ids := make([]blockio.BlockID, 0, len(c.blocks))
	for id := range c.blocks {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, true
	}
	n := batchSize
	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		c.considerEvicting(id)
		visited++
	}
	return visited, n == len(ids)
}

// AllocateBlockID vends a fresh or reclaimed block ID from the normal or
// aux partition, per spec.md section 3's free list.
func (c *Cache) AllocateBlockID(aux bool) blockio.BlockID {
	c.Lock()
	defer c.Unlock()
	c.assertHomeContext()
	if aux {
		return c.auxIDs.Alloc()
	}
	return c.normalIDs.Alloc()
}

// releaseBlockID returns id to its partition's free list. Called once a
// delete's index tombstone has been durably acknowledged (res.Deleted in a
// flush.Result), never merely on in-memory eviction of a current_page.
func (c *Cache) releaseBlockID(id blockio.BlockID) {
	if id.IsAux() {
		c.auxIDs.Release(id)
	} else {
		c.normalIDs.Release(id)
	}
}

// lookupCurrentPage returns the live arbiter for id, or nil. Caller must
// hold Cache.mu.
func (c *Cache) lookupCurrentPage(id blockio.BlockID) *graph.CurrentPage {
	return c.blocks[id]
}

// Resident reports whether id currently has a live current_page, for
// diagnostics and tests.
func (c *Cache) Resident(id blockio.BlockID) bool {
	c.Lock()
	defer c.Unlock()
	return c.lookupCurrentPage(id) != nil
}

// getOrLoadCurrentPage returns the existing arbiter for id, or creates one
// backed by a disk-loading page if none exists yet (spec.md section 3's
// lifecycle: "created on first acquisition"). A new arbiter's page has no
// token. Brand-new, not-yet-on-disk blocks go through
// newCurrentPageForBlock instead (the acq_begin(txn, new_block, type)
// path).
func (c *Cache) getOrLoadCurrentPage(id blockio.BlockID) *graph.CurrentPage {
	if cp, ok := c.blocks[id]; ok {
		return cp
	}
	pg := page.NewDiskBacked(id, c.blockSize, nil)
	cp := graph.NewCurrentPage(id, pg, c.recency.Get(id))
	c.blocks[id] = cp
	c.evicter.Track(cpEvictable{c: c, cp: cp}, evict.Unloaded)
	return cp
}

// newCurrentPageForBlock registers a freshly allocated, resident, not-yet-
// written block, per spec.md's acq_begin(txn, new_block, type).
func (c *Cache) newCurrentPageForBlock(id blockio.BlockID) *graph.CurrentPage {
	pg := page.NewEmpty(id, c.blockSize)
	cp := graph.NewCurrentPage(id, pg, blockio.RecencyDistantPast)
	c.blocks[id] = cp
	c.evicter.Track(cpEvictable{c: c, cp: cp}, evict.ResidentDirty)
	return cp
}

// considerEvicting runs once id's current_page qualifies under
// ShouldEvict, per spec.md section 4.5's "null that pointer and try
// eviction" and section 5's consider_evicting suspension-free region.
// ShouldEvict only admits a page that is absent or already disk-backed, so
// resident bytes are never dropped here. A current_page with no page is
// removed; a disk-backed one stays in the table (its token is how the
// block is found again) and is filed as evict.Unloaded. It is a no-op if
// id is untracked or not currently evictable.
func (c *Cache) considerEvicting(id blockio.BlockID) {
	cp, ok := c.blocks[id]
	if !ok || !cp.ShouldEvict() {
		return
	}
	if cp.Page() == nil {
		delete(c.blocks, id)
		c.evicter.Untrack(id)
		return
	}
	if cp.Page().Token() == nil {
		// A disk-backed page with no token (as getOrLoadCurrentPage creates
		// one): there is nothing to reclassify.
		return
	}
	if err := cp.Page().EvictToDiskBacked(); err != nil {
		c.logger.Warn("pagecache: evict to disk-backed failed", zap.Uint64("block_id", uint64(id)), zap.Error(err))
		return
	}
	c.evicter.Reclassify(id, evict.Unloaded)
	if c.perfmon != nil {
		c.perfmon.ObserveEviction()
	}
}

// ingestReadAhead implements evict.IngestFunc, per spec.md section 4.2's
// read-ahead steps 3-4: drop the offer if a current_page already exists
// for the block (the authoritative copy may be newer), otherwise adopt it
// as a fresh, resident current_page.
func (c *Cache) ingestReadAhead(buf blockio.Buffer) {
	c.Lock()
	defer c.Unlock()
	if _, exists := c.blocks[buf.BlockID]; exists {
		return
	}
	pg := page.NewFromBuffer(buf.BlockID, buf.Token, buf.Data)
	cp := graph.NewCurrentPage(buf.BlockID, pg, c.recency.Get(buf.BlockID))
	c.blocks[buf.BlockID] = cp
	c.evicter.Track(cpEvictable{c: c, cp: cp}, evict.ResidentClean)
}

// cpEvictable adapts a *graph.CurrentPage to evict.Evictable, the narrow
// seam that lets the evict package select and reclaim victims without
// importing graph (see evict.Evictable's doc comment).
type cpEvictable struct {
	c  *Cache
	cp *graph.CurrentPage
}

func (e cpEvictable) BlockID() blockio.BlockID { return e.cp.BlockID() }
func (e cpEvictable) ShouldEvict() bool        { return e.cp.ShouldEvict() }

func (e cpEvictable) EvictBytes() error {
	if e.cp.Page() == nil {
		delete(e.c.blocks, e.cp.BlockID())
		return nil
	}
	return e.cp.Page().EvictToDiskBacked()
}
