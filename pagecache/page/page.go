// Package page implements spec.md section 3's `page` entity: a single
// cached block that holds resident bytes, a disk token, or both, plus the
// reference counts and load-waiter bookkeeping needed to coordinate with
// the evicter and the serializer. Structurally it follows the teacher's
// pagemanager.Page (core/write_engine/page_manager/page.go) — a plain
// struct with a pin count and a dirty flag — generalized with the
// loading/disk-backed states and load-waiter list spec.md calls for, and
// with the LRU-element field removed: bag membership belongs to the
// evicter, not the page, so that this package never needs to import it.
package page

import (
	"context"
	"fmt"

	"github.com/kilndb/pagecache/blockio"
)

// LoadState is one of the four residency states spec.md section 3 lists
// for a page.
type LoadState int

const (
	// Loaded means data is resident and safe to hand out.
	Loaded LoadState = iota
	// Loading means a load from disk is in flight; callers must wait.
	Loading
	// Deferred means a load has been requested but not yet started,
	// typically because the evicter is still reclaiming room for it.
	Deferred
	// DiskBacked means only a token is held; bytes are not resident.
	DiskBacked
)

// Page is the in-memory record for one block. All access is expected to
// happen on the cache's home context (spec.md section 5); Page itself
// holds no lock.
type Page struct {
	blockID blockio.BlockID
	size    int

	data  []byte
	token blockio.Token
	state LoadState

	holders int
	waiters []chan struct{}
}

// NewEmpty creates a page for a brand-new block: resident, zeroed bytes,
// no token yet (nothing has been written to disk for it).
func NewEmpty(id blockio.BlockID, size int) *Page {
	return &Page{blockID: id, size: size, data: make([]byte, size), state: Loaded}
}

// NewDiskBacked creates a page that knows only its disk token; bytes are
// not resident until StartLoad/FinishLoad brings them in.
func NewDiskBacked(id blockio.BlockID, size int, tok blockio.Token) *Page {
	return &Page{blockID: id, size: size, token: tok, state: DiskBacked}
}

// NewFromBuffer creates a resident page directly from bytes the
// serializer already handed over, e.g. on a read-ahead ingest
// (spec.md section 4.2) or once a disk load completes.
func NewFromBuffer(id blockio.BlockID, tok blockio.Token, data []byte) *Page {
	return &Page{blockID: id, size: len(data), data: data, token: tok, state: Loaded}
}

func (p *Page) BlockID() blockio.BlockID { return p.blockID }
func (p *Page) State() LoadState         { return p.state }
func (p *Page) Token() blockio.Token     { return p.token }
func (p *Page) Holders() int             { return p.holders }
func (p *Page) HasWaiters() bool         { return len(p.waiters) > 0 }

// Bytes returns the resident buffer. Callers must have ensured the page is
// Loaded first (via StartLoad/FinishLoad).
func (p *Page) Bytes() []byte { return p.data }

// Pin records one more holder of this page's bytes (a page_ptr per
// spec.md's glossary). Unpin reverses it. The evicter consults Holders to
// decide evictability.
func (p *Page) Pin()   { p.holders++ }
func (p *Page) Unpin() {
	if p.holders > 0 {
		p.holders--
	}
}

// Loader is the narrow slice of the serializer contract a caller driving
// StartLoad/FinishLoad needs: read the bytes behind a disk token under a
// given I/O account.
type Loader interface {
	ReadBlock(ctx context.Context, tok blockio.Token, account blockio.IOAccount) ([]byte, error)
}

// StartLoad and FinishLoad together replace a single combined
// "EnsureLoaded" call so the caller can release the cache's home-context
// lock around the actual serializer I/O (spec.md section 5: suspension
// points must not hold the single big lock) while still performing every
// state mutation on this page under that lock. StartLoad returns the token
// to read and transitions the page to Loading if a load is needed; if one
// is already in flight it registers a waiter instead and returns
// errAwaitLoad (see AwaitChannel) for the caller to suspend on.
func (p *Page) StartLoad() (tok blockio.Token, needsLoad bool, err error) {
	switch p.state {
	case Loaded:
		return nil, false, nil
	case Loading:
		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		return nil, false, errAwaitLoad{ch: wait}
	case DiskBacked:
		if p.token == nil {
			return nil, false, fmt.Errorf("page %d: disk-backed with no token", p.blockID)
		}
		p.state = Loading
		return p.token, true, nil
	default:
		return nil, false, fmt.Errorf("page %d: cannot load from state %d", p.blockID, p.state)
	}
}

// FinishLoad completes a load a prior StartLoad call marked needed,
// installing data on success or reverting to DiskBacked on failure, and
// waking (in FIFO order) every waiter that queued up in the meantime.
func (p *Page) FinishLoad(data []byte, loadErr error) error {
	if loadErr != nil {
		p.state = DiskBacked
		p.wakeWaiters()
		return loadErr
	}
	p.data = data
	p.state = Loaded
	p.wakeWaiters()
	return nil
}

// errAwaitLoad is returned (not as a real error, but as a sentinel the
// caller must check for with errors.As) when the page's load is already in
// flight and the caller must suspend on ch until it completes.
type errAwaitLoad struct{ ch chan struct{} }

func (e errAwaitLoad) Error() string { return "page: await in-flight load" }

// AwaitChannel extracts the suspension channel from an errAwaitLoad, or
// returns (nil, false) if err isn't one.
func AwaitChannel(err error) (chan struct{}, bool) {
	if e, ok := err.(errAwaitLoad); ok {
		return e.ch, true
	}
	return nil, false
}

func (p *Page) wakeWaiters() {
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

// SetData overwrites the resident bytes in place (used by a writer
// acquirer's dirty-page handoff). The page must already be Loaded. The
// token is cleared, since it refers to the bytes being replaced.
func (p *Page) SetData(data []byte) {
	p.data = data
	p.state = Loaded
	p.token = nil
}

// SetToken installs a fresh token after a successful flush write.
func (p *Page) SetToken(tok blockio.Token) { p.token = tok }

// Clone returns a new Page sharing no storage with p, used when a writer
// must snapshot the pre-image for a pre-spawn-flushed preceder
// (spec.md section 4.3, dirty_the_page).
func (p *Page) Clone() *Page {
	var data []byte
	if p.data != nil {
		data = make([]byte, len(p.data))
		copy(data, p.data)
	}
	return &Page{blockID: p.blockID, size: p.size, data: data, token: p.token, state: p.state}
}

// Evictable reports whether the evicter may drop this page's bytes:
// nobody is holding it, nobody is waiting on a load, and it isn't
// mid-load itself (spec.md section 4.2).
func (p *Page) Evictable() bool {
	return p.holders == 0 && len(p.waiters) == 0 && p.state != Loading
}

// EvictToDiskBacked drops resident bytes, keeping only the token. The
// caller (the evicter) must have already confirmed the token is valid —
// a page that was never flushed has no token and cannot be evicted, only
// destroyed along with its owning current_page.
func (p *Page) EvictToDiskBacked() error {
	if p.token == nil {
		return fmt.Errorf("page %d: cannot evict without a valid token", p.blockID)
	}
	if !p.Evictable() {
		return fmt.Errorf("page %d: not evictable (holders=%d waiters=%d state=%d)", p.blockID, p.holders, len(p.waiters), p.state)
	}
	p.data = nil
	p.state = DiskBacked
	return nil
}
