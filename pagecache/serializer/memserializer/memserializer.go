// Package memserializer is an in-memory reference implementation of
// serializer.Serializer, grounded in the teacher's DiskManager
// (core/indexing/btree/diskmanager.go): a mutex-guarded, block-ID-indexed
// store with explicit allocate/read/write/sync operations, generalized
// from a single on-disk file to an in-memory map so the page cache's test
// suite (and any embedder without a real serializer yet) has something
// concrete to drive.
package memserializer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/serializer"
)

// token is memserializer's concrete blockio.Token: an opaque generation id
// plus a back-pointer to the store so Valid() can answer truthfully after
// a later write supersedes it.
type token struct {
	id  uuid.UUID
	gen uint64
	s   *Serializer
}

func (t *token) Valid() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.gen[t.blockKey()]
	return ok && cur == t.gen
}

func (t *token) blockKey() blockio.BlockID {
	return t.s.tokenBlock[t.id]
}

// Serializer is the in-memory store. It is safe for concurrent use; the
// page cache only ever calls it from its flush engine, but tests poke at
// it directly from multiple goroutines (e.g. simulating read-ahead races).
type Serializer struct {
	mu sync.Mutex

	blockSize int

	data map[blockio.BlockID][]byte
	rec  map[blockio.BlockID]blockio.Recency
	gen  map[blockio.BlockID]uint64

	tokenBlock map[uuid.UUID]blockio.BlockID

	readAheadCB serializer.ReadAheadFunc

	// writesIssued counts BlockWrites calls, exposed for tests asserting
	// on batching behavior (spec.md section 4.5's "Submit all buffer
	// writes as a batched block_writes call").
	writesIssued int
}

// New creates an in-memory serializer with the given fixed block size.
func New(blockSize int) *Serializer {
	return &Serializer{
		blockSize:  blockSize,
		data:       make(map[blockio.BlockID][]byte),
		rec:        make(map[blockio.BlockID]blockio.Recency),
		gen:        make(map[blockio.BlockID]uint64),
		tokenBlock: make(map[uuid.UUID]blockio.BlockID),
	}
}

func (s *Serializer) MaxBlockSize() int { return s.blockSize }

func (s *Serializer) AllRecencies(ctx context.Context) (map[blockio.BlockID]blockio.Recency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[blockio.BlockID]blockio.Recency, len(s.rec))
	for k, v := range s.rec {
		out[k] = v
	}
	return out, nil
}

func (s *Serializer) MakeIOAccount(priority int, outstandingLimit int) (blockio.IOAccount, error) {
	return &ioAccount{priority: priority, limit: outstandingLimit}, nil
}

type ioAccount struct {
	priority int
	limit    int
}

func (a *ioAccount) Priority() int { return a.priority }

// ReadBlock looks up the token's block and returns a copy of its bytes.
// Fails if a later write has superseded tok (mirrors a real serializer
// rejecting a stale generation).
func (s *Serializer) ReadBlock(ctx context.Context, tok blockio.Token, account blockio.IOAccount) ([]byte, error) {
	t, ok := tok.(*token)
	if !ok || t.s != s {
		return nil, fmt.Errorf("memserializer: foreign or nil token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := t.blockKey()
	if s.gen[id] != t.gen {
		return nil, fmt.Errorf("memserializer: stale token for block %d", id)
	}
	d, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("memserializer: no data for block %d", id)
	}
	out := make([]byte, len(d))
	copy(out, d)
	return out, nil
}

// BlockWrites stores each buffer and mints a fresh token for it. Per
// spec.md section 4.5, every flushed, modified block gets exactly one
// write here; reused tokens never pass through this call.
func (s *Serializer) BlockWrites(ctx context.Context, writes []blockio.BlockWrite, account blockio.IOAccount, onComplete func()) ([]blockio.Token, error) {
	s.mu.Lock()
	s.writesIssued++
	tokens := make([]blockio.Token, len(writes))
	for i, w := range writes {
		if len(w.Data) != s.blockSize {
			s.mu.Unlock()
			return nil, fmt.Errorf("memserializer: block %d write of %d bytes != block size %d", w.BlockID, len(w.Data), s.blockSize)
		}
		buf := make([]byte, len(w.Data))
		copy(buf, w.Data)
		s.data[w.BlockID] = buf
		s.gen[w.BlockID]++
		tok := &token{id: uuid.New(), gen: s.gen[w.BlockID], s: s}
		s.tokenBlock[tok.id] = w.BlockID
		tokens[i] = tok
	}
	s.mu.Unlock()
	if onComplete != nil {
		onComplete()
	}
	return tokens, nil
}

// IndexWrite applies recency/tombstone bookkeeping and fires onUpdate once
// done, modeling the "in-memory index updated, not necessarily fsynced"
// distinction from spec.md section 4.5 and its open question (a): this
// reference implementation has no separate on-disk index, so in-memory
// update and durability coincide, but the callback ordering contract is
// preserved for callers that depend on it.
func (s *Serializer) IndexWrite(ctx context.Context, ops []blockio.IndexWriteOp, onUpdate func()) error {
	s.mu.Lock()
	for _, op := range ops {
		switch op.Kind {
		case blockio.IndexOpDelete:
			delete(s.data, op.BlockID)
			s.rec[op.BlockID] = blockio.RecencyInvalid
		case blockio.IndexOpWrite, blockio.IndexOpTouch:
			s.rec[op.BlockID] = op.Recency
		}
	}
	s.mu.Unlock()
	if onUpdate != nil {
		onUpdate()
	}
	return nil
}

func (s *Serializer) RegisterReadAheadCB(cb serializer.ReadAheadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAheadCB = cb
}

func (s *Serializer) UnregisterReadAheadCB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAheadCB = nil
}

// Offer lets a test simulate the serializer discovering a block (e.g. from
// a prefetch scan) and pushing it at the cache's read-ahead sink.
func (s *Serializer) Offer(id blockio.BlockID) {
	s.mu.Lock()
	cb := s.readAheadCB
	data, ok := s.data[id]
	var tok blockio.Token
	if gen, ok2 := s.gen[id]; ok2 {
		t := &token{id: uuid.New(), gen: gen, s: s}
		s.tokenBlock[t.id] = id
		tok = t
	}
	s.mu.Unlock()
	if cb == nil || !ok {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	cb(blockio.Buffer{BlockID: id, Token: tok, Data: buf})
}

// ReadAll returns a copy of block id's bytes, for test assertions against
// "on-disk" state.
func (s *Serializer) ReadAll(id blockio.BlockID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(d))
	copy(out, d)
	return out, true
}

// WritesIssued reports how many BlockWrites batches have been submitted.
func (s *Serializer) WritesIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writesIssued
}
