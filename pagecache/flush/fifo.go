package flush

import "context"

// fifoGate serializes index writes in arrival order, grounded directly in
// the original implementation's page_cache_index_write_sink_t
// (original_source/src/buffer_cache/page_cache.cc): a FIFO queue plus
// mutex ensuring in-flight index writes commit in the order they were
// issued, preserving causal ordering with subsequent flushes (spec.md
// section 4.5). Each waiter parks on its own channel rather than a single
// condition variable, so Enter can hand off to exactly the next ticket
// without a wakeup-and-recheck loop.
type fifoGate struct {
	mu    chanMutex
	queue []chan struct{}
}

// chanMutex is a tiny channel-based mutex used only to guard fifoGate's
// queue slice; a plain sync.Mutex would do the same job, but this keeps
// the gate allocation-light and consistent with the channel-based
// suspension points used throughout this package.
type chanMutex chan struct{}

func newFIFOGate() *fifoGate {
	m := make(chanMutex, 1)
	return &fifoGate{mu: m}
}

func (m chanMutex) Lock()   { m <- struct{}{} }
func (m chanMutex) Unlock() { <-m }

// Enter blocks until it is the caller's turn, returning a release
// function the caller must call exactly once when its index write is
// done. Returns ctx's error if canceled before its turn arrives, without
// disturbing the queue for anyone already enqueued.
func (g *fifoGate) Enter(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	myTurn := make(chan struct{})
	if len(g.queue) == 0 {
		close(myTurn)
	}
	g.queue = append(g.queue, myTurn)
	g.mu.Unlock()

	select {
	case <-myTurn:
	case <-ctx.Done():
		// Remove ourselves from the queue (wherever we ended up) so a
		// canceled waiter never stalls everyone queued behind it: if we
		// were already at the front when canceled, advance the next
		// waiter exactly as release() would have.
		g.mu.Lock()
		for i, ch := range g.queue {
			if ch == myTurn {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				if i == 0 && len(g.queue) > 0 {
					close(g.queue[0])
				}
				break
			}
		}
		g.mu.Unlock()
		return nil, ctx.Err()
	}

	return func() {
		g.mu.Lock()
		g.queue = g.queue[1:]
		if len(g.queue) > 0 {
			close(g.queue[0])
		}
		g.mu.Unlock()
	}, nil
}
