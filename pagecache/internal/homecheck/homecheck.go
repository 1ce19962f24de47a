// Package homecheck gives the cache a cheap way to assert that every
// mutating entry point runs on its declared "home" goroutine, the Go
// analogue of spec.md section 5's single-threaded cooperative execution
// context. It is adapted from the teacher's goroutine-id helper
// (internal/common_utils.GoID), generalized from a debug print into an
// owner check.
package homecheck

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"
)

// GoID returns the numeric ID of the calling goroutine, parsed out of the
// runtime stack trace header. It is only ever used for debug assertions.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Owner tracks which goroutine currently holds the cache's home context.
type Owner struct {
	gid atomic.Int64
}

// Acquire records the calling goroutine as the current home-context owner.
// Call it immediately after taking the cache's mutex.
func (o *Owner) Acquire() {
	o.gid.Store(GoID())
}

// Release clears ownership. Call it immediately before releasing the
// cache's mutex.
func (o *Owner) Release() {
	o.gid.Store(0)
}

// Is reports whether the calling goroutine currently owns the home context.
func (o *Owner) Is() bool {
	return o.gid.Load() == GoID()
}
