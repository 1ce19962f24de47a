package pagecache

import "errors"

// The error taxonomy exposed upward is deliberately minimal: almost every
// invariant violation is asserted (internal/assert) rather than returned,
// since the core treats such violations as logic bugs that must stop the
// process. The errors below are the narrow set of conditions a caller can
// legitimately hit and recover from or must be told about explicitly.
var (
	// ErrClosed is returned by any entry point called after Cache.Close.
	ErrClosed = errors.New("pagecache: cache closed")

	// ErrBlockNotFound is returned by AcqBeginExisting when no current_page
	// exists for the requested block and create was false.
	ErrBlockNotFound = errors.New("pagecache: block not found")

	// ErrWriteTxnAborted is never returned. Per spec.md section 7,
	// aborting a write transaction without committing is fatal to the
	// process: Txn.Abort passes this error's text to internal/assert.Fatal,
	// which panics with it.
	ErrWriteTxnAborted = errors.New("pagecache: write transaction aborted without commit")
)
