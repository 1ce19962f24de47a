package pagecache

import (
	"fmt"

	"github.com/kilndb/pagecache/blockio"
	"github.com/kilndb/pagecache/throttle"
)

// defaultAccountOutstandingLimit bounds how many requests an account may
// have outstanding against the serializer concurrently, absent a
// caller-supplied override. Spec.md section 6 leaves the cap unspecified
// beyond "an outstanding-request cap"; this value mirrors
// throttle.ReferencePriority's own scale.
const defaultAccountOutstandingLimit = 64

// CreateCacheAccount maps priority (reference throttle.ReferencePriority)
// to an I/O account the caller attaches to every PageForRead/PageForWrite
// call it issues, per spec.md section 6's cache.create_cache_account.
func (c *Cache) CreateCacheAccount(priority int) (blockio.IOAccount, error) {
	if priority <= 0 {
		return nil, fmt.Errorf("pagecache: account priority must be positive, got %d", priority)
	}
	return throttle.NewIOAccount(priority, defaultAccountOutstandingLimit), nil
}
