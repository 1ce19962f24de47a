package pagecache

import "github.com/kilndb/pagecache/graph"

// Conn is a cache_conn (spec.md section 3/6): a handle whose lifetime
// bounds a chain of causally-ordered transactions. An embedder typically
// holds one per logical client session.
type Conn struct {
	cc *graph.CacheConn
}

// NewConn creates a connection handle. Connections carry no cache state of
// their own beyond the newest-txn chain, so this needs no home-context
// lock, but the identity counter backing CacheConn.ID is still process-wide
// (graph.NewCacheConn uses an atomic), so concurrent callers never collide.
func (c *Cache) NewConn() *Conn {
	return &Conn{cc: graph.NewCacheConn()}
}

// ID returns this connection's diagnostic identifier.
func (conn *Conn) ID() int64 { return conn.cc.ID() }
