// Package pagecache is the transactional page cache sitting between a
// block serializer and higher-level B-tree code: cached access to
// fixed-size blocks identified by integer IDs, read/write acquisition with
// snapshot isolation, grouping of mutations into transactions with ordered
// dependencies, and asynchronous flushing of transaction graphs to the
// serializer with both soft and hard durability.
//
// Every mutating entry point runs under the cache's single home-context
// lock (Cache.Lock/Unlock); there is no internal concurrency beyond the
// bounded hops into and out of that lock documented on each suspension
// point. The graph, evict, flush, and throttle subpackages hold the actual
// state and algorithms; this package wires them together and is the only
// one an embedder imports directly.
package pagecache
