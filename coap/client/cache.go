package client

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/coreraft/raftnet/raftrpc"
)

// SerializationCache memoizes encoded request bytes keyed by a hash of the
// RPC kind and field values, so identical requests (e.g. a retransmitted
// heartbeat) skip re-encoding (spec §4.3 step 2). Eviction is by creation
// order rather than access order — "LRU by creation" per spec, i.e. the
// oldest-inserted entry goes first rather than the least-recently-used one.
type SerializationCache struct {
	mu       sync.Mutex
	cap      int
	entries  map[string][]byte
	order    []string
}

// NewSerializationCache returns a cache holding at most capacity entries.
// A non-positive capacity disables caching entirely.
func NewSerializationCache(capacity int) *SerializationCache {
	return &SerializationCache{cap: capacity, entries: make(map[string][]byte)}
}

// Key computes the cache key for a request of the given RPC kind (spec
// §4.3 step 2: "key = hash(request type + fields)"). It hashes a stable
// textual rendering of the fields rather than the encoded wire bytes, so a
// lookup never has to pay the serializer's cost up front.
func Key(kind raftrpc.RPCKind, req any) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%+v", kind, req)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Get returns the cached bytes for key, if present.
func (c *SerializationCache) Get(key string) ([]byte, bool) {
	if c.cap <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	return b, ok
}

// Put inserts key/value, evicting the oldest entry if the cache is at
// capacity (spec §4.3 step 2: "miss serializes and inserts if cache size <
// cap").
func (c *SerializationCache) Put(key string, value []byte) {
	if c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	if len(c.entries) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

// Len reports the number of cached entries.
func (c *SerializationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
