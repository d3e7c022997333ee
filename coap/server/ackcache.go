package server

import (
	"sync"
	"time"

	"github.com/coreraft/raftnet/coap"
)

// ackCache remembers the encoded response sent for each (peer, MessageID),
// so a duplicate request can be answered by replaying the cached reply
// instead of invoking the handler a second time (spec §4.4 step 2: "if
// duplicate, reply with cached ACK if available, else drop"). It shares its
// retention window with coap.DedupTable since an entry is only useful while
// the corresponding dedup record is still live.
type ackCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]ackEntry
}

type ackEntry struct {
	body []byte
	at   time.Time
}

func newAckCache(window time.Duration) *ackCache {
	if window <= 0 {
		window = coap.DefaultDedupWindow
	}
	return &ackCache{window: window, entries: make(map[string]ackEntry)}
}

func (c *ackCache) put(peer string, messageID uint16, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ackKey(peer, messageID)] = ackEntry{body: body, at: time.Now()}
}

func (c *ackCache) get(peer string, messageID uint16) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ackKey(peer, messageID)]
	if !ok || time.Since(e.at) > c.window {
		return nil, false
	}
	return e.body, true
}

func (c *ackCache) sweep() {
	cutoff := time.Now().Add(-c.window)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.at.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

func ackKey(peer string, messageID uint16) string {
	buf := make([]byte, len(peer)+3)
	copy(buf, peer)
	buf[len(peer)] = '#'
	buf[len(peer)+1] = byte(messageID >> 8)
	buf[len(peer)+2] = byte(messageID)
	return string(buf)
}
