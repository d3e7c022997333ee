package coap

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreraft/raftnet/raftrpc"
)

// IDGenerator issues monotonically increasing MessageIDs and Tokens for one
// client (spec §3: "Used for duplicate suppression and ACK correlation...
// Also monotonic per client").
type IDGenerator struct {
	messageID atomic.Uint32 // wraps into uint16
	token     atomic.Uint64
}

// NextMessageID returns the next MessageID, wrapping at 16 bits.
func (g *IDGenerator) NextMessageID() uint16 {
	return uint16(g.messageID.Add(1))
}

// NextToken returns the next Token, encoded big-endian into up to 8 bytes
// (spec §3: "opaque byte string (≤8 bytes)").
func (g *IDGenerator) NextToken() []byte {
	v := g.token.Add(1)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// PendingRequest is a client's bookkeeping for one outstanding CON request
// (spec §3, PendingRequest). complete is invoked exactly once, with the raw
// response payload or an error; the caller (coap/client) owns deserializing
// the payload into the typed RPC response.
type PendingRequest struct {
	Token                []byte
	MessageID            uint16
	Target               raftrpc.Endpoint
	ResourcePath         string
	SendTime             time.Time
	Timeout              time.Duration
	RetransmissionCount  int
	IsConfirmable        bool

	complete func(payload []byte, err error)
}

// Complete resolves the request exactly once.
func (p *PendingRequest) Complete(payload []byte, err error) {
	if p.complete != nil {
		p.complete(payload, err)
	}
}

// PendingTable is the client's Token → PendingRequest map (spec §3:
// "Owned exclusively by the client's pending-request table; destroyed on
// response, timeout, or client teardown").
type PendingTable struct {
	mu    sync.Mutex
	byTok map[string]*PendingRequest
}

// NewPendingTable returns an empty PendingTable.
func NewPendingTable() *PendingTable {
	return &PendingTable{byTok: make(map[string]*PendingRequest)}
}

// Register adds pr, keyed by its Token.
func (t *PendingTable) Register(pr *PendingRequest, complete func(payload []byte, err error)) {
	pr.complete = complete
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTok[string(pr.Token)] = pr
}

// Lookup returns the PendingRequest for token, if still outstanding.
func (t *PendingTable) Lookup(token []byte) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.byTok[string(token)]
	return pr, ok
}

// Remove drops the entry for token. Called on resolution (response,
// timeout) or teardown so the table never outlives the request (spec §5).
func (t *PendingTable) Remove(token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byTok, string(token))
}

// Resolve looks up token, removes it, and completes it with (payload, err).
// Returns false if no pending request matched (spec §7, "unknown token:
// response dropped").
func (t *PendingTable) Resolve(token []byte, payload []byte, err error) bool {
	t.mu.Lock()
	pr, ok := t.byTok[string(token)]
	if ok {
		delete(t.byTok, string(token))
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pr.Complete(payload, err)
	return true
}

// Drain removes and returns every outstanding request, for teardown (spec
// §3, PendingRequest: "teardown fails the promise").
func (t *PendingTable) Drain() []*PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PendingRequest, 0, len(t.byTok))
	for _, pr := range t.byTok {
		out = append(out, pr)
	}
	t.byTok = make(map[string]*PendingRequest)
	return out
}

// Len reports the number of outstanding requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTok)
}
