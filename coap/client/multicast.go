package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/coreraft/raftnet/raftrpc"
)

// multicastRequest collects unique-per-sender responses for one outstanding
// multicast send, alive from fan-out until timeout (spec §3, MulticastRequest).
// It is referenced only by its Token in the client's collector map —
// never by a back-pointer to the client — so there is no reference
// cycle to manage (Design Notes §4.9, "Cyclic/weak references").
type multicastRequest struct {
	// id is an internal correlation identifier used for logging only. The
	// actual lookup key is the CoAP Token (token, below) that responders
	// echo back on the wire — id is deliberately never placed on the wire
	// itself (SPEC_FULL §3 domain stack: uuid is reserved for
	// session/connection/correlation identifiers, never the wire Token).
	id        string
	token     string
	startTime time.Time
	timeout   time.Duration

	mu        sync.Mutex
	responses map[string][]byte // by sender address, first-wins
	errs      *multierror.Error // per-sender error responses, aggregated at Finalize

	fut *raftrpc.Future[[][]byte]
}

func newMulticastRequest(token []byte, timeout time.Duration) *multicastRequest {
	return &multicastRequest{
		id:        uuid.NewString(),
		token:     string(token),
		startTime: time.Now(),
		timeout:   timeout,
		responses: make(map[string][]byte),
		fut:       raftrpc.NewFuture[[][]byte](),
	}
}

// Offer records a response from sender, discarding it if sender already
// responded (spec §4.3, "duplicates from the same sender are discarded";
// Testable Property 11).
func (m *multicastRequest) Offer(sender string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.responses[sender]; ok {
		return
	}
	m.responses[sender] = payload
}

// OfferError records that sender answered with a CoAP error response
// (class 4.xx/5.xx) rather than a usable payload. A member error does not
// fail the overall multicast — it is aggregated and surfaced alongside the
// successful responses once Finalize runs.
func (m *multicastRequest) OfferError(sender string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = multierror.Append(m.errs, fmt.Errorf("%s: %w", sender, err))
}

// Finalize resolves the future with whatever has been collected so far,
// including empty (spec §4.3, "At timeout the collection is finalized").
// Member errors never fail the future themselves; Errors exposes them for
// the caller to log.
func (m *multicastRequest) Finalize() {
	m.mu.Lock()
	out := make([][]byte, 0, len(m.responses))
	for _, p := range m.responses {
		out = append(out, p)
	}
	m.mu.Unlock()
	m.fut.Complete(out, nil)
}

// Errors returns the aggregated per-sender error responses, or nil if every
// responder that answered sent a usable payload.
func (m *multicastRequest) Errors() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs.ErrorOrNil()
}

// multicastCollectors owns every in-flight multicastRequest, keyed by the
// wire Token responders echo back.
type multicastCollectors struct {
	mu      sync.Mutex
	byToken map[string]*multicastRequest
}

func newMulticastCollectors() *multicastCollectors {
	return &multicastCollectors{byToken: make(map[string]*multicastRequest)}
}

func (c *multicastCollectors) register(m *multicastRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byToken[m.token] = m
}

func (c *multicastCollectors) remove(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byToken, token)
}

// offer delivers a response arriving from sender to the collector whose
// token matches the response's echoed Token.
func (c *multicastCollectors) offer(token, sender string, payload []byte) {
	c.mu.Lock()
	m, ok := c.byToken[token]
	c.mu.Unlock()
	if ok {
		m.Offer(sender, payload)
	}
}

// offerError delivers a member error response to the matching collector.
func (c *multicastCollectors) offerError(token, sender string, err error) {
	c.mu.Lock()
	m, ok := c.byToken[token]
	c.mu.Unlock()
	if ok {
		m.OfferError(sender, err)
	}
}
