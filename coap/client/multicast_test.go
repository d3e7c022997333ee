package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestMulticastRequest_DedupesPerSenderAndFinalizes(t *testing.T) {
	req := newMulticastRequest([]byte{0x01}, time.Second)

	req.Offer("10.0.0.1:5683", []byte("first"))
	req.Offer("10.0.0.1:5683", []byte("duplicate-from-same-sender"))
	req.Offer("10.0.0.2:5683", []byte("second"))

	req.Finalize()

	got, err := req.fut.Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, 2, len(got))
}

func TestMulticastCollectors_OfferRoutesByToken(t *testing.T) {
	c := newMulticastCollectors()
	a := newMulticastRequest([]byte{0xaa}, time.Second)
	b := newMulticastRequest([]byte{0xbb}, time.Second)
	c.register(a)
	c.register(b)

	c.offer(string([]byte{0xaa}), "peer1", []byte("for-a"))
	c.offer(string([]byte{0xcc}), "peer2", []byte("unknown-token-dropped"))

	a.mu.Lock()
	_, gotA := a.responses["peer1"]
	a.mu.Unlock()
	must.True(t, gotA)

	b.mu.Lock()
	bLen := len(b.responses)
	b.mu.Unlock()
	must.Eq(t, 0, bLen)

	c.remove(a.token)
	c.offer(a.token, "peer3", []byte("after-removal-dropped"))
	a.mu.Lock()
	_, gotAfterRemoval := a.responses["peer3"]
	a.mu.Unlock()
	must.False(t, gotAfterRemoval)
}

func TestMulticastRequest_AggregatesMemberErrorsWithoutFailingFuture(t *testing.T) {
	req := newMulticastRequest([]byte{0x02}, time.Second)

	req.Offer("10.0.0.1:5683", []byte("ok"))
	req.OfferError("10.0.0.2:5683", errors.New("member responded with code 5.00"))
	req.OfferError("10.0.0.3:5683", errors.New("member responded with code 4.00"))

	req.Finalize()

	got, err := req.fut.Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, 1, len(got))

	must.Error(t, req.Errors())
}
