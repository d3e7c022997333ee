package coap

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/raftrpc"
)

func TestIDGenerator_Monotonic(t *testing.T) {
	g := &IDGenerator{}
	must.Eq(t, uint16(1), g.NextMessageID())
	must.Eq(t, uint16(2), g.NextMessageID())

	t1 := g.NextToken()
	t2 := g.NextToken()
	must.True(t, len(t1) <= 8)
	must.True(t, len(t2) <= 8)
	must.NotEq(t, string(t1), string(t2))
}

func TestPendingTable_ResolveAndUnknownToken(t *testing.T) {
	tbl := NewPendingTable()
	pr := &PendingRequest{Token: []byte{0x01}, Target: raftrpc.Endpoint{Address: "n1", Port: 5683}}

	var gotPayload []byte
	var gotErr error
	tbl.Register(pr, func(payload []byte, err error) {
		gotPayload, gotErr = payload, err
	})
	must.Eq(t, 1, tbl.Len())

	resolved := tbl.Resolve([]byte{0x01}, []byte("response"), nil)
	must.True(t, resolved)
	must.Eq(t, "response", string(gotPayload))
	must.NoError(t, gotErr)
	must.Eq(t, 0, tbl.Len())

	// Unknown token: response dropped (spec §7).
	resolved = tbl.Resolve([]byte{0x99}, []byte("x"), nil)
	must.False(t, resolved)
}

func TestPendingTable_Drain(t *testing.T) {
	tbl := NewPendingTable()
	tbl.Register(&PendingRequest{Token: []byte{1}}, func([]byte, error) {})
	tbl.Register(&PendingRequest{Token: []byte{2}}, func([]byte, error) {})

	drained := tbl.Drain()
	must.Eq(t, 2, len(drained))
	must.Eq(t, 0, tbl.Len())
}
