package client

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/coap"
	"github.com/coreraft/raftnet/netsim"
	"github.com/coreraft/raftnet/raftrpc"
)

// echoRequestVote runs a minimal request_vote responder over a raw netsim
// socket, standing in for the server package so the client's send_rpc
// pipeline can be exercised end to end without it.
func echoRequestVote(t *testing.T, sock *netsim.Socket, grant bool) {
	t.Helper()
	go func() {
		for {
			d, err := sock.Receive(context.Background(), 2*time.Second).Wait(context.Background())
			if err != nil {
				return
			}
			msg, err := coap.Unmarshal(d.Payload)
			if err != nil {
				continue
			}
			decoded, derr := raftrpc.JSONSerializer{}.DecodeRequestVoteRequest(msg.Payload)
			if derr != nil {
				continue
			}
			resp := &raftrpc.RequestVoteResponse{Term: decoded.Term, VoteGranted: grant}
			body, _ := raftrpc.JSONSerializer{}.EncodeRequestVoteResponse(resp)

			reply := &coap.Message{
				Version:   1,
				Type:      coap.TypeACK,
				Code:      coap.CodeContent,
				MessageID: msg.MessageID,
				Token:     msg.Token,
				Payload:   body,
			}
			encoded, _ := reply.Marshal()
			sock.SendTo(d.SourceAddr, d.SourcePort, encoded, time.Second)
		}
	}()
}

func newTestClient(t *testing.T, sim *netsim.Simulator, node string, target raftrpc.NodeId, targetEp raftrpc.Endpoint) (*Client, *netsim.Socket) {
	t.Helper()
	sock, err := sim.Bind(node, 0)
	must.NoError(t, err)

	resolver := raftrpc.NewStaticResolver()
	resolver.Set(target, targetEp)

	cfg := NewConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxRetransmit = 3

	c := NewClient(cfg, coap.WrapNetsim(sock), nil, resolver, raftrpc.JSONSerializer{}, nil, nil)
	c.Start()
	t.Cleanup(func() { c.Stop() })
	return c, sock
}

func TestClient_RequestVoteRoundTrip(t *testing.T) {
	sim := netsim.New(nil)
	sim.AddEdge("client", "server", time.Millisecond, 1.0)
	sim.AddEdge("server", "client", time.Millisecond, 1.0)
	sim.Start()
	defer sim.Stop()

	serverSock, err := sim.Bind("server", 5683)
	must.NoError(t, err)
	echoRequestVote(t, serverSock, true)

	c, _ := newTestClient(t, sim, "client", raftrpc.NodeId(2), raftrpc.Endpoint{Address: "server", Port: 5683})

	fut := c.SendRequestVote(context.Background(), raftrpc.NodeId(2), &raftrpc.RequestVoteRequest{Term: 7, CandidateID: 1}, time.Second)
	resp, err := fut.Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, uint64(7), resp.Term)
	must.True(t, resp.VoteGranted)
}

func TestClient_MissingEndpointIsConfigError(t *testing.T) {
	sim := netsim.New(nil)
	sim.Start()
	defer sim.Stop()

	sock, err := sim.Bind("client", 0)
	must.NoError(t, err)
	cfg := NewConfig()
	c := NewClient(cfg, coap.WrapNetsim(sock), nil, raftrpc.NewStaticResolver(), raftrpc.JSONSerializer{}, nil, nil)
	c.Start()
	defer c.Stop()

	_, err = c.SendRequestVote(context.Background(), raftrpc.NodeId(99), &raftrpc.RequestVoteRequest{}, time.Second).Wait(context.Background())
	must.Error(t, err)
}

func TestClient_RetransmitsThenTimesOutWithoutResponder(t *testing.T) {
	sim := netsim.New(nil)
	sim.AddEdge("client", "ghost", time.Millisecond, 1.0)
	sim.Start()
	defer sim.Stop()

	c, _ := newTestClient(t, sim, "client", raftrpc.NodeId(3), raftrpc.Endpoint{Address: "ghost", Port: 5683})

	start := time.Now()
	_, err := c.SendRequestVote(context.Background(), raftrpc.NodeId(3), &raftrpc.RequestVoteRequest{Term: 1}, time.Second).Wait(context.Background())
	must.Error(t, err)
	// 3 sends with 20/40/80ms backoff waits take about 140ms to exhaust.
	must.True(t, time.Since(start) >= 50*time.Millisecond)
}

func TestClient_ConcurrentSlotsGateAndRelease(t *testing.T) {
	sim := netsim.New(nil)
	sim.AddEdge("client", "server", time.Millisecond, 1.0)
	sim.AddEdge("server", "client", time.Millisecond, 1.0)
	sim.Start()
	defer sim.Stop()

	serverSock, err := sim.Bind("server", 5683)
	must.NoError(t, err)
	echoRequestVote(t, serverSock, true)

	sock, err := sim.Bind("client", 0)
	must.NoError(t, err)
	resolver := raftrpc.NewStaticResolver()
	resolver.Set(raftrpc.NodeId(4), raftrpc.Endpoint{Address: "server", Port: 5683})

	cfg := NewConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxRetransmit = 3
	cfg.MaxConcurrentRequests = 1

	c := NewClient(cfg, coap.WrapNetsim(sock), nil, resolver, raftrpc.JSONSerializer{}, nil, nil)
	c.Start()
	defer c.Stop()

	ctx := context.Background()
	f1 := c.SendRequestVote(ctx, raftrpc.NodeId(4), &raftrpc.RequestVoteRequest{Term: 1}, time.Second)
	f2 := c.SendRequestVote(ctx, raftrpc.NodeId(4), &raftrpc.RequestVoteRequest{Term: 2}, time.Second)

	r1, err1 := f1.Wait(ctx)
	must.NoError(t, err1)
	must.Eq(t, uint64(1), r1.Term)

	r2, err2 := f2.Wait(ctx)
	must.NoError(t, err2)
	must.Eq(t, uint64(2), r2.Term)
}

func TestClient_MulticastAggregatesResponses(t *testing.T) {
	sim := netsim.New(nil)
	sim.AddEdge("client", "239.1.2.3", time.Millisecond, 1.0)
	sim.AddEdge("239.1.2.3", "client", time.Millisecond, 1.0)
	sim.Start()
	defer sim.Stop()

	groupSock, err := sim.Bind("239.1.2.3", 5700)
	must.NoError(t, err)
	go func() {
		d, err := groupSock.Receive(context.Background(), 2*time.Second).Wait(context.Background())
		if err != nil {
			return
		}
		msg, err := coap.Unmarshal(d.Payload)
		if err != nil {
			return
		}
		reply := &coap.Message{
			Version:   1,
			Type:      coap.TypeNON,
			Code:      coap.CodeContent,
			MessageID: msg.MessageID + 1,
			Token:     msg.Token,
			Payload:   []byte("member-ack"),
		}
		encoded, _ := reply.Marshal()
		groupSock.SendTo(d.SourceAddr, d.SourcePort, encoded, time.Second)
	}()

	sock, err := sim.Bind("client", 0)
	must.NoError(t, err)
	cfg := NewConfig()
	c := NewClient(cfg, coap.WrapNetsim(sock), nil, raftrpc.NewStaticResolver(), raftrpc.JSONSerializer{}, nil, nil)
	c.Start()
	defer c.Stop()

	fut := c.SendMulticast(context.Background(), "239.1.2.3", 5700, "/raft/append_entries", []byte("ping"), 200*time.Millisecond)
	got, err := fut.Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, 1, len(got))
	must.Eq(t, "member-ack", string(got[0]))
}

func TestClient_MulticastRejectsNonMulticastAddress(t *testing.T) {
	sim := netsim.New(nil)
	sim.Start()
	defer sim.Stop()
	sock, err := sim.Bind("client", 0)
	must.NoError(t, err)
	c := NewClient(NewConfig(), coap.WrapNetsim(sock), nil, raftrpc.NewStaticResolver(), raftrpc.JSONSerializer{}, nil, nil)
	c.Start()
	defer c.Stop()

	_, err = c.SendMulticast(context.Background(), "10.0.0.1", 5700, "/x", nil, time.Second).Wait(context.Background())
	must.Error(t, err)
}
