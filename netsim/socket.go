package netsim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// Socket is a bound, connectionless datagram endpoint — the abstraction the
// CoAP transport runs over, mirroring a UDP socket's bind/send/receive
// surface (spec §4.2).
type Socket struct {
	sim    *Simulator
	node   string
	port   int
	inbox  chan Message
	closed atomic.Bool
}

// Bind reserves port on node (or an ephemeral port if port == 0) and returns
// a Socket for sending and receiving datagrams on it. A second bind to an
// already-bound port fails with port-in-use (spec §4.2).
func (s *Simulator) Bind(node string, port int) (*Socket, error) {
	sock := &Socket{
		sim:   s,
		node:  node,
		inbox: make(chan Message, 256),
	}
	actual, err := s.bindPort(node, port, sock)
	if err != nil {
		return nil, err
	}
	sock.port = actual
	return sock, nil
}

func (sock *Socket) deliver(msg Message) {
	if sock.closed.Load() {
		return
	}
	select {
	case sock.inbox <- msg:
	default:
		// Inbox full: drop, matching real UDP socket buffer overflow
		// semantics rather than blocking the simulator's delivery loop.
	}
}

// LocalEndpoint returns the socket's bound (address, port).
func (sock *Socket) LocalEndpoint() raftrpc.Endpoint {
	return raftrpc.Endpoint{Address: sock.node, Port: sock.port}
}

// SendTo transmits payload toward (destAddr, destPort). See Simulator.Send
// for the accepted-vs-delivered distinction.
func (sock *Socket) SendTo(destAddr string, destPort int, payload []byte, timeout time.Duration) *raftrpc.Future[bool] {
	if sock.closed.Load() {
		return raftrpc.Resolved(false)
	}
	return sock.sim.Send(Message{
		SourceAddr: sock.node,
		SourcePort: sock.port,
		DestAddr:   destAddr,
		DestPort:   destPort,
		Payload:    payload,
	}, timeout)
}

// Receive waits for the next inbound datagram, up to timeout (spec §4.2,
// "Every blocking operation... takes a timeout").
func (sock *Socket) Receive(ctx context.Context, timeout time.Duration) *raftrpc.Future[Message] {
	fut := raftrpc.NewFuture[Message]()
	var once sync.Once
	complete := func(m Message, err error) {
		once.Do(func() { fut.Complete(m, err) })
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case m := <-sock.inbox:
			complete(m, nil)
		case <-timer.C:
			complete(Message{}, rerr.Timeout("netsim.receive", errReceiveTimeout))
		case <-ctx.Done():
			complete(Message{}, ctx.Err())
		}
	}()
	return fut
}

// Close releases the bound port. Further sends/receives fail.
func (sock *Socket) Close() error {
	if sock.closed.CompareAndSwap(false, true) {
		sock.sim.unbindPort(sock.node, sock.port)
	}
	return nil
}

var errReceiveTimeout = timeoutError("receive timed out")

type timeoutError string

func (e timeoutError) Error() string { return string(e) }
