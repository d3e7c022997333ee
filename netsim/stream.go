package netsim

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// Listener accepts incoming Connections on a bound port (spec §3, Listener).
type Listener struct {
	sim      *Simulator
	node     string
	port     int
	pending  chan *Connection
	closed   atomic.Bool
	isListen atomic.Bool
}

// Connection is a logical bidirectional stream anchored at two endpoints.
// The pairing invariant (spec §3) is enforced by construction: the
// connector's (local, remote) is always the mirror of the accepted side's
// (remote, local).
type Connection struct {
	Local, Remote raftrpc.Endpoint

	sim    *Simulator
	peer   *Connection // local delivery shortcut; simulator is single-process
	inbox  chan []byte
	closed atomic.Bool
}

// BindListener reserves a listening port on node and returns a Listener (spec §4.2).
func (s *Simulator) BindListener(node string, port int) (*Listener, error) {
	l := &Listener{
		sim:     s,
		node:    node,
		pending: make(chan *Connection, 64),
	}
	actual, err := s.bindPort(node, port, l)
	if err != nil {
		return nil, err
	}
	l.port = actual
	l.isListen.Store(true)
	return l, nil
}

func (l *Listener) deliver(Message) {
	// Listeners don't receive raw datagrams; Connect() enqueues directly via
	// offer(), below. This satisfies the portBinding interface so listeners
	// occupy the same port table as sockets.
}

// IsListening reports whether the listener is still accepting connections.
func (l *Listener) IsListening() bool { return l.isListen.Load() && !l.closed.Load() }

func (l *Listener) offer(conn *Connection) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.pending <- conn:
		return true
	default:
		return false
	}
}

// Accept waits for the next inbound connection (spec §4.2).
func (l *Listener) Accept(ctx context.Context, timeout time.Duration) *raftrpc.Future[*Connection] {
	fut := raftrpc.NewFuture[*Connection]()
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case c := <-l.pending:
			fut.Complete(c, nil)
		case <-timer.C:
			fut.Complete(nil, rerr.Timeout("netsim.accept", nil))
		case <-ctx.Done():
			fut.Complete(nil, ctx.Err())
		}
	}()
	return fut
}

// Close stops the listener from accepting further connections.
func (l *Listener) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.isListen.Store(false)
		l.sim.unbindPort(l.node, l.port)
	}
	return nil
}

// Connect initiates a handshake to (dstNode, dstPort). srcPort of 0 assigns
// an ephemeral port. The peer listener's Accept resolves with the mirror
// connection (spec §4.2, Connection pairing; Testable Property 9).
func (s *Simulator) Connect(ctx context.Context, srcNode string, srcPort int, dstNode string, dstPort int, timeout time.Duration) *raftrpc.Future[*Connection] {
	fut := raftrpc.NewFuture[*Connection]()

	go func() {
		s.mu.Lock()
		n := s.ensureNodeLocked(srcNode)
		if srcPort == 0 {
			for {
				n.nextEphemeral++
				if n.nextEphemeral > 65535 {
					n.nextEphemeral = 20000
				}
				if _, used := n.ports[n.nextEphemeral]; !used {
					srcPort = n.nextEphemeral
					break
				}
			}
		}
		dstState, ok := s.nodes[dstNode]
		var binding portBinding
		if ok {
			binding = dstState.ports[dstPort]
		}
		s.mu.Unlock()

		listener, ok := binding.(*Listener)
		if !ok || listener == nil || !listener.IsListening() {
			fut.Complete(nil, rerr.New(rerr.KindTransport, "netsim.connect", rerr.ErrNoRoute))
			return
		}

		local := raftrpc.Endpoint{Address: srcNode, Port: srcPort}
		remote := raftrpc.Endpoint{Address: dstNode, Port: dstPort}

		clientConn := &Connection{Local: local, Remote: remote, sim: s, inbox: make(chan []byte, 256)}
		serverConn := &Connection{Local: remote, Remote: local, sim: s, inbox: make(chan []byte, 256)}
		clientConn.peer = serverConn
		serverConn.peer = clientConn

		if !listener.offer(serverConn) {
			fut.Complete(nil, rerr.New(rerr.KindExhausted, "netsim.connect", nil))
			return
		}

		// The handshake itself is synchronous once a listener accepts the
		// offer; Connect does not consult timeout or ctx.
		fut.Complete(clientConn, nil)
	}()

	return fut
}

// Write delivers payload to the peer's Read queue.
func (c *Connection) Write(ctx context.Context, payload []byte, timeout time.Duration) *raftrpc.Future[int] {
	fut := raftrpc.NewFuture[int]()
	if c.closed.Load() || c.peer == nil {
		fut.Complete(0, rerr.New(rerr.KindTransport, "netsim.write", rerr.ErrConnectionRefused))
		return fut
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case c.peer.inbox <- cp:
			fut.Complete(len(cp), nil)
		case <-timer.C:
			fut.Complete(0, rerr.Timeout("netsim.write", nil))
		case <-ctx.Done():
			fut.Complete(0, ctx.Err())
		}
	}()
	return fut
}

// Read waits for the next payload written by the peer.
func (c *Connection) Read(ctx context.Context, timeout time.Duration) *raftrpc.Future[[]byte] {
	fut := raftrpc.NewFuture[[]byte]()
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case b := <-c.inbox:
			fut.Complete(b, nil)
		case <-timer.C:
			fut.Complete(nil, rerr.Timeout("netsim.read", nil))
		case <-ctx.Done():
			fut.Complete(nil, ctx.Err())
		}
	}()
	return fut
}

// Close marks the connection closed. Subsequent writes fail.
func (c *Connection) Close() error {
	c.closed.Store(true)
	return nil
}
