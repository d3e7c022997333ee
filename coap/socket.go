package coap

import (
	"context"
	"net"
	"time"

	"github.com/coreraft/raftnet/netsim"
	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// Datagram is one inbound packet, independent of whether it arrived over
// the simulator or a real UDP socket (Design Notes §4.9, "stub vs real
// transport... interchangeable through the same node/send/receive
// surface").
type Datagram struct {
	SourceAddr string
	SourcePort int
	Payload    []byte
}

// Socket is the datagram transport surface the CoAP client and server run
// over. netsim.Socket and a real net.PacketConn both get adapted to it
// below, so the engine built on top never knows which one it's talking to.
type Socket interface {
	LocalEndpoint() raftrpc.Endpoint
	SendTo(destAddr string, destPort int, payload []byte, timeout time.Duration) *raftrpc.Future[bool]
	Receive(ctx context.Context, timeout time.Duration) *raftrpc.Future[Datagram]
	Close() error
}

// netsimSocket adapts *netsim.Socket to Socket.
type netsimSocket struct {
	sock *netsim.Socket
}

// WrapNetsim adapts a simulator-bound socket for use by the CoAP engine.
func WrapNetsim(sock *netsim.Socket) Socket {
	return &netsimSocket{sock: sock}
}

func (n *netsimSocket) LocalEndpoint() raftrpc.Endpoint { return n.sock.LocalEndpoint() }

func (n *netsimSocket) SendTo(destAddr string, destPort int, payload []byte, timeout time.Duration) *raftrpc.Future[bool] {
	return n.sock.SendTo(destAddr, destPort, payload, timeout)
}

func (n *netsimSocket) Receive(ctx context.Context, timeout time.Duration) *raftrpc.Future[Datagram] {
	return raftrpc.Map(n.sock.Receive(ctx, timeout), func(m netsim.Message) Datagram {
		return Datagram{SourceAddr: m.SourceAddr, SourcePort: m.SourcePort, Payload: m.Payload}
	})
}

func (n *netsimSocket) Close() error { return n.sock.Close() }

// udpSocket adapts a real net.PacketConn for production use outside the
// simulator (Design Notes §4.9: the simulator is "merely a test double";
// the real implementation delivers via the OS or the simulator through the
// same surface).
type udpSocket struct {
	conn  net.PacketConn
	local raftrpc.Endpoint
}

// NewUDPSocket binds a UDP socket on addr (host:port, port 0 for ephemeral)
// and adapts it to Socket.
func NewUDPSocket(addr string) (Socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, rerr.New(rerr.KindTransport, "coap.udpsocket", err)
	}
	host, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		conn.Close()
		return nil, rerr.New(rerr.KindTransport, "coap.udpsocket", err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		conn.Close()
		return nil, rerr.New(rerr.KindTransport, "coap.udpsocket", err)
	}
	return &udpSocket{conn: conn, local: raftrpc.Endpoint{Address: host, Port: port}}, nil
}

func (u *udpSocket) LocalEndpoint() raftrpc.Endpoint { return u.local }

func (u *udpSocket) SendTo(destAddr string, destPort int, payload []byte, timeout time.Duration) *raftrpc.Future[bool] {
	fut := raftrpc.NewFuture[bool]()
	go func() {
		raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(destAddr, itoaPort(destPort)))
		if err != nil {
			fut.Complete(false, rerr.New(rerr.KindTransport, "coap.udpsocket.send", rerr.ErrNoRoute))
			return
		}
		if timeout > 0 {
			u.conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		_, err = u.conn.WriteTo(payload, raddr)
		if err != nil {
			fut.Complete(false, rerr.New(rerr.KindTransport, "coap.udpsocket.send", err))
			return
		}
		fut.Complete(true, nil)
	}()
	return fut
}

func (u *udpSocket) Receive(ctx context.Context, timeout time.Duration) *raftrpc.Future[Datagram] {
	fut := raftrpc.NewFuture[Datagram]()
	go func() {
		if timeout > 0 {
			u.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		buf := make([]byte, 64*1024)
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			fut.Complete(Datagram{}, rerr.Timeout("coap.udpsocket.receive", err))
			return
		}
		host, portStr, _ := net.SplitHostPort(addr.String())
		port, _ := parsePort(portStr)
		fut.Complete(Datagram{SourceAddr: host, SourcePort: port, Payload: buf[:n]}, nil)
	}()
	return fut
}

func (u *udpSocket) Close() error { return u.conn.Close() }

func parsePort(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, rerr.ErrInvalidPort
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func itoaPort(p int) string {
	if p == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}
