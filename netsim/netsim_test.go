package netsim

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestSimulator_EdgeFidelity(t *testing.T) {
	s := New(nil)
	s.AddEdge("A", "B", 120*time.Millisecond, 0.75)

	e, ok := s.Edge("A", "B")
	must.True(t, ok)
	must.Eq(t, 120*time.Millisecond, e.Latency)
	must.Eq(t, 0.75, e.Reliability)

	_, ok = s.Edge("B", "A")
	must.False(t, ok)
}

func TestSimulator_LatencyApplication(t *testing.T) {
	s := New(nil)
	s.AddEdge("A", "B", 120*time.Millisecond, 1.0)
	s.Start()
	defer s.Stop()

	sockA, err := s.Bind("A", 0)
	must.NoError(t, err)
	defer sockA.Close()
	sockB, err := s.Bind("B", 0)
	must.NoError(t, err)
	defer sockB.Close()

	start := time.Now()
	sent := sockA.SendTo("B", sockB.LocalEndpoint().Port, []byte("hello"), time.Second)
	ok, err := sent.Wait(context.Background())
	must.NoError(t, err)
	must.True(t, ok)

	recvFut := sockB.Receive(context.Background(), time.Second)
	msg, err := recvFut.Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, "hello", string(msg.Payload))
	must.True(t, time.Since(start) >= 100*time.Millisecond)
}

func TestSimulator_NoEdgeNoDelivery(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	sockA, _ := s.Bind("A", 0)
	defer sockA.Close()

	fut := sockA.SendTo("B", 5000, []byte("x"), time.Second)
	ok, err := fut.Wait(context.Background())
	must.NoError(t, err)
	must.False(t, ok)
}

func TestSimulator_ReliabilityApproachesConfigured(t *testing.T) {
	s := New(nil)
	s.AddEdge("A", "B", time.Millisecond, 0.3)

	trueCount := 0
	const n = 200
	for i := 0; i < n; i++ {
		fut := s.Send(Message{SourceAddr: "A", DestAddr: "B", Payload: []byte("x")}, time.Second)
		ok, _ := fut.Wait(context.Background())
		if ok {
			trueCount++
		}
	}
	// Send always returns true when an edge exists (accepted for
	// transmission is independent of delivery per spec §4.2); reliability
	// governs whether the scheduled delivery actually lands, which this
	// test does not observe directly. See
	// TestSimulator_DeliveryRatioApproachesReliability.
	must.Eq(t, n, trueCount)
}

func TestSimulator_DeliveryRatioApproachesReliability(t *testing.T) {
	s := New(nil)
	s.AddEdge("A", "B", time.Millisecond, 0.3)
	s.Start()
	defer s.Stop()

	sockB, err := s.Bind("B", 9100)
	must.NoError(t, err)
	defer sockB.Close()

	const n = 200
	for i := 0; i < n; i++ {
		s.Send(Message{SourceAddr: "A", DestAddr: "B", DestPort: 9100, Payload: []byte("x")}, time.Second)
	}

	time.Sleep(100 * time.Millisecond)
	received := 0
loop:
	for {
		select {
		case <-sockB.inbox:
			received++
		default:
			break loop
		}
	}
	must.True(t, received >= 30 && received <= 90)
}

func TestSimulator_BindPortInUse(t *testing.T) {
	s := New(nil)
	_, err := s.Bind("A", 7000)
	must.NoError(t, err)
	_, err = s.Bind("A", 7000)
	must.Error(t, err)
}

func TestSimulator_EphemeralPortsDistinct(t *testing.T) {
	s := New(nil)
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		sock, err := s.Bind("A", 0)
		must.NoError(t, err)
		must.False(t, seen[sock.LocalEndpoint().Port])
		seen[sock.LocalEndpoint().Port] = true
	}
}

func TestSimulator_ConnectionPairing(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	l, err := s.BindListener("server", 8000)
	must.NoError(t, err)

	acceptFut := l.Accept(context.Background(), time.Second)
	connFut := s.Connect(context.Background(), "client", 0, "server", 8000, time.Second)

	clientConn, err := connFut.Wait(context.Background())
	must.NoError(t, err)
	serverConn, err := acceptFut.Wait(context.Background())
	must.NoError(t, err)

	must.Eq(t, clientConn.Local, serverConn.Remote)
	must.Eq(t, clientConn.Remote, serverConn.Local)
}

func TestSimulator_ConnectNoListener(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()
	_, err := s.Connect(context.Background(), "client", 0, "nowhere", 9999, 200*time.Millisecond).Wait(context.Background())
	must.Error(t, err)
}

func TestSimulator_ReadWriteRoundTrip(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()

	l, _ := s.BindListener("server", 8001)
	acceptFut := l.Accept(context.Background(), time.Second)
	connFut := s.Connect(context.Background(), "client", 0, "server", 8001, time.Second)

	client, err := connFut.Wait(context.Background())
	must.NoError(t, err)
	server, err := acceptFut.Wait(context.Background())
	must.NoError(t, err)

	n, err := client.Write(context.Background(), []byte("ping"), time.Second).Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, 4, n)

	got, err := server.Read(context.Background(), time.Second).Wait(context.Background())
	must.NoError(t, err)
	must.Eq(t, "ping", string(got))
}

func TestSimulator_ReceiveTimeout(t *testing.T) {
	s := New(nil)
	s.Start()
	defer s.Stop()
	sock, _ := s.Bind("A", 0)
	defer sock.Close()

	_, err := sock.Receive(context.Background(), 50*time.Millisecond).Wait(context.Background())
	must.Error(t, err)
}
