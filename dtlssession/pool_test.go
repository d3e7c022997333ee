package dtlssession

import (
	"net"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/raftrpc"
)

func newPlainPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewPlainSession(a), NewPlainSession(b)
}

func TestPool_AcquireReleaseLIFO(t *testing.T) {
	p := NewPool(2, time.Hour, nil)
	ep := raftrpc.Endpoint{Address: "n1", Port: 5684}

	s1, _ := newPlainPair(t)
	s2, _ := newPlainPair(t)

	_, ok := p.Acquire(ep)
	must.False(t, ok)

	p.Release(ep, s1)
	p.Release(ep, s2)

	got, ok := p.Acquire(ep)
	must.True(t, ok)
	must.Eq(t, s2.ID, got.ID) // LIFO: most recently released comes back first
}

func TestPool_RefusesOverCapacity(t *testing.T) {
	p := NewPool(1, time.Hour, nil)
	ep := raftrpc.Endpoint{Address: "n1", Port: 5684}

	s1, _ := newPlainPair(t)
	s2, _ := newPlainPair(t)

	must.False(t, p.AtCapacity(ep))
	p.Release(ep, s1)
	must.True(t, p.AtCapacity(ep))

	// Over capacity: Release closes the overflow session rather than
	// growing the idle pool past cap.
	p.Release(ep, s2)
	_, err := s2.Conn().Write([]byte("x"))
	must.Error(t, err)
}

func TestPool_SweepsIdleSessions(t *testing.T) {
	p := NewPool(4, 10*time.Millisecond, nil)
	ep := raftrpc.Endpoint{Address: "n1", Port: 5684}

	s1, _ := newPlainPair(t)
	p.Release(ep, s1)
	time.Sleep(25 * time.Millisecond)
	p.Sweep()

	_, ok := p.Acquire(ep)
	must.False(t, ok)
}
