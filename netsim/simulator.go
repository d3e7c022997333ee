package netsim

import (
	"container/heap"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/raftrpc"
)

// Simulator is a directed graph of named nodes with per-edge latency and
// reliability, owning a single delivery loop that applies latency to
// in-flight datagrams (spec §4.2).
type Simulator struct {
	logger hclog.Logger

	mu    sync.Mutex // single scheduler lock guarding graph + port allocation (spec §5)
	edges map[string]map[string]Edge
	nodes map[string]*nodeState
	rng   *rngSource

	deliveries deliveryHeap
	wake       chan struct{}
	seq        uint64

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type rngSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

type nodeState struct {
	nextEphemeral int
	ports         map[int]portBinding
}

// portBinding is satisfied by either *Socket or *Listener.
type portBinding interface {
	deliver(Message)
}

// New returns a Simulator with no nodes or edges registered.
func New(logger hclog.Logger) *Simulator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Simulator{
		logger: logger.Named("netsim"),
		edges:  make(map[string]map[string]Edge),
		nodes:  make(map[string]*nodeState),
		rng:    &rngSource{r: rand.New(rand.NewSource(time.Now().UnixNano()))},
		wake:   make(chan struct{}, 1),
	}
	heap.Init(&s.deliveries)
	return s
}

// AddNode registers a node address with no edges. Calling it is optional —
// AddEdge and Bind both implicitly register nodes — but explicit
// registration is useful for nodes that only ever receive.
func (s *Simulator) AddNode(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureNodeLocked(addr)
}

func (s *Simulator) ensureNodeLocked(addr string) *nodeState {
	n, ok := s.nodes[addr]
	if !ok {
		n = &nodeState{nextEphemeral: 20000, ports: make(map[int]portBinding)}
		s.nodes[addr] = n
	}
	return n
}

// AddEdge registers (or overwrites) a directed edge src → dst with the given
// latency and reliability.
func (s *Simulator) AddEdge(src, dst string, latency time.Duration, reliability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureNodeLocked(src)
	s.ensureNodeLocked(dst)
	if s.edges[src] == nil {
		s.edges[src] = make(map[string]Edge)
	}
	s.edges[src][dst] = Edge{Latency: latency, Reliability: reliability}
}

// Edge returns the configured edge src → dst, if any (Testable Property 7).
func (s *Simulator) Edge(src, dst string) (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.edges[src]
	if !ok {
		return Edge{}, false
	}
	e, ok := m[dst]
	return e, ok
}

// Start launches the delivery loop. Idempotent.
func (s *Simulator) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

// Stop halts the delivery loop. Idempotent. In-flight scheduled deliveries
// are discarded.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Simulator) loop() {
	defer close(s.doneCh)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		var hasNext bool
		if s.deliveries.Len() > 0 {
			next := s.deliveries[0]
			wait = time.Until(next.deliverAt)
			hasNext = true
		}
		s.mu.Unlock()

		if hasNext {
			if wait <= 0 {
				s.deliverDue()
				continue
			}
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		case <-timer.C:
			s.deliverDue()
		}
	}
}

func (s *Simulator) deliverDue() {
	now := time.Now()
	var due []scheduledDelivery
	s.mu.Lock()
	for s.deliveries.Len() > 0 && !s.deliveries[0].deliverAt.After(now) {
		item := heap.Pop(&s.deliveries).(scheduledDelivery)
		due = append(due, item)
	}
	s.mu.Unlock()

	for _, d := range due {
		s.deliverNow(d.msg)
	}
}

func (s *Simulator) deliverNow(msg Message) {
	s.mu.Lock()
	n, ok := s.nodes[msg.DestAddr]
	if !ok {
		s.mu.Unlock()
		return
	}
	binding, ok := n.ports[msg.DestPort]
	s.mu.Unlock()
	if !ok {
		return
	}
	binding.deliver(msg)
}

// Send resolves immediately: true if the message was accepted for
// transmission (an edge exists and the reliability draw did not drop it, or
// the draw dropped it — "accepted" only means handed to the network, not
// that it will arrive, spec §4.2), false if no edge exists at all. The
// timeout parameter exists for interface symmetry with the other blocking
// operations (spec §5) even though this implementation never actually
// blocks: the routing decision is made synchronously.
func (s *Simulator) Send(msg Message, timeout time.Duration) *raftrpc.Future[bool] {
	s.mu.Lock()
	edgeMap, ok := s.edges[msg.SourceAddr]
	if !ok {
		s.mu.Unlock()
		return raftrpc.Resolved(false)
	}
	e, ok := edgeMap[msg.DestAddr]
	if !ok {
		s.mu.Unlock()
		return raftrpc.Resolved(false)
	}

	s.rng.mu.Lock()
	draw := s.rng.r.Float64()
	s.rng.mu.Unlock()

	if draw > e.Reliability {
		// Accepted for send, silently dropped in flight.
		s.mu.Unlock()
		return raftrpc.Resolved(true)
	}

	s.seq++
	item := scheduledDelivery{
		deliverAt: time.Now().Add(e.Latency),
		seq:       s.seq,
		msg:       msg,
	}
	heap.Push(&s.deliveries, item)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return raftrpc.Resolved(true)
}

func (s *Simulator) bindPort(node string, port int, b portBinding) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ensureNodeLocked(node)

	if port == 0 {
		for {
			n.nextEphemeral++
			if n.nextEphemeral > 65535 {
				n.nextEphemeral = 20000
			}
			if _, used := n.ports[n.nextEphemeral]; !used {
				port = n.nextEphemeral
				break
			}
		}
	} else if _, used := n.ports[port]; used {
		return 0, fmt.Errorf("netsim: port %d already in use on %s", port, node)
	}

	n.ports[port] = b
	return port, nil
}

func (s *Simulator) unbindPort(node string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[node]; ok {
		delete(n.ports, port)
	}
}

type scheduledDelivery struct {
	deliverAt time.Time
	seq       uint64
	msg       Message
}

type deliveryHeap []scheduledDelivery

func (h deliveryHeap) Len() int { return len(h) }
func (h deliveryHeap) Less(i, j int) bool {
	if h[i].deliverAt.Equal(h[j].deliverAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].deliverAt.Before(h[j].deliverAt)
}
func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deliveryHeap) Push(x any)   { *h = append(*h, x.(scheduledDelivery)) }
func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
