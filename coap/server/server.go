// Package server implements the CoAP RPC server: request validation,
// deduplication with cached-ACK replay, concurrency-gated dispatch, Block1
// reassembly, multicast reception, and leader-change Observe notifications
// (spec §4.4, SPEC_FULL §5.8).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/coap"
	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// observeLeaderPath is the supplemental resource used by Observe
// registrations (SPEC_FULL §5.8). It is not one of the three sealed RPC
// kinds, so it is dispatched separately from the handler table.
const observeLeaderPath = "/raft/leader"

type rawHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Server implements raftrpc.Server over CoAP.
type Server struct {
	cfg        *Config
	sock       coap.Socket
	mcastSock  coap.Socket
	serializer raftrpc.Serializer
	logger     hclog.Logger
	metrics    raftrpc.MetricsSink

	ids         coap.IDGenerator
	dedup       *coap.DedupTable
	acks        *ackCache
	reassembler *coap.Reassembler
	slots       chan struct{}

	handlersMu sync.RWMutex
	handlers   map[raftrpc.RPCKind]rawHandler

	leaderMu      sync.Mutex
	currentTerm   uint64
	currentLeader raftrpc.NodeId

	obsMu     sync.Mutex
	observers map[string]raftrpc.Endpoint

	mu      sync.Mutex
	running atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewServer builds a Server. mcastSock may be nil if multicast reception is
// not needed.
func NewServer(cfg *Config, sock coap.Socket, mcastSock coap.Socket, serializer raftrpc.Serializer, logger hclog.Logger, metrics raftrpc.MetricsSink) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if metrics == nil {
		metrics = raftrpc.NoopMetrics{}
	}
	slots := cfg.MaxConcurrentSessions
	if slots < 1 {
		slots = 1
	}
	return &Server{
		cfg:         cfg,
		sock:        sock,
		mcastSock:   mcastSock,
		serializer:  serializer,
		logger:      logger.Named("coap.server"),
		metrics:     metrics,
		dedup:       coap.NewDedupTable(0),
		acks:        newAckCache(0),
		reassembler: coap.NewReassembler(5 * time.Minute),
		slots:       make(chan struct{}, slots),
		handlers:    make(map[raftrpc.RPCKind]rawHandler),
		observers:   make(map[string]raftrpc.Endpoint),
	}
}

func (s *Server) setHandler(kind raftrpc.RPCKind, h rawHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = h
}

// RegisterRequestVoteHandler implements raftrpc.Server.
func (s *Server) RegisterRequestVoteHandler(h func(context.Context, *raftrpc.RequestVoteRequest) (*raftrpc.RequestVoteResponse, error)) error {
	if h == nil {
		return rerr.New(rerr.KindConfig, "coap.server.register", errNilHandler)
	}
	s.setHandler(raftrpc.KindRequestVote, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := s.serializer.DecodeRequestVoteRequest(payload)
		if err != nil {
			return nil, rerr.New(rerr.KindMalformed, "coap.server.decode", err)
		}
		resp, err := h(ctx, req)
		if err != nil {
			return nil, rerr.New(rerr.KindProtocol, "coap.server.handler", err)
		}
		return s.serializer.EncodeRequestVoteResponse(resp)
	})
	return nil
}

// RegisterAppendEntriesHandler implements raftrpc.Server.
func (s *Server) RegisterAppendEntriesHandler(h func(context.Context, *raftrpc.AppendEntriesRequest) (*raftrpc.AppendEntriesResponse, error)) error {
	if h == nil {
		return rerr.New(rerr.KindConfig, "coap.server.register", errNilHandler)
	}
	s.setHandler(raftrpc.KindAppendEntries, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := s.serializer.DecodeAppendEntriesRequest(payload)
		if err != nil {
			return nil, rerr.New(rerr.KindMalformed, "coap.server.decode", err)
		}
		resp, err := h(ctx, req)
		if err != nil {
			return nil, rerr.New(rerr.KindProtocol, "coap.server.handler", err)
		}
		return s.serializer.EncodeAppendEntriesResponse(resp)
	})
	return nil
}

// RegisterInstallSnapshotHandler implements raftrpc.Server.
func (s *Server) RegisterInstallSnapshotHandler(h func(context.Context, *raftrpc.InstallSnapshotRequest) (*raftrpc.InstallSnapshotResponse, error)) error {
	if h == nil {
		return rerr.New(rerr.KindConfig, "coap.server.register", errNilHandler)
	}
	s.setHandler(raftrpc.KindInstallSnapshot, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := s.serializer.DecodeInstallSnapshotRequest(payload)
		if err != nil {
			return nil, rerr.New(rerr.KindMalformed, "coap.server.decode", err)
		}
		resp, err := h(ctx, req)
		if err != nil {
			return nil, rerr.New(rerr.KindProtocol, "coap.server.handler", err)
		}
		return s.serializer.EncodeInstallSnapshotResponse(resp)
	})
	return nil
}

func kindForPath(path string) (raftrpc.RPCKind, bool) {
	for _, k := range []raftrpc.RPCKind{raftrpc.KindRequestVote, raftrpc.KindAppendEntries, raftrpc.KindInstallSnapshot} {
		if k.ResourcePath() == path {
			return k, true
		}
	}
	return 0, false
}

// Start installs the registered handlers' resources and launches the
// receive, multicast, and housekeeping loops. Idempotent with respect to
// the running flag (spec §4.4).
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.closeCh = make(chan struct{})
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(2)
	go s.recvLoop()
	go s.sweepLoop()
	if s.mcastSock != nil {
		s.wg.Add(1)
		go s.multicastLoop()
	}
	return nil
}

// Stop halts every loop and closes the sockets. Idempotent.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.closeCh)
	s.wg.Wait()

	var stopErr error
	if err := s.sock.Close(); err != nil {
		stopErr = err
	}
	if s.mcastSock != nil {
		if err := s.mcastSock.Close(); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	return stopErr
}

// IsRunning implements raftrpc.Server.
func (s *Server) IsRunning() bool { return s.running.Load() }

func (s *Server) recvLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		d, err := s.sock.Receive(context.Background(), time.Second).Wait(context.Background())
		if err != nil {
			continue
		}
		s.handleInbound(d)
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.dedup.Evict()
			s.acks.sweep()
			s.reassembler.Sweep()
		}
	}
}

// handleInbound runs the request-validation pipeline of spec §4.4 step 1-3,
// then hands off to processRequest under a concurrency slot.
func (s *Server) handleInbound(d coap.Datagram) {
	msg, err := coap.Unmarshal(d.Payload)
	if err != nil {
		s.logger.Debug("dropping undecodable datagram", "from", d.SourceAddr, "error", err)
		return
	}
	peer := fmt.Sprintf("%s:%d", d.SourceAddr, d.SourcePort)

	if err := msg.ValidateFraming(); err != nil {
		s.metrics.IncrCounter([]string{"coap", "server", "rejected"}, 1, map[string]string{"reason": "malformed"})
		s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeBadRequest, nil, peer, false)
		return
	}

	if len(d.Payload) > s.cfg.MaxRequestSize {
		s.metrics.IncrCounter([]string{"coap", "server", "rejected"}, 1, map[string]string{"reason": "too_large"})
		s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeRequestEntityTooLarge, nil, peer, false)
		return
	}

	if !s.dedup.Record(peer, msg.MessageID) {
		if cached, ok := s.acks.get(peer, msg.MessageID); ok {
			s.sock.SendTo(d.SourceAddr, d.SourcePort, cached, time.Second)
		}
		return
	}

	if opt, ok := msg.Option(coap.OptionObserve); ok && msg.URIPath() == observeLeaderPath && len(opt.Value) > 0 && opt.Value[0] == 0 {
		s.RegisterObserver(msg.Token, raftrpc.Endpoint{Address: d.SourceAddr, Port: d.SourcePort})
		s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeContent, s.currentLeaderBody(), peer, true)
		return
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.metrics.IncrCounter([]string{"coap", "server", "dropped"}, 1, map[string]string{"reason": "saturated"})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		s.processRequest(d, msg, peer)
	}()
}

// processRequest implements spec §4.4 steps 4-6: block reassembly,
// deserialize/dispatch/serialize, and exception-to-error-code mapping.
func (s *Server) processRequest(d coap.Datagram, msg *coap.Message, peer string) {
	payload := msg.Payload
	if opt, ok := msg.Option(coap.OptionBlock1); ok {
		desc, err := coap.DecodeBlockOption(opt)
		if err != nil {
			s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeBadRequest, nil, peer, false)
			return
		}
		complete, reassembled, err := s.reassembler.AddBlock(string(msg.Token), desc, msg.Payload)
		if err != nil {
			s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeBadRequest, nil, peer, false)
			return
		}
		if !complete {
			s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeContinue, nil, peer, true)
			return
		}
		payload = reassembled
	}

	kind, ok := kindForPath(msg.URIPath())
	if !ok {
		s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeBadRequest, nil, peer, false)
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[kind]
	s.handlersMu.RUnlock()
	if !ok {
		s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeBadRequest, nil, peer, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	respBody, err := s.safeInvoke(ctx, h, payload)
	if err != nil {
		code := coap.CodeInternalServerError
		if rerr.Is(err, rerr.KindMalformed) {
			code = coap.CodeBadRequest
		}
		s.metrics.IncrCounter([]string{"coap", "server", "handler_error"}, 1, map[string]string{"kind": kind.String()})
		s.replyRaw(d, msg.MessageID, msg.Token, code, nil, peer, false)
		return
	}
	s.metrics.IncrCounter([]string{"coap", "server", "handled"}, 1, map[string]string{"kind": kind.String()})
	s.replyRaw(d, msg.MessageID, msg.Token, coap.CodeContent, respBody, peer, true)
}

// safeInvoke converts a handler panic into a 5.00-mapped error rather than
// letting it take down the receive goroutine (spec §4.4 step 6).
func (s *Server) safeInvoke(ctx context.Context, h rawHandler, payload []byte) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rerr.New(rerr.KindProtocol, "coap.server.handler", fmt.Errorf("panic: %v", r))
		}
	}()
	return h(ctx, payload)
}

func (s *Server) replyRaw(d coap.Datagram, reqMessageID uint16, token []byte, code coap.Code, body []byte, peer string, cacheable bool) {
	resp := &coap.Message{Version: 1, Type: coap.TypeACK, Code: code, MessageID: reqMessageID, Token: token, Payload: body}
	encoded, err := resp.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal response", "error", err)
		return
	}
	if cacheable {
		s.acks.put(peer, reqMessageID, encoded)
	}
	s.sock.SendTo(d.SourceAddr, d.SourcePort, encoded, time.Second)
}

// multicastLoop implements spec §4.4's multicast reception path: a separate
// ingress socket bound on the multicast group, replying unicast to the
// original sender rather than back to the group.
func (s *Server) multicastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		d, err := s.mcastSock.Receive(context.Background(), time.Second).Wait(context.Background())
		if err != nil {
			continue
		}
		msg, err := coap.Unmarshal(d.Payload)
		if err != nil {
			continue
		}
		if err := msg.ValidateFraming(); err != nil {
			continue
		}
		peer := fmt.Sprintf("%s:%d", d.SourceAddr, d.SourcePort)
		if !s.dedup.Record("mcast:"+peer, msg.MessageID) {
			continue
		}

		kind, ok := kindForPath(msg.URIPath())
		if !ok {
			continue
		}
		s.handlersMu.RLock()
		h, ok := s.handlers[kind]
		s.handlersMu.RUnlock()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		respBody, err := s.safeInvoke(ctx, h, msg.Payload)
		cancel()
		if err != nil {
			continue
		}

		resp := &coap.Message{Version: 1, Type: coap.TypeNON, Code: coap.CodeContent, MessageID: s.ids.NextMessageID(), Token: msg.Token, Payload: respBody}
		encoded, err := resp.Marshal()
		if err != nil {
			continue
		}
		s.sock.SendTo(d.SourceAddr, d.SourcePort, encoded, time.Second)
	}
}

// RegisterObserver records ep as interested in leader-change notifications
// under token (SPEC_FULL §5.8).
func (s *Server) RegisterObserver(token []byte, ep raftrpc.Endpoint) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers[string(token)] = ep
}

// NotifyLeaderChange records the new leader and pushes an unsolicited
// notification to every registered observer (SPEC_FULL §5.8).
func (s *Server) NotifyLeaderChange(term uint64, leader raftrpc.NodeId) {
	s.leaderMu.Lock()
	s.currentTerm, s.currentLeader = term, leader
	s.leaderMu.Unlock()

	body := s.currentLeaderBody()

	s.obsMu.Lock()
	targets := make(map[string]raftrpc.Endpoint, len(s.observers))
	for tok, ep := range s.observers {
		targets[tok] = ep
	}
	s.obsMu.Unlock()

	for tok, ep := range targets {
		msg := &coap.Message{
			Version:   1,
			Type:      coap.TypeNON,
			Code:      coap.CodeContent,
			MessageID: s.ids.NextMessageID(),
			Token:     []byte(tok),
			Options:   []coap.Option{{ID: coap.OptionObserve, Value: []byte{1}}},
			Payload:   body,
		}
		encoded, err := msg.Marshal()
		if err != nil {
			continue
		}
		s.sock.SendTo(ep.Address, ep.Port, encoded, time.Second)
	}
}

type leaderNotice struct {
	Term   uint64
	Leader raftrpc.NodeId
}

func (s *Server) currentLeaderBody() []byte {
	s.leaderMu.Lock()
	n := leaderNotice{Term: s.currentTerm, Leader: s.currentLeader}
	s.leaderMu.Unlock()
	body, _ := json.Marshal(n)
	return body
}

type serverErr string

func (e serverErr) Error() string { return string(e) }

var errNilHandler = serverErr("handler must not be nil")

var _ raftrpc.Server = (*Server)(nil)
