// Package client implements the CoAP RPC client: the send_rpc pipeline
// (endpoint resolution, serialization caching, session reuse, block-wise
// transfer, retransmission with exponential backoff), multicast fan-out with
// response aggregation, and leader-change Observe subscriptions (spec §4.3,
// §5.8, §6).
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/coap"
	"github.com/coreraft/raftnet/dtlssession"
	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// Dialer opens a connected net.Conn to ep for a DTLS handshake. Client never
// dials directly: the in-process simulator has no notion of a connected
// stream, so tests run with a nil Dialer and DTLS sessions degrade to
// NewPlainSession bookkeeping (session pooling, idle sweep) without a live
// handshake — only production wiring over a real UDP socket supplies one.
type Dialer func(ep raftrpc.Endpoint) (net.Conn, error)

type rpcResult struct {
	payload []byte
	err     error
}

// Client implements raftrpc.Transport and raftrpc.Multicaster over CoAP
// (spec §6).
type Client struct {
	cfg        *Config
	sock       coap.Socket
	dialer     Dialer
	resolver   raftrpc.EndpointResolver
	serializer raftrpc.Serializer
	logger     hclog.Logger
	metrics    raftrpc.MetricsSink

	ids         coap.IDGenerator
	pending     *coap.PendingTable
	dedup       *coap.DedupTable
	cache       *SerializationCache
	sessions    *dtlssession.Pool
	partitions  *partitionTracker
	multicasts  *multicastCollectors
	reassembler *coap.Reassembler

	slots chan struct{}

	ackMu   sync.Mutex
	ackWait map[uint16]chan struct{}

	obsMu     sync.Mutex
	observers map[string]func([]byte)

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewClient builds a Client. dialer may be nil (see Dialer's doc comment).
func NewClient(cfg *Config, sock coap.Socket, dialer Dialer, resolver raftrpc.EndpointResolver, serializer raftrpc.Serializer, logger hclog.Logger, metrics raftrpc.MetricsSink) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if metrics == nil {
		metrics = raftrpc.NoopMetrics{}
	}
	slots := cfg.MaxConcurrentRequests
	if slots < 1 {
		slots = 1
	}
	named := logger.Named("coap.client")
	return &Client{
		cfg:         cfg,
		sock:        sock,
		dialer:      dialer,
		resolver:    resolver,
		serializer:  serializer,
		logger:      named,
		metrics:     metrics,
		pending:     coap.NewPendingTable(),
		dedup:       coap.NewDedupTable(0),
		cache:       NewSerializationCache(cfg.SerializationCacheSize),
		sessions:    dtlssession.NewPool(cfg.ConnectionPoolSize, cfg.SessionTimeout, named),
		partitions:  newPartitionTracker(named),
		multicasts:  newMulticastCollectors(),
		reassembler: coap.NewReassembler(5 * time.Minute),
		slots:       make(chan struct{}, slots),
		ackWait:     make(map[uint16]chan struct{}),
		observers:   make(map[string]func([]byte)),
		closeCh:     make(chan struct{}),
	}
}

// Start launches the receive and housekeeping loops. Must be called before
// any RPC is sent.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.recvLoop()
	go c.sweepLoop()
}

// Stop drains outstanding requests with an error, tears down pooled
// sessions, and closes the socket. Safe to call once; subsequent calls are
// no-ops.
func (c *Client) Stop() error {
	var stopErr error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.wg.Wait()
		for _, pr := range c.pending.Drain() {
			pr.Complete(nil, rerr.New(rerr.KindTransport, "coap.client.stop", errClientClosed))
		}
		stopErr = c.sessions.CloseAll()
		if err := c.sock.Close(); err != nil && stopErr == nil {
			stopErr = err
		}
	})
	return stopErr
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}
		d, err := c.sock.Receive(context.Background(), time.Second).Wait(context.Background())
		if err != nil {
			continue
		}
		c.handleInbound(d)
	}
}

func (c *Client) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.dedup.Evict()
			c.sessions.Sweep()
			c.reassembler.Sweep()
		}
	}
}

func (c *Client) handleInbound(d coap.Datagram) {
	msg, err := coap.Unmarshal(d.Payload)
	if err != nil {
		c.logger.Debug("dropping malformed datagram", "from", d.SourceAddr, "error", err)
		return
	}
	peer := fmt.Sprintf("%s:%d", d.SourceAddr, d.SourcePort)

	if msg.Type == coap.TypeACK && msg.Code == coap.CodeEmpty {
		c.signalAck(msg.MessageID)
		return
	}

	if !c.dedup.Record(peer, msg.MessageID) {
		return
	}
	// A piggybacked ACK (response carried directly in the ACK) also cancels
	// any pending retransmission of the request it answers.
	if msg.Type == coap.TypeACK {
		c.signalAck(msg.MessageID)
	}

	if _, ok := msg.Option(coap.OptionObserve); ok {
		c.dispatchObserve(string(msg.Token), msg.Payload)
		return
	}

	payload, complete := c.reassembleIfNeeded(msg)
	if !complete {
		return
	}

	if c.pending.Resolve(msg.Token, payload, nil) {
		return
	}
	if msg.Code>>5 >= 4 {
		c.multicasts.offerError(string(msg.Token), peer, rerr.New(rerr.KindProtocol, "coap.client.multicast", fmt.Errorf("member responded with code %d.%02d", msg.Code>>5, msg.Code&0x1f)))
		return
	}
	c.multicasts.offer(string(msg.Token), peer, payload)
}

// reassembleIfNeeded feeds msg through the client's block reassembler when
// it carries a Block2 option (a server response too large for one
// datagram). The client never requests individual continuation blocks —
// InstallSnapshot, the one RPC large enough to need block-wise transfer, is
// block-split client-to-server (Block1); nothing in this protocol sends a
// block-split response, so Block2 handling here only has to accumulate
// whatever the sender streams, not negotiate a NUM-by-NUM fetch.
func (c *Client) reassembleIfNeeded(msg *coap.Message) ([]byte, bool) {
	opt, ok := msg.Option(coap.OptionBlock2)
	if !ok {
		return msg.Payload, true
	}
	desc, err := coap.DecodeBlockOption(opt)
	if err != nil {
		c.logger.Debug("malformed block2 option", "error", err)
		return nil, false
	}
	complete, payload, err := c.reassembler.AddBlock(string(msg.Token), desc, msg.Payload)
	if err != nil {
		c.logger.Debug("block2 reassembly aborted", "error", err)
		return nil, false
	}
	return payload, complete
}

func (c *Client) signalAck(id uint16) {
	c.ackMu.Lock()
	ch, ok := c.ackWait[id]
	c.ackMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Client) registerAckWaiter(id uint16) chan struct{} {
	ch := make(chan struct{}, 1)
	c.ackMu.Lock()
	c.ackWait[id] = ch
	c.ackMu.Unlock()
	return ch
}

func (c *Client) removeAckWaiter(id uint16) {
	c.ackMu.Lock()
	delete(c.ackWait, id)
	c.ackMu.Unlock()
}

// ensureSession acquires a pooled session for ep or establishes one (spec
// §4.3, "get_or_create_session"). DTLS over this client's datagram-oriented
// Socket is established out-of-band via dialer: pion/dtls/v2 negotiates over
// a connected net.Conn, not a packet-addressed send/receive pair, so the
// handshake's transport is deliberately separate from the CoAP datagram
// path. Without a dialer (e.g. the simulator), sessions are nominal — the
// pool and idle-sweep lifecycle still runs, just without live cryptography.
func (c *Client) ensureSession(ctx context.Context, ep raftrpc.Endpoint) (*dtlssession.Session, error) {
	if err := c.cfg.DTLSConfig().ValidateScheme(ep.Scheme); err != nil {
		return nil, err
	}
	if sess, ok := c.sessions.Acquire(ep); ok {
		return sess, nil
	}
	if c.cfg.EnableDTLS && c.dialer != nil {
		conn, err := c.dialer(ep)
		if err != nil {
			return nil, rerr.New(rerr.KindTransport, "coap.client.session", err)
		}
		sess, err := dtlssession.Handshake(ctx, conn, c.cfg.DTLSConfig())
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	return dtlssession.NewPlainSession(nil), nil
}

// sendConfirmable sends msg as a CON, retransmitting with exponential
// backoff until a response arrives, a bare ACK stops retransmission and
// waits for the separate response until the overall deadline, or
// max_retransmit is exhausted (spec §4.3,
// "Retransmission and timeout handling").
func (c *Client) sendConfirmable(ctx context.Context, ep raftrpc.Endpoint, msg *coap.Message, overall time.Duration) ([]byte, error) {
	respCh := make(chan rpcResult, 1)
	c.pending.Register(&coap.PendingRequest{
		Token:         msg.Token,
		MessageID:     msg.MessageID,
		Target:        ep,
		ResourcePath:  msg.URIPath(),
		SendTime:      time.Now(),
		Timeout:       overall,
		IsConfirmable: true,
	}, func(payload []byte, err error) {
		select {
		case respCh <- rpcResult{payload, err}:
		default:
		}
	})
	defer c.pending.Remove(msg.Token)

	ackCh := c.registerAckWaiter(msg.MessageID)
	defer c.removeAckWaiter(msg.MessageID)

	encoded, err := msg.Marshal()
	if err != nil {
		return nil, rerr.New(rerr.KindSerializer, "coap.client.send", err)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.AckTimeout
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the attempt count, not elapsed time, bounds retransmission.
	bo.Reset()
	delay := bo.NextBackOff()

	attempts := 0
	for {
		if _, err := c.sock.SendTo(ep.Address, ep.Port, encoded, c.cfg.AckTimeout).Wait(deadlineCtx); err != nil {
			c.partitions.RecordFailure(ep)
			return nil, rerr.New(rerr.KindTransport, "coap.client.send", err)
		}

		timer := time.NewTimer(delay)
		select {
		case r := <-respCh:
			timer.Stop()
			c.partitions.RecordSuccess(ep)
			return r.payload, r.err

		case <-ackCh:
			timer.Stop()
			// Already ACKed: the response is coming separately. Keep
			// waiting without consuming the retransmission budget or
			// resending data the peer has already confirmed receiving.
			select {
			case r := <-respCh:
				c.partitions.RecordSuccess(ep)
				return r.payload, r.err
			case <-deadlineCtx.Done():
				return nil, rerr.Timeout("coap.client.send", nil)
			}

		case <-timer.C:
			attempts++
			if attempts >= c.cfg.MaxRetransmit {
				c.partitions.RecordFailure(ep)
				return nil, rerr.Timeout("coap.client.send", rerr.ErrNoRoute)
			}
			delay = bo.NextBackOff()
			if delay == backoff.Stop {
				c.partitions.RecordFailure(ep)
				return nil, rerr.Timeout("coap.client.send", nil)
			}

		case <-deadlineCtx.Done():
			timer.Stop()
			return nil, rerr.Timeout("coap.client.send", nil)
		}
	}
}

// sendRequestBody delivers body to path, splitting into Block1 blocks when
// it exceeds MaxBlockSize (spec §4.3 step 5). Every block shares the same
// Token so the server's reassembler and the client's PendingTable both key
// on the logical request rather than the individual datagram.
func (c *Client) sendRequestBody(ctx context.Context, ep raftrpc.Endpoint, path string, token []byte, body []byte, overall time.Duration) ([]byte, error) {
	if !c.cfg.EnableBlockTransfer || len(body) <= c.cfg.MaxBlockSize {
		msg := &coap.Message{Version: 1, Type: coap.TypeCON, Code: coap.CodePOST, MessageID: c.ids.NextMessageID(), Token: token, Payload: body}
		msg.WithURIPath(path)
		return c.sendConfirmable(ctx, ep, msg, overall)
	}

	blocks := coap.SplitBlocks(body, c.cfg.MaxBlockSize)
	intermediateTimeout := c.cfg.AckTimeout * time.Duration(c.cfg.MaxRetransmit)
	for i, blk := range blocks {
		msg := &coap.Message{Version: 1, Type: coap.TypeCON, Code: coap.CodePOST, MessageID: c.ids.NextMessageID(), Token: token, Payload: blk.Data}
		msg.WithURIPath(path)
		opt, err := coap.EncodeBlockOption(coap.OptionBlock1, blk.Descriptor)
		if err != nil {
			return nil, rerr.New(rerr.KindConfig, "coap.client.block", err)
		}
		msg.Options = append(msg.Options, opt)

		blockTimeout := overall
		last := i == len(blocks)-1
		if !last {
			blockTimeout = intermediateTimeout
		}
		payload, err := c.sendConfirmable(ctx, ep, msg, blockTimeout)
		if err != nil {
			return nil, err
		}
		if last {
			return payload, nil
		}
	}
	return nil, nil
}

func (c *Client) encodedBody(kind raftrpc.RPCKind, req any, encode func() ([]byte, error)) ([]byte, error) {
	if !c.cfg.EnableSerializationCaching {
		b, err := encode()
		if err != nil {
			return nil, rerr.New(rerr.KindSerializer, "coap.client.encode", err)
		}
		return b, nil
	}
	key := Key(kind, req)
	if body, ok := c.cache.Get(key); ok {
		return body, nil
	}
	body, err := encode()
	if err != nil {
		return nil, rerr.New(rerr.KindSerializer, "coap.client.encode", err)
	}
	c.cache.Put(key, body)
	return body, nil
}

// doSend implements the full send_rpc pipeline of spec §4.3: resolve the
// endpoint, acquire a concurrency slot, encode (or fetch from cache), obtain
// a session, then deliver with retransmission.
func (c *Client) doSend(ctx context.Context, target raftrpc.NodeId, kind raftrpc.RPCKind, req any, encode func() ([]byte, error), timeout time.Duration) ([]byte, error) {
	ep, ok := c.resolver.Resolve(target)
	if !ok {
		return nil, rerr.New(rerr.KindConfig, "coap.client.send_rpc", rerr.ErrMissingEndpoint)
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slots }()

	body, err := c.encodedBody(kind, req, encode)
	if err != nil {
		return nil, err
	}

	sess, err := c.ensureSession(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer c.sessions.Release(ep, sess)

	token := c.ids.NextToken()
	payload, err := c.sendRequestBody(ctx, ep, kind.ResourcePath(), token, body, timeout)
	if err != nil {
		c.metrics.IncrCounter([]string{"coap", "client", "rpc_failure"}, 1, map[string]string{"kind": kind.String()})
		return nil, err
	}
	c.metrics.IncrCounter([]string{"coap", "client", "rpc_success"}, 1, map[string]string{"kind": kind.String()})
	return payload, nil
}

func (c *Client) sendTyped(ctx context.Context, target raftrpc.NodeId, kind raftrpc.RPCKind, req any, encode func() ([]byte, error), timeout time.Duration) *raftrpc.Future[[]byte] {
	out := raftrpc.NewFuture[[]byte]()
	go func() {
		payload, err := c.doSend(ctx, target, kind, req, encode, timeout)
		out.Complete(payload, err)
	}()
	return out
}

func decodeFuture[T any](raw *raftrpc.Future[[]byte], decode func([]byte) (T, error)) *raftrpc.Future[T] {
	out := raftrpc.NewFuture[T]()
	go func() {
		b, err := raw.Wait(context.Background())
		if err != nil {
			var zero T
			out.Complete(zero, err)
			return
		}
		v, err := decode(b)
		out.Complete(v, err)
	}()
	return out
}

// SendRequestVote implements raftrpc.Transport.
func (c *Client) SendRequestVote(ctx context.Context, target raftrpc.NodeId, req *raftrpc.RequestVoteRequest, timeout time.Duration) *raftrpc.Future[*raftrpc.RequestVoteResponse] {
	raw := c.sendTyped(ctx, target, raftrpc.KindRequestVote, req, func() ([]byte, error) { return c.serializer.EncodeRequestVoteRequest(req) }, timeout)
	return decodeFuture(raw, c.serializer.DecodeRequestVoteResponse)
}

// SendAppendEntries implements raftrpc.Transport.
func (c *Client) SendAppendEntries(ctx context.Context, target raftrpc.NodeId, req *raftrpc.AppendEntriesRequest, timeout time.Duration) *raftrpc.Future[*raftrpc.AppendEntriesResponse] {
	raw := c.sendTyped(ctx, target, raftrpc.KindAppendEntries, req, func() ([]byte, error) { return c.serializer.EncodeAppendEntriesRequest(req) }, timeout)
	return decodeFuture(raw, c.serializer.DecodeAppendEntriesResponse)
}

// SendInstallSnapshot implements raftrpc.Transport.
func (c *Client) SendInstallSnapshot(ctx context.Context, target raftrpc.NodeId, req *raftrpc.InstallSnapshotRequest, timeout time.Duration) *raftrpc.Future[*raftrpc.InstallSnapshotResponse] {
	raw := c.sendTyped(ctx, target, raftrpc.KindInstallSnapshot, req, func() ([]byte, error) { return c.serializer.EncodeInstallSnapshotRequest(req) }, timeout)
	return decodeFuture(raw, c.serializer.DecodeInstallSnapshotResponse)
}

// SendMulticast implements raftrpc.Multicaster (spec §4.3, "Multicast
// send"). Responses dribble in asynchronously and are aggregated until
// timeout by a multicastRequest keyed on the request's Token.
func (c *Client) SendMulticast(ctx context.Context, addr string, port int, path string, payload []byte, timeout time.Duration) *raftrpc.Future[[][]byte] {
	if !isMulticastAddr(addr) {
		return raftrpc.Failed[[][]byte](rerr.New(rerr.KindConfig, "coap.client.multicast", rerr.ErrInvalidMulticast))
	}
	if port <= 0 || port > 65535 {
		return raftrpc.Failed[[][]byte](rerr.New(rerr.KindConfig, "coap.client.multicast", rerr.ErrInvalidPort))
	}

	token := c.ids.NextToken()
	req := newMulticastRequest(token, timeout)
	c.multicasts.register(req)

	msg := &coap.Message{Version: 1, Type: coap.TypeNON, Code: coap.CodePOST, MessageID: c.ids.NextMessageID(), Token: token, Payload: payload}
	msg.WithURIPath(path)
	encoded, err := msg.Marshal()
	if err != nil {
		c.multicasts.remove(req.token)
		return raftrpc.Failed[[][]byte](rerr.New(rerr.KindSerializer, "coap.client.multicast", err))
	}

	if _, err := c.sock.SendTo(addr, port, encoded, timeout).Wait(ctx); err != nil {
		c.multicasts.remove(req.token)
		return raftrpc.Failed[[][]byte](rerr.New(rerr.KindTransport, "coap.client.multicast", err))
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-c.closeCh:
		}
		c.multicasts.remove(req.token)
		req.Finalize()
		if errs := req.Errors(); errs != nil {
			c.logger.Debug("multicast finalized with member errors", "token", req.id, "errors", errs)
		}
	}()
	return req.fut
}

// Subscription represents one Observe registration (SPEC_FULL §5.8); Cancel
// drops the client's local callback registration. It does not send a
// deregistration message — the supplemental Observe surface here is a
// completion-layer convenience, not a full RFC 7641 implementation.
type Subscription struct {
	client *Client
	token  string
}

// Cancel stops delivering updates to this subscription's callback.
func (s *Subscription) Cancel() {
	s.client.removeObserver(s.token)
}

// Observe registers for leader-change notifications pushed from target's
// observe resource (SPEC_FULL §5.8), invoking onUpdate for every
// notification that arrives after the initial registration is acknowledged.
func (c *Client) Observe(ctx context.Context, target raftrpc.NodeId, path string, onUpdate func([]byte)) (*Subscription, error) {
	ep, ok := c.resolver.Resolve(target)
	if !ok {
		return nil, rerr.New(rerr.KindConfig, "coap.client.observe", rerr.ErrMissingEndpoint)
	}

	token := c.ids.NextToken()
	msg := &coap.Message{
		Version:   1,
		Type:      coap.TypeCON,
		Code:      coap.CodeGET,
		MessageID: c.ids.NextMessageID(),
		Token:     token,
		Options:   []coap.Option{{ID: coap.OptionObserve, Value: []byte{0}}},
	}
	msg.WithURIPath(path)

	c.registerObserver(string(token), onUpdate)

	timeout := c.cfg.AckTimeout * time.Duration(c.cfg.MaxRetransmit)
	if _, err := c.sendConfirmable(ctx, ep, msg, timeout); err != nil {
		c.removeObserver(string(token))
		return nil, err
	}
	return &Subscription{client: c, token: string(token)}, nil
}

func (c *Client) registerObserver(token string, onUpdate func([]byte)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers[token] = onUpdate
}

func (c *Client) removeObserver(token string) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, token)
}

func (c *Client) dispatchObserve(token string, payload []byte) {
	c.obsMu.Lock()
	cb, ok := c.observers[token]
	c.obsMu.Unlock()
	if ok {
		cb(payload)
	}
}

func isMulticastAddr(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsMulticast()
}

type clientErr string

func (e clientErr) Error() string { return string(e) }

var errClientClosed = clientErr("coap client stopped")

var (
	_ raftrpc.Transport   = (*Client)(nil)
	_ raftrpc.Multicaster = (*Client)(nil)
)
