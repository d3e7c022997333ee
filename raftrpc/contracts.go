package raftrpc

import (
	"context"
	"time"
)

// Transport is the operation surface the Raft layer depends on. Both the
// CoAP transport (this module's core) and the HTTP transport (external
// collaborator, represented here only by its shape per spec §1) implement
// it identically (spec §6).
type Transport interface {
	SendRequestVote(ctx context.Context, target NodeId, req *RequestVoteRequest, timeout time.Duration) *Future[*RequestVoteResponse]
	SendAppendEntries(ctx context.Context, target NodeId, req *AppendEntriesRequest, timeout time.Duration) *Future[*AppendEntriesResponse]
	SendInstallSnapshot(ctx context.Context, target NodeId, req *InstallSnapshotRequest, timeout time.Duration) *Future[*InstallSnapshotResponse]
}

// Multicaster is the CoAP-only multicast primitive (spec §6); the HTTP
// transport has no equivalent.
type Multicaster interface {
	SendMulticast(ctx context.Context, addr string, port int, path string, payload []byte, timeout time.Duration) *Future[[][]byte]
}

// Server is the handler-registration and lifecycle surface exposed by both
// transports' server side (spec §6).
type Server interface {
	RegisterRequestVoteHandler(h func(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)) error
	RegisterAppendEntriesHandler(h func(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)) error
	RegisterInstallSnapshotHandler(h func(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)) error
	Start() error
	Stop() error
	IsRunning() bool
}

// Serializer is the fixed interface the core consumes for wire encoding,
// collapsing the source's serializer template parameter (Design Notes §4.9a).
// Implementations are supplied by the caller; this module ships a JSON one
// for tests and examples but treats serialization as an external collaborator
// per spec §1.
type Serializer interface {
	// ContentFormat returns the CoAP Content-Format option value this
	// serializer produces (e.g. 50 for application/json, spec §6).
	ContentFormat() uint16
	EncodeRequestVoteRequest(*RequestVoteRequest) ([]byte, error)
	DecodeRequestVoteRequest([]byte) (*RequestVoteRequest, error)
	EncodeRequestVoteResponse(*RequestVoteResponse) ([]byte, error)
	DecodeRequestVoteResponse([]byte) (*RequestVoteResponse, error)
	EncodeAppendEntriesRequest(*AppendEntriesRequest) ([]byte, error)
	DecodeAppendEntriesRequest([]byte) (*AppendEntriesRequest, error)
	EncodeAppendEntriesResponse(*AppendEntriesResponse) ([]byte, error)
	DecodeAppendEntriesResponse([]byte) (*AppendEntriesResponse, error)
	EncodeInstallSnapshotRequest(*InstallSnapshotRequest) ([]byte, error)
	DecodeInstallSnapshotRequest([]byte) (*InstallSnapshotRequest, error)
	EncodeInstallSnapshotResponse(*InstallSnapshotResponse) ([]byte, error)
	DecodeInstallSnapshotResponse([]byte) (*InstallSnapshotResponse, error)
}

// MetricsSink is the fixed metrics contract (Design Notes §4.9b): counters,
// gauges, and dimensioned ("labeled") counters. The default implementation
// in raftrpc/telemetry adapts this to github.com/hashicorp/go-metrics; the
// core never imports go-metrics directly.
type MetricsSink interface {
	IncrCounter(key []string, val float32, labels map[string]string)
	SetGauge(key []string, val float32, labels map[string]string)
}

// NoopMetrics discards everything; used as the default when the caller
// supplies no sink.
type NoopMetrics struct{}

func (NoopMetrics) IncrCounter(key []string, val float32, labels map[string]string) {}
func (NoopMetrics) SetGauge(key []string, val float32, labels map[string]string)    {}

// EndpointResolver maps a NodeId to its transport Endpoint. Missing mappings
// are a configuration error (spec §4.3 step 1, §7).
type EndpointResolver interface {
	Resolve(id NodeId) (Endpoint, bool)
}

// StaticResolver is a simple map-backed EndpointResolver, sufficient for
// tests and for clusters whose membership changes go through explicit
// reconfiguration rather than discovery.
type StaticResolver struct {
	m map[NodeId]Endpoint
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{m: make(map[NodeId]Endpoint)}
}

func (r *StaticResolver) Set(id NodeId, ep Endpoint) {
	r.m[id] = ep
}

func (r *StaticResolver) Resolve(id NodeId) (Endpoint, bool) {
	ep, ok := r.m[id]
	return ep, ok
}
