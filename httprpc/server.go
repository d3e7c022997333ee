package httprpc

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coreraft/raftnet/raftrpc"
	"github.com/coreraft/raftnet/rerr"
)

// Server implements raftrpc.Server over a plain net/http.Server, mirroring
// the CoAP server's handler-registration surface without any of its
// transport-level machinery (SPEC_FULL §5.9).
type Server struct {
	addr       string
	serializer raftrpc.Serializer

	httpServer *http.Server
	mux        *http.ServeMux

	handlersMu sync.RWMutex
	requestVoteHandler     func(context.Context, *raftrpc.RequestVoteRequest) (*raftrpc.RequestVoteResponse, error)
	appendEntriesHandler   func(context.Context, *raftrpc.AppendEntriesRequest) (*raftrpc.AppendEntriesResponse, error)
	installSnapshotHandler func(context.Context, *raftrpc.InstallSnapshotRequest) (*raftrpc.InstallSnapshotResponse, error)

	running atomic.Bool
}

// NewServer builds an httprpc Server bound to addr (host:port).
func NewServer(addr string, serializer raftrpc.Serializer) *Server {
	s := &Server{addr: addr, serializer: serializer, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1"+raftrpc.KindRequestVote.ResourcePath(), s.handleRequestVote)
	s.mux.HandleFunc("/v1"+raftrpc.KindAppendEntries.ResourcePath(), s.handleAppendEntries)
	s.mux.HandleFunc("/v1"+raftrpc.KindInstallSnapshot.ResourcePath(), s.handleInstallSnapshot)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// RegisterRequestVoteHandler implements raftrpc.Server.
func (s *Server) RegisterRequestVoteHandler(h func(context.Context, *raftrpc.RequestVoteRequest) (*raftrpc.RequestVoteResponse, error)) error {
	if h == nil {
		return rerr.New(rerr.KindConfig, "httprpc.server.register", errNilHandler)
	}
	s.handlersMu.Lock()
	s.requestVoteHandler = h
	s.handlersMu.Unlock()
	return nil
}

// RegisterAppendEntriesHandler implements raftrpc.Server.
func (s *Server) RegisterAppendEntriesHandler(h func(context.Context, *raftrpc.AppendEntriesRequest) (*raftrpc.AppendEntriesResponse, error)) error {
	if h == nil {
		return rerr.New(rerr.KindConfig, "httprpc.server.register", errNilHandler)
	}
	s.handlersMu.Lock()
	s.appendEntriesHandler = h
	s.handlersMu.Unlock()
	return nil
}

// RegisterInstallSnapshotHandler implements raftrpc.Server.
func (s *Server) RegisterInstallSnapshotHandler(h func(context.Context, *raftrpc.InstallSnapshotRequest) (*raftrpc.InstallSnapshotResponse, error)) error {
	if h == nil {
		return rerr.New(rerr.KindConfig, "httprpc.server.register", errNilHandler)
	}
	s.handlersMu.Lock()
	s.installSnapshotHandler = h
	s.handlersMu.Unlock()
	return nil
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	s.handlersMu.RLock()
	h := s.requestVoteHandler
	s.handlersMu.RUnlock()
	if h == nil {
		http.Error(w, "no handler registered", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	req, err := s.serializer.DecodeRequestVoteRequest(body)
	if err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := h(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respBody, err := s.serializer.EncodeRequestVoteResponse(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	writeJSON(w, respBody)
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	s.handlersMu.RLock()
	h := s.appendEntriesHandler
	s.handlersMu.RUnlock()
	if h == nil {
		http.Error(w, "no handler registered", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	req, err := s.serializer.DecodeAppendEntriesRequest(body)
	if err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := h(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respBody, err := s.serializer.EncodeAppendEntriesResponse(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	writeJSON(w, respBody)
}

func (s *Server) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	s.handlersMu.RLock()
	h := s.installSnapshotHandler
	s.handlersMu.RUnlock()
	if h == nil {
		http.Error(w, "no handler registered", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	req, err := s.serializer.DecodeInstallSnapshotRequest(body)
	if err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := h(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respBody, err := s.serializer.EncodeInstallSnapshotResponse(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	writeJSON(w, respBody)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// Start launches the underlying http.Server in a background goroutine.
// Idempotent with respect to the running flag.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	go s.httpServer.ListenAndServe()
	return nil
}

// Stop shuts the http.Server down gracefully. Idempotent.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.httpServer.Shutdown(context.Background())
}

// IsRunning implements raftrpc.Server.
func (s *Server) IsRunning() bool { return s.running.Load() }

type serverErr string

func (e serverErr) Error() string { return string(e) }

var errNilHandler = serverErr("handler must not be nil")

var _ raftrpc.Server = (*Server)(nil)
