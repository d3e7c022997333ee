package dtlssession

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/coreraft/raftnet/raftrpc"
)

// Pool is the per-endpoint, per-client session pool (spec §4.3, "Session
// pool lifecycle"): a bounded LIFO of idle sessions, reused ahead of paying
// for a fresh handshake, swept of entries idle past sessionTimeout.
type Pool struct {
	mu           sync.Mutex
	cap          int
	sessionTimeout time.Duration
	byEndpoint   map[raftrpc.Endpoint][]*Session
	logger       hclog.Logger
}

// NewPool returns a Pool capping each endpoint's idle sessions at cap.
func NewPool(cap int, sessionTimeout time.Duration, logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cap < 1 {
		cap = 1
	}
	return &Pool{
		cap:            cap,
		sessionTimeout: sessionTimeout,
		byEndpoint:     make(map[raftrpc.Endpoint][]*Session),
		logger:         logger.Named("dtlssession.pool"),
	}
}

// Acquire pops the most recently returned idle session for ep, if any
// (LIFO reuse, spec §4.3). It does not create new sessions — the caller
// does that via Handshake/NewPlainSession when Acquire reports none
// available, subject to its own concurrency limit; Pool only bounds the
// *idle* set.
func (p *Pool) Acquire(ep raftrpc.Endpoint) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := p.byEndpoint[ep]
	if len(sessions) == 0 {
		return nil, false
	}
	last := sessions[len(sessions)-1]
	p.byEndpoint[ep] = sessions[:len(sessions)-1]
	last.Touch()
	return last, true
}

// Release returns sess to ep's idle pool if under capacity; otherwise it is
// closed (spec §4.3, "return_to_pool: push if under cap; else close").
func (p *Pool) Release(ep raftrpc.Endpoint, sess *Session) {
	p.mu.Lock()
	sessions := p.byEndpoint[ep]
	if len(sessions) >= p.cap {
		p.mu.Unlock()
		sess.Close()
		return
	}
	sess.Touch()
	p.byEndpoint[ep] = append(sessions, sess)
	p.mu.Unlock()
}

// AtCapacity reports whether ep's idle pool is already full, matching
// get_or_create's "refuse if at cap" clause for callers that want to fail
// fast rather than open an uncapped number of concurrent sessions.
func (p *Pool) AtCapacity(ep raftrpc.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byEndpoint[ep]) >= p.cap
}

// Sweep closes and drops sessions idle past sessionTimeout across every
// endpoint (spec §4.3, "Idle sessions past session_timeout are swept out").
func (p *Pool) Sweep() {
	if p.sessionTimeout <= 0 {
		return
	}
	p.mu.Lock()
	var stale []*Session
	for ep, sessions := range p.byEndpoint {
		kept := sessions[:0:0]
		for _, s := range sessions {
			if s.IdleFor() > p.sessionTimeout {
				stale = append(stale, s)
			} else {
				kept = append(kept, s)
			}
		}
		p.byEndpoint[ep] = kept
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.logger.Debug("sweeping idle session", "id", s.ID)
		s.Close()
	}
}

// CloseAll closes every pooled session, for client/server teardown.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	var all []*Session
	for _, sessions := range p.byEndpoint {
		all = append(all, sessions...)
	}
	p.byEndpoint = make(map[raftrpc.Endpoint][]*Session)
	p.mu.Unlock()

	var merr *multierror.Error
	for _, s := range all {
		if err := s.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
