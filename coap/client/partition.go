package client

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/raftrpc"
)

// partitionWindow is the consecutive-failure span that marks an endpoint
// partitioned (spec §4.3, "Network-partition detection... If consecutive
// failures span > 2 minutes").
const partitionWindow = 2 * time.Minute

type endpointHealth struct {
	firstFailure time.Time
	partitioned  bool
}

// partitionTracker records the first-failure timestamp per endpoint and
// flags partition once consecutive failures span partitionWindow, clearing
// on the first subsequent success (spec §4.3).
type partitionTracker struct {
	mu     sync.Mutex
	health map[raftrpc.Endpoint]*endpointHealth
	logger hclog.Logger
}

func newPartitionTracker(logger hclog.Logger) *partitionTracker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &partitionTracker{
		health: make(map[raftrpc.Endpoint]*endpointHealth),
		logger: logger.Named("partition"),
	}
}

// RecordFailure notes a failure against ep, marking it partitioned if the
// consecutive-failure span exceeds partitionWindow. Returns true the moment
// the endpoint transitions into partitioned state (for emitting a
// diagnostic signal exactly once).
func (p *partitionTracker) RecordFailure(ep raftrpc.Endpoint) (justPartitioned bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[ep]
	if !ok {
		h = &endpointHealth{firstFailure: time.Now()}
		p.health[ep] = h
		return false
	}
	if h.partitioned {
		return false
	}
	if time.Since(h.firstFailure) > partitionWindow {
		h.partitioned = true
		p.logger.Warn("endpoint marked partitioned", "endpoint", ep.String())
		return true
	}
	return false
}

// RecordSuccess clears any partition marker and failure span for ep (spec
// §4.3, "Recovery clears the marker on first success").
func (p *partitionTracker) RecordSuccess(ep raftrpc.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.health, ep)
}

// IsPartitioned reports whether ep is currently flagged partitioned.
func (p *partitionTracker) IsPartitioned(ep raftrpc.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[ep]
	return ok && h.partitioned
}
