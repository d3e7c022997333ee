// Package availability implements unresponsive-follower detection and
// quorum accounting over the subset of peers currently considered available
// (spec §4.7). It is mutated from the leader's replication code path and
// guarded by a single mutex, per spec §5.
package availability

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/raftrpc"
)

// State is a follower's availability state (spec §3, FollowerAvailability).
type State int

const (
	Available State = iota
	Unavailable
)

func (s State) String() string {
	if s == Available {
		return "available"
	}
	return "unavailable"
}

type followerRecord struct {
	state              State
	consecutiveFailures int
}

// Tracker is a per-cluster-instance follower availability tracker. It is not
// a process-wide singleton (Design Notes §4.9, "per-component instances, not
// process-wide singletons").
type Tracker struct {
	mu                sync.Mutex
	followers         map[raftrpc.NodeId]*followerRecord
	failureThreshold  int
	logger            hclog.Logger
}

// New returns a Tracker with the given failure threshold (spec §4.7,
// "failure_threshold"). All followers start Available.
func New(failureThreshold int, logger hclog.Logger) *Tracker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Tracker{
		followers:        make(map[raftrpc.NodeId]*followerRecord),
		failureThreshold: failureThreshold,
		logger:           logger.Named("availability"),
	}
}

func (t *Tracker) ensureLocked(id raftrpc.NodeId) *followerRecord {
	r, ok := t.followers[id]
	if !ok {
		r = &followerRecord{state: Available}
		t.followers[id] = r
	}
	return r
}

// RecordSuccess resets the follower's failure counter to zero and, if it was
// Unavailable, transitions it back to Available (spec §4.7).
func (t *Tracker) RecordSuccess(id raftrpc.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ensureLocked(id)
	r.consecutiveFailures = 0
	if r.state == Unavailable {
		r.state = Available
		t.logger.Info("follower recovered", "node", id)
	}
}

// RecordFailure increments the follower's failure counter and transitions it
// to Unavailable once the counter reaches failureThreshold (one-shot: it
// does not re-fire on every subsequent failure once already Unavailable).
func (t *Tracker) RecordFailure(id raftrpc.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ensureLocked(id)
	r.consecutiveFailures++
	if r.state == Available && r.consecutiveFailures >= t.failureThreshold {
		r.state = Unavailable
		t.logger.Warn("follower marked unavailable", "node", id, "consecutive_failures", r.consecutiveFailures)
	}
}

// StateOf returns the current state and consecutive-failure count for id.
// Unknown followers are reported Available with zero failures.
func (t *Tracker) StateOf(id raftrpc.NodeId) (State, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.followers[id]
	if !ok {
		return Available, 0
	}
	return r.state, r.consecutiveFailures
}

// IsAvailable reports whether id should count toward quorum (acknowledgments
// from Unavailable followers must not increment commit counts, spec §4.7).
func (t *Tracker) IsAvailable(id raftrpc.NodeId) bool {
	s, _ := t.StateOf(id)
	return s == Available
}

// AvailableCount returns the number of followers currently tracked as
// Available, not including the leader itself (callers add 1 for the leader
// when computing quorum, per spec §4.7's "including the leader" rule).
func (t *Tracker) AvailableCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.followers {
		if r.state == Available {
			n++
		}
	}
	return n
}

// Majority returns ⌊A/2⌋+1 for A available nodes (spec §4.7).
func Majority(available int) int {
	return available/2 + 1
}

// HasQuorum reports whether ackCount acknowledgments (from available nodes
// only; the leader's own implicit ack is included by the caller in
// availableIncludingLeader) meet the majority threshold over the available
// set (Testable Property 10).
func HasQuorum(ackCount, availableIncludingLeader int) bool {
	return ackCount >= Majority(availableIncludingLeader)
}
