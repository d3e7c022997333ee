package availability

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/raftrpc"
)

func TestTracker_Transitions(t *testing.T) {
	tr := New(3, nil)
	id := raftrpc.NodeId(1)

	tr.RecordFailure(id)
	tr.RecordFailure(id)
	tr.RecordFailure(id)
	state, failures := tr.StateOf(id)
	must.Eq(t, Unavailable, state)
	must.Eq(t, 3, failures)

	tr.RecordSuccess(id)
	state, failures = tr.StateOf(id)
	must.Eq(t, Available, state)
	must.Eq(t, 0, failures)
}

func TestTracker_IntermittentNeverCrosses(t *testing.T) {
	tr := New(3, nil)
	id := raftrpc.NodeId(2)

	tr.RecordFailure(id)
	tr.RecordFailure(id)
	tr.RecordSuccess(id)
	tr.RecordFailure(id)
	tr.RecordFailure(id)

	state, _ := tr.StateOf(id)
	must.Eq(t, Available, state)
}

func TestTracker_UnavailableDoesNotCountTowardQuorum(t *testing.T) {
	tr := New(1, nil)
	tr.RecordFailure(raftrpc.NodeId(1)) // now unavailable

	must.False(t, tr.IsAvailable(raftrpc.NodeId(1)))
	must.True(t, tr.IsAvailable(raftrpc.NodeId(2))) // unseen, defaults available
}

func TestQuorum_CommitWithHalfFollowersUnavailable(t *testing.T) {
	// Cluster of 7: leader + 6 followers. Three followers marked
	// Unavailable after threshold (scenario S5).
	tr := New(3, nil)
	for _, id := range []raftrpc.NodeId{4, 5, 6} {
		tr.RecordFailure(id)
		tr.RecordFailure(id)
		tr.RecordFailure(id)
	}
	for _, id := range []raftrpc.NodeId{1, 2, 3} {
		tr.RecordSuccess(id) // ensure present + available
	}

	availableFollowers := tr.AvailableCount()
	must.Eq(t, 3, availableFollowers)

	availableIncludingLeader := availableFollowers + 1
	must.Eq(t, 4, availableIncludingLeader)
	must.Eq(t, 3, Majority(availableIncludingLeader))

	// All 3 remaining followers ack; with the leader's implicit ack that's
	// 4 acks over an available set of 4 — commit should advance.
	must.True(t, HasQuorum(4, availableIncludingLeader))
	must.False(t, HasQuorum(2, availableIncludingLeader))
}

func TestQuorum_LeaderOnlyProgress(t *testing.T) {
	// Cluster of 3: both followers Unavailable (scenario S6).
	tr := New(2, nil)
	for _, id := range []raftrpc.NodeId{2, 3} {
		tr.RecordFailure(id)
		tr.RecordFailure(id)
	}
	must.Eq(t, 0, tr.AvailableCount())

	availableIncludingLeader := tr.AvailableCount() + 1
	must.Eq(t, 1, availableIncludingLeader)
	must.Eq(t, 1, Majority(availableIncludingLeader))
	must.True(t, HasQuorum(1, availableIncludingLeader)) // leader's own implicit ack suffices
}
