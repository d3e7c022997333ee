package client

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/raftrpc"
)

func TestSerializationCache_HitAndEviction(t *testing.T) {
	c := NewSerializationCache(2)

	k1 := Key(raftrpc.KindRequestVote, &raftrpc.RequestVoteRequest{Term: 1, CandidateID: 9})
	k2 := Key(raftrpc.KindRequestVote, &raftrpc.RequestVoteRequest{Term: 2, CandidateID: 9})
	k3 := Key(raftrpc.KindRequestVote, &raftrpc.RequestVoteRequest{Term: 3, CandidateID: 9})

	must.NotEq(t, k1, k2)

	c.Put(k1, []byte("a"))
	c.Put(k2, []byte("b"))
	must.Eq(t, 2, c.Len())

	b, ok := c.Get(k1)
	must.True(t, ok)
	must.Eq(t, "a", string(b))

	// Oldest-inserted (k1) is evicted to make room for k3, even though k1 was
	// just read — eviction is by creation order, not by access.
	c.Put(k3, []byte("c"))
	must.Eq(t, 2, c.Len())
	_, ok = c.Get(k1)
	must.False(t, ok)
	_, ok = c.Get(k2)
	must.True(t, ok)
	_, ok = c.Get(k3)
	must.True(t, ok)
}

func TestSerializationCache_DisabledWhenCapacityZero(t *testing.T) {
	c := NewSerializationCache(0)
	c.Put("k", []byte("v"))
	_, ok := c.Get("k")
	must.False(t, ok)
	must.Eq(t, 0, c.Len())
}

func TestKey_SameFieldsSameKey(t *testing.T) {
	req := &raftrpc.AppendEntriesRequest{Term: 5, LeaderID: 1}
	must.Eq(t, Key(raftrpc.KindAppendEntries, req), Key(raftrpc.KindAppendEntries, req))
	must.NotEq(t, Key(raftrpc.KindAppendEntries, req), Key(raftrpc.KindRequestVote, req))
}
