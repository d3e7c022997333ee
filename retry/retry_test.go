package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestEngine_RetryUntilSuccess(t *testing.T) {
	e := NewEngine(nil, nil)
	e.Register("append_entries", Policy{
		InitialDelay:      5 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxAttempts:       5,
	})

	calls := 0
	val, err := Execute(context.Background(), e, "append_entries", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	must.NoError(t, err)
	must.Eq(t, 42, val)
	must.Eq(t, 3, calls)
}

func TestEngine_AttemptLimit(t *testing.T) {
	e := NewEngine(nil, nil)
	e.Register("heartbeat", Policy{
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxAttempts:       4,
	})

	calls := 0
	_, err := Execute(context.Background(), e, "heartbeat", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	})

	must.Error(t, err)
	must.Eq(t, 4, calls)
}

func TestEngine_BackoffMonotonicNoJitter(t *testing.T) {
	p := Policy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0,
		MaxAttempts:       6,
	}

	var last time.Duration
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.delayForAttempt(attempt)
		if attempt > 1 {
			must.True(t, d >= last) // non-decreasing, and strictly greater until the cap
		}
		last = d
	}
	must.Eq(t, p.MaxDelay, p.delayForAttempt(20))
}

func TestEngine_IndependentPoliciesPerOperation(t *testing.T) {
	e := NewEngine(nil, nil)
	e.Register("request_vote", Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, MaxAttempts: 2})
	e.Register("install_snapshot", Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2, MaxAttempts: 7})

	rvCalls, isCalls := 0, 0
	_, _ = Execute(context.Background(), e, "request_vote", func(ctx context.Context) (int, error) {
		rvCalls++
		return 0, errors.New("fail")
	})
	_, _ = Execute(context.Background(), e, "install_snapshot", func(ctx context.Context) (int, error) {
		isCalls++
		return 0, errors.New("fail")
	})

	must.Eq(t, 2, rvCalls)
	must.Eq(t, 7, isCalls)
}

func TestEngine_ContextCancellation(t *testing.T) {
	e := NewEngine(nil, nil)
	e.Register("op", Policy{InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2, MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(ctx, e, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("fail")
	})
	must.Error(t, err)
	must.Eq(t, 1, calls)
}
