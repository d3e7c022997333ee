package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/raftrpc"
)

// Engine executes operations with per-operation retry policies and
// exponential backoff (spec §4.6). Distinct operations (heartbeat,
// append_entries, install_snapshot, request_vote) register independent
// policies; an operation with no registered policy uses DefaultPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	logger   hclog.Logger
	metrics  raftrpc.MetricsSink
}

// NewEngine returns an Engine with no policies registered.
func NewEngine(logger hclog.Logger, metrics raftrpc.MetricsSink) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if metrics == nil {
		metrics = raftrpc.NoopMetrics{}
	}
	return &Engine{
		policies: make(map[string]Policy),
		logger:   logger.Named("retry"),
		metrics:  metrics,
	}
}

// Register associates a Policy with an operation name.
func (e *Engine) Register(opName string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[opName] = p
}

// PolicyFor returns the registered policy for opName, or DefaultPolicy.
func (e *Engine) PolicyFor(opName string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[opName]; ok {
		return p
	}
	return DefaultPolicy
}

// Execute runs operation under opName's registered policy, retrying on
// failure with exponential backoff and jitter, up to MaxAttempts (spec
// §4.6). It is a free function rather than an Engine method because Go
// methods cannot carry their own type parameters.
func Execute[T any](ctx context.Context, e *Engine, opName string, operation func(context.Context) (T, error)) (T, error) {
	policy := e.PolicyFor(opName)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = nonZero(policy.BackoffMultiplier, 2)
	bo.RandomizationFactor = policy.JitterFactor
	bo.MaxElapsedTime = 0 // Engine enforces MaxAttempts itself, not elapsed time.
	bo.Reset()

	var zero T
	var lastErr error
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		val, err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Debug("operation succeeded after retry", "op", opName, "attempt", attempt)
			}
			e.metrics.IncrCounter([]string{"retry", "success"}, 1, map[string]string{"op": opName})
			return val, nil
		}
		lastErr = err
		e.metrics.IncrCounter([]string{"retry", "failure"}, 1, map[string]string{"op": opName})

		if attempt == maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		e.logger.Debug("retrying after backoff", "op", opName, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("retry: %q failed after %d attempts: %w", opName, maxAttempts, lastErr)
}

func nonZero(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
