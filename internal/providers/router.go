package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// TaskContext describes the work behind a completion so the router can pick
// a provider: deep-reasoning or high-priority work goes to the primary,
// simple work may go to a cheaper fallback.
type TaskContext struct {
	Reasoning  bool
	Complexity string // "low", "medium", "high"
	Priority   protocol.Priority
}

// Router picks a provider per task context and wraps every call in a
// bounded retry with exponential backoff and provider fallback.
type Router struct {
	primary  Provider
	fallback Provider // optional

	maxAttempts int
	baseBackoff time.Duration
	sleep       func(time.Duration) // injectable for tests
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Primary     Provider
	Fallback    Provider
	MaxAttempts int           // default 3
	BaseBackoff time.Duration // default 1s, doubled per attempt
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	return &Router{
		primary:     cfg.Primary,
		fallback:    cfg.Fallback,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		sleep:       time.Sleep,
	}
}

func (r *Router) Name() string { return "router" }

// Pick returns the provider for a task context.
func (r *Router) Pick(tc TaskContext) Provider {
	if r.fallback == nil {
		return r.primary
	}
	if tc.Reasoning || tc.Complexity == "high" || tc.Priority.Rank() >= protocol.PriorityHigh.Rank() {
		return r.primary
	}
	return r.fallback
}

// Probe probes the primary provider.
func (r *Router) Probe(ctx context.Context) error {
	return r.primary.Probe(ctx)
}

// Complete routes with a default task context.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return r.CompleteFor(ctx, req, TaskContext{Priority: protocol.PriorityNormal})
}

// CompleteFor runs the request against the picked provider with up to
// maxAttempts tries; transient failures back off exponentially, permanent
// failures return immediately. After the picked provider is exhausted the
// other provider gets one final attempt.
func (r *Router) CompleteFor(ctx context.Context, req CompletionRequest, tc TaskContext) (*CompletionResult, error) {
	picked := r.Pick(tc)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := picked.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < r.maxAttempts {
			backoff := r.baseBackoff << (attempt - 1)
			slog.Warn("llm attempt failed, backing off",
				"provider", picked.Name(), "attempt", attempt, "backoff", backoff, "error", err)
			r.sleep(backoff)
		}
	}

	if other := r.other(picked); other != nil {
		slog.Warn("falling back to secondary provider",
			"from", picked.Name(), "to", other.Name(), "error", lastErr)
		res, err := other.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all providers exhausted: %w", lastErr)
}

func (r *Router) other(p Provider) Provider {
	if r.fallback == nil {
		return nil
	}
	if p == r.primary {
		return r.fallback
	}
	return r.primary
}
