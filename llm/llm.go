// Package llm declares the narrow interface the kernel consumes from an LLM
// inference collaborator — the collaborator's implementation is external to
// the kernel (spec.md §1), but the kernel still owns metering the calls it
// makes through this interface: debiting the caller's scrip by Cost and the
// system-wide token bucket by InputTokens+OutputTokens (see engine.go).
package llm

import (
	"context"
	"time"

	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/ratelimit"
	"github.com/agentecology/kernel/infrastructure/resilience"
)

// Request is one completion call.
type Request struct {
	Prompt    string
	Model     string
	MaxTokens int
}

// Response is what the collaborator returned, including the usage and cost
// figures the engine meters against.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Cost         int64 // scrip
}

// Client is the narrow surface an agent loop's "think" step and a sandboxed
// artifact's llm.complete capability both call through.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Backend is the raw, unprotected transport to the actual inference
// provider — supplied by the embedder (spec.md names this an external
// collaborator and does not define its implementation).
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ResilientClient wraps a Backend with the same fault-tolerance stack the
// teacher repo wraps its own outbound service calls in: a circuit breaker
// (backed by sony/gobreaker via infrastructure/resilience), exponential
// backoff retry (cenkalti/backoff), and a local rate limiter
// (golang.org/x/time/rate via infrastructure/ratelimit) bounding how often
// this process itself will attempt outbound calls, independent of the
// kernel's own system-wide token bucket metering in the engine.
type ResilientClient struct {
	backend Backend
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	limiter *ratelimit.RateLimiter
	log     *logging.Logger
}

// NewResilientClient wraps backend with sensible defaults. A nil logger is
// fine; the rate limiter always uses ratelimit.DefaultConfig.
func NewResilientClient(backend Backend, log *logging.Logger) *ResilientClient {
	return &ResilientClient{
		backend: backend,
		breaker: resilience.New(resilience.DefaultConfig()),
		retry:   resilience.DefaultRetryConfig(),
		limiter: ratelimit.New(ratelimit.DefaultConfig()),
		log:     log,
	}
}

// Complete runs req through the rate limiter, circuit breaker, and retry
// policy before reaching the backend.
func (c *ResilientClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	var resp Response
	err := c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, c.retry, func() error {
			r, err := c.backend.Complete(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	if err != nil && c.log != nil {
		c.log.WithError(err).WithFields(map[string]interface{}{
			"model": req.Model, "max_tokens": req.MaxTokens,
		}).Warn("llm completion failed")
	}
	return resp, err
}

// NoopBackend is a deterministic stand-in used by tests and by a kernel run
// started without a configured inference provider — it never calls out over
// the network. Not a mock of provider semantics, just a safe default.
type NoopBackend struct {
	FixedLatency time.Duration
}

func (b NoopBackend) Complete(ctx context.Context, req Request) (Response, error) {
	if b.FixedLatency > 0 {
		select {
		case <-time.After(b.FixedLatency):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	tokens := len(req.Prompt) / 4
	if tokens == 0 {
		tokens = 1
	}
	return Response{
		Text:         "",
		InputTokens:  tokens,
		OutputTokens: 0,
		Cost:         0,
	}, nil
}
