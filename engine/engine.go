// Package engine is the kernel's top-level dispatcher: every observable
// state change — the five primitive actions, read/write/edit/delete/invoke
// — passes through here. It owns the invocation stack, depth limit,
// per-call timeout, cost attribution, and failure semantics described in
// spec.md §4.5.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/agentecology/kernel/contract"
	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/domain/event"
	"github.com/agentecology/kernel/eventlog"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/metrics"
	"github.com/agentecology/kernel/ledger"
	"github.com/agentecology/kernel/llm"
	"github.com/agentecology/kernel/sandbox"
	"github.com/agentecology/kernel/store"
	"github.com/agentecology/kernel/tokenbucket"
)

type depthKeyType struct{}
type callerKeyType struct{}

var depthKey = depthKeyType{}
var callerKey = callerKeyType{}

// Config is the engine's tuning knobs, sourced from infrastructure/config.
type Config struct {
	MaxInvocationDepth int
	CallTimeout        time.Duration
	BaseInvokeCost     float64
	LLMResource        string // system-wide bucket name gating external LLM calls
}

// NativeHandler implements an artifact's methods directly in Go rather than
// through the JS sandbox. Genesis artifacts are "ordinary artifacts that
// happen to be installed at bootstrap" (spec.md §4.6) with kernel-provided
// implementations — thin wrappers over store/ledger/engine — registered
// here rather than compiled to a sandboxed script body, while still
// carrying a real Code/Interface/AccessContractID and going through the
// same permission-check, depth, and cost pipeline as any other invoke.
type NativeHandler func(ctx context.Context, callerID, method string, args map[string]any) (any, error)

// Engine is the kernel's execution engine, composing every other component.
type Engine struct {
	store     *store.Store
	ledger    *ledger.Ledger
	evaluator *contract.Evaluator
	events    *eventlog.Log
	sandbox   *sandbox.Sandbox
	system    *tokenbucket.SystemLimiter
	cfg       Config
	log       *logging.Logger
	metrics   *metrics.Metrics
	llmClient llm.Client
	native    map[artifact.ID]NativeHandler
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(log *logging.Logger) Option { return func(e *Engine) { e.log = log } }
func WithMetrics(m *metrics.Metrics) Option  { return func(e *Engine) { e.metrics = m } }
func WithLLMClient(c llm.Client) Option      { return func(e *Engine) { e.llmClient = c } }

// New wires the engine's dependencies. It does not register itself with the
// evaluator: the caller closes that cycle with ev.SetInvoker once New
// returns, as cmd/kernel's bootstrap does.
func New(st *store.Store, l *ledger.Ledger, ev *contract.Evaluator, events *eventlog.Log, sb *sandbox.Sandbox, sys *tokenbucket.SystemLimiter, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store: st, ledger: l, evaluator: ev, events: events, sandbox: sb, system: sys, cfg: cfg,
		native: make(map[artifact.ID]NativeHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterNative installs a kernel-provided handler for a genesis artifact's
// methods, bypassing the sandbox for that ID while still flowing through
// the same permission/depth/cost pipeline as any other invoke.
func (e *Engine) RegisterNative(id artifact.ID, handler NativeHandler) {
	e.native[id] = handler
}

// InvokeForPermissionCheck implements contract.Invoker: a contract's code
// may invoke another artifact while evaluating a permission check. Such
// sub-invocations run the standard execution path (metered normally) the
// instant they occur — only the base check terminating without a
// sub-invocation is free.
func (e *Engine) InvokeForPermissionCheck(ctx context.Context, callerID string, id artifact.ID, method string, args map[string]any) (any, error) {
	return e.invokeInternal(ctx, callerID, id, method, args)
}

// dispatch brackets fn with invocation_started / invocation_completed /
// invocation_rejected events (testable property: started strictly precedes
// its terminal event) and records duration/outcome metrics.
func (e *Engine) dispatch(callerID, action string, targetID artifact.ID, fn func() (any, error)) (any, error) {
	start := time.Now()
	e.events.Append(event.KindInvocationStarted, callerID, map[string]any{
		"action": action, "target": string(targetID),
	})

	result, err := fn()
	duration := time.Since(start)

	if err != nil {
		e.events.Append(event.KindInvocationRejected, callerID, map[string]any{
			"action": action, "target": string(targetID), "error": string(kernelerr.CodeOf(err)),
		})
		if e.metrics != nil {
			e.metrics.RecordInvocation(action, "rejected", duration)
			e.metrics.RecordError(string(kernelerr.CodeOf(err)))
		}
		if e.log != nil {
			e.log.LogInvocation(context.Background(), action, string(targetID), 0, string(kernelerr.CodeOf(err)), nil, duration)
		}
		return nil, err
	}

	e.events.Append(event.KindInvocationComplete, callerID, map[string]any{
		"action": action, "target": string(targetID),
	})
	if e.metrics != nil {
		e.metrics.RecordInvocation(action, "committed", duration)
	}
	if e.log != nil {
		e.log.LogInvocation(context.Background(), action, string(targetID), 0, "OK", nil, duration)
	}
	return result, nil
}

// Read dispatches the read primitive action.
func (e *Engine) Read(ctx context.Context, callerID string, id artifact.ID) (any, error) {
	return e.dispatch(callerID, "read", id, func() (any, error) {
		return e.store.Read(ctx, id, callerID)
	})
}

// Write dispatches the write primitive action.
func (e *Engine) Write(ctx context.Context, callerID string, id artifact.ID, content any) error {
	_, err := e.dispatch(callerID, "write", id, func() (any, error) {
		return nil, e.store.Write(ctx, id, callerID, content)
	})
	if err == nil {
		e.evaluator.InvalidateArtifact(id)
	}
	return err
}

// Edit dispatches the edit primitive action.
func (e *Engine) Edit(ctx context.Context, callerID string, id artifact.ID, patch store.PatchFunc) error {
	_, err := e.dispatch(callerID, "edit", id, func() (any, error) {
		return nil, e.store.Edit(ctx, id, callerID, patch)
	})
	if err == nil {
		e.evaluator.InvalidateArtifact(id)
	}
	return err
}

// Delete dispatches the delete primitive action.
func (e *Engine) Delete(ctx context.Context, callerID string, id artifact.ID, reason string) error {
	_, err := e.dispatch(callerID, "delete", id, func() (any, error) {
		return nil, e.store.Delete(ctx, id, callerID, reason)
	})
	if err == nil {
		e.evaluator.InvalidateArtifact(id)
	}
	return err
}

// Invoke dispatches the invoke primitive action: the top-level entry point
// an agent loop (or the CLI, in tests) submits. callerID is the proposer —
// the immediate caller seen by id's own permission check.
func (e *Engine) Invoke(ctx context.Context, callerID string, id artifact.ID, method string, args map[string]any) (any, error) {
	return e.dispatch(callerID, "invoke", id, func() (any, error) {
		return e.invokeInternal(ctx, callerID, id, method, args)
	})
}

// invokeInternal is the recursive core shared by top-level Invoke and the
// capability object's own invoke() exposed to executing code — the latter
// calls back in with callerID rebound to the ID of the artifact currently
// executing, realizing immediate-caller semantics: when A invokes B and B
// invokes C, C's check sees B, never A.
func (e *Engine) invokeInternal(ctx context.Context, callerID string, id artifact.ID, method string, args map[string]any) (any, error) {
	depth, _ := ctx.Value(depthKey).(int)
	if depth >= e.cfg.MaxInvocationDepth {
		return nil, kernelerr.DepthExceeded("invocation", depth, e.cfg.MaxInvocationDepth)
	}

	a, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !a.HasExecutable {
		return nil, kernelerr.InvalidArgs("artifact is not executable")
	}

	allowed, reason, err := e.evaluator.Check(ctx, a, store.ActionInvoke, callerID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, kernelerr.AccessDenied(reason)
	}

	if !a.Interface.HasMethod(method) {
		return nil, kernelerr.InvalidArgs(fmt.Sprintf("method %q is not declared on %s's interface", method, id))
	}

	// Resource reservation: baseline compute cost for entering this frame.
	// Compute is a debt-allowed (flow) resource — the debit always succeeds,
	// possibly driving the caller negative (frozen for its *next* action).
	if _, err := e.ledger.Spend(callerID, "compute", e.cfg.BaseInvokeCost); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	callCtx = context.WithValue(callCtx, depthKey, depth+1)
	callCtx = context.WithValue(callCtx, callerKey, id)

	if handler, ok := e.native[id]; ok {
		return handler(callCtx, callerID, method, args)
	}

	result, err := e.sandbox.Execute(callCtx, sandbox.Request{
		Code:         a.Code,
		EntryPoint:   method,
		Input:        args,
		Capabilities: e.capabilitiesFor(string(id), depth+1),
		Timeout:      e.cfg.CallTimeout,
	})
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

// capabilitiesFor builds the capability object handed to code executing as
// artifact callerArtifactID: invoke (recursing with callerArtifactID as the
// new immediate caller), read, and ledger balance/transfer. Write, edit, and
// delete are deliberately absent — executing code reaches them only by
// invoking another artifact's declared method (e.g. a genesis facade), never
// by reaching into the store directly.
func (e *Engine) capabilitiesFor(callerArtifactID string, nextDepth int) sandbox.Capabilities {
	return sandbox.Capabilities{
		Invoke: func(id, method string, args map[string]any) (any, error) {
			ctx := context.WithValue(context.Background(), depthKey, nextDepth)
			return e.invokeInternal(ctx, callerArtifactID, artifact.ID(id), method, args)
		},
		Read: func(id string) (any, error) {
			return e.store.Read(context.Background(), artifact.ID(id), callerArtifactID)
		},
		LedgerBalance: func(principalID, resource string) (float64, error) {
			return e.ledger.Balance(principalID, resource)
		},
		LedgerTransfer: func(from, to, resource string, amount float64) error {
			if resource != "scrip" && resource != "" {
				return kernelerr.InvalidArgs("transfer is only defined for scrip")
			}
			return e.ledger.Transfer(from, to, int64(amount))
		},
		Query:       artifact.Query,
		LLMComplete: e.llmCompleteCapability(callerArtifactID),
	}
}

// llmCompleteCapability wires the LLM collaborator interface: debits the
// caller's scrip by the reported cost and the system-wide token bucket by
// input+output tokens, rejecting if either meter is exhausted, per
// spec.md §6's two-meter rule.
func (e *Engine) llmCompleteCapability(callerID string) func(prompt, model string, maxTokens int) (map[string]any, error) {
	if e.llmClient == nil {
		return nil
	}
	return func(prompt, model string, maxTokens int) (map[string]any, error) {
		resource := e.cfg.LLMResource
		if resource == "" {
			resource = "llm_tokens"
		}
		resp, err := e.llmClient.Complete(context.Background(), llm.Request{
			Prompt: prompt, Model: model, MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, kernelerr.ExecutionError(err)
		}

		tokens := resp.InputTokens + resp.OutputTokens
		if !e.system.Allow(resource, tokens) {
			return nil, kernelerr.RateLimitedSystem(resource)
		}
		if _, err := e.ledger.Spend(callerID, resource, float64(tokens)); err != nil {
			return nil, err
		}
		if resp.Cost > 0 {
			if err := e.ledger.Burn(callerID, int64(resp.Cost), "llm_call"); err != nil {
				return nil, err
			}
		}

		return map[string]any{
			"text":          resp.Text,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"cost":          resp.Cost,
		}, nil
	}
}

// Frozen reports whether callerID's compute bucket is currently negative —
// the agent supervisor consults this before letting a loop start a new
// action.
func (e *Engine) Frozen(principalID string) (bool, error) {
	return e.ledger.Frozen(principalID, "compute")
}

// Store exposes the underlying store for read-only facades (genesis
// artifacts, CLI inspect) that need metadata/search without going through
// the dispatch/event-logging path.
func (e *Engine) Store() *store.Store { return e.store }

// Ledger exposes the underlying ledger for the same reason.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// EventLog exposes the underlying event log for genesis_event_log.
func (e *Engine) EventLog() *eventlog.Log { return e.events }
