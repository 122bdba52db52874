// Package contract resolves an artifact's access_contract_id to a contract
// artifact and evaluates its check_permission method as a pure function of
// (artifact_id, action, requester_id, artifact_content, context). Contracts
// may themselves invoke other artifacts during evaluation; that recursion is
// bounded by a permission-depth counter independent of the execution
// engine's invocation-depth counter.
package contract

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/metrics"
	"github.com/agentecology/kernel/sandbox"
	"github.com/agentecology/kernel/store"
)

// permDepthKey is the context key tracking permission-evaluation recursion,
// kept entirely separate from the engine's invocation-depth counter.
type permDepthKeyType struct{}

var permDepthKey = permDepthKeyType{}

// ArtifactGetter is the narrow store surface the evaluator needs: unchecked
// lookup of the contract artifact and the target artifact's Content.
type ArtifactGetter interface {
	Get(id artifact.ID) (*artifact.Artifact, error)
}

// Invoker lets a contract's code invoke another artifact while evaluating a
// permission check (e.g. to consult an oracle or a allow-list artifact).
// Implemented by the execution engine and supplied at construction to break
// the contract<->engine import cycle.
type Invoker interface {
	InvokeForPermissionCheck(ctx context.Context, callerID string, id artifact.ID, method string, args map[string]any) (any, error)
}

// rootDecision is the kernel-defined, always-allow behavior for the
// sentinel root contract. Its logic is part of the kernel binary and cannot
// be changed at runtime: every action on an artifact whose
// access_contract_id is the root sentinel (or empty) is allowed.
func rootDecision() (bool, string) {
	return true, "root contract: always allow"
}

// cacheKey identifies one memoized decision.
type cacheKey struct {
	contractID, artifactID, action, requesterID artifact.ID
}

type cacheEntry struct {
	allowed bool
	reason  string
	expires time.Time
}

// Evaluator is the kernel's sole permission-check execution path.
type Evaluator struct {
	store          ArtifactGetter
	sandbox        *sandbox.Sandbox
	maxDepth       int
	cache          *lru.Cache[cacheKey, cacheEntry]
	metrics        *metrics.Metrics
	invoker        Invoker
	evalTimeout    time.Duration
}

// Option configures an Evaluator at construction.
type Option func(*Evaluator)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Evaluator) { e.metrics = m } }
func WithInvoker(inv Invoker) Option        { return func(e *Evaluator) { e.invoker = inv } }
func WithEvalTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.evalTimeout = d }
}

// New constructs an Evaluator. maxDepth bounds permission-evaluation
// recursion (a contract whose check invokes an artifact whose own contract
// check invokes another artifact...). cacheSize <= 0 disables the TTL
// cache.
func New(st ArtifactGetter, sb *sandbox.Sandbox, maxDepth, cacheSize int, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:       st,
		sandbox:     sb,
		maxDepth:    maxDepth,
		evalTimeout: time.Second,
	}
	if cacheSize > 0 {
		c, _ := lru.New[cacheKey, cacheEntry](cacheSize)
		e.cache = c
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetInvoker wires the execution engine after both have been constructed,
// breaking the evaluator<->engine initialization cycle (the engine needs the
// evaluator to check permissions; the evaluator needs the engine to let
// contract code make sub-invocations).
func (e *Evaluator) SetInvoker(inv Invoker) {
	e.invoker = inv
}

// Check implements store.PermissionChecker.
func (e *Evaluator) Check(ctx context.Context, a *artifact.Artifact, action, requesterID string) (bool, string, error) {
	depth, _ := ctx.Value(permDepthKey).(int)
	if depth > e.maxDepth {
		return false, "", kernelerr.DepthExceeded("permission", depth, e.maxDepth)
	}

	contractID := a.AccessContractID
	if contractID == store.RootContractID || contractID == "" {
		allowed, reason := rootDecision()
		return allowed, reason, nil
	}

	key := cacheKey{contractID: contractID, artifactID: a.ID, action: artifact.ID(action), requesterID: artifact.ID(requesterID)}
	if e.cache != nil {
		if entry, ok := e.cache.Get(key); ok && time.Now().Before(entry.expires) {
			if e.metrics != nil {
				e.metrics.RecordContractEval(action, "cache_hit", 0, true)
			}
			return entry.allowed, entry.reason, nil
		}
	}

	contractArtifact, err := e.store.Get(contractID)
	if err != nil {
		// Dangling or tombstoned contract reference fails closed: ownership
		// and assets are preserved, the artifact is simply not opened to
		// the world.
		return false, "", kernelerr.ContractMissing(string(contractID))
	}
	if !contractArtifact.HasExecutable || !contractArtifact.Interface.HasMethod("check_permission") {
		return false, "", kernelerr.ContractMissing(string(contractID))
	}

	start := time.Now()
	subCtx := context.WithValue(ctx, permDepthKey, depth+1)
	result, err := e.sandbox.Execute(subCtx, sandbox.Request{
		Code:       contractArtifact.Code,
		EntryPoint: "check_permission",
		Input: map[string]any{
			"artifact_id":  string(a.ID),
			"action":       action,
			"requester_id": requesterID,
			"content":      a.Content,
			"context": map[string]any{
				"created_by": string(a.CreatedBy),
				"owner_id":   string(a.OwnerID),
			},
		},
		Capabilities: e.capabilitiesFor(subCtx, requesterID),
		Timeout:      e.evalTimeout,
	})
	duration := time.Since(start)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordContractEval(action, "error", duration, false)
		}
		return false, "", kernelerr.ExecutionError(err)
	}

	allowed, _ := result.Output["allowed"].(bool)
	reason, _ := result.Output["reason"].(string)

	if e.metrics != nil {
		e.metrics.RecordContractEval(action, outcomeLabel(allowed), duration, false)
	}

	if contractArtifact.Interface.Cacheable && e.cache != nil {
		ttl := contractArtifact.Interface.TTL
		if ttl <= 0 {
			ttl = 10 * time.Second
		}
		e.cache.Add(key, cacheEntry{allowed: allowed, reason: reason, expires: time.Now().Add(ttl)})
	}

	return allowed, reason, nil
}

func outcomeLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// capabilitiesFor builds the restricted capability object passed into a
// contract's sandboxed evaluation: it may invoke further artifacts (each
// sub-invocation follows the standard execution path once it stops being a
// "free" permission check) but sees only this narrow surface. ctx is the
// same context the contract's own sandbox.Execute call runs under — it
// already carries both this evaluator's permDepthKey (bumped to the
// current recursion depth) and, when Check was itself reached from inside
// engine.invokeInternal's permission check, the engine's own depthKey.
// Rebuilding a fresh context.Background() here would silently reset the
// engine's invocation-depth budget at every contract boundary, defeating
// the depth guard; forwarding ctx keeps both counters intact.
func (e *Evaluator) capabilitiesFor(ctx context.Context, requesterID string) sandbox.Capabilities {
	return sandbox.Capabilities{
		Invoke: func(id, method string, args map[string]any) (any, error) {
			if e.invoker == nil {
				return nil, kernelerr.ExecutionError(nil)
			}
			return e.invoker.InvokeForPermissionCheck(ctx, requesterID, artifact.ID(id), method, args)
		},
		Query: artifact.Query,
	}
}

// InvalidateArtifact drops every cached decision naming artifactID as either
// the target or the contract, called on any write to the artifact or its
// contract.
func (e *Evaluator) InvalidateArtifact(id artifact.ID) {
	if e.cache == nil {
		return
	}
	for _, key := range e.cache.Keys() {
		if key.artifactID == id || key.contractID == id {
			e.cache.Remove(key)
		}
	}
}
