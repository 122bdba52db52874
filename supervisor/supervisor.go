// Package supervisor spawns and shepherds one cooperative task per
// agent-artifact: it drives the observe/think/propose/submit loop, applies
// sleep primitives between actions, and isolates crash-looping agents from
// the rest of the run. Agent "intelligence" lives entirely inside the
// sandboxed artifact code invoked each iteration (it reaches the LLM
// collaborator and other artifacts through the same capability object any
// invocation gets); the supervisor only drives the clock.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/domain/event"
	"github.com/agentecology/kernel/eventlog"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/metrics"
	"github.com/agentecology/kernel/ledger"
)

// SleepMode names how an agent's step result asks the supervisor to pause it
// before the next iteration.
type SleepMode string

const (
	SleepNone      SleepMode = ""
	SleepDeadline  SleepMode = "deadline"
	SleepEvent     SleepMode = "event"
	SleepPredicate SleepMode = "predicate"
)

// SleepRequest is parsed from the "sleep" field of a step invocation's
// result. An agent that returns no "sleep" field runs its next iteration
// immediately (subject to the compute-bucket frozen check).
type SleepRequest struct {
	Mode SleepMode

	// Mode == SleepDeadline
	Until time.Time

	// Mode == SleepEvent
	EventKind   event.Kind
	PrincipalID string

	// Mode == SleepPredicate: wakes once the named principal's resource
	// balance reaches at least Amount. Polled, not pushed, so the wait
	// costs the agent nothing per spec.md §4.7.
	PredicatePrincipal string
	PredicateResource  string
	PredicateAmount    float64
}

// Config tunes crash-loop backoff and polling cadence. N consecutive
// failures trigger exponential backoff; M total failures quarantine the
// agent outright (spec.md §4.7 names both thresholds without values).
type Config struct {
	StepMethod             string
	MaxConsecutiveFailures int
	MaxTotalFailures       int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	PredicatePollInterval  time.Duration
	ActionTimeout          time.Duration
}

// DefaultConfig holds the crash-loop constants: N=3 consecutive failures,
// exponential backoff base 1s capped at 5m, M=10 total failures.
func DefaultConfig() Config {
	return Config{
		StepMethod:             "step",
		MaxConsecutiveFailures: 3,
		MaxTotalFailures:       10,
		BackoffBase:            time.Second,
		BackoffCap:             5 * time.Minute,
		PredicatePollInterval:  2 * time.Second,
		ActionTimeout:          30 * time.Second,
	}
}

// Invoker is the narrow engine surface the supervisor drives. Declared here,
// not imported as *engine.Engine directly, purely for testability — tests
// supply a fake without wiring the whole kernel.
type Invoker interface {
	Invoke(ctx context.Context, callerID string, id artifact.ID, method string, args map[string]any) (any, error)
	Frozen(principalID string) (bool, error)
	Ledger() *ledger.Ledger
}

// agentState is the supervisor's per-agent bookkeeping, also the shape
// persisted into a checkpoint (spec.md §6's "per-agent loop state").
type agentState struct {
	mu                  sync.Mutex
	id                  artifact.ID
	consecutiveFailures int
	totalFailures       int
	quarantined         bool
	backoff             *backoff.ExponentialBackOff
	sleep               SleepRequest
	cancel              context.CancelFunc
}

// State is the externally visible, checkpoint-friendly snapshot of one
// agent's supervisor bookkeeping.
type State struct {
	ID                  artifact.ID
	ConsecutiveFailures int
	TotalFailures       int
	Quarantined         bool
	SleepMode           SleepMode
	SleepUntil          time.Time
}

// Supervisor runs one goroutine per spawned agent.
type Supervisor struct {
	mu      sync.Mutex
	eng     Invoker
	events  *eventlog.Log
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	agents   map[artifact.ID]*agentState
	wg       sync.WaitGroup
	done     chan struct{}
	pauseGen chan struct{} // closed to resume; replaced on Pause
	paused   bool
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

func WithLogger(log *logging.Logger) Option { return func(s *Supervisor) { s.log = log } }
func WithMetrics(m *metrics.Metrics) Option  { return func(s *Supervisor) { s.metrics = m } }
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// New constructs a Supervisor. It does not start any loops until Spawn is
// called per agent.
func New(eng Invoker, events *eventlog.Log, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		eng: eng, events: events, cfg: cfg,
		clock:    time.Now,
		agents:   make(map[artifact.ID]*agentState),
		done:     make(chan struct{}),
		pauseGen: closedChan(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// Spawn starts a cooperative task for agentID. Calling Spawn twice for the
// same ID is a no-op — an agent has at most one running loop.
func (s *Supervisor) Spawn(agentID artifact.ID) {
	s.mu.Lock()
	if _, exists := s.agents[agentID]; exists {
		s.mu.Unlock()
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	st := &agentState{id: agentID, backoff: bo}
	s.agents[agentID] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(st)
	s.reportCounts()
}

// Restore reinstates a checkpointed agent's bookkeeping and starts its loop,
// used when resuming a run rather than starting one fresh.
func (s *Supervisor) Restore(state State) {
	s.mu.Lock()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	st := &agentState{
		id: state.ID, backoff: bo,
		consecutiveFailures: state.ConsecutiveFailures,
		totalFailures:       state.TotalFailures,
		quarantined:         state.Quarantined,
		sleep:               SleepRequest{Mode: state.SleepMode, Until: state.SleepUntil},
	}
	s.agents[state.ID] = st
	s.mu.Unlock()

	if state.Quarantined {
		return
	}
	s.wg.Add(1)
	go s.run(st)
	s.reportCounts()
}

func (s *Supervisor) reportCounts() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	running, quarantined := 0, 0
	for _, st := range s.agents {
		st.mu.Lock()
		if st.quarantined {
			quarantined++
		} else {
			running++
		}
		st.mu.Unlock()
	}
	s.mu.Unlock()
	s.metrics.SetAgentCounts(running, quarantined)
}

// run is one agent's cooperative task. It never suspends mid-action: every
// blocking wait happens between the top-level invoke calls, per spec.md §5's
// suspension-point rule.
func (s *Supervisor) run(st *agentState) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.waitForResume()

		if s.isQuarantined(st) {
			return
		}

		if !s.waitForSleep(st) {
			return // shutdown arrived while sleeping
		}

		if frozen, err := s.eng.Frozen(string(st.id)); err == nil && frozen {
			if !s.waitForRefill(st) {
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ActionTimeout)
		result, err := s.eng.Invoke(ctx, string(st.id), st.id, s.cfg.StepMethod, nil)
		cancel()

		if err != nil {
			s.recordFailure(st, err)
			continue
		}
		s.recordSuccess(st)
		s.applySleep(st, result)
	}
}

func (s *Supervisor) isQuarantined(st *agentState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.quarantined
}

// waitForResume blocks while a checkpoint pause is in effect.
func (s *Supervisor) waitForResume() {
	s.mu.Lock()
	gen := s.pauseGen
	s.mu.Unlock()
	select {
	case <-gen:
	case <-s.done:
	}
}

// waitForSleep honors whichever SleepRequest the previous iteration set,
// returning false only if shutdown arrives first.
func (s *Supervisor) waitForSleep(st *agentState) bool {
	st.mu.Lock()
	req := st.sleep
	st.mu.Unlock()

	switch req.Mode {
	case SleepNone:
		return true

	case SleepDeadline:
		d := time.Until(req.Until)
		if d <= 0 {
			return true
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-s.done:
			return false
		}

	case SleepEvent:
		ch := s.events.Wait(func(e event.Event) bool {
			if req.EventKind != "" && e.Kind != req.EventKind {
				return false
			}
			if req.PrincipalID != "" && e.PrincipalID != req.PrincipalID {
				return false
			}
			return true
		})
		select {
		case <-ch:
			return true
		case <-s.done:
			return false
		}

	case SleepPredicate:
		ticker := time.NewTicker(s.pollInterval())
		defer ticker.Stop()
		for {
			bal, err := s.eng.Ledger().Balance(req.PredicatePrincipal, req.PredicateResource)
			if err == nil && bal >= req.PredicateAmount {
				return true
			}
			select {
			case <-ticker.C:
			case <-s.done:
				return false
			}
		}

	default:
		return true
	}
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.cfg.PredicatePollInterval <= 0 {
		return 2 * time.Second
	}
	return s.cfg.PredicatePollInterval
}

// waitForRefill blocks a frozen agent (negative compute balance) until it
// refills, polling rather than invoking so the wait itself costs nothing.
func (s *Supervisor) waitForRefill(st *agentState) bool {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()
	for {
		frozen, err := s.eng.Frozen(string(st.id))
		if err != nil || !frozen {
			return true
		}
		select {
		case <-ticker.C:
		case <-s.done:
			return false
		}
	}
}

// recordFailure advances both failure counters and, past the thresholds,
// either backs off or quarantines the agent outright.
func (s *Supervisor) recordFailure(st *agentState, err error) {
	st.mu.Lock()
	st.consecutiveFailures++
	st.totalFailures++
	consecutive, total := st.consecutiveFailures, st.totalFailures
	st.mu.Unlock()

	if s.log != nil {
		s.log.WithFields(map[string]interface{}{
			"agent_id": string(st.id), "consecutive_failures": consecutive, "total_failures": total,
		}).Warn("agent step failed: " + err.Error())
	}

	if total >= s.cfg.MaxTotalFailures {
		s.quarantine(st)
		return
	}
	if consecutive >= s.cfg.MaxConsecutiveFailures {
		st.mu.Lock()
		delay := st.backoff.NextBackOff()
		st.mu.Unlock()
		if delay == backoff.Stop {
			delay = s.cfg.BackoffCap
		}
		select {
		case <-time.After(delay):
		case <-s.done:
		}
	}
}

func (s *Supervisor) recordSuccess(st *agentState) {
	st.mu.Lock()
	st.consecutiveFailures = 0
	st.backoff.Reset()
	st.mu.Unlock()
}

// quarantine pauses the agent's loop permanently (until a manual Resume),
// emits agent_quarantined, and updates the running/quarantined gauges.
func (s *Supervisor) quarantine(st *agentState) {
	st.mu.Lock()
	st.quarantined = true
	st.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordAgentCrash(string(st.id))
	}
	s.events.Append(event.KindAgentQuarantined, string(st.id), map[string]any{
		"id": string(st.id),
	})
	if s.log != nil {
		s.log.WithFields(map[string]interface{}{"agent_id": string(st.id)}).Error("agent quarantined")
	}
	s.reportCounts()
}

// ResumeQuarantined clears an agent's quarantine and restarts its loop, the
// "manual resume required" step named in spec.md §4.7.
func (s *Supervisor) ResumeQuarantined(agentID artifact.ID) bool {
	s.mu.Lock()
	st, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	wasQuarantined := st.quarantined
	st.quarantined = false
	st.consecutiveFailures = 0
	st.totalFailures = 0
	st.backoff.Reset()
	st.mu.Unlock()
	if !wasQuarantined {
		return false
	}

	s.wg.Add(1)
	go s.run(st)
	s.reportCounts()
	return true
}

// applySleep parses the "sleep" field of a step result, if present, into the
// agent's next SleepRequest.
func (s *Supervisor) applySleep(st *agentState, result any) {
	m, _ := result.(map[string]any)
	sleepVal, ok := m["sleep"]
	if !ok {
		st.mu.Lock()
		st.sleep = SleepRequest{}
		st.mu.Unlock()
		return
	}
	spec, ok := sleepVal.(map[string]any)
	if !ok {
		return
	}

	req := SleepRequest{Mode: SleepMode(stringField(spec, "mode"))}
	switch req.Mode {
	case SleepDeadline:
		if secs, ok := numberField(spec, "duration_seconds"); ok {
			req.Until = s.clock().Add(time.Duration(secs * float64(time.Second)))
		} else if ts := stringField(spec, "until"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				req.Until = t
			}
		}
	case SleepEvent:
		req.EventKind = event.Kind(stringField(spec, "kind"))
		req.PrincipalID = stringField(spec, "principal_id")
	case SleepPredicate:
		req.PredicatePrincipal = stringField(spec, "principal_id")
		req.PredicateResource = stringField(spec, "resource")
		if amt, ok := numberField(spec, "amount"); ok {
			req.PredicateAmount = amt
		}
	}

	st.mu.Lock()
	st.sleep = req
	st.mu.Unlock()
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

// Pause blocks every agent loop at its next suspension point: the
// checkpoint's stop-the-world boundary. Pause does not return until every
// in-flight top-level action has committed.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.pauseGen = make(chan struct{})
	s.paused = true
	s.mu.Unlock()
}

// Resume releases every loop blocked in Pause.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	close(s.pauseGen)
	s.paused = false
	s.mu.Unlock()
}

// Snapshot returns every agent's checkpoint-ready state.
func (s *Supervisor) Snapshot() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.agents))
	for _, st := range s.agents {
		st.mu.Lock()
		out = append(out, State{
			ID: st.id, ConsecutiveFailures: st.consecutiveFailures, TotalFailures: st.totalFailures,
			Quarantined: st.quarantined, SleepMode: st.sleep.Mode, SleepUntil: st.sleep.Until,
		})
		st.mu.Unlock()
	}
	return out
}

// Shutdown signals every loop to stop at its next boundary and waits, up to
// ctx's deadline, for all of them to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
		close(s.done)
	}
	// Release anything parked in Pause so it can observe s.done and exit.
	if s.paused {
		close(s.pauseGen)
		s.paused = false
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
