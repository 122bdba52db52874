// Package ledger is the kernel's authoritative resource accounting: scrip
// balances and metered-resource buckets keyed by principal ID. Every
// mutation is atomic with respect to every other ledger mutation.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/agentecology/kernel/domain/event"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/metrics"
	"github.com/agentecology/kernel/tokenbucket"
)

// EventAppender is the narrow slice of the event log the ledger needs. It is
// satisfied by *eventlog.Log; declared here (rather than imported) to avoid
// a dependency cycle, per the arena/narrow-interface pattern in the design
// notes.
type EventAppender interface {
	Append(kind event.Kind, principalID string, payload map[string]any) event.Event
}

// BucketSpec is the rate/capacity/debt-policy a newly registered principal's
// resource bucket starts with.
type BucketSpec struct {
	Rate        float64
	Capacity    float64
	DebtAllowed bool
}

// entry is one principal's ledger row.
type entry struct {
	scrip   int64
	buckets map[string]*tokenbucket.Bucket
}

// Ledger holds every principal's scrip balance and metered-resource buckets.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   func() time.Time
	log     *logging.Logger
	metrics *metrics.Metrics
	events  EventAppender
}

// Option configures a Ledger at construction.
type Option func(*Ledger)

// WithClock overrides the time source (tests use a fixed/advancing clock).
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithEventAppender attaches the event log every mutation reports to.
func WithEventAppender(events EventAppender) Option {
	return func(l *Ledger) { l.events = events }
}

// New constructs an empty Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[string]*entry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterPrincipal creates a zero-scrip ledger entry with the given
// starting buckets. Called once, when the store creates an artifact with
// has_standing=true. Re-registering an existing principal is a no-op.
func (l *Ledger) RegisterPrincipal(principalID string, buckets map[string]BucketSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[principalID]; exists {
		return
	}

	now := l.clock()
	e := &entry{buckets: make(map[string]*tokenbucket.Bucket, len(buckets))}
	for resource, spec := range buckets {
		e.buckets[resource] = tokenbucket.NewBucket(spec.Rate, spec.Capacity, spec.DebtAllowed, now)
	}
	l.entries[principalID] = e
}

// Balance returns a principal's scrip balance, or resource bucket balance if
// resource is non-empty. Returns NOT_FOUND if the principal is unregistered.
func (l *Ledger) Balance(principalID, resource string) (float64, error) {
	l.mu.Lock()
	e, ok := l.entries[principalID]
	l.mu.Unlock()
	if !ok {
		return 0, kernelerr.NotFound(principalID)
	}

	if resource == "" {
		return float64(e.scrip), nil
	}
	b, ok := e.buckets[resource]
	if !ok {
		return 0, kernelerr.NotFound(resource)
	}
	return b.Balance(l.clock()), nil
}

// Transfer atomically debits `from` and credits `to` by amount of scrip.
// Both sides become visible together or not at all. Fails if `from` lacks
// sufficient scrip, or either principal is unregistered.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	if amount < 0 {
		return kernelerr.InvalidArgs("transfer amount must be non-negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromEntry, ok := l.entries[from]
	if !ok {
		return kernelerr.NotFound(from)
	}
	toEntry, ok := l.entries[to]
	if !ok {
		return kernelerr.NotFound(to)
	}

	if fromEntry.scrip < amount {
		err := kernelerr.InsufficientScrip(amount, fromEntry.scrip)
		l.recordTransferOutcome(from, to, amount, false)
		return err
	}

	fromEntry.scrip -= amount
	toEntry.scrip += amount

	l.recordTransferOutcome(from, to, amount, true)
	if l.events != nil {
		l.events.Append(event.KindTransfer, from, map[string]any{
			"from": from, "to": to, "resource": "scrip", "amount": amount,
		})
	}
	return nil
}

func (l *Ledger) recordTransferOutcome(from, to string, amount int64, ok bool) {
	status := "committed"
	if !ok {
		status = "rejected"
	}
	if l.metrics != nil {
		l.metrics.RecordTransfer("scrip", status)
	}
	if l.log != nil {
		var err error
		if !ok {
			err = kernelerr.InsufficientScrip(amount, 0)
		}
		l.log.LogLedgerOp(context.Background(), "transfer", "scrip", float64(amount), from, to, err)
	}
}

// Spend debits amount from a principal's named resource bucket, used for
// metered consumption by the engine (compute, disk) rather than inter-
// principal transfer. For debt-allowed buckets the debit always succeeds,
// possibly driving the bucket negative. For debt-forbidden buckets a debit
// that would go negative is rejected with no side effect.
//
// A negative amount credits the bucket back (used by the store to refund
// disk quota on delete or shrink).
func (l *Ledger) Spend(principalID, resource string, amount float64) (balance float64, err error) {
	l.mu.Lock()
	e, ok := l.entries[principalID]
	l.mu.Unlock()
	if !ok {
		return 0, kernelerr.NotFound(principalID)
	}

	b, ok := e.buckets[resource]
	if !ok {
		return 0, kernelerr.NotFound(resource)
	}

	balance, admitted := b.TrySpend(l.clock(), amount)
	if !admitted {
		if resource == "disk" {
			return balance, kernelerr.InsufficientDisk(int64(amount), int64(balance))
		}
		return balance, kernelerr.RateLimitedAgent(resource, balance)
	}
	return balance, nil
}

// Mint credits scrip to a principal's balance, reserved for the mint oracle
// collaborator. Logged with reason.
func (l *Ledger) Mint(principalID string, amount int64, reason string) error {
	if amount < 0 {
		return kernelerr.InvalidArgs("mint amount must be non-negative")
	}

	l.mu.Lock()
	e, ok := l.entries[principalID]
	if ok {
		e.scrip += amount
	}
	l.mu.Unlock()
	if !ok {
		return kernelerr.NotFound(principalID)
	}

	if l.metrics != nil {
		l.metrics.RecordMint(reason, float64(amount))
	}
	if l.events != nil {
		l.events.Append(event.KindMint, principalID, map[string]any{
			"amount": amount, "reason": reason,
		})
	}
	return nil
}

// Burn debits scrip from a principal's balance. Whether this primitive is
// exposed to agents or reserved for the oracle is a deployment policy
// decision (see DESIGN.md); the ledger itself enforces only non-negativity.
func (l *Ledger) Burn(principalID string, amount int64, reason string) error {
	if amount < 0 {
		return kernelerr.InvalidArgs("burn amount must be non-negative")
	}

	l.mu.Lock()
	e, ok := l.entries[principalID]
	if !ok {
		l.mu.Unlock()
		return kernelerr.NotFound(principalID)
	}
	if e.scrip < amount {
		l.mu.Unlock()
		return kernelerr.InsufficientScrip(amount, e.scrip)
	}
	e.scrip -= amount
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordBurn(reason, float64(amount))
	}
	if l.events != nil {
		l.events.Append(event.KindBurn, principalID, map[string]any{
			"amount": amount, "reason": reason,
		})
	}
	return nil
}

// TotalScrip returns the sum of scrip across all registered principals, used
// to verify the mint/burn conservation invariant.
func (l *Ledger) TotalScrip() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, e := range l.entries {
		total += e.scrip
	}
	return total
}

// PrincipalSnapshot is one principal's ledger row as captured for
// checkpointing: scrip balance plus every resource bucket's rolling-window
// state.
type PrincipalSnapshot struct {
	Scrip   int64
	Buckets map[string]tokenbucket.State
}

// Snapshot returns every principal's ledger row, buckets refilled to now, for
// checkpointing.
func (l *Ledger) Snapshot() map[string]PrincipalSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	out := make(map[string]PrincipalSnapshot, len(l.entries))
	for id, e := range l.entries {
		buckets := make(map[string]tokenbucket.State, len(e.buckets))
		for resource, b := range e.buckets {
			buckets[resource] = b.Snapshot(now)
		}
		out[id] = PrincipalSnapshot{Scrip: e.scrip, Buckets: buckets}
	}
	return out
}

// Restore replaces every ledger row with one captured by Snapshot.
func (l *Ledger) Restore(snapshot map[string]PrincipalSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make(map[string]*entry, len(snapshot))
	for id, ps := range snapshot {
		buckets := make(map[string]*tokenbucket.Bucket, len(ps.Buckets))
		for resource, st := range ps.Buckets {
			buckets[resource] = tokenbucket.RestoreBucket(st)
		}
		entries[id] = &entry{scrip: ps.Scrip, buckets: buckets}
	}
	l.entries = entries
}

// Frozen reports whether a principal's named debt-allowed bucket is
// currently negative — structurally unchanged but unable to start new
// actions until the bucket refills.
func (l *Ledger) Frozen(principalID, resource string) (bool, error) {
	l.mu.Lock()
	e, ok := l.entries[principalID]
	l.mu.Unlock()
	if !ok {
		return false, kernelerr.NotFound(principalID)
	}
	b, ok := e.buckets[resource]
	if !ok {
		return false, kernelerr.NotFound(resource)
	}
	return b.InDebt(l.clock()), nil
}
