// Package tokenbucket implements the kernel's rolling-window resource
// meter: fair metering of renewable (flow) resources such as per-principal
// compute, and exhaustion semantics for non-renewable (stock) resources such
// as disk quota.
package tokenbucket

import (
	"math"
	"sync"
	"time"
)

// State is one bucket's rolling-window accounting: rate (units/sec),
// capacity (max), balance (current), and the monotonic instant it was last
// brought up to date.
type State struct {
	Rate        float64
	Capacity    float64
	Balance     float64
	LastUpdate  time.Time
	DebtAllowed bool
}

// refill advances balance to now, per the rolling-window formula:
//
//	elapsed = now − last_update
//	balance = min(capacity, balance + elapsed·rate)
//	last_update = now
func (s *State) refill(now time.Time) {
	if s.LastUpdate.IsZero() {
		s.LastUpdate = now
		return
	}
	elapsed := now.Sub(s.LastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	s.Balance = math.Min(s.Capacity, s.Balance+elapsed*s.Rate)
	s.LastUpdate = now
}

// TrySpend debits amount from the bucket after bringing it up to date. A
// negative amount credits the bucket back (used to roll back an over-
// reservation or refund freed disk quota), always capped at Capacity and
// always succeeding. Returns the resulting balance and whether the debit was
// admitted.
//
// For debt-allowed buckets a debit always succeeds, possibly driving the
// balance negative (the caller is then in debt / frozen). For debt-
// forbidden buckets a debit that would drive the balance negative is
// rejected with no side effect.
func (s *State) TrySpend(now time.Time, amount float64) (balance float64, ok bool) {
	s.refill(now)

	if amount <= 0 {
		s.Balance = math.Min(s.Capacity, s.Balance-amount)
		return s.Balance, true
	}

	if !s.DebtAllowed && s.Balance-amount < 0 {
		return s.Balance, false
	}
	s.Balance -= amount
	return s.Balance, true
}

// Peek returns the balance as of now without mutating the bucket.
func (s State) Peek(now time.Time) float64 {
	cp := s
	cp.refill(now)
	return cp.Balance
}

// InDebt reports whether the bucket is currently negative.
func (s State) InDebt(now time.Time) bool {
	return s.Peek(now) < 0
}

// Bucket is a mutex-guarded State, safe for concurrent access by multiple
// cooperative tasks. No user-level lock is ever exposed to artifact code;
// this is purely internal serialization.
type Bucket struct {
	mu    sync.Mutex
	state State
}

// NewBucket constructs a bucket starting at full capacity.
func NewBucket(rate, capacity float64, debtAllowed bool, now time.Time) *Bucket {
	return &Bucket{state: State{
		Rate:        rate,
		Capacity:    capacity,
		Balance:     capacity,
		LastUpdate:  now,
		DebtAllowed: debtAllowed,
	}}
}

// RestoreBucket reconstructs a bucket from persisted checkpoint state.
func RestoreBucket(s State) *Bucket {
	return &Bucket{state: s}
}

// TrySpend debits amount, serialized against concurrent callers.
func (b *Bucket) TrySpend(now time.Time, amount float64) (balance float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.TrySpend(now, amount)
}

// Balance returns the current balance as of now.
func (b *Bucket) Balance(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.refill(now)
	return b.state.Balance
}

// InDebt reports whether the bucket is currently negative.
func (b *Bucket) InDebt(now time.Time) bool {
	return b.Balance(now) < 0
}

// Snapshot returns a copy of the bucket's state, refilled to now, suitable
// for checkpointing.
func (b *Bucket) Snapshot(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.refill(now)
	return b.state
}
