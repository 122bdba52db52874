// Package oracle declares the kernel-facing side of the minting oracle
// collaborator interface (spec.md §6): an external scoring source submits
// (artifact_id, score) on its own cadence; the kernel responds by minting
// scrip to the artifact's owner with reason "oracle_mint". The oracle's own
// scoring logic is out of scope (spec.md §1) — this package only resolves a
// submitted score into a ledger mint and records the attempt for agent
// introspection, mirroring (without adopting the retry/approval machinery
// of) the teacher's withdrawal-settlement observability model.
package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/store"
)

// Submission is one (artifact_id, score) judgment from the oracle.
type Submission struct {
	ArtifactID artifact.ID
	Score      float64
}

// Mint resolver: translates a Score into a scrip amount. A deployment
// concern (spec.md §4.3's "calibration...is a deployment concern" applies
// equally here); the kernel only enforces that the amount is non-negative.
type ScoreToScrip func(score float64) int64

// Minter is the narrow ledger surface the resolver needs.
type Minter interface {
	Mint(principalID string, amount int64, reason string) error
}

// ArtifactOwner resolves an artifact to its owning principal.
type ArtifactOwner interface {
	Metadata(id artifact.ID) (store.Metadata, error)
}

// Attempt records one resolved (or failed) submission, kept in the
// Resolver's bounded history.
type Attempt struct {
	ArtifactID artifact.ID
	Score      float64
	Amount     int64
	OwnerID    artifact.ID
	At         time.Time
	Err        string
}

// Resolver applies oracle submissions to the ledger.
type Resolver struct {
	mu      sync.Mutex
	minter  Minter
	owners  ArtifactOwner
	toScrip ScoreToScrip
	clock   func() time.Time
	log     *logging.Logger
	history []Attempt
	maxKept int
}

// Option configures a Resolver at construction.
type Option func(*Resolver)

func WithClock(clock func() time.Time) Option { return func(r *Resolver) { r.clock = clock } }
func WithLogger(log *logging.Logger) Option    { return func(r *Resolver) { r.log = log } }
func WithHistoryLimit(n int) Option            { return func(r *Resolver) { r.maxKept = n } }

// New constructs a Resolver. toScrip maps a raw score to a minted amount;
// a nil toScrip defaults to a 1:1 non-negative floor.
func New(minter Minter, owners ArtifactOwner, toScrip ScoreToScrip, opts ...Option) *Resolver {
	if toScrip == nil {
		toScrip = func(score float64) int64 {
			if score <= 0 {
				return 0
			}
			return int64(score)
		}
	}
	r := &Resolver{
		minter: minter, owners: owners, toScrip: toScrip,
		clock: time.Now, maxKept: 256,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies one submission: resolves the artifact's owner, converts
// the score, and mints. The oracle never sees kernel internals beyond this
// call's return value; the kernel never sees the oracle's scoring logic.
func (r *Resolver) Resolve(ctx context.Context, sub Submission) (Attempt, error) {
	meta, err := r.owners.Metadata(sub.ArtifactID)
	if err != nil {
		return r.record(sub, 0, "", err), err
	}

	amount := r.toScrip(sub.Score)
	if amount < 0 {
		err := kernelerr.InvalidArgs("oracle score resolved to a negative mint amount")
		return r.record(sub, amount, meta.OwnerID, err), err
	}
	if amount == 0 {
		return r.record(sub, 0, meta.OwnerID, nil), nil
	}

	if err := r.minter.Mint(string(meta.OwnerID), amount, "oracle_mint"); err != nil {
		return r.record(sub, amount, meta.OwnerID, err), err
	}
	if r.log != nil {
		r.log.WithFields(map[string]interface{}{
			"artifact_id": string(sub.ArtifactID), "owner_id": string(meta.OwnerID),
			"score": sub.Score, "amount": amount,
		}).Info("oracle mint resolved")
	}
	return r.record(sub, amount, meta.OwnerID, nil), nil
}

func (r *Resolver) record(sub Submission, amount int64, owner artifact.ID, err error) Attempt {
	a := Attempt{
		ArtifactID: sub.ArtifactID, Score: sub.Score, Amount: amount,
		OwnerID: owner, At: r.clock(),
	}
	if err != nil {
		a.Err = err.Error()
	}

	r.mu.Lock()
	r.history = append(r.history, a)
	if len(r.history) > r.maxKept {
		r.history = r.history[len(r.history)-r.maxKept:]
	}
	r.mu.Unlock()
	return a
}

// RecentMints returns up to n of the most recent successful attempts from
// the Resolver's history.
func (r *Resolver) RecentMints(n int) []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Attempt
	for i := len(r.history) - 1; i >= 0 && len(out) < n; i-- {
		if r.history[i].Err == "" && r.history[i].Amount > 0 {
			out = append(out, r.history[i])
		}
	}
	return out
}
