// Package store is the kernel's authoritative artifact registry: the sole
// place an artifact record is created, mutated, or tombstoned. It enforces
// ID uniqueness, size bounds, and tombstone semantics; permission decisions
// are delegated to a narrow PermissionChecker so this package never imports
// the contract evaluator (arena pattern — store never holds a direct edge to
// a contract, only its ID).
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/domain/event"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/metrics"
	"github.com/agentecology/kernel/ledger"
)

// RootContractID is the sentinel access_contract_id naming the kernel's
// always-present root contract (kernel-defined behavior, cannot be
// modified at runtime, and cannot itself dangle).
const RootContractID artifact.ID = "__root__"

// PermissionChecker resolves an artifact's access contract and evaluates the
// requested action against it. Implemented by the contract package;
// declared here to avoid an import cycle.
type PermissionChecker interface {
	Check(ctx context.Context, a *artifact.Artifact, action, requesterID string) (allowed bool, reason string, err error)
}

// EventAppender is the slice of the event log the store needs.
type EventAppender interface {
	Append(kind event.Kind, principalID string, payload map[string]any) event.Event
}

// Action names used in permission checks, matching the five primitive
// actions plus the read-only metadata/search paths which bypass checks
// entirely.
const (
	ActionRead   = "READ"
	ActionWrite  = "WRITE"
	ActionDelete = "DELETE"
	ActionInvoke = "INVOKE"
)

// Record is one artifact slot in the arena: either a live artifact or, after
// deletion, a tombstone. Never both.
type Record struct {
	Artifact  *artifact.Artifact
	Tombstone *artifact.Tombstone
}

// Limits bounds artifact sizes and contract-chain depth, enforced at create
// and at access_contract_id modification.
type Limits struct {
	MaxContentSize        int64
	MaxCodeSize            int64
	MaxContractChainDepth int
}

// DefaultLimits is the Store's built-in size and chain-depth bounds, used
// when no WithLimits option is given.
func DefaultLimits() Limits {
	return Limits{
		MaxContentSize:        1 << 20,
		MaxCodeSize:           1 << 18,
		MaxContractChainDepth: 8,
	}
}

// Store is the artifact arena. All traversal is by-ID lookup, bounded by
// depth guards; there are never direct object-graph edges between records.
type Store struct {
	mu                 sync.RWMutex
	records            map[artifact.ID]*Record
	limits             Limits
	ledger             *ledger.Ledger
	defaultBuckets     map[string]ledger.BucketSpec
	events             EventAppender
	checker            PermissionChecker
	clock              func() time.Time
	tombstoneRetention time.Duration
	log                *logging.Logger
	metrics            *metrics.Metrics
	newID              func() artifact.ID
}

// Option configures a Store at construction.
type Option func(*Store)

func WithClock(clock func() time.Time) Option { return func(s *Store) { s.clock = clock } }
func WithLogger(log *logging.Logger) Option    { return func(s *Store) { s.log = log } }
func WithMetrics(m *metrics.Metrics) Option     { return func(s *Store) { s.metrics = m } }
func WithEventAppender(events EventAppender) Option {
	return func(s *Store) { s.events = events }
}
func WithLimits(limits Limits) Option { return func(s *Store) { s.limits = limits } }
func WithTombstoneRetention(d time.Duration) Option {
	return func(s *Store) { s.tombstoneRetention = d }
}
func WithDefaultBuckets(buckets map[string]ledger.BucketSpec) Option {
	return func(s *Store) { s.defaultBuckets = buckets }
}

// WithIDGenerator overrides ID assignment (tests use a deterministic
// sequence so fixtures are reproducible).
func WithIDGenerator(gen func() artifact.ID) Option {
	return func(s *Store) { s.newID = gen }
}

// New constructs an empty Store. Until SetPermissionChecker is called,
// Read/Write/Edit/Delete/SetAccessContract run no permission check and allow
// every caller. Create and Metadata never consult a checker, since
// engine wiring constructs the store and the contract evaluator together
// and the evaluator itself needs the store to resolve contract artifacts.
func New(l *ledger.Ledger, opts ...Option) *Store {
	s := &Store{
		records:            make(map[artifact.ID]*Record),
		limits:             DefaultLimits(),
		ledger:             l,
		clock:              time.Now,
		tombstoneRetention: 24 * time.Hour,
		newID:              func() artifact.ID { return artifact.ID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPermissionChecker wires the contract evaluator after both have been
// constructed, breaking the store<->contract initialization cycle.
func (s *Store) SetPermissionChecker(checker PermissionChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checker = checker
}

// Create allocates a fresh artifact. creatorID == "" is reserved for
// kernel-installed genesis artifacts at bootstrap, which are exempt from the
// disk charge (they are not created by any agent's action).
func (s *Store) Create(creatorID string, spec artifact.Spec) (artifact.ID, error) {
	size, err := artifact.Size(spec.Content, spec.Code)
	if err != nil {
		return "", kernelerr.InvalidArgs("content is not serializable")
	}
	if contentSize, _ := artifact.Size(spec.Content, ""); contentSize > s.limits.MaxContentSize {
		return "", kernelerr.InvalidArgs("content exceeds maximum size")
	}
	if int64(len(spec.Code)) > s.limits.MaxCodeSize {
		return "", kernelerr.InvalidArgs("code exceeds maximum size")
	}
	if spec.HasExecutable && (spec.Interface == nil || spec.Code == "") {
		return "", kernelerr.InvalidArgs("has_executable requires non-null interface and code")
	}
	if !spec.HasExecutable && (spec.Interface != nil || spec.Code != "") {
		return "", kernelerr.InvalidArgs("interface and code require has_executable")
	}

	if creatorID != "" {
		s.mu.RLock()
		creator, ok := s.records[artifact.ID(creatorID)]
		s.mu.RUnlock()
		if !ok || creator.Tombstone != nil || !creator.Artifact.HasStanding {
			return "", kernelerr.AccessDenied("creator lacks standing")
		}
	}

	contractID := spec.AccessContractID
	if contractID == "" {
		contractID = RootContractID
	}
	if contractID != RootContractID {
		if err := s.walkContractChain(contractID); err != nil {
			return "", err
		}
	}

	id := s.newID()
	now := s.clock()
	ownerID := spec.OwnerID
	if ownerID == "" {
		ownerID = artifact.ID(creatorID)
	}

	a := &artifact.Artifact{
		ID:               id,
		Content:          spec.Content,
		Code:             spec.Code,
		Interface:        spec.Interface,
		AccessContractID: contractID,
		HasStanding:      spec.HasStanding,
		HasExecutable:    spec.HasExecutable,
		CreatedBy:        artifact.ID(creatorID),
		CreatedAt:        now,
		OwnerID:          ownerID,
	}

	if creatorID != "" {
		if _, err := s.ledger.Spend(creatorID, "disk", float64(size)); err != nil {
			return "", err
		}
	}

	if spec.HasStanding {
		s.ledger.RegisterPrincipal(string(id), s.defaultBuckets)
	}

	s.mu.Lock()
	s.records[id] = &Record{Artifact: a}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordArtifactCreated(a.Kind().String())
	}
	if s.events != nil {
		s.events.Append(event.KindArtifactCreated, creatorID, map[string]any{
			"id": string(id), "kind": a.Kind().String(), "owner_id": string(ownerID),
		})
	}
	return id, nil
}

// CreateWithID is Create's genesis-only counterpart: it installs spec under a
// fixed, kernel-chosen ID instead of one assigned by the store's ID
// generator. Used exactly once per genesis artifact, at bootstrap, before any
// agent exists to collide with the well-known name.
func (s *Store) CreateWithID(id artifact.ID, creatorID string, spec artifact.Spec) error {
	s.mu.RLock()
	_, exists := s.records[id]
	s.mu.RUnlock()
	if exists {
		return kernelerr.InvalidArgs("artifact id already in use: " + string(id))
	}

	prevGen := s.newID
	s.newID = func() artifact.ID { return id }
	_, err := s.Create(creatorID, spec)
	s.newID = prevGen
	return err
}

// walkContractChain follows access_contract_id pointers up to the configured
// depth limit, failing with CIRCULAR_CONTRACT if a cycle is found or the
// chain is longer than the limit. A dangling (missing/tombstoned) reference
// is NOT an error here — that is only ever detected, and fails closed, at
// evaluation time (see the contract package); a chain may legitimately be
// under construction.
func (s *Store) walkContractChain(start artifact.ID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[artifact.ID]bool)
	cur := start
	for depth := 0; depth < s.limits.MaxContractChainDepth; depth++ {
		if cur == RootContractID {
			return nil
		}
		if seen[cur] {
			return kernelerr.CircularContract(string(start))
		}
		seen[cur] = true

		rec, ok := s.records[cur]
		if !ok || rec.Tombstone != nil {
			return nil // dangling: not a cycle, resolved (fail-closed) at eval time
		}
		next := rec.Artifact.AccessContractID
		if next == "" {
			return nil
		}
		cur = next
	}
	return kernelerr.CircularContract(string(start))
}

// Get is the unchecked internal lookup used by the contract evaluator and
// execution engine, which need an artifact's Code/Interface/Content without
// going through a permission check themselves (the check is evaluated
// against what Get returns). Returns DELETED for tombstones, NOT_FOUND for
// unknown IDs.
func (s *Store) Get(id artifact.ID) (*artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, kernelerr.NotFound(string(id))
	}
	if rec.Tombstone != nil {
		return nil, kernelerr.Deleted(string(id))
	}
	return rec.Artifact, nil
}

func (s *Store) check(ctx context.Context, a *artifact.Artifact, action, requesterID string) error {
	if s.checker == nil {
		return nil
	}
	allowed, reason, err := s.checker.Check(ctx, a, action, requesterID)
	if err != nil {
		return err
	}
	if !allowed {
		return kernelerr.AccessDenied(reason)
	}
	return nil
}

// Read performs a permission check (action=READ) then returns the
// artifact's content. Never returns tombstone content.
func (s *Store) Read(ctx context.Context, id artifact.ID, callerID string) (any, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, a, ActionRead, callerID); err != nil {
		return nil, err
	}
	return a.Content, nil
}

// Write performs a permission check (action=WRITE), enforces the new size
// against the owner's disk quota, and replaces the artifact's content
// atomically with the quota charge.
func (s *Store) Write(ctx context.Context, id artifact.ID, callerID string, newContent any) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.check(ctx, a, ActionWrite, callerID); err != nil {
		return err
	}

	oldSize, _ := artifact.Size(a.Content, a.Code)
	newSize, err := artifact.Size(newContent, a.Code)
	if err != nil {
		return kernelerr.InvalidArgs("content is not serializable")
	}
	if newSize-oldSize > s.limits.MaxContentSize+s.limits.MaxCodeSize {
		return kernelerr.InvalidArgs("content exceeds maximum size")
	}

	delta := newSize - oldSize
	if _, err := s.ledger.Spend(string(a.OwnerID), "disk", float64(delta)); err != nil {
		return err
	}

	s.mu.Lock()
	a.Content = newContent
	s.mu.Unlock()

	if s.events != nil {
		s.events.Append(event.KindArtifactModified, callerID, map[string]any{"id": string(id)})
	}
	return nil
}

// PatchFunc computes a new content value from the current one. Used by Edit
// for a surgical update without the caller needing to resend the whole
// artifact body.
type PatchFunc func(current any) (any, error)

// Edit applies patch under write permission, atomically with Write's size
// accounting.
func (s *Store) Edit(ctx context.Context, id artifact.ID, callerID string, patch PatchFunc) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.check(ctx, a, ActionWrite, callerID); err != nil {
		return err
	}

	newContent, err := patch(a.Content)
	if err != nil {
		return kernelerr.InvalidArgs(err.Error())
	}
	return s.Write(ctx, id, callerID, newContent)
}

// SetAccessContract changes an artifact's access_contract_id under write
// permission, re-walking the chain from the new pointer. A cycle fails the
// modification — the artifact's prior state is untouched.
func (s *Store) SetAccessContract(ctx context.Context, id artifact.ID, callerID string, newContractID artifact.ID) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.check(ctx, a, ActionWrite, callerID); err != nil {
		return err
	}
	if newContractID != RootContractID {
		if err := s.walkContractChain(newContractID); err != nil {
			return err
		}
		// The new pointer closes a cycle if its chain leads back to id.
		s.mu.RLock()
		cur := newContractID
		for depth := 0; depth < s.limits.MaxContractChainDepth && cur != RootContractID && cur != ""; depth++ {
			if cur == id {
				s.mu.RUnlock()
				return kernelerr.CircularContract(string(id))
			}
			rec, ok := s.records[cur]
			if !ok || rec.Tombstone != nil {
				break
			}
			cur = rec.Artifact.AccessContractID
		}
		s.mu.RUnlock()
	}

	s.mu.Lock()
	a.AccessContractID = newContractID
	s.mu.Unlock()

	if s.events != nil {
		s.events.Append(event.KindArtifactModified, callerID, map[string]any{
			"id": string(id), "access_contract_id": string(newContractID),
		})
	}
	return nil
}

// TransferOwnership reassigns an artifact's owner_id without a permission
// check. Reserved for kernel-trusted genesis code (genesis_ledger's
// transfer_ownership, genesis_escrow's buy) that has already established
// authorization through its own ledger-mediated trade logic — ordinary
// artifact code has no path to this method.
func (s *Store) TransferOwnership(id artifact.ID, newOwner artifact.ID) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	a.OwnerID = newOwner
	s.mu.Unlock()
	if s.events != nil {
		s.events.Append(event.KindArtifactModified, string(newOwner), map[string]any{
			"id": string(id), "owner_id": string(newOwner),
		})
	}
	return nil
}

// Delete performs a permission check (action=DELETE), replaces the record
// with a tombstone, and frees the owner's disk quota.
func (s *Store) Delete(ctx context.Context, id artifact.ID, callerID, reason string) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.check(ctx, a, ActionDelete, callerID); err != nil {
		return err
	}

	size, _ := artifact.Size(a.Content, a.Code)
	s.ledger.Spend(string(a.OwnerID), "disk", -float64(size))

	s.mu.Lock()
	s.records[id] = &Record{Tombstone: &artifact.Tombstone{
		ID: id, DeletedAt: s.clock(), Reason: reason,
	}}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordArtifactDeleted(a.Kind().String())
	}
	if s.events != nil {
		s.events.Append(event.KindArtifactDeleted, callerID, map[string]any{
			"id": string(id), "reason": reason,
		})
	}
	return nil
}

// Metadata is the public, content-free projection of an artifact returned by
// Metadata/ListByOwner/Search. No permission check beyond existence — only
// content (and code) access is contract-gated.
type Metadata struct {
	ID               artifact.ID
	Kind             string
	AccessContractID artifact.ID
	HasStanding      bool
	HasExecutable    bool
	CreatedBy        artifact.ID
	CreatedAt        time.Time
	OwnerID          artifact.ID
}

func metadataOf(a *artifact.Artifact) Metadata {
	return Metadata{
		ID: a.ID, Kind: a.Kind().String(), AccessContractID: a.AccessContractID,
		HasStanding: a.HasStanding, HasExecutable: a.HasExecutable,
		CreatedBy: a.CreatedBy, CreatedAt: a.CreatedAt, OwnerID: a.OwnerID,
	}
}

// Metadata returns an artifact's public fields, or NOT_FOUND/DELETED. No
// content, no permission check beyond existence.
func (s *Store) Metadata(id artifact.ID) (Metadata, error) {
	a, err := s.Get(id)
	if err != nil {
		return Metadata{}, err
	}
	return metadataOf(a), nil
}

// ListByOwner returns metadata for every live artifact owned by ownerID.
func (s *Store) ListByOwner(ownerID artifact.ID) []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Metadata
	for _, rec := range s.records {
		if rec.Tombstone != nil || rec.Artifact.OwnerID != ownerID {
			continue
		}
		out = append(out, metadataOf(rec.Artifact))
	}
	return out
}

// SearchQuery filters Search results over metadata only.
type SearchQuery struct {
	Kind          string // "" matches any
	HasExecutable *bool
	HasStanding   *bool
}

// Search scans live artifacts' metadata for matches. Linear scan; the
// kernel does not promise an index, only a narrow facade (genesis_store).
func (s *Store) Search(q SearchQuery) []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Metadata
	for _, rec := range s.records {
		if rec.Tombstone != nil {
			continue
		}
		a := rec.Artifact
		if q.Kind != "" && a.Kind().String() != q.Kind {
			continue
		}
		if q.HasExecutable != nil && a.HasExecutable != *q.HasExecutable {
			continue
		}
		if q.HasStanding != nil && a.HasStanding != *q.HasStanding {
			continue
		}
		out = append(out, metadataOf(a))
	}
	return out
}

// ExpireTombstones permanently forgets tombstones older than the retention
// window. The ID itself remains never-reused (newID never reuses IDs
// regardless of arena membership), so forgetting the tombstone record is
// safe: a later lookup simply returns NOT_FOUND instead of DELETED.
func (s *Store) ExpireTombstones() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	expired := 0
	for id, rec := range s.records {
		if rec.Tombstone == nil {
			continue
		}
		if now.Sub(rec.Tombstone.DeletedAt) > s.tombstoneRetention {
			delete(s.records, id)
			expired++
		}
	}
	return expired
}

// Snapshot returns every record in the arena, for checkpointing.
func (s *Store) Snapshot() map[artifact.ID]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[artifact.ID]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = *rec
	}
	return out
}

// Restore replaces the entire arena with records from a checkpoint.
func (s *Store) Restore(records map[artifact.ID]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[artifact.ID]*Record, len(records))
	for id, rec := range records {
		r := rec
		s.records[id] = &r
	}
}
