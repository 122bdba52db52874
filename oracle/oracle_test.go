package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMinter struct {
	calls []struct {
		principal string
		amount    int64
		reason    string
	}
	err error
}

func (f *fakeMinter) Mint(principalID string, amount int64, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, struct {
		principal string
		amount    int64
		reason    string
	}{principalID, amount, reason})
	return nil
}

type fakeOwners struct {
	owners map[artifact.ID]artifact.ID
}

func (f *fakeOwners) Metadata(id artifact.ID) (store.Metadata, error) {
	owner, ok := f.owners[id]
	if !ok {
		return store.Metadata{}, errors.New("not found")
	}
	return store.Metadata{OwnerID: owner}, nil
}

func TestResolve_MintsToArtifactOwner(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, nil)

	att, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 10})
	require.NoError(t, err)
	assert.Equal(t, artifact.ID("alice"), att.OwnerID)
	assert.Equal(t, int64(10), att.Amount)
	require.Len(t, minter.calls, 1)
	assert.Equal(t, "alice", minter.calls[0].principal)
	assert.Equal(t, int64(10), minter.calls[0].amount)
	assert.Equal(t, "oracle_mint", minter.calls[0].reason)
}

func TestResolve_DefaultScoreToScripFloorsNonPositiveAtZero(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, nil)

	att, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: -5})
	require.NoError(t, err)
	assert.Equal(t, int64(0), att.Amount)
	assert.Empty(t, minter.calls)
}

func TestResolve_CustomToScripIsUsed(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, func(score float64) int64 { return int64(score * 2) })

	att, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(6), att.Amount)
}

func TestResolve_NegativeResolvedAmountIsInvalidArgs(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, func(score float64) int64 { return -1 })

	_, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 1})
	assert.Error(t, err)
	assert.Empty(t, minter.calls)
}

func TestResolve_UnknownArtifactRecordsFailedAttempt(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{}}
	r := New(minter, owners, nil)

	_, err := r.Resolve(context.Background(), Submission{ArtifactID: "missing", Score: 5})
	assert.Error(t, err)

	recent := r.RecentMints(10)
	assert.Empty(t, recent)
}

func TestResolve_MintFailurePropagatesAndIsRecorded(t *testing.T) {
	minter := &fakeMinter{err: errors.New("ledger down")}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, nil)

	_, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 10})
	assert.Error(t, err)
	assert.Empty(t, r.RecentMints(10))
}

func TestRecentMints_ReturnsMostRecentFirstExcludingZeroAndFailed(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, nil)

	_, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 1})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 0})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 2})
	require.NoError(t, err)

	recent := r.RecentMints(10)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(2), recent[0].Amount)
	assert.Equal(t, int64(1), recent[1].Amount)
}

func TestRecentMints_RespectsHistoryLimit(t *testing.T) {
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, nil, WithHistoryLimit(2))

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: float64(i + 1)})
		require.NoError(t, err)
	}

	recent := r.RecentMints(10)
	assert.LessOrEqual(t, len(recent), 2)
}

func TestWithClock_StampsAttemptTime(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	minter := &fakeMinter{}
	owners := &fakeOwners{owners: map[artifact.ID]artifact.ID{"art1": "alice"}}
	r := New(minter, owners, nil, WithClock(func() time.Time { return fixed }))

	att, err := r.Resolve(context.Background(), Submission{ArtifactID: "art1", Score: 1})
	require.NoError(t, err)
	assert.True(t, fixed.Equal(att.At))
}
