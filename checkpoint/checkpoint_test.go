package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/eventlog"
	"github.com/agentecology/kernel/ledger"
	"github.com/agentecology/kernel/store"
	"github.com/agentecology/kernel/supervisor"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// noopInvoker satisfies supervisor.Invoker without driving any real agent
// loop; the checkpoint round-trip only needs the supervisor's bookkeeping,
// never a live invocation.
type noopInvoker struct {
	led *ledger.Ledger
}

func (n noopInvoker) Invoke(ctx context.Context, callerID string, id artifact.ID, method string, args map[string]any) (any, error) {
	return nil, nil
}

func (n noopInvoker) Frozen(principalID string) (bool, error) {
	return false, nil
}

func (n noopInvoker) Ledger() *ledger.Ledger {
	return n.led
}

func buildFixture(t *testing.T) (*eventlog.Log, *ledger.Ledger, *store.Store, *supervisor.Supervisor) {
	t.Helper()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := eventlog.New()
	led := ledger.New(ledger.WithClock(fixedClock(now)), ledger.WithEventAppender(events))
	st := store.New(led, store.WithClock(fixedClock(now)), store.WithEventAppender(events))

	led.RegisterPrincipal("alice", map[string]ledger.BucketSpec{
		"compute": {Rate: 10, Capacity: 100, DebtAllowed: true},
		"disk":    {Rate: 0, Capacity: 1 << 20, DebtAllowed: false},
	})
	require.NoError(t, led.Mint("alice", 500, "test seed"))

	_, err := st.Create("alice", artifact.Spec{
		Content: map[string]any{"hello": "world"},
		OwnerID: "alice",
	})
	require.NoError(t, err)

	sup := supervisor.New(noopInvoker{led: led}, events, supervisor.DefaultConfig())
	sup.Restore(supervisor.State{
		ID:                  "alice",
		ConsecutiveFailures: 1,
		TotalFailures:       2,
		SleepMode:           supervisor.SleepNone,
	})

	return events, led, st, sup
}

func TestSaveLoadRoundTrip(t *testing.T) {
	events, led, st, sup := buildFixture(t)
	defer sup.Shutdown(context.Background())

	clock := fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	built := Build(clock, events, led, st, sup)

	dir := t.TempDir()
	savedDir, err := Save(dir, 1, built)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "checkpoints", "000001"), savedDir)

	loaded, err := Load(savedDir)
	require.NoError(t, err)

	if diff := cmp.Diff(built, loaded); diff != "" {
		t.Fatalf("checkpoint did not round-trip through Save/Load (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	events, led, st, sup := buildFixture(t)
	defer sup.Shutdown(context.Background())

	built := Build(fixedClock(time.Now()), events, led, st, sup)
	built.Version = CurrentVersion + 1

	dir := t.TempDir()
	savedDir, err := Save(dir, 1, built)
	require.NoError(t, err)

	_, err = Load(savedDir)
	require.Error(t, err)
}

func TestLatestFindsHighestNumberedDirectory(t *testing.T) {
	events, led, st, sup := buildFixture(t)
	defer sup.Shutdown(context.Background())

	snap := Build(fixedClock(time.Now()), events, led, st, sup)

	dir := t.TempDir()
	_, err := Save(dir, 3, snap)
	require.NoError(t, err)
	_, err = Save(dir, 7, snap)
	require.NoError(t, err)
	_, err = Save(dir, 5, snap)
	require.NoError(t, err)

	foundDir, seq, ok, err := Latest(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, seq)
	require.Equal(t, filepath.Join(dir, "checkpoints", "000007"), foundDir)
}

func TestLatestReportsNotOkWhenAbsent(t *testing.T) {
	_, _, ok, err := Latest(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}
