package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentecology/kernel/domain/event"
)

func TestAppend_SeqStartsAtOneAndIsGapFree(t *testing.T) {
	l := New()
	e1 := l.Append(event.KindArtifactCreated, "p1", nil)
	e2 := l.Append(event.KindArtifactCreated, "p1", nil)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(2), l.Cursor())
}

func TestRead_FiltersByKindPrincipalAndSinceSeq(t *testing.T) {
	l := New()
	l.Append(event.KindArtifactCreated, "a", nil)
	l.Append(event.KindTransfer, "b", nil)
	l.Append(event.KindArtifactCreated, "b", nil)

	byKind := l.Read(Filter{Kind: event.KindArtifactCreated}, 0, 0)
	require.Len(t, byKind, 2)

	byPrincipal := l.Read(Filter{PrincipalID: "b"}, 0, 0)
	require.Len(t, byPrincipal, 2)

	sinceTwo := l.Read(Filter{SinceSeq: 2}, 0, 0)
	require.Len(t, sinceTwo, 1)
	assert.Equal(t, uint64(3), sinceTwo[0].Seq)
}

func TestRead_LimitAndOffset(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Append(event.KindTransfer, "p", nil)
	}
	page := l.Read(Filter{}, 2, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Seq)
	assert.Equal(t, uint64(4), page[1].Seq)
}

func TestWait_DeliversMatchingEvent(t *testing.T) {
	l := New()
	ch := l.Wait(func(e event.Event) bool { return e.Kind == event.KindMint })

	l.Append(event.KindTransfer, "p", nil)
	select {
	case <-ch:
		t.Fatal("non-matching event should not wake waiter")
	case <-time.After(20 * time.Millisecond):
	}

	l.Append(event.KindMint, "p", map[string]any{"amount": 10})
	select {
	case e := <-ch:
		assert.Equal(t, event.KindMint, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestWithFile_PersistsAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	l := New(WithFile(path))
	l.Append(event.KindArtifactCreated, "a", map[string]any{"id": "x1"})
	l.Append(event.KindArtifactDeleted, "a", map[string]any{"id": "x1"})
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.Cursor())
	all := reopened.Read(Filter{}, 0, 0)
	require.Len(t, all, 2)
	assert.Equal(t, event.KindArtifactDeleted, all[1].Kind)

	// next append continues the sequence rather than restarting it.
	e3 := reopened.Append(event.KindTransfer, "a", nil)
	assert.Equal(t, uint64(3), e3.Seq)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "artifact_created")
}
