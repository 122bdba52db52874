package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_AllFourCombinations(t *testing.T) {
	assert.Equal(t, KindData, KindOf(false, false))
	assert.Equal(t, KindTool, KindOf(false, true))
	assert.Equal(t, KindAccount, KindOf(true, false))
	assert.Equal(t, KindAgent, KindOf(true, true))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "agent", KindAgent.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestArtifactKind_DerivedFromFlags(t *testing.T) {
	a := &Artifact{HasStanding: true, HasExecutable: true}
	assert.Equal(t, KindAgent, a.Kind())
	assert.True(t, a.IsAgent())
	assert.True(t, a.IsPrincipal())
}

func TestArtifact_NonAgentIsNotAgent(t *testing.T) {
	a := &Artifact{HasStanding: true, HasExecutable: false}
	assert.False(t, a.IsAgent())
	assert.True(t, a.IsPrincipal())
}

func TestInterfaceHasMethod(t *testing.T) {
	iface := &Interface{Methods: map[string]Method{"check_permission": {Name: "check_permission"}}}
	assert.True(t, iface.HasMethod("check_permission"))
	assert.False(t, iface.HasMethod("missing"))

	var nilIface *Interface
	assert.False(t, nilIface.HasMethod("anything"))
}

func TestSize_ContentAndCode(t *testing.T) {
	n, err := Size(map[string]any{"greeting": "hello"}, "function run() {}")
	assert.NoError(t, err)
	assert.Greater(t, n, int64(0))
}

func TestSize_NilContent(t *testing.T) {
	n, err := Size(nil, "x")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestArtifact_CreatedAtIsMonotonicField(t *testing.T) {
	a := &Artifact{CreatedAt: time.Now()}
	assert.False(t, a.CreatedAt.IsZero())
}
