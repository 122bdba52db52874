package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentecology/kernel/infrastructure/kernelerr"
)

func TestExecute_ReturnsOutput(t *testing.T) {
	s := New(0)
	result, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { return {sum: input.a + input.b}; }`,
		EntryPoint: "run",
		Input:      map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(5), result.Output["sum"])
}

func TestExecute_ConsoleLogCaptured(t *testing.T) {
	s := New(0)
	result, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { console.log("hello", 42); return {}; }`,
		EntryPoint: "run",
		Input:      map[string]any{},
	})
	require.NoError(t, err)
	require.Len(t, result.Logs, 1)
	assert.Contains(t, result.Logs[0], "hello")
}

func TestExecute_TimeoutInterruptsLongRunningCode(t *testing.T) {
	s := New(0)
	_, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { while (true) {} }`,
		EntryPoint: "run",
		Input:      map[string]any{},
		Timeout:    20 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestExecute_CancelledContextInterrupts(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Execute(ctx, Request{
		Code:       `function run(input) { while (true) {} }`,
		EntryPoint: "run",
		Input:      map[string]any{},
		Timeout:    time.Second,
	})
	require.Error(t, err)
}

func TestExecute_MissingEntryPointIsInvalidArgs(t *testing.T) {
	s := New(0)
	_, err := s.Execute(context.Background(), Request{
		Code:       `function other() { return {}; }`,
		EntryPoint: "run",
		Input:      map[string]any{},
	})
	require.Error(t, err)
}

func TestExecute_UncaughtExceptionBecomesExecutionError(t *testing.T) {
	s := New(0)
	_, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { throw new Error("boom"); }`,
		EntryPoint: "run",
		Input:      map[string]any{},
	})
	require.Error(t, err)
}

func TestExecute_InvokeCapabilityIsCallable(t *testing.T) {
	s := New(0)
	var gotID, gotMethod string
	result, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { var r = capabilities.invoke("x", "ping", {}); return {r: r}; }`,
		EntryPoint: "run",
		Input:      map[string]any{},
		Capabilities: Capabilities{
			Invoke: func(id, method string, args map[string]any) (any, error) {
				gotID, gotMethod = id, method
				return "pong", nil
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "x", gotID)
	assert.Equal(t, "ping", gotMethod)
	assert.Equal(t, "pong", result.Output["r"])
}

func TestExecute_UncaughtCapabilityErrorPreservesKernelErrorCode(t *testing.T) {
	s := New(0)
	_, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { return capabilities.invoke("t2", "do", {}); }`,
		EntryPoint: "run",
		Input:      map[string]any{},
		Capabilities: Capabilities{
			Invoke: func(id, method string, args map[string]any) (any, error) {
				return nil, kernelerr.AccessDenied("not permitted")
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, kernelerr.CodeAccessDenied, kernelerr.CodeOf(err))
}

func TestExecute_CapabilitiesOmittedWhenNil(t *testing.T) {
	s := New(0)
	result, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { return {hasInvoke: typeof capabilities.invoke}; }`,
		EntryPoint: "run",
		Input:      map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "undefined", result.Output["hasInvoke"])
}

func TestExecute_QueryCapabilityNavigatesContent(t *testing.T) {
	s := New(0)
	result, err := s.Execute(context.Background(), Request{
		Code:       `function run(input) { return capabilities.query(input.content, "name"); }`,
		EntryPoint: "run",
		Input:      map[string]any{"content": map[string]any{"name": "alice"}},
		Capabilities: Capabilities{
			Query: func(content any, path string) (any, bool, error) {
				m, _ := content.(map[string]any)
				v, ok := m[path]
				return v, ok, nil
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Output["value"])
	assert.Equal(t, true, result.Output["ok"])
}

func TestExecute_EachCallGetsFreshVM(t *testing.T) {
	s := New(0)
	code := `
		if (typeof counter === "undefined") { var counter = 0; }
		counter++;
		function run(input) { return {counter: counter}; }
	`
	for i := 0; i < 3; i++ {
		result, err := s.Execute(context.Background(), Request{
			Code: code, EntryPoint: "run", Input: map[string]any{},
		})
		require.NoError(t, err)
		assert.Equal(t, float64(1), result.Output["counter"])
	}
}
