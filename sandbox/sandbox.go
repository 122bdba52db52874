// Package sandbox executes artifact code — contracts, tools, and agents —
// in an isolated JavaScript VM per invocation, using
// github.com/dop251/goja, the same pure-Go engine the teacher's TEE script
// engine falls back to for simulation. Every execution gets a fresh goja.VM
// (no state survives between calls) and a capability object exposing only
// the documented surface; anything else is unavailable because it was never
// bound into the VM, not because of a runtime policy check.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/agentecology/kernel/infrastructure/kernelerr"
)

// Capabilities is the restricted surface handed to executing code. A zero
// value exposes nothing — each field is bound into the VM only if non-nil,
// so evaluation contexts (e.g. contract checks) can omit Invoke/transfer
// entirely rather than relying on the callee to refuse.
type Capabilities struct {
	Invoke         func(id, method string, args map[string]any) (any, error)
	Read           func(id string) (any, error)
	LedgerBalance  func(principalID, resource string) (float64, error)
	LedgerTransfer func(from, to, resource string, amount float64) error
	LLMComplete    func(prompt, model string, maxTokens int) (map[string]any, error)

	// Query navigates a hierarchical content value by gjson path, sparing
	// executing code from reconstructing nested map/slice traversal by hand
	// over a read() result or the content argument passed into a contract's
	// check_permission.
	Query func(content any, path string) (value any, ok bool, err error)
}

// Request is one bounded execution: a code body, the method to call, its
// input, the capability object, and a wall-clock timeout.
type Request struct {
	Code         string
	EntryPoint   string
	Input        map[string]any
	Capabilities Capabilities
	Timeout      time.Duration
}

// Result is what executing code returned, plus any console.log output
// (useful for agent-loop debugging, never interpreted by the kernel).
type Result struct {
	Output map[string]any
	Logs   []string
}

// Sandbox constructs isolated goja VMs. MaxHeapBytes is advisory only: goja
// does not expose a hard heap limit, matching the teacher's own
// gojaScriptEngine (which notes "goja doesn't expose memory stats"); callers
// needing a hard memory bound should run the kernel itself under a
// container/OS cgroup limit (outside this package's scope per spec.md §1).
type Sandbox struct {
	MaxHeapBytes int64
}

// New constructs a Sandbox.
func New(maxHeapBytes int64) *Sandbox {
	return &Sandbox{MaxHeapBytes: maxHeapBytes}
}

// Execute runs req.Code's req.EntryPoint function with req.Input and the
// given capabilities, aborting at req.Timeout via goja's cooperative
// interrupt mechanism. Each call gets its own fresh VM — no state, timers,
// or globals survive across calls.
func (s *Sandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	vm := goja.New()
	logs := make([]string, 0, 4)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		logs = append(logs, fmt.Sprint(parts))
		return goja.Undefined()
	})
	if err := vm.Set("console", console); err != nil {
		return nil, kernelerr.ExecutionError(err)
	}

	capsObj, err := s.bindCapabilities(vm, req.Capabilities)
	if err != nil {
		return nil, kernelerr.ExecutionError(err)
	}
	if err := vm.Set("capabilities", capsObj); err != nil {
		return nil, kernelerr.ExecutionError(err)
	}
	if err := vm.Set("input", vm.ToValue(req.Input)); err != nil {
		return nil, kernelerr.ExecutionError(err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(kernelerr.Timeout(req.EntryPoint))
	})
	defer timer.Stop()
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(kernelerr.Cancelled(ctx.Err().Error()))
		case <-done:
		}
	}()

	if _, err := vm.RunString(req.Code); err != nil {
		return nil, translateGojaErr(err)
	}

	entry, ok := goja.AssertFunction(vm.Get(req.EntryPoint))
	if !ok {
		return nil, kernelerr.InvalidArgs(fmt.Sprintf("entry point %q is not a function", req.EntryPoint))
	}

	resultVal, err := entry(goja.Undefined(), vm.Get("input"))
	if err != nil {
		return nil, translateGojaErr(err)
	}

	output, err := exportAsMap(resultVal)
	if err != nil {
		return nil, kernelerr.ExecutionError(err)
	}

	return &Result{Output: output, Logs: logs}, nil
}

func translateGojaErr(err error) error {
	switch e := err.(type) {
	case *goja.InterruptedError:
		if kerr, ok := e.Value().(*kernelerr.KernelError); ok {
			return kerr
		}
	case *goja.Exception:
		if kerr, ok := e.Value().Export().(*kernelerr.KernelError); ok {
			return kerr
		}
	}
	return kernelerr.ExecutionError(err)
}

func exportAsMap(v goja.Value) (map[string]any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	exported := v.Export()
	if m, ok := exported.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"result": exported}, nil
	}
	return m, nil
}

// bindCapabilities constructs the JS-visible capability object. Each method
// is present only when the corresponding Go function is non-nil.
func (s *Sandbox) bindCapabilities(vm *goja.Runtime, caps Capabilities) (*goja.Object, error) {
	obj := vm.NewObject()

	if caps.Invoke != nil {
		if err := obj.Set("invoke", func(call goja.FunctionCall) goja.Value {
			id := call.Argument(0).String()
			method := call.Argument(1).String()
			var args map[string]any
			if len(call.Arguments) > 2 {
				if raw, err := json.Marshal(call.Argument(2).Export()); err == nil {
					json.Unmarshal(raw, &args)
				}
			}
			result, err := caps.Invoke(id, method, args)
			if err != nil {
				panic(vm.ToValue(err))
			}
			return vm.ToValue(result)
		}); err != nil {
			return nil, err
		}
	}

	if caps.Read != nil {
		if err := obj.Set("read", func(call goja.FunctionCall) goja.Value {
			id := call.Argument(0).String()
			content, err := caps.Read(id)
			if err != nil {
				panic(vm.ToValue(err))
			}
			return vm.ToValue(content)
		}); err != nil {
			return nil, err
		}
	}

	ledgerObj := vm.NewObject()
	if caps.LedgerBalance != nil {
		ledgerObj.Set("balance", func(call goja.FunctionCall) goja.Value {
			pid := call.Argument(0).String()
			resource := call.Argument(1).String()
			bal, err := caps.LedgerBalance(pid, resource)
			if err != nil {
				panic(vm.ToValue(err))
			}
			return vm.ToValue(bal)
		})
	}
	if caps.LedgerTransfer != nil {
		ledgerObj.Set("transfer", func(call goja.FunctionCall) goja.Value {
			from := call.Argument(0).String()
			to := call.Argument(1).String()
			resource := call.Argument(2).String()
			amount := call.Argument(3).ToFloat()
			if err := caps.LedgerTransfer(from, to, resource, amount); err != nil {
				panic(vm.ToValue(err))
			}
			return goja.Undefined()
		})
	}
	if err := obj.Set("ledger", ledgerObj); err != nil {
		return nil, err
	}

	if caps.Query != nil {
		if err := obj.Set("query", func(call goja.FunctionCall) goja.Value {
			content := call.Argument(0).Export()
			path := call.Argument(1).String()
			value, ok, err := caps.Query(content, path)
			if err != nil {
				panic(vm.ToValue(err))
			}
			return vm.ToValue(map[string]any{"value": value, "ok": ok})
		}); err != nil {
			return nil, err
		}
	}

	if caps.LLMComplete != nil {
		llmObj := vm.NewObject()
		llmObj.Set("complete", func(call goja.FunctionCall) goja.Value {
			prompt := call.Argument(0).String()
			model := call.Argument(1).String()
			maxTokens := int(call.Argument(2).ToInteger())
			resp, err := caps.LLMComplete(prompt, model, maxTokens)
			if err != nil {
				panic(vm.ToValue(err))
			}
			return vm.ToValue(resp)
		})
		if err := obj.Set("llm", llmObj); err != nil {
			return nil, err
		}
	}

	return obj, nil
}
