package genesis

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/engine"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/state"
)

// IDMemory is the genesis scratch-memory facade. A sandboxed VM carries no
// state across invocations (sandbox.Execute starts a fresh goja.VM every
// call); genesis_memory gives an agent somewhere to put small values that
// must survive between "think" iterations without standing up the external
// vector-memory backend spec.md §1 places out of scope.
const IDMemory artifact.ID = "genesis_memory"

// memoryStore is the kernel-provided backend for genesis_memory: each
// principal's keys live under its own prefix of a shared
// infrastructure/state.PersistentState, so one agent can never read or
// overwrite another's scratch values through this facade.
type memoryStore struct {
	backend *state.PersistentState
}

func newMemoryStore() *memoryStore {
	ps, err := state.NewPersistentState(state.Config{
		Backend:   state.NewMemoryBackend(0),
		KeyPrefix: "genesis_memory:",
		MaxSize:   1 << 16,
	})
	if err != nil {
		// Only NewPersistentState's own required-Backend check can fail, and
		// the backend above is always supplied.
		panic(err)
	}
	return &memoryStore{backend: ps}
}

func principalKey(principalID, key string) string {
	return principalID + "/" + key
}

// memoryFacade implements genesis_memory: get, set, delete, list. Every
// method scopes its key to the calling principal; there is no cross-agent
// key namespace to guard against collisions.
func memoryFacade(ms *memoryStore) engine.NativeHandler {
	return func(ctx context.Context, callerID, method string, args map[string]any) (any, error) {
		switch method {
		case "get":
			key := argString(args, "key")
			raw, err := ms.backend.Load(ctx, principalKey(callerID, key))
			if err != nil {
				if err == state.ErrNotFound {
					return map[string]any{"found": false}, nil
				}
				return nil, kernelerr.ExecutionError(err)
			}
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, kernelerr.ExecutionError(err)
			}
			return map[string]any{"found": true, "value": value}, nil

		case "set":
			key := argString(args, "key")
			raw, err := json.Marshal(args["value"])
			if err != nil {
				return nil, kernelerr.InvalidArgs("value is not serializable")
			}
			if err := ms.backend.Save(ctx, principalKey(callerID, key), raw); err != nil {
				return nil, kernelerr.InvalidArgs(err.Error())
			}
			return map[string]any{"ok": true}, nil

		case "delete":
			key := argString(args, "key")
			if err := ms.backend.Delete(ctx, principalKey(callerID, key)); err != nil {
				return nil, kernelerr.ExecutionError(err)
			}
			return map[string]any{"ok": true}, nil

		case "list":
			prefix := principalKey(callerID, argString(args, "prefix"))
			keys, err := ms.backend.List(ctx, prefix)
			if err != nil {
				return nil, kernelerr.ExecutionError(err)
			}
			out := make([]any, 0, len(keys))
			selfPrefix := "genesis_memory:" + callerID + "/"
			for _, k := range keys {
				out = append(out, strings.TrimPrefix(k, selfPrefix))
			}
			return map[string]any{"keys": out}, nil

		default:
			return nil, kernelerr.InvalidArgs("unknown genesis_memory method " + method)
		}
	}
}
