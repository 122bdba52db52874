// Package genesis installs the kernel's bootstrap artifacts at T=0: the
// ledger facade, store facade, escrow, event-log reader, and the three
// canonical contract templates. Each is an ordinary artifact — it has an
// ID, an interface, code, and an access contract — whose implementation
// happens to be kernel-provided rather than sandboxed script (spec.md
// §4.6); agents could in principle build equivalents.
package genesis

import (
	"context"
	"fmt"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/domain/event"
	"github.com/agentecology/kernel/engine"
	"github.com/agentecology/kernel/eventlog"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/ledger"
	"github.com/agentecology/kernel/store"
)

// Well-known IDs. Genesis artifacts are installed with deterministic IDs
// (not store-assigned UUIDs) so every component in the running kernel can
// refer to them by constant rather than by discovery.
const (
	IDContractFreeware  artifact.ID = "genesis_contract_freeware"
	IDContractSelfOwned artifact.ID = "genesis_contract_self_owned"
	IDContractPrivate   artifact.ID = "genesis_contract_private"
	IDLedger            artifact.ID = "genesis_ledger"
	IDStore             artifact.ID = "genesis_store"
	IDEscrow            artifact.ID = "genesis_escrow"
	IDEventLog          artifact.ID = "genesis_event_log"
)

const (
	freewareCode = `function check_permission(input) {
  if (input.action === 'READ' || input.action === 'INVOKE') {
    return {allowed: true, reason: 'freeware: open read/invoke'};
  }
  if (input.requester_id === input.context.created_by) {
    return {allowed: true, reason: 'freeware: creator may write/delete'};
  }
  return {allowed: false, reason: 'freeware: only creator may write/delete'};
}`

	selfOwnedCode = `function check_permission(input) {
  if (input.requester_id === input.artifact_id) {
    return {allowed: true, reason: 'self-owned: artifact controls itself'};
  }
  return {allowed: false, reason: 'self-owned: only the artifact itself may act'};
}`

	privateCode = `function check_permission(input) {
  if (input.requester_id === input.context.created_by) {
    return {allowed: true, reason: 'private: creator only'};
  }
  return {allowed: false, reason: 'private: creator only'};
}`

	nativeMarker = "// native: kernel-provided genesis facade"
)

func checkPermissionInterface() *artifact.Interface {
	return &artifact.Interface{
		Methods:   map[string]artifact.Method{"check_permission": {Name: "check_permission"}},
		Cacheable: true,
	}
}

// Install seeds every genesis artifact into st with a fixed ID and registers
// the native Go handlers implementing them on e. It does not set the store's
// permission checker or the evaluator's invoker; the caller wires those
// first. Called once at T=0 before any agent loop starts.
func Install(st *store.Store, led *ledger.Ledger, e *engine.Engine) error {
	create := func(id artifact.ID, spec artifact.Spec) error {
		return st.CreateWithID(id, "", spec)
	}

	if err := create(IDContractFreeware, artifact.Spec{
		Code: freewareCode, Interface: checkPermissionInterface(), HasExecutable: true,
	}); err != nil {
		return fmt.Errorf("install freeware contract: %w", err)
	}
	if err := create(IDContractSelfOwned, artifact.Spec{
		Code: selfOwnedCode, Interface: checkPermissionInterface(), HasExecutable: true,
	}); err != nil {
		return fmt.Errorf("install self-owned contract: %w", err)
	}
	if err := create(IDContractPrivate, artifact.Spec{
		Code: privateCode, Interface: checkPermissionInterface(), HasExecutable: true,
	}); err != nil {
		return fmt.Errorf("install private contract: %w", err)
	}

	facadeIface := func(methods ...string) *artifact.Interface {
		m := make(map[string]artifact.Method, len(methods))
		for _, name := range methods {
			m[name] = artifact.Method{Name: name}
		}
		return &artifact.Interface{Methods: m}
	}

	if err := create(IDLedger, artifact.Spec{
		Code: nativeMarker, HasExecutable: true, AccessContractID: IDContractFreeware,
		Interface: facadeIface("balance", "transfer", "spawn_principal", "transfer_ownership", "list_recent_mints", "list_recent_burns"),
	}); err != nil {
		return fmt.Errorf("install genesis_ledger: %w", err)
	}
	if err := create(IDStore, artifact.Spec{
		Code: nativeMarker, HasExecutable: true, AccessContractID: IDContractFreeware,
		Interface: facadeIface("create", "metadata", "list_by_owner", "search"),
	}); err != nil {
		return fmt.Errorf("install genesis_store: %w", err)
	}
	if err := create(IDEscrow, artifact.Spec{
		Code: nativeMarker, HasExecutable: true, AccessContractID: IDContractFreeware,
		Interface: facadeIface("list_for_sale", "buy", "cancel", "listings"),
	}); err != nil {
		return fmt.Errorf("install genesis_escrow: %w", err)
	}
	if err := create(IDEventLog, artifact.Spec{
		Code: nativeMarker, HasExecutable: true, AccessContractID: IDContractFreeware,
		Interface: facadeIface("read"),
	}); err != nil {
		return fmt.Errorf("install genesis_event_log: %w", err)
	}
	if err := create(IDMemory, artifact.Spec{
		Code: nativeMarker, HasExecutable: true, AccessContractID: IDContractFreeware,
		Interface: facadeIface("get", "set", "delete", "list"),
	}); err != nil {
		return fmt.Errorf("install genesis_memory: %w", err)
	}

	esc := newEscrow(st, led)
	mem := newMemoryStore()

	e.RegisterNative(IDLedger, ledgerFacade(st, led, e))
	e.RegisterNative(IDStore, storeFacade(st))
	e.RegisterNative(IDEscrow, esc.facade())
	e.RegisterNative(IDEventLog, eventLogFacade(e))
	e.RegisterNative(IDMemory, memoryFacade(mem))

	return nil
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// ledgerFacade implements genesis_ledger: balance, transfer,
// spawn_principal, transfer_ownership, list_recent_mints/burns.
func ledgerFacade(st *store.Store, led *ledger.Ledger, e *engine.Engine) engine.NativeHandler {
	return func(ctx context.Context, callerID, method string, args map[string]any) (any, error) {
		switch method {
		case "balance":
			pid := argString(args, "principal_id")
			if pid == "" {
				pid = callerID
			}
			bal, err := led.Balance(pid, argString(args, "resource"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"balance": bal}, nil

		case "transfer":
			from := argString(args, "from")
			if from == "" {
				from = callerID
			}
			if from != callerID {
				return nil, kernelerr.AccessDenied("transfer must originate from the caller's own balance")
			}
			amount := int64(argFloat(args, "amount"))
			if err := led.Transfer(from, argString(args, "to"), amount); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil

		case "spawn_principal":
			ownerID := argString(args, "owner_id")
			if ownerID == "" {
				ownerID = callerID
			}
			hasExecutable, _ := args["has_executable"].(bool)
			id, err := st.Create(callerID, artifact.Spec{
				HasStanding:       true,
				HasExecutable:     hasExecutable,
				Interface:         emptyInterfaceIfExecutable(hasExecutable),
				Code:              emptyCodeIfExecutable(hasExecutable),
				OwnerID:           artifact.ID(ownerID),
				AccessContractID:  IDContractSelfOwned,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": string(id)}, nil

		case "transfer_ownership":
			id := artifact.ID(argString(args, "id"))
			meta, err := st.Metadata(id)
			if err != nil {
				return nil, err
			}
			if string(meta.OwnerID) != callerID {
				return nil, kernelerr.AccessDenied("only the current owner may transfer ownership")
			}
			if err := st.TransferOwnership(id, artifact.ID(argString(args, "new_owner"))); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil

		case "list_recent_mints":
			return recentLedgerEvents(e, event.KindMint, callerID, args), nil

		case "list_recent_burns":
			return recentLedgerEvents(e, event.KindBurn, callerID, args), nil

		default:
			return nil, kernelerr.InvalidArgs("unknown genesis_ledger method " + method)
		}
	}
}

// recentLedgerEvents answers list_recent_mints/list_recent_burns by filtering
// the event log rather than keeping a parallel history: mint and burn are
// already recorded there by the ledger itself.
func recentLedgerEvents(e *engine.Engine, kind event.Kind, callerID string, args map[string]any) map[string]any {
	principalID := argString(args, "principal_id")
	if principalID == "" {
		principalID = callerID
	}
	limit := int(argFloat(args, "limit"))
	if limit <= 0 {
		limit = 20
	}
	events := e.EventLog().Read(eventlog.Filter{Kind: kind, PrincipalID: principalID}, limit, 0)
	out := make([]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"seq": ev.Seq, "timestamp": ev.Timestamp, "payload": ev.Payload,
		})
	}
	return map[string]any{"events": out}
}

func emptyInterfaceIfExecutable(executable bool) *artifact.Interface {
	if !executable {
		return nil
	}
	return &artifact.Interface{Methods: map[string]artifact.Method{}}
}

func emptyCodeIfExecutable(executable bool) string {
	if !executable {
		return ""
	}
	return "function noop(input) { return {}; }"
}

// storeFacade implements genesis_store: create, metadata, list_by_owner,
// search.
func storeFacade(st *store.Store) engine.NativeHandler {
	return func(ctx context.Context, callerID, method string, args map[string]any) (any, error) {
		switch method {
		case "create":
			hasStanding, _ := args["has_standing"].(bool)
			hasExecutable, _ := args["has_executable"].(bool)
			contractID := artifact.ID(argString(args, "access_contract_id"))
			if contractID == "" {
				contractID = IDContractFreeware
			}
			id, err := st.Create(callerID, artifact.Spec{
				Content:          args["content"],
				Code:             argString(args, "code"),
				Interface:        interfaceFromArgs(args["interface"]),
				HasStanding:      hasStanding,
				HasExecutable:    hasExecutable,
				AccessContractID: contractID,
				OwnerID:          artifact.ID(callerID),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": string(id)}, nil

		case "metadata":
			meta, err := st.Metadata(artifact.ID(argString(args, "id")))
			if err != nil {
				return nil, err
			}
			return metadataToMap(meta), nil

		case "list_by_owner":
			ownerID := argString(args, "owner_id")
			if ownerID == "" {
				ownerID = callerID
			}
			metas := st.ListByOwner(artifact.ID(ownerID))
			out := make([]any, 0, len(metas))
			for _, m := range metas {
				out = append(out, metadataToMap(m))
			}
			return map[string]any{"artifacts": out}, nil

		case "search":
			q := store.SearchQuery{Kind: argString(args, "kind")}
			metas := st.Search(q)
			out := make([]any, 0, len(metas))
			for _, m := range metas {
				out = append(out, metadataToMap(m))
			}
			return map[string]any{"artifacts": out}, nil

		default:
			return nil, kernelerr.InvalidArgs("unknown genesis_store method " + method)
		}
	}
}

func interfaceFromArgs(v any) *artifact.Interface {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	methodsRaw, _ := m["methods"].(map[string]any)
	methods := make(map[string]artifact.Method, len(methodsRaw))
	for name := range methodsRaw {
		methods[name] = artifact.Method{Name: name}
	}
	return &artifact.Interface{Methods: methods}
}

func metadataToMap(m store.Metadata) map[string]any {
	return map[string]any{
		"id": string(m.ID), "kind": m.Kind, "access_contract_id": string(m.AccessContractID),
		"has_standing": m.HasStanding, "has_executable": m.HasExecutable,
		"created_by": string(m.CreatedBy), "owner_id": string(m.OwnerID),
	}
}

// eventLogFacade implements genesis_event_log: read(filter, limit, offset).
func eventLogFacade(e *engine.Engine) engine.NativeHandler {
	return func(ctx context.Context, callerID, method string, args map[string]any) (any, error) {
		if method != "read" {
			return nil, kernelerr.InvalidArgs("unknown genesis_event_log method " + method)
		}
		limit := int(argFloat(args, "limit"))
		offset := int(argFloat(args, "offset"))
		filter := eventlog.Filter{
			Kind:        event.Kind(argString(args, "kind")),
			PrincipalID: argString(args, "principal_id"),
			SinceSeq:    uint64(argFloat(args, "since_seq")),
		}
		events := e.EventLog().Read(filter, limit, offset)
		out := make([]any, 0, len(events))
		for _, ev := range events {
			out = append(out, map[string]any{
				"seq": ev.Seq, "timestamp": ev.Timestamp, "kind": string(ev.Kind),
				"principal_id": ev.PrincipalID, "payload": ev.Payload,
			})
		}
		return map[string]any{"events": out}, nil
	}
}
