package genesis

import (
	"context"
	"sync"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/engine"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/ledger"
	"github.com/agentecology/kernel/store"
)

// listing is one open offer: sellerID's artifact, priced in scrip. Holding
// the listing open does not move ownership — buy() does that atomically.
type listing struct {
	artifactID artifact.ID
	sellerID   artifact.ID
	price      int64
}

// escrow implements genesis_escrow: list_for_sale, buy, cancel. State lives
// in-process, not in the store, since a listing is a pending offer rather
// than an artifact in its own right.
type escrow struct {
	mu       sync.Mutex
	st       *store.Store
	led      *ledger.Ledger
	listings map[artifact.ID]listing
}

func newEscrow(st *store.Store, led *ledger.Ledger) *escrow {
	return &escrow{st: st, led: led, listings: make(map[artifact.ID]listing)}
}

func (e *escrow) facade() engine.NativeHandler {
	return func(ctx context.Context, callerID, method string, args map[string]any) (any, error) {
		switch method {
		case "list_for_sale":
			return e.listForSale(callerID, args)
		case "buy":
			return e.buy(callerID, args)
		case "cancel":
			return e.cancel(callerID, args)
		case "listings":
			out := make([]any, 0)
			for _, l := range e.snapshot() {
				out = append(out, map[string]any{
					"artifact_id": string(l.artifactID), "seller_id": string(l.sellerID), "price": l.price,
				})
			}
			return map[string]any{"listings": out}, nil
		default:
			return nil, kernelerr.InvalidArgs("unknown genesis_escrow method " + method)
		}
	}
}

func (e *escrow) listForSale(callerID string, args map[string]any) (any, error) {
	id := artifact.ID(argString(args, "artifact_id"))
	price := int64(argFloat(args, "price"))
	if price <= 0 {
		return nil, kernelerr.InvalidArgs("price must be positive")
	}

	meta, err := e.st.Metadata(id)
	if err != nil {
		return nil, err
	}
	if string(meta.OwnerID) != callerID {
		return nil, kernelerr.AccessDenied("only the owner may list an artifact for sale")
	}

	e.mu.Lock()
	e.listings[id] = listing{artifactID: id, sellerID: artifact.ID(callerID), price: price}
	e.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

// buy is the one atomic step: it debits the buyer's scrip, credits the
// seller's, and reassigns ownership, or none of those happen. A listing
// whose artifact has since changed hands outside escrow (the owner wrote
// the artifact's access contract to bypass escrow, say) is rejected rather
// than honored against stale terms.
func (e *escrow) buy(callerID string, args map[string]any) (any, error) {
	id := artifact.ID(argString(args, "artifact_id"))

	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.listings[id]
	if !ok {
		return nil, kernelerr.NotFound(string(id))
	}
	if callerID == string(l.sellerID) {
		return nil, kernelerr.InvalidArgs("seller cannot buy their own listing")
	}

	// Re-validate the listing under the lock, immediately before the
	// ledger transfer commits, so no other buy() can interleave between
	// this check and the swap below.
	meta, err := e.st.Metadata(id)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID != l.sellerID {
		delete(e.listings, id)
		return nil, kernelerr.InvalidArgs("listing is stale: artifact changed owners outside escrow")
	}

	if err := e.led.Transfer(callerID, string(l.sellerID), l.price); err != nil {
		return nil, err
	}
	if err := e.st.TransferOwnership(id, artifact.ID(callerID)); err != nil {
		// Ownership move failed after the scrip leg already committed (the
		// artifact was deleted between the staleness check above and this
		// call, say). Compensate by reversing the scrip leg so the two
		// mutations stay all-or-nothing rather than leaving the buyer's
		// payment stranded with the seller still holding the artifact.
		if compErr := e.led.Transfer(string(l.sellerID), callerID, l.price); compErr != nil {
			return nil, kernelerr.Internal("escrow buy: ownership transfer failed and compensating refund also failed", compErr)
		}
		return nil, err
	}

	delete(e.listings, id)
	return map[string]any{"ok": true, "price": l.price}, nil
}

func (e *escrow) cancel(callerID string, args map[string]any) (any, error) {
	id := artifact.ID(argString(args, "artifact_id"))

	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.listings[id]
	if !ok {
		return nil, kernelerr.NotFound(string(id))
	}
	if string(l.sellerID) != callerID {
		return nil, kernelerr.AccessDenied("only the lister may cancel")
	}
	delete(e.listings, id)
	return map[string]any{"ok": true}, nil
}

// snapshot backs the facade's read-only listings method: agents
// discovering what's on offer.
func (e *escrow) snapshot() []listing {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]listing, 0, len(e.listings))
	for _, l := range e.listings {
		out = append(out, l)
	}
	return out
}
