// Package vm declares the boundary between the synchronization core and the
// state machine that executes tipsets. The VM itself, the IPLD store it
// reads code and state from, and the receipts it produces are all external
// collaborators: this package only fixes the shape InterpreterJob depends
// on, treating interpretation as a pure function of (ipld, tipset).
package vm

import (
	"context"

	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// Result is the output of interpreting a single tipset: the post-state root
// and the root of the receipts produced by its messages. This is the value
// InterpreterJob caches per tipset hash.
type Result struct {
	StateRoot    xid.Cid
	ReceiptsRoot xid.Cid
}

// IPLDStore resolves the content-addressed blocks the VM needs to read
// state, code and messages. Backed by a blockstore external to this module.
type IPLDStore interface {
	Get(ctx context.Context, c xid.Cid) ([]byte, error)
	Has(ctx context.Context, c xid.Cid) (bool, error)
}

// Interpreter applies one tipset's messages against the state addressed by
// its parent, given an IPLD store to resolve code and state from. A
// well-behaved implementation is deterministic: the same (store, tipset)
// always yields the same Result, regardless of how InterpreterJob chunks
// its forward walk.
//
// Implementations must treat ctx cancellation as a signal to abandon work
// promptly; InterpreterJob never blocks a scheduler step on interpretation
// completing, only on the call returning.
type Interpreter interface {
	Interpret(ctx context.Context, store IPLDStore, ts *tipset.Tipset) (Result, error)
}
