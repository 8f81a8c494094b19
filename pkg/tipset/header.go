// Package tipset defines the wire and in-memory representations of block
// headers and tipsets: the units the chain synchronization core fetches,
// stores, and replays.
package tipset

import (
	"fmt"

	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/types"
)

// BlockHeader is a signed block record. Identified by its CID once encoded;
// the CID itself is not a field of the struct, matching the wire format
// (CBOR-encoded, bit-exact with the reference network).
type BlockHeader struct {
	Miner types.Address

	Parent xid.TipsetKey
	Height uint64

	// WeightDelta is this block's contribution to its tipset's aggregated
	// weight; ChainDb sums it across a tipset's blocks.
	WeightDelta uint64

	StateRoot    xid.Cid
	MessageRoots []xid.Cid

	Timestamp uint64
}

func (h *BlockHeader) String() string {
	return fmt.Sprintf("block{miner=%s height=%d parent=%s}", h.Miner, h.Height, h.Parent)
}
