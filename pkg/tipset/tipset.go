package tipset

import (
	"fmt"

	"github.com/klingnet-labs/tipsync/internal/xid"
)

// Tipset is the materialized unit of chain progress: a set of blocks at the
// same height sharing the same parent key. Immutable once constructed.
type Tipset struct {
	key    xid.TipsetKey
	height uint64
	weight uint64
	parent xid.TipsetKey

	blocks []*BlockHeader
}

// New builds a Tipset from its resolved block headers. All headers must
// share the same height and parent; the key is derived from their CIDs.
func New(cids []xid.Cid, blocks []*BlockHeader) (*Tipset, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("tipset must contain at least one block")
	}
	if len(cids) != len(blocks) {
		return nil, fmt.Errorf("cid count %d does not match block count %d", len(cids), len(blocks))
	}
	key, err := xid.NewTipsetKey(cids)
	if err != nil {
		return nil, fmt.Errorf("building tipset key: %w", err)
	}

	height := blocks[0].Height
	parent := blocks[0].Parent
	var weight uint64
	for _, b := range blocks {
		if b.Height != height {
			return nil, fmt.Errorf("block height %d does not match tipset height %d", b.Height, height)
		}
		if !b.Parent.Equals(parent) {
			return nil, fmt.Errorf("block parent %s does not match tipset parent %s", b.Parent, parent)
		}
		weight += b.WeightDelta
	}

	ordered := make([]*BlockHeader, len(blocks))
	for i, c := range key.Cids() {
		for j, in := range cids {
			if in.Equals(c) {
				ordered[i] = blocks[j]
				break
			}
		}
	}

	return &Tipset{key: key, height: height, weight: weight, parent: parent, blocks: ordered}, nil
}

// Key returns the tipset's canonical key.
func (t *Tipset) Key() xid.TipsetKey { return t.key }

// Hash returns the tipset's canonical hash, its primary identifier.
func (t *Tipset) Hash() xid.TipsetHash { return t.key.Hash() }

// Height returns the tipset's height.
func (t *Tipset) Height() uint64 { return t.height }

// Weight returns the tipset's aggregated weight.
func (t *Tipset) Weight() uint64 { return t.weight }

// Parent returns the key of the tipset this one extends.
func (t *Tipset) Parent() xid.TipsetKey { return t.parent }

// Blocks returns the resolved block headers backing the tipset, in the same
// order as Key().Cids().
func (t *Tipset) Blocks() []*BlockHeader { return t.blocks }

// IsGenesis reports whether this tipset has no parent (parent key is empty).
func (t *Tipset) IsGenesis() bool {
	return t.parent.Len() == 0
}

func (t *Tipset) String() string {
	return fmt.Sprintf("tipset{height=%d hash=%s}", t.height, t.Hash())
}
