// Package branchgraph implements the in-memory branch DAG at the heart of
// the chain synchronization core: a forest of maximal linear segments
// ("branches") with fork, merge and split operations, reconstructed from
// IndexStore at startup and kept consistent with it by ChainDb.
package branchgraph

import (
	"fmt"

	"github.com/klingnet-labs/tipsync/internal/xid"
)

// BranchID is a monotonically assigned branch identifier. 0 means "no
// branch" and is never assigned to a real branch.
type BranchID uint64

// NoBranch is the reserved zero value meaning "no branch" (a root's parent).
const NoBranch BranchID = 0

// Branch is a maximal linear segment of the chain with no internal fork.
type Branch struct {
	ID BranchID

	Bottom       xid.TipsetHash
	Top          xid.TipsetHash
	BottomHeight uint64
	TopHeight    uint64

	// Parent is the id of the branch containing the tipset that Bottom
	// extends, or NoBranch if this branch is genesis-rooted.
	Parent BranchID

	// Forks is the set of child branch ids whose Bottom chains onto Top.
	Forks map[BranchID]struct{}
}

func newBranch(id BranchID, bottom, top xid.TipsetHash, bottomH, topH uint64, parent BranchID) *Branch {
	return &Branch{
		ID:           id,
		Bottom:       bottom,
		Top:          top,
		BottomHeight: bottomH,
		TopHeight:    topH,
		Parent:       parent,
		Forks:        make(map[BranchID]struct{}),
	}
}

// IsHead reports whether the branch has no forks.
func (b *Branch) IsHead() bool { return len(b.Forks) == 0 }

// IsRoot reports whether the branch is genesis-rooted.
func (b *Branch) IsRoot() bool { return b.Parent == NoBranch }

// Clone returns a deep copy, safe to hand to callers who must not observe
// later mutation (Dump uses this).
func (b *Branch) Clone() *Branch {
	c := *b
	c.Forks = make(map[BranchID]struct{}, len(b.Forks))
	for f := range b.Forks {
		c.Forks[f] = struct{}{}
	}
	return &c
}

func (b *Branch) String() string {
	return fmt.Sprintf("branch{id=%d bottom_h=%d top_h=%d parent=%d forks=%d}",
		b.ID, b.BottomHeight, b.TopHeight, b.Parent, len(b.Forks))
}
