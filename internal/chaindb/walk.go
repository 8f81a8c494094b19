package chaindb

import (
	"context"
	"fmt"

	"github.com/klingnet-labs/tipsync/internal/branchgraph"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// SetCurrentHead selects the branch owning hash as the projected chain used
// by WalkForward and HeaviestTipset. The branch reached by hash need not be
// a head itself; the head whose ancestry passes through it is selected, and
// its old and new tops are broadcast as a Revert/Apply pair the way the
// reference network's chain store announces a reorg.
func (c *ChainDb) SetCurrentHead(ctx context.Context, hash xid.TipsetHash) error {
	r, err := c.index.GetTipset(ctx, hash.String())
	if err != nil {
		return fmt.Errorf("chaindb: set current head: %w", err)
	}
	head, err := c.headAbove(r.BranchID)
	if err != nil {
		return fmt.Errorf("chaindb: set current head: %w", err)
	}

	oldHead := c.graph.CurrentHead()
	var oldTop *tipset.Tipset
	if oldHead != branchgraph.NoBranch && oldHead != head {
		oldTop, _ = c.topOfBranch(ctx, oldHead)
	}

	if err := c.graph.SwitchToHead(head); err != nil {
		return fmt.Errorf("chaindb: set current head: %w", err)
	}

	newTop, err := c.topOfBranch(ctx, head)
	if err != nil {
		return fmt.Errorf("chaindb: set current head: %w", err)
	}

	if oldTop != nil {
		c.publish(HCRevert, oldTop)
	}
	c.publish(HCApply, newTop)
	return nil
}

func (c *ChainDb) topOfBranch(ctx context.Context, id branchgraph.BranchID) (*tipset.Tipset, error) {
	b, err := c.graph.Branch(id)
	if err != nil {
		return nil, err
	}
	return c.GetTipsetByHash(ctx, b.Top)
}

// headAbove finds the head branch whose ancestry passes through id.
func (c *ChainDb) headAbove(id branchgraph.BranchID) (branchgraph.BranchID, error) {
	b, err := c.graph.Branch(id)
	if err != nil {
		return branchgraph.NoBranch, err
	}
	if b.IsHead() {
		return id, nil
	}
	for _, headID := range c.graph.GetHeads() {
		if branchAncestryContains(c.graph, headID, id) {
			return headID, nil
		}
	}
	return branchgraph.NoBranch, fmt.Errorf("chaindb: no head found above branch %d", id)
}

func branchAncestryContains(g *branchgraph.Graph, from, target branchgraph.BranchID) bool {
	id := from
	for i := 0; i <= len(g.Dump())+1; i++ {
		if id == target {
			return true
		}
		b, err := g.Branch(id)
		if err != nil || b.Parent == branchgraph.NoBranch {
			return id == target
		}
		id = b.Parent
	}
	return false
}

// WalkForward yields every tipset on the current chain in [fromH, toH], in
// increasing height order, stopping early if cb returns false.
func (c *ChainDb) WalkForward(ctx context.Context, fromH, toH uint64, cb func(*tipset.Tipset) bool) error {
	for h := fromH; h <= toH; h++ {
		branch, err := c.graph.FindByHeight(h)
		if err != nil {
			return fmt.Errorf("chaindb: walk forward: %w", err)
		}
		r, err := c.index.FindTipsetByBranchHeight(ctx, branch, h)
		if err != nil {
			return fmt.Errorf("chaindb: walk forward: %w", err)
		}
		ts, err := c.GetTipsetByHash(ctx, hashFromString(r.Hash))
		if err != nil {
			return fmt.Errorf("chaindb: walk forward: %w", err)
		}
		if !cb(ts) {
			return nil
		}
	}
	return nil
}

// WalkBackward follows parent links from startHash, invoking cb for each
// tipset, stopping once cb returns false, untilH is reached, or genesis is
// reached.
func (c *ChainDb) WalkBackward(ctx context.Context, startHash xid.TipsetHash, untilH uint64, cb func(*tipset.Tipset) bool) error {
	hash := startHash
	for {
		ts, err := c.GetTipsetByHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("chaindb: walk backward: %w", err)
		}
		if !cb(ts) {
			return nil
		}
		if ts.Height() <= untilH || ts.IsGenesis() {
			return nil
		}
		hash = ts.Parent().Hash()
	}
}

// GetUnsyncedBottom returns the deepest tipset along the path from head
// whose parent is not yet stored, or nil if the path already reaches
// genesis. A root branch's bottom tipset has no known parent by
// construction of the attachment policy, unless that root branch's bottom
// tipset is genesis itself.
func (c *ChainDb) GetUnsyncedBottom(ctx context.Context, head xid.TipsetHash) (*tipset.Tipset, error) {
	r, err := c.index.GetTipset(ctx, head.String())
	if err != nil {
		return nil, fmt.Errorf("chaindb: get unsynced bottom: %w", err)
	}

	id := r.BranchID
	for i := 0; i <= len(c.graph.Dump())+1; i++ {
		b, err := c.graph.Branch(id)
		if err != nil {
			return nil, fmt.Errorf("chaindb: get unsynced bottom: %w", err)
		}
		if b.Parent == branchgraph.NoBranch {
			bottom, err := c.GetTipsetByHash(ctx, b.Bottom)
			if err != nil {
				return nil, fmt.Errorf("chaindb: get unsynced bottom: %w", err)
			}
			if bottom.IsGenesis() {
				return nil, nil
			}
			return bottom, nil
		}
		id = b.Parent
	}
	return nil, fmt.Errorf("chaindb: get unsynced bottom: branch ancestry exceeds graph size")
}
