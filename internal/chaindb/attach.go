package chaindb

import (
	"context"
	"fmt"

	"github.com/klingnet-labs/tipsync/internal/branchgraph"
	"github.com/klingnet-labs/tipsync/internal/indexstore"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// StoreTipset attaches ts to the graph following the attachment policy: a
// no-op if already present, a fresh root if the parent is unknown, an
// append if the parent is a head's top, or a split if the parent sits
// mid-branch. Graph and index are mutated together; if persistence fails
// the graph is reloaded from the last committed index state so the two
// never drift apart.
func (c *ChainDb) StoreTipset(ctx context.Context, ts *tipset.Tipset) (branchgraph.BranchID, bool, error) {
	hash := ts.Hash()

	if exists, err := c.TipsetIsStored(ctx, hash); err != nil {
		return branchgraph.NoBranch, false, err
	} else if exists {
		r, err := c.index.GetTipset(ctx, hash.String())
		if err != nil {
			return branchgraph.NoBranch, false, fmt.Errorf("chaindb: store tipset: %w", err)
		}
		return r.BranchID, false, nil
	}

	branchID, touched, err := c.attach(ts)
	if err != nil {
		return branchgraph.NoBranch, false, err
	}

	if err := c.persist(ctx, ts, branchID, touched); err != nil {
		c.reloadGraph(ctx)
		return branchgraph.NoBranch, false, err
	}

	return branchID, true, nil
}

// attach performs the in-memory graph mutation only, following the
// attachment policy from the parent's position in the graph. It returns
// the id T was attached under plus every branch id whose stored record
// must be rewritten to reflect the mutation.
func (c *ChainDb) attach(ts *tipset.Tipset) (branchgraph.BranchID, []branchgraph.BranchID, error) {
	if ts.IsGenesis() {
		id := c.graph.NewRootBranch(ts.Hash(), ts.Height())
		return id, []branchgraph.BranchID{id}, nil
	}

	parentHash := ts.Parent().Hash()
	parentRecordBranch, parentHeight, ok := c.lookupParentPosition(parentHash)
	if !ok {
		// parent not yet known: T becomes the bottom of a fresh root branch.
		id := c.graph.NewRootBranch(ts.Hash(), ts.Height())
		return id, []branchgraph.BranchID{id}, nil
	}

	parentBranch, err := c.graph.Branch(parentRecordBranch)
	if err != nil {
		return branchgraph.NoBranch, nil, fmt.Errorf("chaindb: attach: %w", err)
	}

	if parentBranch.Top == parentHash && parentBranch.IsHead() {
		if err := c.graph.AppendToBranch(parentBranch.ID, ts.Hash(), ts.Height()); err != nil {
			return branchgraph.NoBranch, nil, fmt.Errorf("chaindb: attach: %w", err)
		}
		return parentBranch.ID, []branchgraph.BranchID{parentBranch.ID}, nil
	}

	successor := c.graph.NewRootBranch(ts.Hash(), ts.Height())

	if parentBranch.Top == parentHash {
		// parent is the branch's top but the branch already has other
		// forks: T becomes a further sibling fork at the same pivot.
		if _, err := c.graph.LinkBranches(parentBranch.ID, successor, parentHash, parentHeight, xid.TipsetHash{}, 0); err != nil {
			return branchgraph.NoBranch, nil, fmt.Errorf("chaindb: attach: %w", err)
		}
		return successor, []branchgraph.BranchID{parentBranch.ID, successor}, nil
	}

	// mid-branch: find what currently occupies the position directly above
	// the pivot so the split-off upper portion has a bottom to anchor on.
	upperBottom, upperHeight, err := c.successorOnBranch(parentBranch.ID, parentHeight)
	if err != nil {
		return branchgraph.NoBranch, nil, fmt.Errorf("chaindb: attach: %w", err)
	}
	upper, err := c.graph.LinkBranches(parentBranch.ID, successor, parentHash, parentHeight, upperBottom, upperHeight)
	if err != nil {
		return branchgraph.NoBranch, nil, fmt.Errorf("chaindb: attach: %w", err)
	}
	touched := []branchgraph.BranchID{parentBranch.ID, successor}
	if upper != branchgraph.NoBranch {
		touched = append(touched, upper)
		// the upper segment's children were reparented onto it; their
		// stored parent id must be rewritten too.
		if ub, err := c.graph.Branch(upper); err == nil {
			for child := range ub.Forks {
				touched = append(touched, child)
			}
		}
	}
	return successor, touched, nil
}

// lookupParentPosition finds the branch and height a stored tipset with
// the given hash occupies, as recorded in its index record (the graph
// stores only per-branch bounds, not per-tipset positions).
func (c *ChainDb) lookupParentPosition(hash xid.TipsetHash) (branchgraph.BranchID, uint64, bool) {
	r, err := c.indexRecord(hash)
	if err != nil {
		return branchgraph.NoBranch, 0, false
	}
	return r.BranchID, r.Height, true
}

func (c *ChainDb) indexRecord(hash xid.TipsetHash) (indexstore.TipsetRecord, error) {
	return c.index.GetTipset(context.Background(), hash.String())
}

func (c *ChainDb) successorOnBranch(branch branchgraph.BranchID, afterHeight uint64) (xid.TipsetHash, uint64, error) {
	r, err := c.index.FindTipsetByBranchHeight(context.Background(), branch, afterHeight+1)
	if err != nil {
		return xid.TipsetHash{}, 0, err
	}
	return hashFromString(r.Hash), r.Height, nil
}

func (c *ChainDb) reloadGraph(ctx context.Context) {
	branches, err := c.index.LoadBranches(ctx)
	if err != nil {
		return
	}
	_ = c.graph.Load(branches)
}

// persist writes the tipset, its block membership, its blocks and the
// parent link, plus every branch touched by the attachment, in one
// transaction.
func (c *ChainDb) persist(ctx context.Context, ts *tipset.Tipset, branchID branchgraph.BranchID, touched []branchgraph.BranchID) error {
	tx, err := c.index.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("chaindb: persist: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.RollbackTx()
		}
	}()

	hash := ts.Hash().String()
	cids := make([]string, len(ts.Blocks()))
	for i, b := range ts.Blocks() {
		blockCid, err := c.bs.PutBlock(ctx, b)
		if err != nil {
			return fmt.Errorf("chaindb: persist: %w", err)
		}
		cids[i] = blockCid.String()
		if err := tx.PutBlock(ctx, indexstore.BlockRecord{Cid: cids[i], SyncState: indexstore.Complete}); err != nil {
			return fmt.Errorf("chaindb: persist: %w", err)
		}
	}
	if err := tx.PutTipsetBlocks(ctx, hash, cids); err != nil {
		return fmt.Errorf("chaindb: persist: %w", err)
	}
	if err := tx.PutTipset(ctx, indexstore.TipsetRecord{
		Hash:      hash,
		BranchID:  branchID,
		Height:    ts.Height(),
		Weight:    ts.Weight(),
		SyncState: indexstore.Complete,
	}); err != nil {
		return fmt.Errorf("chaindb: persist: %w", err)
	}
	if !ts.IsGenesis() {
		if err := tx.PutLink(ctx, ts.Parent().Hash().String(), hash); err != nil {
			return fmt.Errorf("chaindb: persist: %w", err)
		}
	}

	seen := make(map[branchgraph.BranchID]struct{}, len(touched))
	for _, id := range touched {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		b, err := c.graph.Branch(id)
		if err != nil {
			continue
		}
		if err := tx.PutBranch(ctx, b); err != nil {
			return fmt.Errorf("chaindb: persist: %w", err)
		}
	}

	if err := tx.CommitTx(ctx); err != nil {
		return fmt.Errorf("chaindb: persist: %w", err)
	}
	committed = true
	return nil
}
