// Package chaindb implements ChainDb, the façade joining BranchGraph,
// IndexStore and a content-addressed blockstore: the only surface the rest
// of the synchronization core uses to look up, store and walk tipsets.
package chaindb

import (
	"context"
	"encoding/hex"
	"fmt"

	broadcast "github.com/Kubuxu/go-broadcast"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"

	"github.com/klingnet-labs/tipsync/internal/branchgraph"
	"github.com/klingnet-labs/tipsync/internal/indexstore"
	"github.com/klingnet-labs/tipsync/internal/syncerrors"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

const tipsetCacheSize = 2048

// ChainDb is the sole writer to the index; every mutation pairs a
// BranchGraph update with an IndexStore transaction so the two can never
// drift apart.
type ChainDb struct {
	graph *branchgraph.Graph
	index *indexstore.Store
	bs    Blockstore

	cache *lru.Cache[string, *tipset.Tipset]
	hc    *broadcast.Channel[*HeadChange]

	genesis xid.TipsetHash
}

// Open reconstructs the graph from index and returns a ready ChainDb.
func Open(ctx context.Context, index *indexstore.Store, bs Blockstore) (*ChainDb, error) {
	branches, err := index.LoadBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("chaindb: open: %w", err)
	}
	graph := branchgraph.New()
	if err := graph.Load(branches); err != nil {
		return nil, fmt.Errorf("chaindb: open: %w", err)
	}
	cache, err := lru.New[string, *tipset.Tipset](tipsetCacheSize)
	if err != nil {
		return nil, fmt.Errorf("chaindb: open: %w", err)
	}
	return &ChainDb{
		graph: graph,
		index: index,
		bs:    bs,
		cache: cache,
		hc:    &broadcast.Channel[*HeadChange]{},
	}, nil
}

// SetGenesis records the genesis tipset hash, used by GetGenesisTipset and
// to recognize when a walk has reached the start of history.
func (c *ChainDb) SetGenesis(h xid.TipsetHash) { c.genesis = h }

// SubscribeHeadChanges registers ch to receive every future HeadChange and
// returns the most recent one already published (nil if none yet) plus a
// closer to unsubscribe.
func (c *ChainDb) SubscribeHeadChanges(ch chan *HeadChange) (*HeadChange, func()) {
	return c.hc.Subscribe(ch)
}

func (c *ChainDb) publish(kind HeadChangeKind, ts *tipset.Tipset) {
	c.hc.Publish(&HeadChange{Kind: kind, Tipset: ts})
}

// TipsetIsStored reports whether a tipset with the given hash is known.
func (c *ChainDb) TipsetIsStored(ctx context.Context, hash xid.TipsetHash) (bool, error) {
	ok, err := c.index.HasTipset(ctx, hash.String())
	if err != nil {
		return false, fmt.Errorf("chaindb: tipset is stored: %w", err)
	}
	return ok, nil
}

// TipsetIsBad reports whether hash was previously marked Bad, e.g. by a
// failed interpreter replay. Callers use this to short-circuit work that
// would otherwise repeat a doomed attempt.
func (c *ChainDb) TipsetIsBad(ctx context.Context, hash xid.TipsetHash) (bool, error) {
	r, err := c.index.GetTipset(ctx, hash.String())
	if err != nil {
		return false, fmt.Errorf("chaindb: tipset is bad: %w", err)
	}
	return r.SyncState == indexstore.Bad, nil
}

// MarkTipsetBad advances hash's sync state to Bad within its own
// transaction, the terminal state from which no further transition is
// permitted (indexstore.SyncState.Advance).
func (c *ChainDb) MarkTipsetBad(ctx context.Context, hash xid.TipsetHash) error {
	tx, err := c.index.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("chaindb: mark tipset bad: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.RollbackTx()
		}
	}()

	if err := tx.UpdateTipsetSyncState(ctx, hash.String(), indexstore.Bad); err != nil {
		return fmt.Errorf("chaindb: mark tipset bad: %w", err)
	}
	if err := tx.CommitTx(ctx); err != nil {
		return fmt.Errorf("chaindb: mark tipset bad: %w", err)
	}
	committed = true
	return nil
}

// GetTipsetByKey resolves a full Tipset from its key.
func (c *ChainDb) GetTipsetByKey(ctx context.Context, key xid.TipsetKey) (*tipset.Tipset, error) {
	return c.GetTipsetByHash(ctx, key.Hash())
}

// GetTipsetByHash resolves a full Tipset by hash, reading block membership
// from the index and headers from the blockstore.
func (c *ChainDb) GetTipsetByHash(ctx context.Context, hash xid.TipsetHash) (*tipset.Tipset, error) {
	if ts, ok := c.cache.Get(hash.String()); ok {
		return ts, nil
	}

	cidStrs, err := c.index.GetTipsetBlockCids(ctx, hash.String())
	if err != nil {
		return nil, fmt.Errorf("chaindb: get tipset %s: %w", hash, err)
	}
	if len(cidStrs) == 0 {
		return nil, fmt.Errorf("chaindb: get tipset %s: %w", hash, syncerrors.ErrDataIntegrityError)
	}
	cids := make([]xid.Cid, len(cidStrs))
	headers := make([]*tipset.BlockHeader, len(cidStrs))
	for i, s := range cidStrs {
		parsed, err := cid.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("chaindb: get tipset %s: %w", hash, err)
		}
		cids[i] = parsed
		h, err := c.bs.GetBlock(ctx, parsed)
		if err != nil {
			return nil, fmt.Errorf("chaindb: get tipset %s: %w", hash, err)
		}
		headers[i] = h
	}

	ts, err := tipset.New(cids, headers)
	if err != nil {
		return nil, fmt.Errorf("chaindb: get tipset %s: %w", hash, err)
	}
	c.cache.Add(hash.String(), ts)
	return ts, nil
}

// GetGenesisTipset resolves the configured genesis tipset.
func (c *ChainDb) GetGenesisTipset(ctx context.Context) (*tipset.Tipset, error) {
	if c.genesis.IsZero() {
		return nil, syncerrors.ErrNoGenesisBlock
	}
	ts, err := c.GetTipsetByHash(ctx, c.genesis)
	if err != nil {
		return nil, fmt.Errorf("chaindb: get genesis: %w: %v", syncerrors.ErrNoGenesisBlock, err)
	}
	return ts, nil
}

// HeaviestTipset returns the tipset at the top of the current projected
// chain, or NoHeaviestTipset if none has been selected yet.
func (c *ChainDb) HeaviestTipset(ctx context.Context) (*tipset.Tipset, error) {
	head := c.graph.CurrentHead()
	if head == branchgraph.NoBranch {
		return nil, syncerrors.ErrNoHeaviestTipset
	}
	b, err := c.graph.Branch(head)
	if err != nil {
		return nil, fmt.Errorf("chaindb: heaviest tipset: %w", err)
	}
	r, err := c.index.FindTipsetByBranchHeight(ctx, head, b.TopHeight)
	if err != nil {
		return nil, fmt.Errorf("chaindb: heaviest tipset: %w", err)
	}
	return c.GetTipsetByHash(ctx, hashFromString(r.Hash))
}

func hashFromString(s string) xid.TipsetHash {
	var h xid.TipsetHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h
	}
	copy(h[:], b)
	return h
}
