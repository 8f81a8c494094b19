package indexstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"

	"github.com/klingnet-labs/tipsync/internal/branchgraph"
	"github.com/klingnet-labs/tipsync/internal/storage"
	"github.com/klingnet-labs/tipsync/internal/syncerrors"
	"github.com/klingnet-labs/tipsync/internal/xid"
)

var rootNS = datastore.NewKey("/index")

// Store is the durable projection backing BranchGraph plus per-tipset and
// per-block sync state. All five logical tables live under one namespaced
// keyspace so that a single underlying Batch gives the whole schema one
// atomic commit, matching the single-writer model ChainDb relies on.
type Store struct {
	ds storage.Store

	tx *Tx
}

// New wraps backing under the index's reserved keyspace.
func New(backing storage.Store) *Store {
	var wrapped storage.Store = namespace.Wrap(backing, rootNS)
	return &Store{ds: wrapped}
}

func tipsetKey(hash string) datastore.Key {
	return datastore.NewKey("/tipsets/" + hash)
}

func tipsetBlockPrefix(hash string) string {
	return "/tipset_blocks/" + hash
}

func tipsetBlockKey(hash string, seq int) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%06d", tipsetBlockPrefix(hash), seq))
}

func blockKey(cid string) datastore.Key {
	return datastore.NewKey("/blocks/" + cid)
}

func linkKey(left, right string) datastore.Key {
	return datastore.NewKey("/links/" + left + "/" + right)
}

func branchKey(id branchgraph.BranchID) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("/branches/%020d", id))
}

const branchPrefix = "/branches"

// Tx is a single staged transaction: writes are buffered so that reads
// issued through the same Tx observe them, and nothing is visible to other
// readers until Commit calls through to the underlying Store.Batch.
type Tx struct {
	store *Store
	batch datastore.Batch

	puts map[datastore.Key][]byte
	dels map[datastore.Key]struct{}
}

// BeginTx opens the store's single transaction slot. Single-writer: a
// second concurrent BeginTx before Commit/Rollback is a programming error,
// matching the spec's single-threaded scheduler model.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	if s.tx != nil {
		return nil, fmt.Errorf("indexstore: begin tx: %w: transaction already open", syncerrors.ErrStoreNotInitialized)
	}
	b, err := s.ds.Batch(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexstore: begin tx: %w", err)
	}
	tx := &Tx{
		store: s,
		batch: b,
		puts:  make(map[datastore.Key][]byte),
		dels:  make(map[datastore.Key]struct{}),
	}
	s.tx = tx
	return tx, nil
}

// CommitTx commits all staged writes atomically. On error the prior
// committed state is left untouched; the caller must still call RollbackTx
// to release the transaction slot.
func (tx *Tx) CommitTx(ctx context.Context) error {
	if err := tx.batch.Commit(ctx); err != nil {
		return fmt.Errorf("indexstore: commit tx: %w", err)
	}
	tx.store.tx = nil
	return nil
}

// RollbackTx discards all staged writes. Safe to call after a failed
// CommitTx; a no-op batch that was never committed has touched nothing.
func (tx *Tx) RollbackTx() {
	tx.store.tx = nil
}

func (tx *Tx) put(ctx context.Context, key datastore.Key, val []byte) error {
	if err := tx.batch.Put(ctx, key, val); err != nil {
		return err
	}
	tx.puts[key] = val
	delete(tx.dels, key)
	return nil
}

func (tx *Tx) delete(ctx context.Context, key datastore.Key) error {
	if err := tx.batch.Delete(ctx, key); err != nil {
		return err
	}
	tx.dels[key] = struct{}{}
	delete(tx.puts, key)
	return nil
}

func (tx *Tx) get(ctx context.Context, key datastore.Key) ([]byte, error) {
	if _, deleted := tx.dels[key]; deleted {
		return nil, datastore.ErrNotFound
	}
	if v, ok := tx.puts[key]; ok {
		return v, nil
	}
	return tx.store.ds.Get(ctx, key)
}

// PutTipset upserts a tipset record within tx.
func (tx *Tx) PutTipset(ctx context.Context, r TipsetRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("indexstore: marshal tipset record: %w", err)
	}
	return tx.put(ctx, tipsetKey(r.Hash), data)
}

// PutTipsetBlocks replaces a tipset's ordered block membership within tx.
func (tx *Tx) PutTipsetBlocks(ctx context.Context, tipsetHash string, cids []string) error {
	for seq, c := range cids {
		r := TipsetBlockRecord{TipsetHash: tipsetHash, Cid: c, Seq: seq}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("indexstore: marshal tipset block record: %w", err)
		}
		if err := tx.put(ctx, tipsetBlockKey(tipsetHash, seq), data); err != nil {
			return err
		}
	}
	return nil
}

// PutBlock upserts a block record within tx.
func (tx *Tx) PutBlock(ctx context.Context, r BlockRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("indexstore: marshal block record: %w", err)
	}
	return tx.put(ctx, blockKey(r.Cid), data)
}

// PutLink records that right extends left, within tx.
func (tx *Tx) PutLink(ctx context.Context, left, right string) error {
	data, err := json.Marshal(LinkRecord{Left: left, Right: right})
	if err != nil {
		return fmt.Errorf("indexstore: marshal link record: %w", err)
	}
	return tx.put(ctx, linkKey(left, right), data)
}

// PutBranch upserts a branch record within tx.
func (tx *Tx) PutBranch(ctx context.Context, b *branchgraph.Branch) error {
	r := toBranchRecord(b)
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("indexstore: marshal branch record: %w", err)
	}
	return tx.put(ctx, branchKey(b.ID), data)
}

// DeleteBranch removes a branch record within tx, used when RemoveHead or
// a merge retires a branch id.
func (tx *Tx) DeleteBranch(ctx context.Context, id branchgraph.BranchID) error {
	return tx.delete(ctx, branchKey(id))
}

// UpdateTipsetSyncState advances a tipset's sync state within tx. Rejects
// non-monotonic transitions.
func (tx *Tx) UpdateTipsetSyncState(ctx context.Context, hash string, next SyncState) error {
	r, err := tx.GetTipset(ctx, hash)
	if err != nil {
		return err
	}
	if !r.SyncState.Advance(next) {
		return fmt.Errorf("indexstore: update sync state: %w: %s cannot move from %s to %s",
			syncerrors.ErrDataIntegrityError, hash, r.SyncState, next)
	}
	r.SyncState = next
	return tx.PutTipset(ctx, r)
}

// GetTipset reads a tipset record, observing tx's staged writes.
func (tx *Tx) GetTipset(ctx context.Context, hash string) (TipsetRecord, error) {
	data, err := tx.get(ctx, tipsetKey(hash))
	if err != nil {
		return TipsetRecord{}, fmt.Errorf("indexstore: get tipset %s: %w", hash, err)
	}
	var r TipsetRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TipsetRecord{}, fmt.Errorf("indexstore: unmarshal tipset %s: %w", hash, err)
	}
	return r, nil
}

// GetTipset reads a tipset record outside of any transaction.
func (s *Store) GetTipset(ctx context.Context, hash string) (TipsetRecord, error) {
	data, err := s.ds.Get(ctx, tipsetKey(hash))
	if err != nil {
		return TipsetRecord{}, fmt.Errorf("indexstore: get tipset %s: %w", hash, err)
	}
	var r TipsetRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TipsetRecord{}, fmt.Errorf("indexstore: unmarshal tipset %s: %w", hash, err)
	}
	return r, nil
}

// HasTipset reports whether a tipset record exists.
func (s *Store) HasTipset(ctx context.Context, hash string) (bool, error) {
	ok, err := s.ds.Has(ctx, tipsetKey(hash))
	if err != nil {
		return false, fmt.Errorf("indexstore: has tipset %s: %w", hash, err)
	}
	return ok, nil
}

// GetTipsetBlockCids returns a tipset's block cids in stored order.
func (s *Store) GetTipsetBlockCids(ctx context.Context, tipsetHash string) ([]string, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: tipsetBlockPrefix(tipsetHash)})
	if err != nil {
		return nil, fmt.Errorf("indexstore: query tipset blocks %s: %w", tipsetHash, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("indexstore: read tipset blocks %s: %w", tipsetHash, err)
	}
	type seqCid struct {
		seq int
		cid string
	}
	out := make([]seqCid, 0, len(entries))
	for _, e := range entries {
		var r TipsetBlockRecord
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, fmt.Errorf("indexstore: unmarshal tipset block: %w", err)
		}
		out = append(out, seqCid{r.Seq, r.Cid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	cids := make([]string, len(out))
	for i, sc := range out {
		cids[i] = sc.cid
	}
	return cids, nil
}

// FindTipsetByBranchHeight scans for the tipset stored on branch at the
// given height, used when a mid-branch attachment needs to know what
// currently occupies the position just above the split point.
func (s *Store) FindTipsetByBranchHeight(ctx context.Context, branch branchgraph.BranchID, height uint64) (TipsetRecord, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: "/tipsets"})
	if err != nil {
		return TipsetRecord{}, fmt.Errorf("indexstore: query tipsets: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return TipsetRecord{}, fmt.Errorf("indexstore: read tipsets: %w", err)
	}
	for _, e := range entries {
		var r TipsetRecord
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return TipsetRecord{}, fmt.Errorf("indexstore: unmarshal tipset: %w", err)
		}
		if r.BranchID == branch && r.Height == height {
			return r, nil
		}
	}
	return TipsetRecord{}, fmt.Errorf("indexstore: %w: branch %d height %d", syncerrors.ErrBranchNotFound, branch, height)
}

// GetBlock reads a block record.
func (s *Store) GetBlock(ctx context.Context, c string) (BlockRecord, error) {
	data, err := s.ds.Get(ctx, blockKey(c))
	if err != nil {
		return BlockRecord{}, fmt.Errorf("indexstore: get block %s: %w", c, err)
	}
	var r BlockRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return BlockRecord{}, fmt.Errorf("indexstore: unmarshal block %s: %w", c, err)
	}
	return r, nil
}

// LoadBranches scans every persisted branch record, for BranchGraph.Load at
// startup.
func (s *Store) LoadBranches(ctx context.Context) ([]*branchgraph.Branch, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: branchPrefix})
	if err != nil {
		return nil, fmt.Errorf("indexstore: query branches: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("indexstore: read branches: %w", err)
	}
	out := make([]*branchgraph.Branch, 0, len(entries))
	for _, e := range entries {
		var r BranchRecord
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, fmt.Errorf("indexstore: unmarshal branch: %w", err)
		}
		out = append(out, fromBranchRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRoots returns the ids of every persisted branch with no parent.
func (s *Store) GetRoots(ctx context.Context) ([]branchgraph.BranchID, error) {
	branches, err := s.LoadBranches(ctx)
	if err != nil {
		return nil, err
	}
	var out []branchgraph.BranchID
	for _, b := range branches {
		if b.IsRoot() {
			out = append(out, b.ID)
		}
	}
	return out, nil
}

// GetHeads returns the ids of every persisted branch with no forks.
func (s *Store) GetHeads(ctx context.Context) ([]branchgraph.BranchID, error) {
	branches, err := s.LoadBranches(ctx)
	if err != nil {
		return nil, err
	}
	var out []branchgraph.BranchID
	for _, b := range branches {
		if b.IsHead() {
			out = append(out, b.ID)
		}
	}
	return out, nil
}

// GetBranchSyncState reports the root branch id of id's tree and the
// weakest sync state among every tipset stored on branch id's segment,
// used by callers deciding whether a subtree is worth re-fetching.
func (s *Store) GetBranchSyncState(ctx context.Context, id branchgraph.BranchID) (branchgraph.BranchID, SyncState, error) {
	branches, err := s.LoadBranches(ctx)
	if err != nil {
		return branchgraph.NoBranch, Unknown, err
	}
	byID := make(map[branchgraph.BranchID]*branchgraph.Branch, len(branches))
	for _, b := range branches {
		byID[b.ID] = b
	}
	b, ok := byID[id]
	if !ok {
		return branchgraph.NoBranch, Unknown, fmt.Errorf("indexstore: %w: branch %d", syncerrors.ErrBranchNotFound, id)
	}

	root := id
	for {
		cur, ok := byID[root]
		if !ok || cur.IsRoot() {
			break
		}
		root = cur.Parent
	}

	min := Complete
	res, err := s.ds.Query(ctx, query.Query{Prefix: "/tipsets"})
	if err != nil {
		return branchgraph.NoBranch, Unknown, fmt.Errorf("indexstore: query tipsets: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return branchgraph.NoBranch, Unknown, fmt.Errorf("indexstore: read tipsets: %w", err)
	}
	for _, e := range entries {
		var r TipsetRecord
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return branchgraph.NoBranch, Unknown, fmt.Errorf("indexstore: unmarshal tipset: %w", err)
		}
		if r.BranchID == b.ID && r.SyncState < min {
			min = r.SyncState
		}
	}
	return root, min, nil
}

func toBranchRecord(b *branchgraph.Branch) BranchRecord {
	forks := make([]branchgraph.BranchID, 0, len(b.Forks))
	for f := range b.Forks {
		forks = append(forks, f)
	}
	sort.Slice(forks, func(i, j int) bool { return forks[i] < forks[j] })
	return BranchRecord{
		ID:           b.ID,
		BottomHash:   b.Bottom.String(),
		TopHash:      b.Top.String(),
		BottomHeight: b.BottomHeight,
		TopHeight:    b.TopHeight,
		ParentID:     b.Parent,
		Forks:        forks,
	}
}

func fromBranchRecord(r BranchRecord) *branchgraph.Branch {
	forks := make(map[branchgraph.BranchID]struct{}, len(r.Forks))
	for _, f := range r.Forks {
		forks[f] = struct{}{}
	}
	return &branchgraph.Branch{
		ID:           r.ID,
		Bottom:       hashFromHex(r.BottomHash),
		Top:          hashFromHex(r.TopHash),
		BottomHeight: r.BottomHeight,
		TopHeight:    r.TopHeight,
		Parent:       r.ParentID,
		Forks:        forks,
	}
}

func hashFromHex(s string) (h xid.TipsetHash) {
	if len(s) != 64 {
		return h
	}
	for i := 0; i < 32; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return xid.TipsetHash{}
		}
		h[i] = byte(b)
	}
	return h
}
