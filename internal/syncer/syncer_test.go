package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/klingnet-labs/tipsync/internal/branchgraph"
	"github.com/klingnet-labs/tipsync/internal/interpreter"
	"github.com/klingnet-labs/tipsync/internal/scheduler"
	"github.com/klingnet-labs/tipsync/internal/storage"
	"github.com/klingnet-labs/tipsync/internal/syncjob"
	"github.com/klingnet-labs/tipsync/internal/vm"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
	"github.com/klingnet-labs/tipsync/pkg/types"
)

func testCid(t *testing.T, seed byte) xid.Cid {
	t.Helper()
	h, err := mh.Sum([]byte{seed}, mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, h)
}

func buildChain(t *testing.T, n int) []*tipset.Tipset {
	t.Helper()
	out := make([]*tipset.Tipset, n)
	var parent xid.TipsetKey
	for i := 0; i < n; i++ {
		hdr := &tipset.BlockHeader{Miner: types.Address{byte(i)}, Parent: parent, Height: uint64(i)}
		ts, err := tipset.New([]xid.Cid{testCid(t, byte(i))}, []*tipset.BlockHeader{hdr})
		require.NoError(t, err)
		out[i] = ts
		parent = ts.Key()
	}
	return out
}

// fakeDb doubles for the ChainDb surface all three components need:
// syncjob.ChainDb, interpreter.ChainDb and syncer.ChainDb.
type fakeDb struct {
	byHash      map[xid.TipsetHash]*tipset.Tipset
	byHeight    map[uint64]*tipset.Tipset
	currentHead xid.TipsetHash
	bad         map[xid.TipsetHash]bool
}

func newFakeDb() *fakeDb {
	return &fakeDb{
		byHash:   make(map[xid.TipsetHash]*tipset.Tipset),
		byHeight: make(map[uint64]*tipset.Tipset),
		bad:      make(map[xid.TipsetHash]bool),
	}
}

func (f *fakeDb) TipsetIsBad(ctx context.Context, hash xid.TipsetHash) (bool, error) {
	return f.bad[hash], nil
}

func (f *fakeDb) MarkTipsetBad(ctx context.Context, hash xid.TipsetHash) error {
	f.bad[hash] = true
	return nil
}

func (f *fakeDb) put(ts *tipset.Tipset) {
	f.byHash[ts.Hash()] = ts
	f.byHeight[ts.Height()] = ts
}

func (f *fakeDb) TipsetIsStored(ctx context.Context, hash xid.TipsetHash) (bool, error) {
	_, ok := f.byHash[hash]
	return ok, nil
}

func (f *fakeDb) StoreTipset(ctx context.Context, ts *tipset.Tipset) (branchgraph.BranchID, bool, error) {
	f.put(ts)
	return branchgraph.BranchID(1), true, nil
}

func (f *fakeDb) GetUnsyncedBottom(ctx context.Context, head xid.TipsetHash) (*tipset.Tipset, error) {
	cur, ok := f.byHash[head]
	if !ok {
		return nil, fmt.Errorf("not stored")
	}
	for {
		if cur.IsGenesis() {
			return nil, nil
		}
		parent, ok := f.byHash[cur.Parent().Hash()]
		if !ok {
			return cur, nil
		}
		cur = parent
	}
}

func (f *fakeDb) WalkForward(ctx context.Context, from, to uint64, cb func(*tipset.Tipset) bool) error {
	for h := from; h <= to; h++ {
		ts, ok := f.byHeight[h]
		if !ok {
			return nil
		}
		if !cb(ts) {
			return nil
		}
	}
	return nil
}

func (f *fakeDb) WalkBackward(ctx context.Context, fromHash xid.TipsetHash, until uint64, cb func(*tipset.Tipset) bool) error {
	cur, ok := f.byHash[fromHash]
	if !ok {
		return nil
	}
	for {
		if !cb(cur) || cur.Height() <= until || cur.IsGenesis() {
			return nil
		}
		parent, ok := f.byHash[cur.Parent().Hash()]
		if !ok {
			return nil
		}
		cur = parent
	}
}

func (f *fakeDb) SetCurrentHead(ctx context.Context, hash xid.TipsetHash) error {
	f.currentHead = hash
	return nil
}

// autoLoader answers every LoadTipsetAsync synchronously from a fixed chain.
type autoLoader struct {
	byHash map[xid.TipsetHash]*tipset.Tipset
	cb     func(hash xid.TipsetHash, ts *tipset.Tipset, err error)
}

func (l *autoLoader) SetCallback(cb func(hash xid.TipsetHash, ts *tipset.Tipset, err error)) { l.cb = cb }

func (l *autoLoader) LoadTipsetAsync(key xid.TipsetKey, p peer.ID, depthHint int) {
	ts, ok := l.byHash[key.Hash()]
	if !ok {
		l.cb(key.Hash(), nil, fmt.Errorf("no such tipset"))
		return
	}
	l.cb(ts.Hash(), ts, nil)
}

func newHarness(t *testing.T, chain []*tipset.Tipset) (*fakeDb, *Syncer, *scheduler.Scheduler, chan struct {
	Head xid.TipsetKey
	Res  vm.Result
}) {
	t.Helper()
	db := newFakeDb()
	byHash := make(map[xid.TipsetHash]*tipset.Tipset, len(chain))
	for _, ts := range chain {
		byHash[ts.Hash()] = ts
	}
	loader := &autoLoader{byHash: byHash}
	sJob := syncjob.New(db, loader)

	sched := scheduler.New()
	cache := interpreter.NewResultCache(storage.NewMemory())
	iJob := interpreter.New(db, &vm.Fake{}, vm.NewMemStore(), sched, cache)

	results := make(chan struct {
		Head xid.TipsetKey
		Res  vm.Result
	}, 8)
	sy := New(db, sJob, iJob, 500, func(head xid.TipsetKey, weight, height uint64, res vm.Result) {
		results <- struct {
			Head xid.TipsetKey
			Res  vm.Result
		}{head, res}
	})
	return db, sy, sched, results
}

func TestNewTarget_SyncsAndAdoptsHead(t *testing.T) {
	chain := buildChain(t, 4)
	db, sy, sched, results := newHarness(t, chain)
	defer sched.Stop()

	sy.NewTarget(context.Background(), peer.ID("p1"), chain[3].Key(), 100, 3)

	select {
	case r := <-results:
		require.Equal(t, chain[3].Key(), r.Head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adopted head")
	}
	require.Equal(t, chain[3].Hash(), db.currentHead)
	require.False(t, sy.IsActive())
}

func TestNewTarget_RejectsWeakerTarget(t *testing.T) {
	chain := buildChain(t, 2)
	_, sy, sched, results := newHarness(t, chain)
	defer sched.Stop()

	sy.SetCurrentWeightAndHeight(100, 5)
	sy.NewTarget(context.Background(), peer.ID("p1"), chain[1].Key(), 50, 1)

	require.False(t, sy.IsActive())
	select {
	case <-results:
		t.Fatal("weaker target must not be adopted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewTarget_EmptyPeerDroppedWithoutLastGoodPeer(t *testing.T) {
	chain := buildChain(t, 2)
	_, sy, sched, results := newHarness(t, chain)
	defer sched.Stop()

	// no lastGoodPeer recorded yet: dropped.
	sy.NewTarget(context.Background(), "", chain[1].Key(), 10, 1)
	require.False(t, sy.IsActive())

	sy.NewTarget(context.Background(), peer.ID("p1"), chain[1].Key(), 10, 1)
	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestNewTarget_StrongerCandidateQueuedWhileActiveWinsNextRound(t *testing.T) {
	chain := buildChain(t, 5)
	db := newFakeDb()
	for _, ts := range chain {
		db.put(ts)
	}
	byHash := make(map[xid.TipsetHash]*tipset.Tipset, len(chain))
	for _, ts := range chain {
		byHash[ts.Hash()] = ts
	}
	loader := &autoLoader{byHash: byHash}
	sJob := syncjob.New(db, loader)

	sched := scheduler.New()
	defer sched.Stop()
	cache := interpreter.NewResultCache(storage.NewMemory())
	iJob := interpreter.New(db, &vm.Fake{}, vm.NewMemStore(), sched, cache)

	results := make(chan xid.TipsetKey, 8)
	sy := New(db, sJob, iJob, 500, func(head xid.TipsetKey, weight, height uint64, res vm.Result) {
		results <- head
	})

	sy.NewTarget(context.Background(), peer.ID("weak"), chain[2].Key(), 10, 2)
	require.True(t, sy.IsActive(), "interpretation should still be pending on the scheduler")
	sy.NewTarget(context.Background(), peer.ID("strong"), chain[4].Key(), 20, 4)

	var got []xid.TipsetKey
	for i := 0; i < 2; i++ {
		select {
		case head := <-results:
			got = append(got, head)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for round %d", i+1)
		}
	}
	require.Equal(t, chain[2].Key(), got[0])
	require.Equal(t, chain[4].Key(), got[1])
}

func TestStart_NoopWhenNoPendingTargets(t *testing.T) {
	chain := buildChain(t, 2)
	_, sy, sched, results := newHarness(t, chain)
	defer sched.Stop()

	sy.Start(context.Background())

	select {
	case <-results:
		t.Fatal("Start must not adopt anything without a pending target")
	case <-time.After(100 * time.Millisecond):
	}
	require.False(t, sy.IsActive())
}

func TestExcludePeer_DropsQueuedTargetBeforeItStarts(t *testing.T) {
	chain := buildChain(t, 5)
	db := newFakeDb()
	for _, ts := range chain {
		db.put(ts)
	}
	byHash := make(map[xid.TipsetHash]*tipset.Tipset, len(chain))
	for _, ts := range chain {
		byHash[ts.Hash()] = ts
	}
	loader := &autoLoader{byHash: byHash}
	sJob := syncjob.New(db, loader)

	sched := scheduler.New()
	defer sched.Stop()
	cache := interpreter.NewResultCache(storage.NewMemory())
	iJob := interpreter.New(db, &vm.Fake{}, vm.NewMemStore(), sched, cache)

	results := make(chan xid.TipsetKey, 8)
	sy := New(db, sJob, iJob, 500, func(head xid.TipsetKey, weight, height uint64, res vm.Result) {
		results <- head
	})

	sy.NewTarget(context.Background(), peer.ID("weak"), chain[2].Key(), 10, 2)
	require.True(t, sy.IsActive(), "interpretation should still be pending on the scheduler")
	sy.NewTarget(context.Background(), peer.ID("strong"), chain[4].Key(), 20, 4)
	sy.ExcludePeer(peer.ID("strong"))

	select {
	case head := <-results:
		require.Equal(t, chain[2].Key(), head)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the surviving target")
	}

	select {
	case head := <-results:
		t.Fatalf("excluded target should not have been adopted, got %s", head)
	case <-time.After(200 * time.Millisecond):
	}
}
