package tipsetloader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/klingnet-labs/tipsync/internal/scheduler"
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

func testKey(t *testing.T, seed byte) xid.TipsetKey {
	t.Helper()
	key, err := xid.NewTipsetKey([]xid.Cid{testCid(t, seed)})
	require.NoError(t, err)
	return key
}

func testTipset(t *testing.T, key xid.TipsetKey) *tipset.Tipset {
	t.Helper()
	hdr := &tipset.BlockHeader{Miner: types.Address{1}, Height: 1}
	ts, err := tipset.New(key.Cids(), []*tipset.BlockHeader{hdr})
	require.NoError(t, err)
	return ts
}

type fakeFetcher struct {
	calls int32
	delay time.Duration
	fn    func(key xid.TipsetKey) (*tipset.Tipset, error)
}

func (f *fakeFetcher) FetchTipset(ctx context.Context, p peer.ID, key xid.TipsetKey, depthHint int) (*tipset.Tipset, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(key)
}

func TestLoadTipsetAsync_DeliversOnSuccess(t *testing.T) {
	sched := scheduler.New()
	defer sched.Stop()

	key := testKey(t, 1)
	ts := testTipset(t, key)
	fetcher := &fakeFetcher{fn: func(k xid.TipsetKey) (*tipset.Tipset, error) { return ts, nil }}
	loader := New(fetcher, sched, time.Second, nil)

	done := make(chan struct{})
	var gotErr error
	var gotTs *tipset.Tipset
	loader.SetCallback(func(hash xid.TipsetHash, result *tipset.Tipset, err error) {
		gotTs, gotErr = result, err
		close(done)
	})

	loader.LoadTipsetAsync(key, peer.ID("peer-a"), 10)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.NoError(t, gotErr)
	require.Equal(t, key.Hash(), gotTs.Hash())
}

func TestLoadTipsetAsync_DedupesConcurrentRequests(t *testing.T) {
	sched := scheduler.New()
	defer sched.Stop()

	key := testKey(t, 2)
	ts := testTipset(t, key)
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond, fn: func(k xid.TipsetKey) (*tipset.Tipset, error) { return ts, nil }}
	loader := New(fetcher, sched, time.Second, nil)

	var mu sync.Mutex
	deliveries := 0
	var wg sync.WaitGroup
	wg.Add(2)
	loader.SetCallback(func(hash xid.TipsetHash, result *tipset.Tipset, err error) {
		mu.Lock()
		deliveries++
		mu.Unlock()
		wg.Done()
	})

	loader.LoadTipsetAsync(key, peer.ID("peer-a"), 10)
	loader.LoadTipsetAsync(key, peer.ID("peer-a"), 10)

	waitOrTimeout(t, &wg, 2*time.Second)
	require.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
	require.Equal(t, 2, deliveries)
}

func TestLoadTipsetAsync_BadResponsePenalizesPeer(t *testing.T) {
	sched := scheduler.New()
	defer sched.Stop()

	key := testKey(t, 3)
	wrongKey := testKey(t, 4)
	wrongTs := testTipset(t, wrongKey)
	fetcher := &fakeFetcher{fn: func(k xid.TipsetKey) (*tipset.Tipset, error) { return wrongTs, nil }}

	var penalized peer.ID
	loader := New(fetcher, sched, time.Second, func(p peer.ID) { penalized = p })

	done := make(chan struct{})
	var gotErr error
	loader.SetCallback(func(hash xid.TipsetHash, result *tipset.Tipset, err error) {
		gotErr = err
		close(done)
	})

	loader.LoadTipsetAsync(key, peer.ID("bad-peer"), 10)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.Error(t, gotErr)
	require.Equal(t, peer.ID("bad-peer"), penalized)
}

func TestLoadTipsetAsync_TimeoutPenalizesPeer(t *testing.T) {
	sched := scheduler.New()
	defer sched.Stop()

	key := testKey(t, 5)
	fetcher := &fakeFetcher{delay: 100 * time.Millisecond, fn: func(k xid.TipsetKey) (*tipset.Tipset, error) { return nil, errors.New("unused") }}
	var penalized peer.ID
	loader := New(fetcher, sched, 10*time.Millisecond, func(p peer.ID) { penalized = p })

	done := make(chan struct{})
	var gotErr error
	loader.SetCallback(func(hash xid.TipsetHash, result *tipset.Tipset, err error) {
		gotErr = err
		close(done)
	})

	loader.LoadTipsetAsync(key, peer.ID("slow-peer"), 10)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.Error(t, gotErr)
	require.Equal(t, peer.ID("slow-peer"), penalized)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for wait group")
	}
}
