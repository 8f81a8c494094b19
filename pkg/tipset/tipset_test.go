package tipset

import (
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/types"
)

func testCid(t *testing.T, seed byte) cid.Cid {
	t.Helper()
	h, err := mh.Sum([]byte{seed}, mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, h)
}

func TestNew_SingleBlock(t *testing.T) {
	c := testCid(t, 1)
	hdr := &BlockHeader{Miner: types.Address{1}, Height: 5, WeightDelta: 10}

	ts, err := New([]xid.Cid{c}, []*BlockHeader{hdr})
	require.NoError(t, err)
	require.Equal(t, uint64(5), ts.Height())
	require.Equal(t, uint64(10), ts.Weight())
	require.True(t, ts.IsGenesis())
}

func TestNew_MultiBlockWeightSums(t *testing.T) {
	c1, c2 := testCid(t, 1), testCid(t, 2)
	h1 := &BlockHeader{Miner: types.Address{1}, Height: 5, WeightDelta: 10}
	h2 := &BlockHeader{Miner: types.Address{2}, Height: 5, WeightDelta: 7}

	ts, err := New([]xid.Cid{c1, c2}, []*BlockHeader{h1, h2})
	require.NoError(t, err)
	require.Equal(t, uint64(17), ts.Weight())
}

func TestNew_RejectsHeightMismatch(t *testing.T) {
	c1, c2 := testCid(t, 1), testCid(t, 2)
	h1 := &BlockHeader{Height: 5}
	h2 := &BlockHeader{Height: 6}

	_, err := New([]xid.Cid{c1, c2}, []*BlockHeader{h1, h2})
	require.Error(t, err)
}

func TestNew_RejectsParentMismatch(t *testing.T) {
	c1, c2 := testCid(t, 1), testCid(t, 2)
	pk, err := xid.NewTipsetKey([]xid.Cid{testCid(t, 9)})
	require.NoError(t, err)
	h1 := &BlockHeader{Height: 5, Parent: pk}
	h2 := &BlockHeader{Height: 5}

	_, err = New([]xid.Cid{c1, c2}, []*BlockHeader{h1, h2})
	require.Error(t, err)
}

func TestNew_RejectsEmpty(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestNew_RejectsCountMismatch(t *testing.T) {
	c1 := testCid(t, 1)
	_, err := New([]xid.Cid{c1}, []*BlockHeader{{Height: 1}, {Height: 1}})
	require.Error(t, err)
}

func TestTipset_HashStableAcrossBlockOrder(t *testing.T) {
	c1, c2 := testCid(t, 1), testCid(t, 2)
	h1 := &BlockHeader{Height: 5, WeightDelta: 1}
	h2 := &BlockHeader{Height: 5, WeightDelta: 2}

	a, err := New([]xid.Cid{c1, c2}, []*BlockHeader{h1, h2})
	require.NoError(t, err)
	b, err := New([]xid.Cid{c2, c1}, []*BlockHeader{h2, h1})
	require.NoError(t, err)

	require.Equal(t, a.Hash(), b.Hash())
}
