package branchgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingnet-labs/tipsync/internal/xid"
)

func hh(b byte) xid.TipsetHash {
	var h xid.TipsetHash
	h[0] = b
	return h
}

func TestLinearExtension(t *testing.T) {
	g := New()
	root := g.NewRootBranch(hh(1), 1)
	for h := uint64(2); h <= 5; h++ {
		require.NoError(t, g.AppendToBranch(root, hh(byte(h)), h))
	}

	require.Equal(t, []BranchID{root}, g.GetHeads())
	require.Equal(t, []BranchID{root}, g.GetRoots())

	require.NoError(t, g.SwitchToHead(root))
	for h := uint64(1); h <= 5; h++ {
		id, err := g.FindByHeight(h)
		require.NoError(t, err)
		require.Equal(t, root, id)
	}
}

func TestFork(t *testing.T) {
	g := New()
	root := g.NewRootBranch(hh(1), 1)
	require.NoError(t, g.AppendToBranch(root, hh(2), 2))
	require.NoError(t, g.AppendToBranch(root, hh(3), 3))

	// A' shares A's parent at height 2; pivot sits one below the existing
	// top, so A@3 is carved off into its own branch alongside A'@3.
	altRoot := g.NewRootBranch(hh(30), 3)
	upper, err := g.LinkBranches(root, altRoot, hh(2), 2, hh(3), 3)
	require.NoError(t, err)
	require.NotEqual(t, NoBranch, upper)

	heads := g.GetHeads()
	require.Len(t, heads, 2)
	require.Contains(t, heads, upper)
	require.Contains(t, heads, altRoot)

	b, err := g.Branch(root)
	require.NoError(t, err)
	require.Equal(t, uint64(2), b.TopHeight)
	require.Len(t, b.Forks, 2)
}

func TestSplit(t *testing.T) {
	g := New()
	b := g.NewRootBranch(hh(1), 1)
	for h := uint64(2); h <= 5; h++ {
		require.NoError(t, g.AppendToBranch(b, hh(byte(h)), h))
	}

	x := g.NewRootBranch(hh(99), 3)
	upper, err := g.LinkBranches(b, x, hh(2), 2, hh(3), 3)
	require.NoError(t, err)
	require.NotEqual(t, NoBranch, upper)

	lower, err := g.Branch(b)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lower.BottomHeight)
	require.Equal(t, uint64(2), lower.TopHeight)
	require.Len(t, lower.Forks, 2)

	up, err := g.Branch(upper)
	require.NoError(t, err)
	require.Equal(t, uint64(3), up.BottomHeight)
	require.Equal(t, uint64(5), up.TopHeight)
	require.True(t, up.IsHead())

	xBranch, err := g.Branch(x)
	require.NoError(t, err)
	require.Equal(t, b, xBranch.Parent)

	heads := g.GetHeads()
	require.Len(t, heads, 2)
	require.Contains(t, heads, upper)
	require.Contains(t, heads, x)
}

func TestMergeAfterHeadRemoval(t *testing.T) {
	g := New()
	root := g.NewRootBranch(hh(1), 1)
	require.NoError(t, g.AppendToBranch(root, hh(2), 2))
	require.NoError(t, g.AppendToBranch(root, hh(3), 3))

	altRoot := g.NewRootBranch(hh(30), 3)
	upper, err := g.LinkBranches(root, altRoot, hh(2), 2, hh(3), 3)
	require.NoError(t, err)

	parent, merged, err := g.RemoveHead(altRoot)
	require.NoError(t, err)
	require.Equal(t, root, parent)
	require.Equal(t, upper, merged)

	heads := g.GetHeads()
	require.Equal(t, []BranchID{root}, heads)

	b, err := g.Branch(root)
	require.NoError(t, err)
	require.Equal(t, uint64(3), b.TopHeight)
	require.Empty(t, b.Forks)
}

func TestLinkToHead(t *testing.T) {
	g := New()
	base := g.NewRootBranch(hh(1), 1)
	require.NoError(t, g.AppendToBranch(base, hh(2), 2))

	successor := g.NewRootBranch(hh(3), 3)
	require.NoError(t, g.AppendToBranch(successor, hh(4), 4))

	require.NoError(t, g.LinkToHead(base, successor))

	heads := g.GetHeads()
	require.Equal(t, []BranchID{successor}, heads)
	roots := g.GetRoots()
	require.Equal(t, []BranchID{successor}, roots)

	b, err := g.Branch(successor)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.BottomHeight)
	require.Equal(t, uint64(4), b.TopHeight)
}

func TestLoad_RoundTrip(t *testing.T) {
	g := New()
	root := g.NewRootBranch(hh(1), 1)
	require.NoError(t, g.AppendToBranch(root, hh(2), 2))
	altRoot := g.NewRootBranch(hh(20), 2)
	_, err := g.LinkBranches(root, altRoot, hh(1), 1, hh(2), 2)
	require.NoError(t, err)

	dump := g.Dump()

	g2 := New()
	require.NoError(t, g2.Load(dump))
	require.Equal(t, dump, g2.Dump())
	require.ElementsMatch(t, g.GetHeads(), g2.GetHeads())
	require.ElementsMatch(t, g.GetRoots(), g2.GetRoots())
}

func TestLoad_RejectsDanglingParent(t *testing.T) {
	g := New()
	err := g.Load([]*Branch{
		{ID: 1, Parent: 2, Bottom: hh(1), Top: hh(1), BottomHeight: 1, TopHeight: 1, Forks: map[BranchID]struct{}{}},
	})
	require.Error(t, err)
}

func TestLoad_RejectsInvertedHeights(t *testing.T) {
	g := New()
	err := g.Load([]*Branch{
		{ID: 1, Parent: NoBranch, Bottom: hh(1), Top: hh(1), BottomHeight: 5, TopHeight: 1, Forks: map[BranchID]struct{}{}},
	})
	require.Error(t, err)
}

func TestLoad_RejectsCycle(t *testing.T) {
	g := New()
	err := g.Load([]*Branch{
		{ID: 1, Parent: 2, Bottom: hh(1), Top: hh(1), BottomHeight: 10, TopHeight: 10, Forks: map[BranchID]struct{}{2: {}}},
		{ID: 2, Parent: 1, Bottom: hh(2), Top: hh(2), BottomHeight: 1, TopHeight: 1, Forks: map[BranchID]struct{}{1: {}}},
	})
	require.Error(t, err)
}

func TestSwitchToHead_RejectsNonHead(t *testing.T) {
	g := New()
	root := g.NewRootBranch(hh(1), 1)
	require.NoError(t, g.AppendToBranch(root, hh(2), 2))
	altRoot := g.NewRootBranch(hh(20), 2)
	_, err := g.LinkBranches(root, altRoot, hh(1), 1, hh(2), 2)
	require.NoError(t, err)

	err = g.SwitchToHead(root)
	require.Error(t, err)
}

func TestFindByHeight_NoCurrentChain(t *testing.T) {
	g := New()
	_, err := g.FindByHeight(1)
	require.Error(t, err)
}
