package hello

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/klingnet-labs/tipsync/internal/xid"
)

type fakeLocal struct {
	msg Message
}

func (f *fakeLocal) LocalGreeting() Message { return f.msg }

func TestGreet_AgreeingGenesisReportsNetworkNode(t *testing.T) {
	h1, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h1.Close()

	h2, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h2.Close()

	headCid := "bafy2bzaceaglgo4qms7b4dkbvcxjonqnrxfyu5difnpckuh7dbw4r3fiudbzi"
	local1 := &fakeLocal{msg: Message{GenesisCID: "g1", HeadCids: []string{headCid}, Weight: 10, Height: 5}}
	local2 := &fakeLocal{msg: Message{GenesisCID: "g1", HeadCids: []string{headCid}, Weight: 20, Height: 8}}

	var gotPeer peer.ID
	var gotNetworkNode bool
	var gotWeight, gotHeight uint64
	done := make(chan struct{}, 1)
	RegisterHandler(h1, local1, func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64) {
		gotPeer, gotNetworkNode, gotWeight, gotHeight = p, isNetworkNode, weight, height
		done <- struct{}{}
	})

	h2.Peerstore().AddAddrs(h1.ID(), h1.Addrs(), time.Hour)
	require.NoError(t, h2.Connect(context.Background(), peer.AddrInfo{ID: h1.ID(), Addrs: h1.Addrs()}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var replyPeer peer.ID
	var replyNetworkNode bool
	replyDone := make(chan struct{}, 1)
	err = Greet(ctx, h2, h1.ID(), local2, func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64) {
		replyPeer, replyNetworkNode = p, isNetworkNode
		replyDone <- struct{}{}
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never dispatched")
	}
	select {
	case <-replyDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client side never dispatched")
	}

	require.Equal(t, h2.ID(), gotPeer)
	require.True(t, gotNetworkNode)
	require.Equal(t, uint64(20), gotWeight)
	require.Equal(t, uint64(8), gotHeight)

	require.Equal(t, h1.ID(), replyPeer)
	require.True(t, replyNetworkNode)
}

func TestGreet_MismatchedGenesisReportsNotNetworkNode(t *testing.T) {
	h1, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h1.Close()

	h2, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h2.Close()

	headCid := "bafy2bzaceaglgo4qms7b4dkbvcxjonqnrxfyu5difnpckuh7dbw4r3fiudbzi"
	local1 := &fakeLocal{msg: Message{GenesisCID: "mainnet", HeadCids: []string{headCid}}}
	local2 := &fakeLocal{msg: Message{GenesisCID: "testnet", HeadCids: []string{headCid}}}

	RegisterHandler(h1, local1, func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64) {})

	h2.Peerstore().AddAddrs(h1.ID(), h1.Addrs(), time.Hour)
	require.NoError(t, h2.Connect(context.Background(), peer.AddrInfo{ID: h1.ID(), Addrs: h1.Addrs()}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var replyNetworkNode bool
	done := make(chan struct{}, 1)
	err = Greet(ctx, h2, h1.ID(), local2, func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64) {
		replyNetworkNode = isNetworkNode
		done <- struct{}{}
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client side never dispatched")
	}
	require.False(t, replyNetworkNode)
}

func TestGreet_NoSuchPeer(t *testing.T) {
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	defer h.Close()

	fakePeer, err := peer.Decode("QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N")
	require.NoError(t, err)

	local := &fakeLocal{msg: Message{GenesisCID: "g1"}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = Greet(ctx, h, fakePeer, local, func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64) {})
	require.Error(t, err)
}
