package peerdir

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/require"
)

const syncProto = protocol.ID("/tipsync/sync/1.0.0")

func TestGetPeerInfo_FiltersOnAllCriteria(t *testing.T) {
	d := New()
	d.SetConnected(peer.ID("a"), true)
	d.SetHandshakeResult(peer.ID("a"), true, []protocol.ID{syncProto})

	d.SetConnected(peer.ID("b"), true)
	d.SetHandshakeResult(peer.ID("b"), false, []protocol.ID{syncProto})

	d.SetConnected(peer.ID("c"), false)
	d.SetHandshakeResult(peer.ID("c"), true, []protocol.ID{syncProto})

	got := d.GetPeerInfo(Query{MustBeConnected: true, MustBeNetworkNode: true, MustHandle: []protocol.ID{syncProto}})
	require.Len(t, got, 1)
	require.Equal(t, peer.ID("a"), got[0].ID)
}

func TestGetPeerInfo_RequiresAllProtocols(t *testing.T) {
	d := New()
	d.SetConnected(peer.ID("a"), true)
	d.SetHandshakeResult(peer.ID("a"), true, []protocol.ID{syncProto})

	got := d.GetPeerInfo(Query{MustHandle: []protocol.ID{syncProto, protocol.ID("/other/1.0.0")}})
	require.Empty(t, got)
}

func TestPenalize_DemotesAfterThirdConsecutivePenalty(t *testing.T) {
	d := New()
	d.SetConnected(peer.ID("a"), true)

	d.Penalize(peer.ID("a"))
	d.Penalize(peer.ID("a"))
	require.Len(t, d.GetPeerInfo(Query{}), 1)

	d.Penalize(peer.ID("a"))
	require.Empty(t, d.GetPeerInfo(Query{}))
}

func TestClearPenalties_RestoresEligibility(t *testing.T) {
	d := New()
	d.SetConnected(peer.ID("a"), true)
	for i := 0; i < 3; i++ {
		d.Penalize(peer.ID("a"))
	}
	require.Empty(t, d.GetPeerInfo(Query{}))

	d.ClearPenalties(peer.ID("a"))
	require.Len(t, d.GetPeerInfo(Query{}), 1)
}

func TestReportOfflinePeer_MarksDisconnectedWithoutRemoving(t *testing.T) {
	d := New()
	d.SetConnected(peer.ID("a"), true)

	var events []StatusEvent
	d.OnTransition(func(e StatusEvent) { events = append(events, e) })

	d.ReportOfflinePeer(peer.ID("a"))
	require.Len(t, events, 1)
	require.False(t, events[0].Connected)

	got := d.GetPeerInfo(Query{})
	require.Len(t, got, 1)
	require.False(t, got[0].Connected)
}

func TestSetClaimedHead_RecordsGreeting(t *testing.T) {
	d := New()
	d.SetConnected(peer.ID("a"), true)
	d.SetClaimedHead(peer.ID("a"), ClaimedHead{Weight: 100, Height: 10})

	got := d.GetPeerInfo(Query{})
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Head)
	require.Equal(t, uint64(100), got[0].Head.Weight)
}
