// Package peerdir tracks known peers' connection, protocol and network
// membership status, and their latest claimed head. It is queried by
// Syncer to pick a peer for a SyncJob and by TipsetLoader's penalty
// callback to demote peers whose requests fail.
package peerdir

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/xid"
)

// penaltyThreshold is how many failed TipsetLoader requests, counted since
// the peer's penalties were last cleared, demote a peer out of getPeerInfo
// eligibility. This is a
// quality-of-service demotion, distinct from the connection-level banning
// that belongs to the transport layer.
const penaltyThreshold = 3

// ClaimedHead is a peer's latest Hello-style greeting.
type ClaimedHead struct {
	Tipset xid.TipsetKey
	Weight uint64
	Height uint64
}

// Info is one peer's tracked status.
type Info struct {
	ID          peer.ID
	Connected   bool
	NetworkNode bool // agreed on genesis CID
	Protocols   map[protocol.ID]bool
	Head        *ClaimedHead

	penaltyStreak int
	demoted       bool
}

func (i *Info) handles(required []protocol.ID) bool {
	for _, p := range required {
		if !i.Protocols[p] {
			return false
		}
	}
	return true
}

func (i *Info) eligible() bool { return !i.demoted }

// Query narrows getPeerInfo's candidate set.
type Query struct {
	MustBeConnected   bool
	MustBeNetworkNode bool
	MustHandle        []protocol.ID
}

// StatusEvent is emitted on every status transition a peer undergoes.
type StatusEvent struct {
	Peer      peer.ID
	Connected bool
	Demoted   bool
}

// Directory is not safe for concurrent use; every method runs on the
// synchronization core's scheduler goroutine like the rest of the core.
type Directory struct {
	peers        map[peer.ID]*Info
	onTransition func(StatusEvent)
}

func New() *Directory {
	return &Directory{peers: make(map[peer.ID]*Info)}
}

// OnTransition installs the signal handler invoked after every status
// transition (connect/disconnect, demotion).
func (d *Directory) OnTransition(fn func(StatusEvent)) { d.onTransition = fn }

func (d *Directory) infoFor(id peer.ID) *Info {
	info, ok := d.peers[id]
	if !ok {
		info = &Info{ID: id, Protocols: make(map[protocol.ID]bool)}
		d.peers[id] = info
	}
	return info
}

// SetConnected records a connection status transition.
func (d *Directory) SetConnected(id peer.ID, connected bool) {
	info := d.infoFor(id)
	if info.Connected == connected {
		return
	}
	info.Connected = connected
	d.emit(info)
}

// SetHandshakeResult records the outcome of a genesis-CID handshake and the
// set of required protocols the peer supports.
func (d *Directory) SetHandshakeResult(id peer.ID, isNetworkNode bool, protocols []protocol.ID) {
	info := d.infoFor(id)
	info.NetworkNode = isNetworkNode
	info.Protocols = make(map[protocol.ID]bool, len(protocols))
	for _, p := range protocols {
		info.Protocols[p] = true
	}
	d.emit(info)
}

// SetClaimedHead records a peer's latest Hello-style greeting.
func (d *Directory) SetClaimedHead(id peer.ID, head ClaimedHead) {
	d.infoFor(id).Head = &head
	d.ClearPenalties(id)
}

// ReportOfflinePeer marks a peer offline without disconnecting it at the
// transport layer.
func (d *Directory) ReportOfflinePeer(id peer.ID) {
	info, ok := d.peers[id]
	if !ok {
		return
	}
	if !info.Connected {
		return
	}
	info.Connected = false
	d.emit(info)
}

// Penalize increments id's penalty streak; the third penalty demotes the
// peer out of getPeerInfo results until a fresh claimed head or
// ClearPenalties clears the streak.
func (d *Directory) Penalize(id peer.ID) {
	info, ok := d.peers[id]
	if !ok {
		return
	}
	info.penaltyStreak++
	if info.penaltyStreak >= penaltyThreshold && !info.demoted {
		info.demoted = true
		log.PeerDir.Warn().Str("peer", id.String()).Msg("peer demoted after repeated penalties")
		d.emit(info)
	}
}

// ClearPenalties resets id's penalty streak and any demotion, called when
// the peer proves useful again (e.g. a fresh valid claimed head).
func (d *Directory) ClearPenalties(id peer.ID) {
	info, ok := d.peers[id]
	if !ok {
		return
	}
	info.penaltyStreak = 0
	if info.demoted {
		info.demoted = false
		d.emit(info)
	}
}

// GetPeerInfo returns every peer matching q, excluding demoted peers.
func (d *Directory) GetPeerInfo(q Query) []*Info {
	var out []*Info
	for _, info := range d.peers {
		if !info.eligible() {
			continue
		}
		if q.MustBeConnected && !info.Connected {
			continue
		}
		if q.MustBeNetworkNode && !info.NetworkNode {
			continue
		}
		if len(q.MustHandle) > 0 && !info.handles(q.MustHandle) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (d *Directory) emit(info *Info) {
	if d.onTransition == nil {
		return
	}
	d.onTransition(StatusEvent{Peer: info.ID, Connected: info.Connected, Demoted: info.demoted})
}
