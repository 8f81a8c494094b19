// Package hello implements the greeting exchanged on first contact with a
// peer: genesis agreement and the peer's claimed head, the network-
// membership and claimed-head inputs PeerDirectory and Syncer need.
// Mirrors the teacher's height-query stream handler shape.
package hello

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingnet-labs/tipsync/internal/xid"
)

// Protocol is the stream protocol ID for the greeting exchange.
const Protocol = protocol.ID("/tipsync/hello/1.0.0")

const readTimeout = 5 * time.Second

// Message is both the request and response payload: each side states its
// genesis and current head so either can detect a mismatch or a stronger
// chain.
type Message struct {
	GenesisCID string   `json:"genesis_cid"`
	HeadCids   []string `json:"head_cids"`
	Weight     uint64   `json:"weight"`
	Height     uint64   `json:"height"`
}

// Local answers a Hello with this node's own greeting.
type Local interface {
	LocalGreeting() Message
}

// Handler is invoked with the result of a peer's greeting: whether it
// agrees on genesis, and its claimed head.
type Handler func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64)

// RegisterHandler installs the server side: on an incoming greeting, it
// compares genesis, replies with its own greeting, then invokes onGreeting.
func RegisterHandler(h host.Host, local Local, onGreeting Handler) {
	h.SetStreamHandler(Protocol, func(stream network.Stream) {
		defer stream.Close()
		handleGreeting(stream, local, onGreeting)
	})
}

func handleGreeting(stream network.Stream, local Local, onGreeting Handler) {
	_ = stream.SetDeadline(time.Now().Add(readTimeout))

	var peerMsg Message
	if err := json.NewDecoder(io.LimitReader(stream, 4096)).Decode(&peerMsg); err != nil {
		return
	}

	own := local.LocalGreeting()
	if err := json.NewEncoder(stream).Encode(&own); err != nil {
		return
	}

	dispatch(stream.Conn().RemotePeer(), own.GenesisCID, peerMsg, onGreeting)
}

// Greet opens a greeting stream to p and reports the result via onGreeting.
func Greet(ctx context.Context, h host.Host, p peer.ID, local Local, onGreeting Handler) error {
	stream, err := h.NewStream(ctx, p, Protocol)
	if err != nil {
		return fmt.Errorf("hello: open stream: %w", err)
	}
	defer stream.Close()

	own := local.LocalGreeting()
	if err := json.NewEncoder(stream).Encode(&own); err != nil {
		return fmt.Errorf("hello: write greeting: %w", err)
	}
	_ = stream.CloseWrite()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	} else {
		_ = stream.SetReadDeadline(time.Now().Add(readTimeout))
	}

	var peerMsg Message
	if err := json.NewDecoder(io.LimitReader(stream, 4096)).Decode(&peerMsg); err != nil {
		return fmt.Errorf("hello: read greeting: %w", err)
	}

	dispatch(p, own.GenesisCID, peerMsg, onGreeting)
	return nil
}

func dispatch(p peer.ID, localGenesis string, peerMsg Message, onGreeting Handler) {
	isNetworkNode := peerMsg.GenesisCID == localGenesis

	cids := make([]xid.Cid, 0, len(peerMsg.HeadCids))
	for _, s := range peerMsg.HeadCids {
		c, err := cid.Decode(s)
		if err != nil {
			onGreeting(p, false, xid.TipsetKey{}, 0, 0)
			return
		}
		cids = append(cids, c)
	}
	key, err := xid.NewTipsetKey(cids)
	if err != nil {
		onGreeting(p, false, xid.TipsetKey{}, 0, 0)
		return
	}
	onGreeting(p, isNetworkNode, key, peerMsg.Weight, peerMsg.Height)
}
