// Package blocksync is the concrete network collaborator behind
// tipsetloader.Fetcher: a request/response stream protocol over libp2p that
// asks a peer for the block headers composing a tipset, mirroring the
// teacher's height-query stream handler shape (JSON envelope, read
// deadline, single round trip per call) but carrying CBOR-encoded block
// headers as the payload.
package blocksync

import (
	"bytes"
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

	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// Protocol is the stream protocol ID for tipset requests. A request carries
// a depth hint, but the server answers with the requested tipset's headers
// only.
const Protocol = protocol.ID("/tipsync/blocksync/1.0.0")

// readTimeout bounds how long the server waits to read a request, and how
// long the client waits for a response when the caller's context carries
// no deadline of its own (otherwise that deadline is used instead).
const readTimeout = 30 * time.Second

// maxResponseBytes bounds the size of a single response the client reads.
const maxResponseBytes = 8 << 20

type wireRequest struct {
	Cids      []string `json:"cids"`
	DepthHint int      `json:"depth_hint"`
}

type wireResponse struct {
	Headers [][]byte `json:"headers"` // each a CBOR-encoded BlockHeader
	Error   string   `json:"error,omitempty"`
}

// Local resolves a tipset's block headers from local storage to answer an
// incoming request.
type Local interface {
	GetTipsetByKey(ctx context.Context, key xid.TipsetKey) (*tipset.Tipset, error)
}

// Fetcher implements tipsetloader.Fetcher over a live libp2p host.
type Fetcher struct {
	h host.Host
}

func NewFetcher(h host.Host) *Fetcher {
	return &Fetcher{h: h}
}

func (f *Fetcher) FetchTipset(ctx context.Context, p peer.ID, key xid.TipsetKey, depthHint int) (*tipset.Tipset, error) {
	stream, err := f.h.NewStream(ctx, p, Protocol)
	if err != nil {
		return nil, fmt.Errorf("blocksync: open stream: %w", err)
	}
	defer stream.Close()

	cids := key.Cids()
	req := wireRequest{Cids: make([]string, len(cids)), DepthHint: depthHint}
	for i, c := range cids {
		req.Cids[i] = c.String()
	}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("blocksync: write request: %w", err)
	}
	_ = stream.CloseWrite()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	} else {
		_ = stream.SetReadDeadline(time.Now().Add(readTimeout))
	}

	var resp wireResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("blocksync: read response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("blocksync: peer error: %s", resp.Error)
	}
	if len(resp.Headers) != len(cids) {
		return nil, fmt.Errorf("blocksync: expected %d headers, got %d", len(cids), len(resp.Headers))
	}

	headers := make([]*tipset.BlockHeader, len(resp.Headers))
	for i, raw := range resp.Headers {
		h := &tipset.BlockHeader{}
		if err := h.UnmarshalCBOR(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("blocksync: decode header %d: %w", i, err)
		}
		headers[i] = h
	}

	return tipset.New(cids, headers)
}

// RegisterHandler installs the server side of the protocol: it answers
// requests for tipsets local already has stored.
func RegisterHandler(h host.Host, local Local) {
	h.SetStreamHandler(Protocol, func(stream network.Stream) {
		defer stream.Close()
		handleRequest(stream, local)
	})
}

func handleRequest(stream network.Stream, local Local) {
	_ = stream.SetReadDeadline(time.Now().Add(readTimeout))

	var req wireRequest
	if err := json.NewDecoder(io.LimitReader(stream, 4096)).Decode(&req); err != nil {
		log.Loader.Warn().Err(err).Msg("blocksync: malformed request")
		return
	}

	cids := make([]xid.Cid, len(req.Cids))
	for i, s := range req.Cids {
		c, err := cid.Decode(s)
		if err != nil {
			writeError(stream, "bad cid")
			return
		}
		cids[i] = c
	}
	key, err := xid.NewTipsetKey(cids)
	if err != nil {
		writeError(stream, "bad tipset key")
		return
	}

	ts, err := local.GetTipsetByKey(context.Background(), key)
	if err != nil {
		writeError(stream, "not found")
		return
	}

	resp := wireResponse{Headers: make([][]byte, len(ts.Blocks()))}
	for i, b := range ts.Blocks() {
		var buf bytes.Buffer
		if err := b.MarshalCBOR(&buf); err != nil {
			writeError(stream, "encode error")
			return
		}
		resp.Headers[i] = buf.Bytes()
	}
	_ = json.NewEncoder(stream).Encode(&resp)
}

func writeError(stream network.Stream, msg string) {
	_ = json.NewEncoder(stream).Encode(&wireResponse{Error: msg})
}
