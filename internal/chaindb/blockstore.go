package chaindb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/klingnet-labs/tipsync/internal/storage"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// Blockstore resolves and persists BlockHeaders by their content identifier.
// NewKVBlockstore provides a storage.Store-backed implementation; the
// daemon in cmd/klingnetd uses it over its own Badger instance. Other
// implementations, such as an external CAS blockstore, can satisfy the
// same interface.
type Blockstore interface {
	GetBlock(ctx context.Context, c xid.Cid) (*tipset.BlockHeader, error)
	PutBlock(ctx context.Context, h *tipset.BlockHeader) (xid.Cid, error)
	HasBlock(ctx context.Context, c xid.Cid) (bool, error)
}

type kvBlockstore struct {
	ds storage.Store
}

// NewKVBlockstore adapts a storage.Store into a Blockstore, encoding
// BlockHeaders with their CBOR codec and deriving CIDs from the encoded
// bytes exactly as the reference network does.
func NewKVBlockstore(ds storage.Store) Blockstore {
	return &kvBlockstore{ds: ds}
}

func (k *kvBlockstore) GetBlock(ctx context.Context, c xid.Cid) (*tipset.BlockHeader, error) {
	data, err := k.ds.Get(ctx, blockstoreKey(c))
	if err != nil {
		return nil, fmt.Errorf("chaindb: get block %s: %w", c, err)
	}
	var h tipset.BlockHeader
	if err := h.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("chaindb: decode block %s: %w", c, err)
	}
	return &h, nil
}

func (k *kvBlockstore) PutBlock(ctx context.Context, h *tipset.BlockHeader) (xid.Cid, error) {
	var buf bytes.Buffer
	if err := h.MarshalCBOR(&buf); err != nil {
		return xid.Cid{}, fmt.Errorf("chaindb: encode block: %w", err)
	}
	sum, err := mh.Sum(buf.Bytes(), mh.SHA2_256, -1)
	if err != nil {
		return xid.Cid{}, fmt.Errorf("chaindb: hash block: %w", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, sum)
	if err := k.ds.Put(ctx, blockstoreKey(c), buf.Bytes()); err != nil {
		return xid.Cid{}, fmt.Errorf("chaindb: put block %s: %w", c, err)
	}
	return c, nil
}

func (k *kvBlockstore) HasBlock(ctx context.Context, c xid.Cid) (bool, error) {
	ok, err := k.ds.Has(ctx, blockstoreKey(c))
	if err != nil {
		return false, fmt.Errorf("chaindb: has block %s: %w", c, err)
	}
	return ok, nil
}
