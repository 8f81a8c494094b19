package vm

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// Fake is a deterministic, in-memory Interpreter for tests: it derives a
// Result from the tipset's hash alone, with no dependency on an IPLD store.
// It never touches the network or a real VM.
type Fake struct {
	// FailAt, if non-nil, reports an error when asked to interpret the
	// tipset whose hash equals *FailAt, simulating a VM error partway
	// through a forward walk.
	FailAt *xid.TipsetHash
}

func (f *Fake) Interpret(_ context.Context, _ IPLDStore, ts *tipset.Tipset) (Result, error) {
	h := ts.Hash()
	if f.FailAt != nil && h == *f.FailAt {
		return Result{}, fmt.Errorf("fake vm: simulated failure interpreting tipset %s", h)
	}
	return Result{
		StateRoot:    derivedCid(h[:], 0),
		ReceiptsRoot: derivedCid(h[:], 1),
	}, nil
}

func derivedCid(seed []byte, salt byte) xid.Cid {
	buf := append(append([]byte{}, seed...), salt)
	h, err := mh.Sum(buf, mh.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.DagCBOR, h)
}

// MemStore is a trivial in-memory IPLDStore for tests.
type MemStore struct {
	blocks map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blocks: make(map[string][]byte)}
}

func (m *MemStore) Put(c xid.Cid, data []byte) {
	m.blocks[c.KeyString()] = data
}

func (m *MemStore) Get(_ context.Context, c xid.Cid) ([]byte, error) {
	b, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, fmt.Errorf("block not found: %s", c)
	}
	return b, nil
}

func (m *MemStore) Has(_ context.Context, c xid.Cid) (bool, error) {
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}
