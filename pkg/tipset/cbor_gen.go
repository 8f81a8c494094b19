package tipset

// Hand-written in the style of github.com/whyrusleeping/cbor-gen output:
// a fixed-arity CBOR tuple per type, written field by field in declaration
// order. Kept in sync manually with BlockHeader's fields since the wire
// format must stay bit-exact with the reference network.

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"

	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/types"
)

// lengthBufBlockHeader is the pre-computed CBOR array header for a
// 7-field BlockHeader tuple.
var lengthBufBlockHeader = []byte{135}

func (t *BlockHeader) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	if _, err := w.Write(lengthBufBlockHeader); err != nil {
		return err
	}

	scratch := make([]byte, 9)

	// t.Miner (types.Address)
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajByteString, uint64(len(t.Miner))); err != nil {
		return err
	}
	if _, err := w.Write(t.Miner[:]); err != nil {
		return err
	}

	// t.Parent (xid.TipsetKey)
	parentCids := t.Parent.Cids()
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajArray, uint64(len(parentCids))); err != nil {
		return xerrors.Errorf("failed to write parent cid array header: %w", err)
	}
	for _, c := range parentCids {
		if err := cbg.WriteCidBuf(scratch, w, c); err != nil {
			return xerrors.Errorf("failed to write parent cid: %w", err)
		}
	}

	// t.Height (uint64)
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajUnsignedInt, t.Height); err != nil {
		return err
	}

	// t.WeightDelta (uint64)
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajUnsignedInt, t.WeightDelta); err != nil {
		return err
	}

	// t.StateRoot (cid.Cid)
	if err := cbg.WriteCidBuf(scratch, w, t.StateRoot); err != nil {
		return xerrors.Errorf("failed to write state root cid: %w", err)
	}

	// t.MessageRoots ([]cid.Cid)
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajArray, uint64(len(t.MessageRoots))); err != nil {
		return xerrors.Errorf("failed to write message roots array header: %w", err)
	}
	for _, c := range t.MessageRoots {
		if err := cbg.WriteCidBuf(scratch, w, c); err != nil {
			return xerrors.Errorf("failed to write message root cid: %w", err)
		}
	}

	// t.Timestamp (uint64)
	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajUnsignedInt, t.Timestamp); err != nil {
		return err
	}

	return nil
}

func (t *BlockHeader) UnmarshalCBOR(r io.Reader) (err error) {
	*t = BlockHeader{}

	br := cbg.GetPeeker(r)
	scratch := make([]byte, 8)

	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input for BlockHeader was not a tuple (major type %d)", maj)
	}
	if extra != 7 {
		return fmt.Errorf("cbor input for BlockHeader had wrong field count %d, expected 7", extra)
	}

	// t.Miner (types.Address)
	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return xerrors.Errorf("reading miner bytestring header: %w", err)
	}
	if maj != cbg.MajByteString || extra != uint64(types.AddressSize) {
		return fmt.Errorf("miner address must be a %d-byte string", types.AddressSize)
	}
	if _, err := io.ReadFull(br, t.Miner[:]); err != nil {
		return xerrors.Errorf("reading miner address: %w", err)
	}

	// t.Parent (xid.TipsetKey)
	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return xerrors.Errorf("reading parent array header: %w", err)
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("parent field was not an array")
	}
	parentCids := make([]cid.Cid, extra)
	for i := range parentCids {
		c, err := cbg.ReadCid(br)
		if err != nil {
			return xerrors.Errorf("reading parent cid %d: %w", i, err)
		}
		parentCids[i] = c
	}
	if len(parentCids) > 0 {
		key, err := xid.NewTipsetKey(parentCids)
		if err != nil {
			return xerrors.Errorf("rebuilding parent key: %w", err)
		}
		t.Parent = key
	}

	// t.Height (uint64)
	maj, t.Height, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return xerrors.Errorf("reading height: %w", err)
	}
	if maj != cbg.MajUnsignedInt {
		return fmt.Errorf("height field was not a uint")
	}

	// t.WeightDelta (uint64)
	maj, t.WeightDelta, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return xerrors.Errorf("reading weight delta: %w", err)
	}
	if maj != cbg.MajUnsignedInt {
		return fmt.Errorf("weight_delta field was not a uint")
	}

	// t.StateRoot (cid.Cid)
	t.StateRoot, err = cbg.ReadCid(br)
	if err != nil {
		return xerrors.Errorf("reading state root cid: %w", err)
	}

	// t.MessageRoots ([]cid.Cid)
	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return xerrors.Errorf("reading message roots array header: %w", err)
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("message_roots field was not an array")
	}
	t.MessageRoots = make([]cid.Cid, extra)
	for i := range t.MessageRoots {
		c, err := cbg.ReadCid(br)
		if err != nil {
			return xerrors.Errorf("reading message root cid %d: %w", i, err)
		}
		t.MessageRoots[i] = c
	}

	// t.Timestamp (uint64)
	maj, t.Timestamp, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return xerrors.Errorf("reading timestamp: %w", err)
	}
	if maj != cbg.MajUnsignedInt {
		return fmt.Errorf("timestamp field was not a uint")
	}

	return nil
}
