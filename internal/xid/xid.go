// Package xid defines the content-addressed identifiers shared by the chain
// synchronization core: Cid (re-exported from go-cid), TipsetKey and the
// derived TipsetHash used as the primary key throughout BranchGraph,
// IndexStore and ChainDb.
package xid

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"lukechampine.com/blake3"
)

// Cid is the opaque content identifier used for blocks, state roots and
// message roots. Equality is by bytes, inherited from go-cid.
type Cid = cid.Cid

// HashSize is the length in bytes of a TipsetHash.
const HashSize = 32

// TipsetHash is the canonical identifier of a tipset: the hash of its
// TipsetKey's deterministic (sorted) byte encoding.
type TipsetHash [HashSize]byte

// IsZero reports whether h is the zero hash.
func (h TipsetHash) IsZero() bool {
	return h == TipsetHash{}
}

// String returns the hex encoding of h.
func (h TipsetHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of h as a byte slice.
func (h TipsetHash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// TipsetKey is an ordered set of block CIDs at the same height with
// identical parents. The ordering used by Hash is always sorted-by-bytes,
// regardless of the order the caller supplied, so that two TipsetKeys
// built from the same block set always hash identically.
type TipsetKey struct {
	cids []Cid
}

// NewTipsetKey builds a TipsetKey from an unordered slice of block CIDs.
// The input is copied and sorted; duplicates are rejected.
func NewTipsetKey(cids []Cid) (TipsetKey, error) {
	if len(cids) == 0 {
		return TipsetKey{}, fmt.Errorf("tipset key must contain at least one cid")
	}
	sorted := make([]Cid, len(cids))
	copy(sorted, cids)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Bytes(), sorted[j].Bytes()) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Equals(sorted[i-1]) {
			return TipsetKey{}, fmt.Errorf("duplicate cid %s in tipset key", sorted[i])
		}
	}
	return TipsetKey{cids: sorted}, nil
}

// Cids returns the sorted block CIDs backing the key. The returned slice
// must not be mutated.
func (k TipsetKey) Cids() []Cid {
	return k.cids
}

// Len returns the number of blocks in the tipset.
func (k TipsetKey) Len() int {
	return len(k.cids)
}

// Hash computes the TipsetHash: blake3 over the concatenated raw bytes of
// the sorted CIDs. Two keys built from the same block set (in any input
// order) always produce the same hash.
func (k TipsetKey) Hash() TipsetHash {
	h := blake3.New(HashSize, nil)
	for _, c := range k.cids {
		b := c.Bytes()
		_, _ = h.Write(b)
	}
	var out TipsetHash
	copy(out[:], h.Sum(nil))
	return out
}

// String renders the key as its hash, for logging.
func (k TipsetKey) String() string {
	return k.Hash().String()
}

// Equals reports whether two keys contain the same set of CIDs.
func (k TipsetKey) Equals(other TipsetKey) bool {
	return k.Hash() == other.Hash()
}
