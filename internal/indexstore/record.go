// Package indexstore implements the durable projection backing BranchGraph:
// tipsets, their block membership, parent/child links and branch metadata,
// plus per-tipset and per-block sync state. It is the sole persistence
// layer ChainDb writes through.
//
// Keys are namespaced the way the chain store in this codebase's lineage
// lays out a key-value schema: short prefixes over a flat keyspace, records
// JSON-encoded since none of them cross the wire (only BlockHeader does,
// via its own CBOR codec in pkg/tipset).
package indexstore

import "github.com/klingnet-labs/tipsync/internal/branchgraph"

// SyncState tracks how much of a tipset's data is known to be present and
// valid. Monotonic: only Bad is terminal, and the leading states only ever
// advance toward Complete.
type SyncState int

const (
	Unknown SyncState = iota
	HeaderOnly
	Complete
	Bad
)

func (s SyncState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case HeaderOnly:
		return "header_only"
	case Complete:
		return "complete"
	case Bad:
		return "bad"
	default:
		return "invalid"
	}
}

// Advance reports whether moving from s to next is a legal monotonic
// transition: forward progress toward Complete, or a move to Bad from
// anywhere (terminal).
func (s SyncState) Advance(next SyncState) bool {
	if next == Bad {
		return true
	}
	if s == Bad {
		return false
	}
	return next >= s
}

// TipsetRecord is the tipsets table row.
type TipsetRecord struct {
	Hash      string // hex TipsetHash, primary key
	BranchID  branchgraph.BranchID
	Height    uint64
	Weight    uint64
	SyncState SyncState
}

// TipsetBlockRecord is a tipset_blocks table row: ordered block membership.
type TipsetBlockRecord struct {
	TipsetHash string
	Cid        string
	Seq        int
}

// BlockRecord is the blocks table row.
type BlockRecord struct {
	Cid       string // primary key
	MsgCid    string
	Type      string
	SyncState SyncState
	RefCount  int
}

// LinkRecord is a links table row: Right extends Left.
type LinkRecord struct {
	Left  string
	Right string
}

// BranchRecord is the branches table row, the persisted shape of a
// branchgraph.Branch.
type BranchRecord struct {
	ID           branchgraph.BranchID
	BottomHash   string
	TopHash      string
	BottomHeight uint64
	TopHeight    uint64
	ParentID     branchgraph.BranchID
	Forks        []branchgraph.BranchID
}
