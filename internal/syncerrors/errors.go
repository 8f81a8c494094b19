// Package syncerrors enumerates the error taxonomy shared by every
// component of the chain synchronization core, so callers can use
// errors.Is/errors.As against one stable set of sentinels regardless of
// which component produced the failure.
package syncerrors

import "errors"

// NotFound errors.
var (
	ErrBranchNotFound   = errors.New("branch not found")
	ErrNoCurrentChain   = errors.New("no current chain projected")
	ErrNoHeaviestTipset = errors.New("no heaviest tipset known")
	ErrNoGenesisBlock   = errors.New("no genesis block stored")
)

// InvariantViolation errors.
var (
	ErrCycleDetected      = errors.New("cycle detected in branch graph")
	ErrGraphLoadError     = errors.New("branch graph failed to load from persisted state")
	ErrDataIntegrityError = errors.New("persisted data failed an integrity check")
	ErrLinkHeightMismatch = errors.New("linked branch heights are inconsistent")
	ErrStoreNotInitialized = errors.New("index store not initialized")
)

// Precondition errors.
var (
	ErrBranchIsNotAHead = errors.New("branch is not a head")
	ErrBranchIsNotARoot = errors.New("branch is not a root")
)

// Network errors.
var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrBadResponse     = errors.New("peer response did not match the request")
)

// Validation errors.
var (
	ErrBadBlocks        = errors.New("block set failed structural or cryptographic validation")
	ErrTipsetMarkedBad  = errors.New("tipset was previously marked bad")
)
