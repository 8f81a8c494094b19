// Package syncjob drives a single backward walk from a claimed head toward
// a tipset already present in ChainDb, one ancestor at a time.
package syncjob

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingnet-labs/tipsync/internal/branchgraph"
	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/syncerrors"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// State is one node of the job's state machine (spec table in §4.5).
type State int

const (
	Idle State = iota
	InProgress
	SyncedToGenesis
	BadBlocks
	InternalError
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case SyncedToGenesis:
		return "synced_to_genesis"
	case BadBlocks:
		return "bad_blocks"
	case InternalError:
		return "internal_error"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == SyncedToGenesis || s == BadBlocks || s == InternalError || s == Interrupted
}

// ChainDb is the subset of chaindb.ChainDb the job needs.
type ChainDb interface {
	TipsetIsStored(ctx context.Context, hash xid.TipsetHash) (bool, error)
	StoreTipset(ctx context.Context, ts *tipset.Tipset) (branchgraph.BranchID, bool, error)
	GetUnsyncedBottom(ctx context.Context, head xid.TipsetHash) (*tipset.Tipset, error)
}

// Loader is the subset of tipsetloader.Loader the job needs.
type Loader interface {
	SetCallback(cb func(hash xid.TipsetHash, ts *tipset.Tipset, err error))
	LoadTipsetAsync(key xid.TipsetKey, p peer.ID, depthHint int)
}

// Callback reports the job's terminal state exactly once.
type Callback func(state State, err error)

// Job drives one backward sync from a claimed head. Not safe for concurrent
// use; every method is expected to run on the owning scheduler goroutine.
type Job struct {
	db     ChainDb
	loader Loader

	state State
	peer  peer.ID
	depth int

	headKey xid.TipsetKey
	next    xid.TipsetKey

	cb Callback
}

// New builds an idle Job. The Job installs itself as the loader's callback
// for the duration of Start, so only one Job should drive a given Loader at
// a time (Syncer enforces this by owning at most one active SyncJob).
func New(db ChainDb, loader Loader) *Job {
	return &Job{db: db, loader: loader, state: Idle}
}

func (j *Job) State() State { return j.state }

// Start begins the backward walk toward head, delivering the terminal
// state via cb exactly once.
func (j *Job) Start(ctx context.Context, p peer.ID, head xid.TipsetKey, depth int, cb Callback) {
	j.peer = p
	j.depth = depth
	j.headKey = head
	j.cb = cb
	j.loader.SetCallback(j.onTipsetLoaded)

	j.advance(ctx)
}

// Cancel interrupts an in-progress job. A later loader delivery for this
// job is ignored since state is no longer InProgress.
func (j *Job) Cancel() {
	if j.state != InProgress {
		return
	}
	j.finish(Interrupted, nil)
}

// advance inspects where the walk currently stands and either requests the
// next ancestor or terminates.
func (j *Job) advance(ctx context.Context) {
	headHash := j.headKey.Hash()
	stored, err := j.db.TipsetIsStored(ctx, headHash)
	if err != nil {
		j.finish(InternalError, err)
		return
	}
	if !stored {
		j.state = InProgress
		j.requestNext(j.headKey)
		return
	}

	bottom, err := j.db.GetUnsyncedBottom(ctx, headHash)
	if err != nil {
		j.finish(InternalError, err)
		return
	}
	if bottom == nil {
		j.finish(SyncedToGenesis, nil)
		return
	}
	j.state = InProgress
	j.requestNext(bottom.Parent())
}

func (j *Job) requestNext(key xid.TipsetKey) {
	j.next = key
	j.loader.LoadTipsetAsync(key, j.peer, j.depth)
}

func (j *Job) onTipsetLoaded(hash xid.TipsetHash, ts *tipset.Tipset, err error) {
	if j.state != InProgress {
		return
	}
	if hash != j.next.Hash() {
		log.SyncJob.Debug().Str("got", hash.String()).Str("want", j.next.Hash().String()).Msg("ignoring stale tipset delivery")
		return
	}

	if err != nil {
		if errors.Is(err, syncerrors.ErrBadBlocks) {
			j.finish(BadBlocks, err)
		} else {
			j.finish(InternalError, err)
		}
		return
	}

	ctx := context.Background()
	if _, _, err := j.db.StoreTipset(ctx, ts); err != nil {
		j.finish(InternalError, err)
		return
	}
	j.advance(ctx)
}

func (j *Job) finish(state State, err error) {
	j.state = state
	log.SyncJob.Info().Str("state", state.String()).Err(err).Msg("sync job terminated")
	if j.cb != nil {
		cb := j.cb
		j.cb = nil
		cb(state, err)
	}
}
