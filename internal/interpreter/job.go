// Package interpreter drives a forward replay of the VM over tipsets
// already present in ChainDb, caching one InterpreterResult per tipset hash
// so a later request for the same head returns instantly.
package interpreter

import (
	"context"
	"fmt"
	"weak"

	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/scheduler"
	"github.com/klingnet-labs/tipsync/internal/syncerrors"
	"github.com/klingnet-labs/tipsync/internal/vm"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// maxLookahead bounds how many tipsets a single step interprets before
// yielding back to the scheduler.
const maxLookahead = 100

// ChainDb is the subset of chaindb.ChainDb the job needs to walk stored
// tipsets by height or by hash.
type ChainDb interface {
	WalkForward(ctx context.Context, fromHeight, toHeight uint64, cb func(*tipset.Tipset) bool) error
	WalkBackward(ctx context.Context, fromHash xid.TipsetHash, untilHeight uint64, cb func(*tipset.Tipset) bool) error
	TipsetIsBad(ctx context.Context, hash xid.TipsetHash) (bool, error)
	MarkTipsetBad(ctx context.Context, hash xid.TipsetHash) error
}

// Callback reports the interpreted head's result exactly once.
type Callback func(result vm.Result, err error)

// Job replays tipsets forward through the VM starting from the highest
// cached ancestor of a claimed head. Not safe for concurrent use; every
// method is expected to run on the owning scheduler goroutine.
type Job struct {
	db    ChainDb
	vmi   vm.Interpreter
	store vm.IPLDStore
	sched *scheduler.Scheduler
	cache *ResultCache

	self weak.Pointer[Job]
	ctx  context.Context

	active        bool
	headHash      xid.TipsetHash
	targetHeight  uint64
	currentHeight uint64
	cb            Callback
}

// New builds an idle Job backed by cache, which may be shared across many
// Jobs since it is safe for concurrent readers and write-once per hash.
func New(db ChainDb, vmi vm.Interpreter, store vm.IPLDStore, sched *scheduler.Scheduler, cache *ResultCache) *Job {
	j := &Job{db: db, vmi: vmi, store: store, sched: sched, cache: cache}
	j.self = weak.Make(j)
	return j
}

// Start replays head's ancestry forward, delivering its result via cb
// exactly once. If head already has a cached result, cb is invoked with it
// on the scheduler goroutine without re-entering Start's caller.
func (j *Job) Start(ctx context.Context, headHash xid.TipsetHash, headHeight uint64, cb Callback) {
	if res, ok := j.cache.Get(headHash); ok {
		j.sched.Post(func() { cb(res, nil) })
		return
	}

	j.ctx = ctx
	j.headHash = headHash
	j.targetHeight = headHeight
	j.cb = cb
	j.active = true

	bad, err := j.db.TipsetIsBad(ctx, headHash)
	if err != nil {
		j.finish(vm.Result{}, err)
		return
	}
	if bad {
		j.finish(vm.Result{}, fmt.Errorf("interpreter: %w: %s", syncerrors.ErrTipsetMarkedBad, headHash))
		return
	}

	next, err := j.locateBase(ctx, headHash)
	if err != nil {
		j.finish(vm.Result{}, err)
		return
	}
	j.currentHeight = next
	j.scheduleStep()
}

// Cancel marks the job inactive and drops its callback. Any interpret call
// already in flight for the current step runs to completion, but its
// result is discarded once the step observes j.active is false.
func (j *Job) Cancel() {
	j.active = false
	j.cb = nil
}

// locateBase walks backward from headHash to the highest ancestor already
// present in cache, returning the height to resume interpretation from.
func (j *Job) locateBase(ctx context.Context, headHash xid.TipsetHash) (uint64, error) {
	next := uint64(0)
	err := j.db.WalkBackward(ctx, headHash, 0, func(ts *tipset.Tipset) bool {
		if _, ok := j.cache.Get(ts.Hash()); ok {
			next = ts.Height() + 1
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (j *Job) scheduleStep() {
	scheduler.PostWeak(j.sched, j.self, func(job *Job) { job.step() })
}

// step interprets at most maxLookahead tipsets starting at currentHeight,
// then either yields another step or terminates the job.
func (j *Job) step() {
	if !j.active {
		return
	}

	to := j.currentHeight + maxLookahead - 1
	if to > j.targetHeight {
		to = j.targetHeight
	}

	var badErr error
	var badHash xid.TipsetHash
	err := j.db.WalkForward(j.ctx, j.currentHeight, to, func(ts *tipset.Tipset) bool {
		res, err := j.vmi.Interpret(j.ctx, j.store, ts)
		if err != nil {
			badErr = err
			badHash = ts.Hash()
			return false
		}
		j.cache.Put(ts.Hash(), res)
		j.currentHeight = ts.Height() + 1
		return true
	})
	if err != nil {
		j.finish(vm.Result{}, err)
		return
	}
	if badErr != nil {
		log.Interpreter.Warn().Str("head", j.headHash.String()).Str("tipset", badHash.String()).Err(badErr).Msg("tipset marked bad during forward replay")
		if markErr := j.db.MarkTipsetBad(j.ctx, j.headHash); markErr != nil {
			log.Interpreter.Error().Str("head", j.headHash.String()).Err(markErr).Msg("failed to persist bad tipset mark")
		}
		j.finish(vm.Result{}, fmt.Errorf("interpreter: %w: %s", syncerrors.ErrTipsetMarkedBad, badHash))
		return
	}

	if j.currentHeight > j.targetHeight {
		res, ok := j.cache.Get(j.headHash)
		if !ok {
			j.finish(vm.Result{}, fmt.Errorf("interpreter: no cached result for head %s after forward replay", j.headHash))
			return
		}
		j.finish(res, nil)
		return
	}

	j.scheduleStep()
}

func (j *Job) finish(res vm.Result, err error) {
	j.active = false
	cb := j.cb
	j.cb = nil
	if cb != nil {
		cb(res, err)
	}
}
