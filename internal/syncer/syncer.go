// Package syncer implements the top-level controller: it accepts head
// announcements from peers, chooses the strongest pending target, and
// sequences a SyncJob followed by an InterpreterJob to adopt it.
package syncer

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingnet-labs/tipsync/internal/interpreter"
	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/syncjob"
	"github.com/klingnet-labs/tipsync/internal/vm"
	"github.com/klingnet-labs/tipsync/internal/xid"
)

// ChainDb is the subset of chaindb.ChainDb the Syncer needs to move the
// node's projected current chain once a target is fully interpreted.
type ChainDb interface {
	SetCurrentHead(ctx context.Context, hash xid.TipsetHash) error
}

// Target is a peer's claimed head, retained until a stronger one arrives
// or it is consumed by a sync attempt.
type Target struct {
	Head   xid.TipsetKey
	Weight uint64
	Height uint64
}

// ResultCallback is invoked once per adopted head, after both SyncJob and
// InterpreterJob have completed successfully.
type ResultCallback func(head xid.TipsetKey, weight, height uint64, result vm.Result)

// Syncer owns its SyncJob and InterpreterJob exclusively; nothing below it
// holds a reference back up to the Syncer. Not safe for concurrent use —
// every method runs on the synchronization core's scheduler goroutine.
type Syncer struct {
	db        ChainDb
	syncJob   *syncjob.Job
	interpJob *interpreter.Job
	syncDepth int
	onResult  ResultCallback

	pending map[peer.ID]Target

	currentWeight uint64
	currentHeight uint64
	lastGoodPeer  peer.ID

	active     bool
	activePeer peer.ID
}

// New builds an idle Syncer. syncDepth is the depth_hint passed to every
// SyncJob it starts.
func New(db ChainDb, syncJob *syncjob.Job, interpJob *interpreter.Job, syncDepth int, onResult ResultCallback) *Syncer {
	return &Syncer{
		db:        db,
		syncJob:   syncJob,
		interpJob: interpJob,
		syncDepth: syncDepth,
		onResult:  onResult,
		pending:   make(map[peer.ID]Target),
	}
}

// IsActive reports whether a SyncJob or InterpreterJob is currently
// running.
func (s *Syncer) IsActive() bool { return s.active }

// Start begins the Syncer accepting work. New returns an idle Syncer that
// already accepts NewTarget calls, so Start's only duty is to evaluate any
// target queued before the host called Start — the same path NewTarget
// itself takes for an offer that arrives while idle.
func (s *Syncer) Start(ctx context.Context) {
	if !s.active {
		s.evaluatePending(ctx)
	}
}

// SetCurrentWeightAndHeight seeds the node's best-confirmed head, e.g. on
// startup from a persisted chain state, without running a sync.
func (s *Syncer) SetCurrentWeightAndHeight(weight, height uint64) {
	s.currentWeight = weight
	s.currentHeight = height
}

// NewTarget offers a candidate head. It is rejected outright if it beats
// neither the current weight nor the current height. An empty peer
// substitutes the last peer that completed a sync successfully, or is
// dropped if none exists yet.
func (s *Syncer) NewTarget(ctx context.Context, p peer.ID, head xid.TipsetKey, weight, height uint64) {
	if p == "" {
		p = s.lastGoodPeer
	}
	if p == "" {
		return
	}
	if weight <= s.currentWeight && height <= s.currentHeight {
		return
	}
	s.pending[p] = Target{Head: head, Weight: weight, Height: height}
	if !s.active {
		s.evaluatePending(ctx)
	}
}

// ExcludePeer drops p's pending target and, if p's target is the one
// currently being synced, interrupts the in-flight SyncJob.
func (s *Syncer) ExcludePeer(p peer.ID) {
	delete(s.pending, p)
	if s.active && s.activePeer == p {
		s.syncJob.Cancel()
	}
}

// evaluatePending picks the pending target with the greatest weight,
// breaking ties by greatest height, and starts a job for it if it still
// beats the current state. Targets that no longer beat current are
// dropped as obsolete.
func (s *Syncer) evaluatePending(ctx context.Context) {
	var bestPeer peer.ID
	var best Target
	found := false
	for p, t := range s.pending {
		if t.Weight <= s.currentWeight && t.Height <= s.currentHeight {
			delete(s.pending, p)
			continue
		}
		if !found || t.Weight > best.Weight || (t.Weight == best.Weight && t.Height > best.Height) {
			bestPeer, best, found = p, t, true
		}
	}
	if !found {
		return
	}
	delete(s.pending, bestPeer)
	s.startJob(ctx, bestPeer, best)
}

func (s *Syncer) startJob(ctx context.Context, p peer.ID, t Target) {
	s.active = true
	s.activePeer = p
	s.syncJob.Start(ctx, p, t.Head, s.syncDepth, func(state syncjob.State, err error) {
		s.onSyncDone(ctx, p, t, state, err)
	})
}

func (s *Syncer) onSyncDone(ctx context.Context, p peer.ID, t Target, state syncjob.State, err error) {
	if state != syncjob.SyncedToGenesis {
		log.Syncer.Warn().Str("peer", p.String()).Str("state", state.String()).Err(err).Msg("sync job did not reach genesis")
		s.active = false
		s.evaluatePending(ctx)
		return
	}
	s.lastGoodPeer = p
	s.interpJob.Start(ctx, t.Head.Hash(), t.Height, func(res vm.Result, err error) {
		s.onInterpretDone(ctx, t, res, err)
	})
}

func (s *Syncer) onInterpretDone(ctx context.Context, t Target, res vm.Result, err error) {
	s.active = false
	if err != nil {
		log.Syncer.Warn().Str("head", t.Head.Hash().String()).Err(err).Msg("interpreter rejected synced head")
		s.evaluatePending(ctx)
		return
	}

	s.currentWeight = t.Weight
	s.currentHeight = t.Height
	if err := s.db.SetCurrentHead(ctx, t.Head.Hash()); err != nil {
		log.Syncer.Error().Str("head", t.Head.Hash().String()).Err(err).Msg("failed to move projected head")
	}
	if s.onResult != nil {
		s.onResult(t.Head, t.Weight, t.Height, res)
	}
	s.evaluatePending(ctx)
}
