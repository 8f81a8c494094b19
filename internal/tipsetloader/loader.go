// Package tipsetloader fetches tipsets by hash from a peer, deduplicating
// concurrent requests for the same hash the way a network round for a
// hot ancestor during backfill would otherwise be issued once per waiter.
package tipsetloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/singleflight"

	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/scheduler"
	"github.com/klingnet-labs/tipsync/internal/syncerrors"
	"github.com/klingnet-labs/tipsync/internal/xid"
	"github.com/klingnet-labs/tipsync/pkg/tipset"
)

// maxBlocksyncBatch bounds depth_hint, mirroring the reference network's
// blocksync request cap on a single backward-batch request.
const maxBlocksyncBatch = 500

// Fetcher is the external network collaborator: a single blocksync round
// trip for the block set composing one tipset. depthHint is advisory,
// clamped to maxBlocksyncBatch before it reaches the Fetcher.
type Fetcher interface {
	FetchTipset(ctx context.Context, p peer.ID, key xid.TipsetKey, depthHint int) (*tipset.Tipset, error)
}

// Callback receives one delivery per resolved hash, in the order responses
// arrive. err is one of syncerrors' Network or Validation kinds.
type Callback func(hash xid.TipsetHash, ts *tipset.Tipset, err error)

// PenalizeFunc reports a peer that returned a bad or late response, without
// deciding what happens to it — that policy belongs to PeerDirectory.
type PenalizeFunc func(peer.ID)

// Loader deduplicates concurrent loadTipsetAsync calls for the same hash: a
// single in-flight Fetcher round resolves every waiter.
type Loader struct {
	fetcher  Fetcher
	sched    *scheduler.Scheduler
	timeout  time.Duration
	penalize PenalizeFunc

	group singleflight.Group
	cb    Callback
}

// New builds a Loader. timeout is the per-request deadline (§5 Timeouts);
// penalize is invoked, on the scheduler goroutine, for any peer whose
// request fails: a timeout, an unreachable peer or a response that fails
// validation.
func New(fetcher Fetcher, sched *scheduler.Scheduler, timeout time.Duration, penalize PenalizeFunc) *Loader {
	return &Loader{fetcher: fetcher, sched: sched, timeout: timeout, penalize: penalize}
}

// SetCallback installs the single callback deliveries are dispatched to.
func (l *Loader) SetCallback(cb func(hash xid.TipsetHash, ts *tipset.Tipset, err error)) { l.cb = cb }

// LoadTipsetAsync requests the tipset identified by key from p. If a
// request for key.Hash() is already in flight, this call attaches as a
// second waiter and no additional network round is issued.
func (l *Loader) LoadTipsetAsync(key xid.TipsetKey, p peer.ID, depthHint int) {
	hash := key.Hash()
	depth := depthHint
	if depth <= 0 || depth > maxBlocksyncBatch {
		depth = maxBlocksyncBatch
	}

	ch := l.group.DoChan(hash.String(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		ts, err := l.fetcher.FetchTipset(ctx, p, key, depth)
		if err != nil {
			return nil, classifyFetchErr(err)
		}
		if err := validate(key, ts); err != nil {
			return nil, err
		}
		return ts, nil
	})

	go func() {
		res := <-ch
		l.sched.Post(func() {
			if res.Err != nil {
				log.Loader.Warn().Str("peer", p.String()).Str("hash", hash.String()).Err(res.Err).Msg("tipset load failed")
				if l.penalize != nil {
					l.penalize(p)
				}
				l.deliver(hash, nil, res.Err)
				return
			}
			l.deliver(hash, res.Val.(*tipset.Tipset), nil)
		})
	}()
}

func (l *Loader) deliver(hash xid.TipsetHash, ts *tipset.Tipset, err error) {
	if l.cb != nil {
		l.cb(hash, ts, err)
	}
}

// validate checks the received block set hashes to the requested key. Each
// block's declared parent is already required to be identical across the
// set by tipset.New; there is nothing further to check per block beyond
// that structural consistency.
func validate(key xid.TipsetKey, ts *tipset.Tipset) error {
	if ts.Hash() != key.Hash() {
		return fmt.Errorf("tipsetloader: %w: got %s want %s", syncerrors.ErrBadResponse, ts.Hash(), key.Hash())
	}
	return nil
}

func classifyFetchErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("tipsetloader: %w", syncerrors.ErrRequestTimeout)
	}
	return fmt.Errorf("tipsetloader: %w: %v", syncerrors.ErrPeerUnreachable, err)
}
