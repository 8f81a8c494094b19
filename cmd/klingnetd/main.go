// tipsyncd runs the chain synchronization core standalone: it joins the
// network, greets peers to learn their claimed heads, and keeps a local
// ChainDb/interpreter result cache converged on the heaviest known chain.
//
// Usage:
//
//	tipsyncd [flags]       Run the daemon
//	tipsyncd --help        Show help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingnet-labs/tipsync/config"
	"github.com/klingnet-labs/tipsync/internal/blocksync"
	"github.com/klingnet-labs/tipsync/internal/chaindb"
	"github.com/klingnet-labs/tipsync/internal/hello"
	"github.com/klingnet-labs/tipsync/internal/indexstore"
	"github.com/klingnet-labs/tipsync/internal/interpreter"
	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/peerdir"
	"github.com/klingnet-labs/tipsync/internal/scheduler"
	"github.com/klingnet-labs/tipsync/internal/storage"
	"github.com/klingnet-labs/tipsync/internal/syncer"
	"github.com/klingnet-labs/tipsync/internal/syncjob"
	"github.com/klingnet-labs/tipsync/internal/tipsetloader"
	"github.com/klingnet-labs/tipsync/internal/vm"
	"github.com/klingnet-labs/tipsync/internal/xid"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	genesis, err := config.LoadGenesis(genesisPathFor(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("loading genesis")
	}

	db, err := openChainDb(cfg, genesis)
	if err != nil {
		log.Fatal().Err(err).Msg("opening chain database")
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/0.0.0.0/tcp/0"))
	if err != nil {
		log.Fatal().Err(err).Msg("starting libp2p host")
	}
	defer h.Close()

	blocksync.RegisterHandler(h, db)

	dir := peerdir.New()
	dir.OnTransition(func(evt peerdir.StatusEvent) {
		if evt.Demoted {
			log.PeerDir.Warn().Str("peer", evt.Peer.String()).Msg("peer demoted")
		}
	})

	requiredProtocols := make([]protocol.ID, len(cfg.Peers.RequiredProtocols))
	for i, p := range cfg.Peers.RequiredProtocols {
		requiredProtocols[i] = protocol.ID(p)
	}

	sched := scheduler.New()
	defer sched.Stop()

	fetcher := blocksync.NewFetcher(h)
	loader := tipsetloader.New(fetcher, sched, cfg.Sync.RequestTimeout, dir.Penalize)

	resultDs, err := storage.OpenBadger(cfg.ResultCacheDir())
	if err != nil {
		log.Fatal().Err(err).Msg("opening interpreter result cache")
	}

	sJob := syncjob.New(db, loader)
	cache := interpreter.NewResultCache(resultDs)
	iJob := interpreter.New(db, &vm.Fake{}, vm.NewMemStore(), sched, cache)

	greeter := newLocalGreeter(genesis.ChainID)

	sy := syncer.New(db, sJob, iJob, cfg.Sync.MaxBlocksyncHop, func(head xid.TipsetKey, weight, height uint64, res vm.Result) {
		log.Syncer.Info().Str("head", head.Hash().String()).Str("state_root", res.StateRoot.String()).Msg("adopted new head")
		greeter.recordHead(head, weight, height)
	})
	sy.Start(context.Background())

	onGreeting := func(p peer.ID, isNetworkNode bool, head xid.TipsetKey, weight, height uint64) {
		dir.SetHandshakeResult(p, isNetworkNode, requiredProtocols)
		if !isNetworkNode {
			return
		}
		dir.SetClaimedHead(p, peerdir.ClaimedHead{Tipset: head, Weight: weight, Height: height})
		sy.NewTarget(context.Background(), p, head, weight, height)
	}
	hello.RegisterHandler(h, greeter, onGreeting)

	connectBootstrapPeers(h, dir, greeter, onGreeting, cfg.Peers.BootstrapPeers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
}

func genesisPathFor(cfg *config.Config) string {
	return filepath.Join(cfg.ChainDataDir(), "genesis.json")
}

func openChainDb(cfg *config.Config, genesis *config.Genesis) (*chaindb.ChainDb, error) {
	idxDs, err := storage.OpenBadger(cfg.IndexDir())
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	bsDs, err := storage.OpenBadger(cfg.BlockstoreDir())
	if err != nil {
		return nil, fmt.Errorf("open blockstore: %w", err)
	}

	index := indexstore.New(idxDs)
	bs := chaindb.NewKVBlockstore(bsDs)

	db, err := chaindb.Open(context.Background(), index, bs)
	if err != nil {
		return nil, fmt.Errorf("open chaindb: %w", err)
	}

	genesisHash, err := genesisHashFrom(genesis)
	if err != nil {
		return nil, fmt.Errorf("derive genesis hash: %w", err)
	}
	db.SetGenesis(genesisHash)
	return db, nil
}

func genesisHashFrom(genesis *config.Genesis) (xid.TipsetHash, error) {
	cids, err := genesis.Cids()
	if err != nil {
		return xid.TipsetHash{}, err
	}
	key, err := xid.NewTipsetKey(cids)
	if err != nil {
		return xid.TipsetHash{}, err
	}
	return key.Hash(), nil
}

// localGreeter tracks this node's own genesis and adopted head for the
// Hello exchange. Safe for concurrent use: recordHead may run on the
// scheduler goroutine while LocalGreeting answers an inbound stream on a
// libp2p I/O goroutine.
type localGreeter struct {
	genesisCID string
	weight     atomic.Uint64
	height     atomic.Uint64
	headCids   atomic.Pointer[[]string]
}

func newLocalGreeter(genesisCID string) *localGreeter {
	return &localGreeter{genesisCID: genesisCID}
}

func (g *localGreeter) recordHead(head xid.TipsetKey, weight, height uint64) {
	cids := head.Cids()
	strs := make([]string, len(cids))
	for i, c := range cids {
		strs[i] = c.String()
	}
	g.headCids.Store(&strs)
	g.weight.Store(weight)
	g.height.Store(height)
}

func (g *localGreeter) LocalGreeting() hello.Message {
	var cids []string
	if p := g.headCids.Load(); p != nil {
		cids = *p
	}
	return hello.Message{
		GenesisCID: g.genesisCID,
		HeadCids:   cids,
		Weight:     g.weight.Load(),
		Height:     g.height.Load(),
	}
}

func connectBootstrapPeers(h host.Host, dir *peerdir.Directory, greeter *localGreeter, onGreeting hello.Handler, addrs []string) {
	for _, raw := range addrs {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			log.PeerDir.Warn().Str("addr", raw).Err(err).Msg("bad bootstrap multiaddr")
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.PeerDir.Warn().Str("addr", raw).Err(err).Msg("bad bootstrap peer info")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = h.Connect(ctx, *ai)
		if err != nil {
			cancel()
			log.PeerDir.Warn().Str("peer", ai.ID.String()).Err(err).Msg("bootstrap connect failed")
			continue
		}
		dir.SetConnected(ai.ID, true)
		if err := hello.Greet(ctx, h, ai.ID, greeter, onGreeting); err != nil {
			log.PeerDir.Warn().Str("peer", ai.ID.String()).Err(err).Msg("greeting failed")
		}
		cancel()
	}
}
