package interpreter

import (
	"context"
	"encoding/json"

	"github.com/ipfs/go-datastore"

	"github.com/klingnet-labs/tipsync/internal/log"
	"github.com/klingnet-labs/tipsync/internal/storage"
	"github.com/klingnet-labs/tipsync/internal/vm"
	"github.com/klingnet-labs/tipsync/internal/xid"
)

func resultKey(hash xid.TipsetHash) datastore.Key {
	return datastore.NewKey("/results/" + hash.String())
}

// ResultCache is a write-once, read-many store of vm.Result keyed by
// tipset hash, backed by a datastore so interpreted results survive a
// daemon restart instead of forcing a full forward replay. Safe for
// concurrent use: a second Put for an already-cached hash is a silent
// no-op rather than an overwrite, since interpretation is expected to be
// deterministic.
type ResultCache struct {
	ds storage.Store
}

// NewResultCache wraps backing as the result cache's persistence layer.
// Use storage.OpenBadger for a durable cache across restarts, or
// storage.NewMemory for tests and nodes that opt out of persistence.
func NewResultCache(backing storage.Store) *ResultCache {
	return &ResultCache{ds: backing}
}

func (c *ResultCache) Get(hash xid.TipsetHash) (vm.Result, bool) {
	data, err := c.ds.Get(context.Background(), resultKey(hash))
	if err != nil {
		return vm.Result{}, false
	}
	var r vm.Result
	if err := json.Unmarshal(data, &r); err != nil {
		log.Interpreter.Error().Str("tipset", hash.String()).Err(err).Msg("corrupt cached interpreter result")
		return vm.Result{}, false
	}
	return r, true
}

func (c *ResultCache) Put(hash xid.TipsetHash, res vm.Result) {
	ctx := context.Background()
	if ok, err := c.ds.Has(ctx, resultKey(hash)); err == nil && ok {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Interpreter.Error().Str("tipset", hash.String()).Err(err).Msg("failed to marshal interpreter result")
		return
	}
	if err := c.ds.Put(ctx, resultKey(hash), data); err != nil {
		log.Interpreter.Error().Str("tipset", hash.String()).Err(err).Msg("failed to persist interpreter result")
	}
}
