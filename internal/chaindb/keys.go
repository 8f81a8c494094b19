package chaindb

import (
	"github.com/ipfs/go-datastore"

	"github.com/klingnet-labs/tipsync/internal/xid"
)

func blockstoreKey(c xid.Cid) datastore.Key {
	return datastore.NewKey("/blockstore/" + c.String())
}
