// Package storage opens the go-datastore-backed key-value stores that back
// IndexStore's schema, the interpreter result cache, and (via namespace.Wrap)
// any other component that needs a durable or in-memory keyspace.
package storage

import "github.com/ipfs/go-datastore"

// Store is the datastore capability the chain synchronization core relies
// on: point reads/writes, prefix queries, and atomic batched commits.
// go-ds-badger2's Datastore and this package's in-memory Datastore both
// satisfy it.
type Store = datastore.Batching
