package storage

import (
	"fmt"
	"strings"

	badgerds "github.com/ipfs/go-ds-badger2"
)

// OpenBadger opens (creating if absent) a badger-backed Store at path.
func OpenBadger(path string) (*badgerds.Datastore, error) {
	opts := badgerds.DefaultOptions
	opts.Logger = nil // Disable badger's built-in logging; components use zerolog.

	db, err := badgerds.NewDatastore(path, &opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("datastore at %s is locked by another process (is another tipsyncd instance running?): %w", path, err)
		}
		return nil, fmt.Errorf("open datastore at %s: %w", path, err)
	}
	return db, nil
}
