// Package datastore is the durable keyed store the update checkpoint lives in.
// Values are JSON encoded. Save returns only after the write is on disk.
package datastore

import (
	"fmt"

	"github.com/fly-io/fota-agent/pkg/errors"
)

// ErrNotFound is returned by Load for an absent key.
var ErrNotFound = &errors.Error{Code: errors.NotFound, Msg: "key not found"}

// Store saves, loads and removes JSON values by key.
type Store interface {
	Save(key string, v any) error
	Load(key string, v any) error
	Remove(key string) error
	Close() error
}

// Open opens the store backend named by backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "bolt":
		return OpenBolt(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
