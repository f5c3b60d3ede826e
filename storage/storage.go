// Package storage defines the key/value backend the offline store
// persists entries into. Implementations live in the subpackages.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetItem for a key that holds no value.
var ErrNotFound = errors.New("storage: key not found")

// PersistentStore is an opaque key to value store. Implementations must be
// safe for concurrent use.
type PersistentStore interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
}

// Closer is implemented by backends holding resources.
type Closer interface {
	Close() error
}
