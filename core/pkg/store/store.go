// Package store defines the coordination surface shared by every stateless
// request handler: a key-value store with per-key expiry, an atomic
// set-if-absent primitive, and serializable multi-key transactions used as
// atomic scripts.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key does not exist or has expired.
var ErrKeyNotFound = errors.New("key not found")

// Txn is the view of the store inside an atomic script. Reads and writes
// through a Txn observe a single consistent snapshot; either every write
// commits or none do.
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)
	Delete(key string) error
}

// Store is the shared store contract. A ttl of zero means the key never
// expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error

	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Txn) error) error

	// Update runs fn as one atomic script: no other caller's script or
	// primitive op can interleave with it. If fn returns an error the
	// script's writes are discarded and the error is returned verbatim.
	Update(ctx context.Context, fn func(tx Txn) error) error

	Close() error
}
