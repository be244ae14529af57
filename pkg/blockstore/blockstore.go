// Package blockstore is the content-addressed block storage every log keeps
// its entries in. Blocks are addressed by the hash of their bytes, so Put is
// idempotent and two peers agree on the address of identical bytes.
package blockstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"sharedlog/pkg/types"
)

var (
	ErrNotFound = errors.New("blockstore: not found")
	ErrClosed   = errors.New("blockstore: closed")
)

type Store interface {
	Get(ctx context.Context, hash types.Hash) ([]byte, error)
	Put(ctx context.Context, data []byte) (types.Hash, error)
	Has(ctx context.Context, hash types.Hash) (bool, error)
	Rm(ctx context.Context, hash types.Hash) error
	// Each calls fn for every block of the namespace until fn fails.
	Each(ctx context.Context, fn func(hash types.Hash, data []byte) error) error
	Close() error
}

// Opener hands out a store namespace per log name.
type Opener interface {
	Open(name string) (Store, error)
	Close() error
}

// Hash returns the content address of data.
func Hash(data []byte) types.Hash {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
