package cache

import "context"

// Backend stores opaque values by key. Values stay until overwritten or
// deleted; nothing expires on a timer.
type Backend interface {
	// Get returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Set(ctx context.Context, key string, value []byte) error

	Delete(ctx context.Context, key string) error

	Close() error
}
