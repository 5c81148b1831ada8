package ports

import (
	"context"
	"time"
)

// MutationLocker serializes mutating operations per escrow and guards the
// release critical section per (escrow, milestone). Acquire returns an
// opaque token that must be presented on Release so an expired holder
// cannot free a lock it no longer owns.
type MutationLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}
