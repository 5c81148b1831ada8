package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryMutationLock is a single-process locker for tests and DB-less
// local runs. It honors the same token and TTL semantics as the Redis
// implementation.
type MemoryMutationLock struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	nowFn  func() time.Time
}

func NewMemoryMutationLock() *MemoryMutationLock {
	return &MemoryMutationLock{
		leases: map[string]memoryLease{},
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryMutationLock) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expiresAt) {
		return "", domain.ErrLockUnavailable
	}
	token := uuid.NewString()
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *MemoryMutationLock) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.leases[key]; ok && lease.token == token {
		delete(l.leases, key)
	}
	return nil
}
