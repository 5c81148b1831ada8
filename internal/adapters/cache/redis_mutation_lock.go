package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

// releaseScript deletes the lock key only when the stored token matches,
// so an expired holder cannot free a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMutationLock serializes escrow mutations across service replicas
// using SET NX with a TTL as the lease.
type RedisMutationLock struct {
	client *redis.Client
}

func NewRedisMutationLock(client *redis.Client) *RedisMutationLock {
	return &RedisMutationLock{client: client}
}

func (l *RedisMutationLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, "escrow:lock:"+key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.ErrLockUnavailable
	}
	return token, nil
}

func (l *RedisMutationLock) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{"escrow:lock:" + key}, token).Err()
}
