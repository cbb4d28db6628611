package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "orchestrator:deploy-lock:"

// release and refresh only touch the key while it still carries our token
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a Locker shared by every orchestrator replica
type RedisLocker struct {
	client redis.Cmdable
}

// NewRedisLocker wraps a redis client
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

func lockKey(instanceID string) string { return lockKeyPrefix + instanceID }

func (l *RedisLocker) Acquire(ctx context.Context, instanceID string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(instanceID), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !ok {
		return "", ErrInstanceBusy
	}
	return token, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, instanceID, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{lockKey(instanceID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh instance lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, instanceID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(instanceID)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release instance lock: %w", err)
	}
	return nil
}

func (l *RedisLocker) ForceRelease(ctx context.Context, instanceID string) error {
	if err := l.client.Del(ctx, lockKey(instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to force-release instance lock: %w", err)
	}
	return nil
}
