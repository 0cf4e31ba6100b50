package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/gridbee/marketflow/pkg/persistence"
)

const (
	lockKeyPrefix = "marketflow:lock:workflow:"
	lockTTL       = 60 * time.Second
	pollInterval  = 50 * time.Millisecond
)

// Unlock only when the token still matches, so an expired lock taken over by
// another replica is never released by the stale holder.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker provides the single-leader-per-instance guarantee across
// engine replicas using SET NX with a TTL.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker creates a distributed per-workflow locker.
func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return &RedisLocker{client: redis.NewClient(opts)}, nil
}

// Acquire polls SET NX until the lock is taken or the wait elapses.
func (l *RedisLocker) Acquire(ctx context.Context, workflowID string, wait time.Duration) (func(), error) {
	key := lockKeyPrefix + workflowID
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire workflow lock: %w", err)
		}

		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				_ = l.client.Eval(releaseCtx, unlockScript, []string{key}, token).Err()
			}

			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, persistence.ErrConflictingWrite
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
