package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease shared by every instance of the service.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key. The ttl bounds how long a crashed
// holder blocks other instances and should exceed the run timeout.
func NewRedisLease(client redis.UniversalClient, key string, ttl time.Duration) *RedisLease {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "libraai:reconcile:lease"
	}
	return &RedisLease{client: client, key: key, ttl: ttl}
}

// Acquire takes the lease if it is free.
func (l *RedisLease) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release frees the lease if token still owns it.
func (l *RedisLease) Release(ctx context.Context, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
