// Package redlock provides a mutual-exclusion lock with a TTL on a Redis
// key. It backs the cluster-wide inactivity sweep lock and the per-node
// trigger re-fire suppression.
package redlock

import (
	"context"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

type Locker struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb}
}

// Acquire takes the lock for at most ttl. It returns ok=false without error
// when another holder owns the lock. The release func only deletes the key
// while this caller still owns it; an expired lock is left alone.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	token := shortuuid.New()
	ok, err = l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
