package syncutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/aegis/internal/idgen"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a cross-instance Locker built on SET NX PX with a random
// token, released by a compare-and-delete script.
//
// The TTL bounds how long a crashed holder can block others. A holder whose
// critical section outlives the TTL loses exclusivity, so TTL must exceed
// the slowest guarded handler.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 10 * time.Millisecond}
}

func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := idgen.Hex(16)
	wait := l.poll

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := lockCtxErr(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("syncutil: redis lock %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lockCtxErr(ctx)
		case <-timer.C:
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
	}
}

func lockCtxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}
