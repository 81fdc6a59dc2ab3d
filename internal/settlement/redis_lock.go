package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker serializes booking transitions across multiple API
// instances using SET NX PX. The token check on release keeps one
// instance from dropping another's lock after a TTL expiry.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(addr, password string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := make([]byte, 16)
	_, _ = rand.Read(token)
	val := hex.EncodeToString(token)
	redisKey := "settlement:lock:" + key

	for {
		ok, err := r.client.SetNX(ctx, redisKey, val, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("settlement: acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(ctx, r.client, []string{redisKey}, val).Result()
	}, nil
}

func (r *RedisLocker) Close() error { return r.client.Close() }
