package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript: отказ не трогает счетчик, PEXPIRE ставится на первом обращении в окне.
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore - общие для всех инстансов счетчики.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kidstel:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit script: %w", err)
	}
	return res == 1, nil
}
