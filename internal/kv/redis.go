package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis server. All mutating operations that must
// be atomic across gateway instances run as server-side Lua scripts.
type Redis struct {
	client *redis.Client
}

// incrWithLimitScript increments KEYS[1] unless it already reached ARGV[1]
// (0 = unlimited), setting a TTL of ARGV[2] milliseconds on first increment.
// Returns {count, incremented}.
var incrWithLimitScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit > 0 and c >= limit then
  return {c, 0}
end
c = redis.call('INCR', KEYS[1])
if c == 1 and tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {c, 1}
`)

// compareAndSetScript writes ARGV[2] when the current value equals ARGV[1]
// (empty ARGV[1] = set-if-absent), with a TTL of ARGV[3] milliseconds.
var compareAndSetScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
elseif cur ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// NewRedis connects to the given address and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.client.Set(ctx, key, value, 0).Err()
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	res, err := compareAndSetScript.Run(ctx, r.client, []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (r *Redis) IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := incrWithLimitScript.Run(ctx, r.client, []string{key}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, errors.New("kv: unexpected script reply")
	}
	return res[0], res[1] == 1, nil
}

func (r *Redis) Peek(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
