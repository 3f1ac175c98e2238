package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript mirrors refill. Time comes from the caller so every replica
// agrees on it regardless of Redis server clock skew.
//
// KEYS[1] bucket hash; ARGV rate per ms, burst, now ms, ttl ms.
// Returns {allowed, remaining, retry ms}.
var takeScript = redis.NewScript(`
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now   = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

local state  = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts     = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate)
  ts = now
end

local allowed, retry = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, math.floor(tokens), retry}
`)

// RedisStore keeps buckets in Redis hashes that expire when idle.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

// NewRedisStore creates a store whose keys start with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, cfg Config) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "ratelimit:", cfg: cfg.normalized()}
}

func (r *RedisStore) Take(ctx context.Context, key string, now time.Time) (Decision, error) {
	perMs := r.cfg.perSecond() / 1000
	res, err := takeScript.Run(ctx, r.client, []string{r.prefix + key},
		strconv.FormatFloat(perMs, 'g', -1, 64),
		r.cfg.Burst,
		now.UnixMilli(),
		r.cfg.IdleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

var _ Store = (*RedisStore)(nil)
