package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "infravault:pending:"

// trackScript claims an entry and indexes it in one step. Index writes
// run before the entry is stored, so a failed script leaves no live entry.
//
// KEYS[1] entry, KEYS[2] target set, KEYS[3] created zset, KEYS[4]
// resolved set; ARGV payload, request id, created ms, restore flag.
// Returns 1 when stored, 0 when the ID is live or tombstoned.
var trackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local restore = ARGV[4] == '1'
if not restore and redis.call('SISMEMBER', KEYS[4], ARGV[2]) == 1 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
if restore then
  redis.call('SREM', KEYS[4], ARGV[2])
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// pruneScript drops index members whose entry is gone. The check runs
// server-side so an entry restored after the caller's read is kept.
//
// KEYS[1] index, KEYS[2..] entry keys; ARGV[1] 'z' for the sorted set or
// 's' for a target set, ARGV[2..] request ids aligned with the entry keys.
var pruneScript = redis.NewScript(`
local removed = 0
for i = 2, #KEYS do
  if redis.call('EXISTS', KEYS[i]) == 0 then
    if ARGV[1] == 'z' then
      removed = removed + redis.call('ZREM', KEYS[1], ARGV[i])
    else
      removed = removed + redis.call('SREM', KEYS[1], ARGV[i])
    end
  end
end
return removed
`)

// resolveScript consumes an entry, tombstones its ID and drops it from
// both indexes. Index cleanup uses pcall: once the entry is deleted the
// caller owns it, and readers prune whatever an index still holds.
//
// KEYS[1] entry, KEYS[2] target set, KEYS[3] created zset, KEYS[4]
// resolved set; ARGV request id. Returns the payload or nil.
var resolveScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return false
end
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[1])
redis.pcall('SREM', KEYS[2], ARGV[1])
redis.pcall('ZREM', KEYS[3], ARGV[1])
return data
`)

// RedisStore keeps pending requests in Redis so several ledger processes
// can share one tracker. Track and Resolve are Lua scripts; the per-target
// sets and the creation-time sorted set are secondary indexes, and reads
// prune IDs whose entry is gone. Resolved IDs stay in a tombstone set.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses the default.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) entryKey(id string) string { return r.prefix + "req:" + id }

func (r *RedisStore) targetKey(kind Kind, target uint64) string {
	return r.prefix + "target:" + string(kind) + ":" + strconv.FormatUint(target, 10)
}

func (r *RedisStore) createdKey() string { return r.prefix + "by_created" }

func (r *RedisStore) resolvedKey() string { return r.prefix + "resolved" }

func (r *RedisStore) Track(ctx context.Context, req *PendingRequest) error {
	return r.track(ctx, req, false)
}

func (r *RedisStore) Restore(ctx context.Context, req *PendingRequest) error {
	return r.track(ctx, req, true)
}

func (r *RedisStore) track(ctx context.Context, req *PendingRequest, restore bool) error {
	if err := req.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode pending request: %w", err)
	}
	flag := "0"
	if restore {
		flag = "1"
	}

	stored, err := trackScript.Run(ctx, r.client,
		[]string{r.entryKey(req.RequestID), r.targetKey(req.Kind, req.TargetID), r.createdKey(), r.resolvedKey()},
		string(data), req.RequestID, req.CreatedAt.UnixMilli(), flag,
	).Int()
	if err != nil {
		return fmt.Errorf("redis track: %w", err)
	}
	if stored == 0 {
		return ErrDuplicateRequestID
	}
	return nil
}

func (r *RedisStore) Lookup(ctx context.Context, requestID string) (*PendingRequest, error) {
	data, err := r.client.Get(ctx, r.entryKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodePending(data)
}

func (r *RedisStore) Resolve(ctx context.Context, requestID string) (*PendingRequest, error) {
	// The peek only names the target set; the script decides ownership.
	peek, err := r.Lookup(ctx, requestID)
	if err != nil {
		return nil, err
	}
	data, err := resolveScript.Run(ctx, r.client,
		[]string{r.entryKey(requestID), r.targetKey(peek.Kind, peek.TargetID), r.createdKey(), r.resolvedKey()},
		requestID,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis resolve: %w", err)
	}
	return decodePending([]byte(data))
}

func (r *RedisStore) PendingFor(ctx context.Context, kind Kind, targetID uint64) ([]*PendingRequest, error) {
	key := r.targetKey(kind, targetID)
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	reqs, missing, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := r.prune(ctx, key, "s", missing); err != nil {
		return nil, err
	}
	sortByCreated(reqs)
	return reqs, nil
}

// ListOlderThan re-reads after pruning so dangling IDs cannot hold the
// oldest slots.
func (r *RedisStore) ListOlderThan(ctx context.Context, before time.Time, limit int) ([]*PendingRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	for {
		ids, err := r.client.ZRangeByScore(ctx, r.createdKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrangebyscore: %w", err)
		}
		reqs, missing, err := r.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(missing) == 0 {
			sortByCreated(reqs)
			return reqs, nil
		}
		if err := r.prune(ctx, r.createdKey(), "z", missing); err != nil {
			return nil, err
		}
	}
}

// Count prunes the creation index before reporting its size.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	ids, err := r.client.ZRange(ctx, r.createdKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrange: %w", err)
	}
	reqs, missing, err := r.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	if err := r.prune(ctx, r.createdKey(), "z", missing); err != nil {
		return 0, err
	}
	return len(reqs), nil
}

func (r *RedisStore) prune(ctx context.Context, index, typ string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids)+1)
	args := make([]any, 0, len(ids)+1)
	keys = append(keys, index)
	args = append(args, typ)
	for _, id := range ids {
		keys = append(keys, r.entryKey(id))
		args = append(args, id)
	}
	if err := pruneScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis prune %s: %w", index, err)
	}
	return nil
}

// load fetches entries for ids and reports the IDs whose entry is gone.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]*PendingRequest, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis mget: %w", err)
	}

	var missing []string
	result := make([]*PendingRequest, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		req, err := decodePending([]byte(s))
		if err != nil {
			return nil, nil, err
		}
		result = append(result, req)
	}
	return result, missing, nil
}

func decodePending(data []byte) (*PendingRequest, error) {
	var req PendingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode pending request: %w", err)
	}
	return &req, nil
}

var _ Store = (*RedisStore)(nil)
