// Package cache keeps materialized request snapshots in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// setIfNewer refuses to overwrite a snapshot with a higher sequence, so a slow
// reader cannot clobber the state a later append cached.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and tonumber(doc['sequence']) and tonumber(doc['sequence']) > tonumber(ARGV[2]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisSnapshots stores snapshots as JSON strings with a TTL.
type RedisSnapshots struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshots builds a snapshot cache on client.
func NewRedisSnapshots(client *redis.Client, prefix string, ttl time.Duration) *RedisSnapshots {
	return &RedisSnapshots{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisSnapshots) key(id string) string {
	return c.prefix + id
}

// Get returns the cached snapshot; ok is false on a miss.
func (c *RedisSnapshots) Get(ctx context.Context, id string) (*domain.AsRequest, bool, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var req domain.AsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, false, err
	}
	return &req, true, nil
}

// Set stores req unless a newer sequence is already cached.
func (c *RedisSnapshots) Set(ctx context.Context, req *domain.AsRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.client, []string{c.key(req.ID)}, raw, req.Sequence, c.ttl.Milliseconds()).Err()
}

// Delete removes the cached snapshot.
func (c *RedisSnapshots) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
