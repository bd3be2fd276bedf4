package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/ratelimit/models"
)

// allowScript trims the window, then adds the event if there is room.
// Returns {allowed, count, oldest_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then oldestScore = tonumber(oldest[2]) end
return {allowed, count, oldestScore}
`)

// RedisBucketStore is a sliding-window counter shared by all replicas. Each
// key is a sorted set of event timestamps in milliseconds.
type RedisBucketStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisBucketStore(client *redis.Client) *RedisBucketStore {
	return &RedisBucketStore{client: client, now: time.Now}
}

func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	now := s.now()
	res, err := allowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit check: unexpected reply length %d", len(res))
	}

	out := &models.Result{
		Allowed: res[0] == 1,
		Limit:   limit,
		ResetAt: time.UnixMilli(res[2]).Add(window),
	}
	if out.Allowed {
		out.Remaining = limit - int(res[1])
	}
	return out, nil
}

func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
