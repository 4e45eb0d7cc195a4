package lockout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "attendance:lockout:"

// RedisTracker shares lockout state between service instances. Each client
// is a hash holding the failure count and the last failure in unix
// milliseconds; the key expires after the retention window.
type RedisTracker struct {
	client redis.UniversalClient
	policy Policy
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisTracker)

func WithRedisPolicy(p Policy) RedisOption {
	return func(r *RedisTracker) {
		r.policy = p.normalized()
	}
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisTracker) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisTracker) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRedisTracker(client redis.UniversalClient, opts ...RedisOption) *RedisTracker {
	r := &RedisTracker{
		client: client,
		policy: DefaultPolicy(),
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisTracker) IsLocked(ctx context.Context, clientID string) (Status, error) {
	key := r.key(clientID)
	count, last, ok, err := r.load(ctx, key)
	if err != nil || !ok {
		return Status{}, err
	}
	st, expired := r.policy.evaluate(count, last, r.now())
	if expired {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return Status{}, fmt.Errorf("lockout: evict %s: %w", clientID, err)
		}
	}
	return st, nil
}

func (r *RedisTracker) RecordFailure(ctx context.Context, clientID string) (Status, error) {
	key := r.key(clientID)
	now := r.now()

	count, last, ok, err := r.load(ctx, key)
	if err != nil {
		return Status{}, err
	}
	restart := false
	if ok {
		_, restart = r.policy.evaluate(count, last, now)
	}

	var incr *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if restart {
			pipe.Del(ctx, key)
		}
		incr = pipe.HIncrBy(ctx, key, "count", 1)
		pipe.HSet(ctx, key, "last", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.PExpire(ctx, key, r.policy.Retention())
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("lockout: record failure for %s: %w", clientID, err)
	}
	st, _ := r.policy.evaluate(int(incr.Val()), now, now)
	return st, nil
}

func (r *RedisTracker) Clear(ctx context.Context, clientID string) error {
	if err := r.client.Del(ctx, r.key(clientID)).Err(); err != nil {
		return fmt.Errorf("lockout: clear %s: %w", clientID, err)
	}
	return nil
}

func (r *RedisTracker) key(clientID string) string {
	return r.prefix + clientID
}

func (r *RedisTracker) load(ctx context.Context, key string) (int, time.Time, bool, error) {
	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("lockout: load %s: %w", key, err)
	}
	if len(values) == 0 {
		return 0, time.Time{}, false, nil
	}
	count, err := strconv.Atoi(values["count"])
	if err != nil {
		return 0, time.Time{}, false, nil
	}
	lastMillis, err := strconv.ParseInt(values["last"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false, nil
	}
	return count, time.UnixMilli(lastMillis), true, nil
}
