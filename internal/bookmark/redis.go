package bookmark

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "harborbpe:bookmark:"

// RedisStore keeps one string key per scope
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) ReadLastEventTime(ctx context.Context, scope Scope) (time.Time, bool, error) {
	raw, err := r.rdb.Get(ctx, redisKeyPrefix+scope.String()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r *RedisStore) WriteLastEventTime(ctx context.Context, scope Scope, t time.Time) error {
	return r.rdb.Set(ctx, redisKeyPrefix+scope.String(), normalize(t).Format(timeLayout), 0).Err()
}
