package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabServer/backend/internal/idempotency"
)

const pendingMark = "pending"

// redisFilter 多节点共享的去重表：SET NX PX 抢标记，值是 pending 或者版本号
type redisFilter struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisFilter(rdb redis.UniversalClient, ttl time.Duration) idempotency.Filter {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &redisFilter{rdb: rdb, ttl: ttl}
}

func (f *redisFilter) CheckAndMark(ctx context.Context, key string) (idempotency.Result, error) {
	k := idemKey(key)
	// GET 和 SETNX 之间标记可能刚好过期，多试一次
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := f.rdb.SetNX(ctx, k, pendingMark, f.ttl).Result()
		if err != nil {
			return idempotency.Result{}, err
		}
		if ok {
			return idempotency.Result{Outcome: idempotency.Fresh}, nil
		}

		val, err := f.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return idempotency.Result{}, err
		}
		if val == pendingMark {
			return idempotency.Result{Outcome: idempotency.Duplicate}, nil
		}
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			// 值不认识就当成处理中，交给存储层判定
			return idempotency.Result{Outcome: idempotency.Duplicate}, nil
		}
		return idempotency.Result{Outcome: idempotency.Duplicate, Version: v, Known: true}, nil
	}
	return idempotency.Result{Outcome: idempotency.Duplicate}, nil
}

func (f *redisFilter) Complete(ctx context.Context, key string, version uint64) error {
	return f.rdb.Set(ctx, idemKey(key), strconv.FormatUint(version, 10), f.ttl).Err()
}

func (f *redisFilter) Forget(ctx context.Context, key string) error {
	return f.rdb.Del(ctx, idemKey(key)).Err()
}
