package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabServer/backend/internal/lock"
)

// 只有持有者才能删除
var releaseScript = redis.NewScript(`
-- KEYS[1] = lockKey(docID, resourceID)
-- ARGV[1] = sessionID
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 只有持有者才能续期
var renewScript = redis.NewScript(`
-- KEYS[1] = lockKey(docID, resourceID)
-- ARGV[1] = sessionID
-- ARGV[2] = ttl (ms)
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisLocks struct {
	rdb        redis.UniversalClient
	defaultTTL time.Duration
	maxTTL     time.Duration
}

func NewRedisLocks(rdb redis.UniversalClient, defaultTTL, maxTTL time.Duration) lock.Manager {
	return &redisLocks{rdb: rdb, defaultTTL: defaultTTL, maxTTL: maxTTL}
}

func (l *redisLocks) Acquire(ctx context.Context, docID, resourceID, sessionID string, ttl time.Duration) (lock.Outcome, error) {
	ttl = lock.ClampTTL(ttl, l.defaultTTL, l.maxTTL)
	ok, err := l.rdb.SetNX(ctx, lockKey(docID, resourceID), sessionID, ttl).Result()
	if err != nil {
		return lock.Denied, err
	}
	if ok {
		return lock.Granted, nil
	}
	// 已经是自己的锁：当作续期
	n, err := renewScript.Run(ctx, l.rdb, []string{lockKey(docID, resourceID)}, sessionID, ttl.Milliseconds()).Int()
	if err != nil {
		return lock.Denied, err
	}
	if n == 1 {
		return lock.Granted, nil
	}
	return lock.Denied, nil
}

func (l *redisLocks) Release(ctx context.Context, docID, resourceID, sessionID string) (lock.Outcome, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(docID, resourceID)}, sessionID).Int()
	if err != nil {
		return lock.NotOwner, err
	}
	if n == 1 {
		return lock.Released, nil
	}
	return lock.NotOwner, nil
}

func (l *redisLocks) Renew(ctx context.Context, docID, resourceID, sessionID string, ttl time.Duration) (lock.Outcome, error) {
	ttl = lock.ClampTTL(ttl, l.defaultTTL, l.maxTTL)
	n, err := renewScript.Run(ctx, l.rdb, []string{lockKey(docID, resourceID)}, sessionID, ttl.Milliseconds()).Int()
	if err != nil {
		return lock.NotOwner, err
	}
	if n == 1 {
		return lock.Renewed, nil
	}
	return lock.NotOwner, nil
}

func (l *redisLocks) Holder(ctx context.Context, docID, resourceID string) (lock.Lock, bool, error) {
	key := lockKey(docID, resourceID)
	pipe := l.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return lock.Lock{}, false, err
	}
	holder, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return lock.Lock{}, false, nil
	}
	if err != nil {
		return lock.Lock{}, false, err
	}
	return lock.Lock{
		DocumentID:      docID,
		ResourceID:      resourceID,
		HolderSessionID: holder,
		ExpiresAt:       time.Now().Add(ttlCmd.Val()),
	}, true, nil
}
