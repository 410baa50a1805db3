package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/session"
)

// 清理过期成员，返回被清理会话的 JSON
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = sessionsKey(docID)
-- ARGV[1] = now (unix ms)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local out = {}
if #expired > 0 then
	out = redis.call("HMGET", KEYS[2], unpack(expired))
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return out
`)

// redisPresence 基于 redis 的会话注册表。
// 逻辑 TTL 存在 ZSet 的 score 里（expireAt），读的时候按 score 过滤，Sweep 时真正删除
type redisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	clk clock.Clock
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration, clk clock.Clock) session.Registry {
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &redisPresence{rdb: rdb, ttl: ttl, clk: clk}
}

func (p *redisPresence) Join(ctx context.Context, docID, principalID string, presence json.RawMessage) (session.Session, error) {
	now := p.clk.Now()
	s := session.Session{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		PrincipalID: principalID,
		Presence:    presence,
		JoinedAt:    now,
		ExpiresAt:   now.Add(p.ttl),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return session.Session{}, err
	}

	// 同一文档的两个 key 在同一个 slot，可以放进一个事务
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
	tx.HSet(ctx, sessionsKey(docID), s.ID, raw)
	if _, err := tx.Exec(ctx); err != nil {
		return session.Session{}, err
	}

	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, sessionDocKey(s.ID), docID, 0)
	pipe.SAdd(ctx, docsKey(), docID)
	if _, err := pipe.Exec(ctx); err != nil {
		return session.Session{}, err
	}
	return s, nil
}

func (p *redisPresence) docOf(ctx context.Context, sessionID string) (string, error) {
	docID, err := p.rdb.Get(ctx, sessionDocKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", session.ErrNotFound
	}
	return docID, err
}

func (p *redisPresence) Leave(ctx context.Context, sessionID string) error {
	docID, err := p.docOf(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, sessionsKey(docID), sessionID)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	return p.rdb.Del(ctx, sessionDocKey(sessionID)).Err()
}

func (p *redisPresence) Get(ctx context.Context, sessionID string) (session.Session, error) {
	docID, err := p.docOf(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	raw, err := p.rdb.HGet(ctx, sessionsKey(docID), sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	var s session.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return session.Session{}, err
	}
	if !p.clk.Now().Before(s.ExpiresAt) {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

// 乐观事务重试次数上限
const maxUpdateRetries = 64

var errUpdateContention = errors.New("presence: update retries exhausted")

// update 在 WATCH 下读-改-写。会话已过期或被 Leave/Sweep 删除时返回 ErrNotFound，
// 不会把它复活；并发修改同一文档的会话时重试
func (p *redisPresence) update(ctx context.Context, sessionID string, fn func(s *session.Session)) (session.Session, error) {
	docID, err := p.docOf(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	room, hash := roomKey(docID), sessionsKey(docID)

	var out session.Session
	txf := func(tx *redis.Tx) error {
		score, err := tx.ZScore(ctx, room, sessionID).Result()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		if int64(score) <= p.clk.Now().UnixMilli() {
			return session.ErrNotFound
		}
		raw, err := tx.HGet(ctx, hash, sessionID).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		var s session.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		fn(&s)
		raw, err = json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, room, redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: sessionID})
			pipe.HSet(ctx, hash, sessionID, raw)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := p.rdb.Watch(ctx, txf, room, hash)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return session.Session{}, err
		}
		return out, nil
	}
	return session.Session{}, errUpdateContention
}

func (p *redisPresence) Touch(ctx context.Context, sessionID string, presence json.RawMessage) (session.Session, error) {
	s, err := p.update(ctx, sessionID, func(s *session.Session) {
		s.ExpiresAt = p.clk.Now().Add(p.ttl)
		if presence != nil {
			s.Presence = presence
		}
	})
	if err != nil {
		return s, err
	}
	// 文档索引可能被 Sweep 清掉过，这里补回来
	if err := p.rdb.SAdd(ctx, docsKey(), s.DocumentID).Err(); err != nil {
		glog.Warningf("presence: re-index doc=%s: %v", s.DocumentID, err)
	}
	return s, nil
}

func (p *redisPresence) SetLastSeen(ctx context.Context, sessionID string, version uint64) error {
	// 提交和追平也算活跃，顺带续期
	_, err := p.update(ctx, sessionID, func(s *session.Session) {
		s.ExpiresAt = p.clk.Now().Add(p.ttl)
		if version > s.LastSeenVersion {
			s.LastSeenVersion = version
		}
	})
	return err
}

func (p *redisPresence) ListActive(ctx context.Context, docID string) ([]session.Session, error) {
	now := p.clk.Now().UnixMilli()
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]session.Session, 0, len(aliveIDs))
	if len(aliveIDs) == 0 {
		return out, nil
	}

	vals, err := p.rdb.HMGet(ctx, sessionsKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s session.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			glog.Warningf("presence: bad session json doc=%s: %v", docID, err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *redisPresence) Sweep(ctx context.Context) ([]session.Session, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil {
		return nil, err
	}
	now := p.clk.Now().UnixMilli()
	var expired []session.Session
	for _, docID := range docs {
		vals, err := sweepScript.Run(ctx, p.rdb, []string{roomKey(docID), sessionsKey(docID)}, now).Slice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return expired, err
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var s session.Session
			if err := json.Unmarshal([]byte(str), &s); err != nil {
				continue
			}
			expired = append(expired, s)
			p.rdb.Del(ctx, sessionDocKey(s.ID))
		}

		n, err := p.rdb.ZCard(ctx, roomKey(docID)).Result()
		if err == nil && n == 0 {
			p.rdb.SRem(ctx, docsKey(), docID)
		}
	}
	return expired, nil
}
