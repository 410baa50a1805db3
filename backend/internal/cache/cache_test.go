package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/idempotency"
	"collabServer/backend/internal/lock"
	"collabServer/backend/internal/session"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisFilter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	f := NewRedisFilter(rdb, time.Minute)
	ctx := context.Background()
	k := idempotency.Key("doc", "alice", "m1")

	r, err := f.CheckAndMark(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Fresh, r.Outcome)

	r, err = f.CheckAndMark(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Duplicate, r.Outcome)
	assert.False(t, r.Known)

	require.NoError(t, f.Complete(ctx, k, 42))
	r, err = f.CheckAndMark(ctx, k)
	require.NoError(t, err)
	assert.True(t, r.Known)
	assert.Equal(t, uint64(42), r.Version)

	mr.FastForward(2 * time.Minute)
	r, err = f.CheckAndMark(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Fresh, r.Outcome)

	require.NoError(t, f.Forget(ctx, k))
	r, err = f.CheckAndMark(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Fresh, r.Outcome)
}

func TestRedisLocksBlockScenario(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := NewRedisLocks(rdb, lock.DefaultTTL, lock.MaxTTL)
	ctx := context.Background()

	out, err := m.Acquire(ctx, "doc", "block-7", "A", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lock.Granted, out)

	mr.FastForward(5 * time.Second)
	out, err = m.Acquire(ctx, "doc", "block-7", "B", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lock.Denied, out)

	l, ok, err := m.Holder(ctx, "doc", "block-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", l.HolderSessionID)

	mr.FastForward(26 * time.Second)
	out, err = m.Acquire(ctx, "doc", "block-7", "B", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lock.Granted, out)
}

func TestRedisLocksOwnership(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := NewRedisLocks(rdb, 0, 0)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc", "r", "A", 10*time.Second)
	require.NoError(t, err)

	out, err := m.Release(ctx, "doc", "r", "B")
	require.NoError(t, err)
	assert.Equal(t, lock.NotOwner, out)

	out, err = m.Renew(ctx, "doc", "r", "B", time.Second)
	require.NoError(t, err)
	assert.Equal(t, lock.NotOwner, out)

	out, err = m.Renew(ctx, "doc", "r", "A", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, lock.Renewed, out)
	assert.Equal(t, lock.MaxTTL, mr.TTL(lockKey("doc", "r")))

	out, err = m.Acquire(ctx, "doc", "r", "A", 0)
	require.NoError(t, err)
	assert.Equal(t, lock.Granted, out, "holder re-acquiring keeps the lock")

	out, err = m.Release(ctx, "doc", "r", "A")
	require.NoError(t, err)
	assert.Equal(t, lock.Released, out)

	_, ok, err := m.Holder(ctx, "doc", "r")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPresence(t *testing.T) {
	_, rdb := newTestRedis(t)
	clk := clock.NewManual(time.UnixMilli(1_000_000))
	reg := NewRedisPresence(rdb, 60*time.Second, clk)
	ctx := context.Background()

	a, err := reg.Join(ctx, "doc", "alice", json.RawMessage(`{"color":"red"}`))
	require.NoError(t, err)
	b, err := reg.Join(ctx, "doc", "bob", nil)
	require.NoError(t, err)

	list, err := reg.ListActive(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := reg.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PrincipalID)
	assert.JSONEq(t, `{"color":"red"}`, string(got.Presence))

	clk.Advance(40 * time.Second)
	_, err = reg.Touch(ctx, b.ID, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.NoError(t, reg.SetLastSeen(ctx, b.ID, 12))

	clk.Advance(20 * time.Second)
	list, err = reg.ListActive(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, uint64(12), list[0].LastSeenVersion)

	_, err = reg.Touch(ctx, a.ID, nil)
	assert.ErrorIs(t, err, session.ErrNotFound)

	expired, err := reg.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)

	_, err = reg.Get(ctx, a.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, reg.Leave(ctx, b.ID))
	list, err = reg.ListActive(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, reg.Leave(ctx, b.ID))
}

func TestRedisPresenceSetLastSeenExtendsTTL(t *testing.T) {
	_, rdb := newTestRedis(t)
	clk := clock.NewManual(time.UnixMilli(1_000_000))
	reg := NewRedisPresence(rdb, 60*time.Second, clk)
	ctx := context.Background()

	s, err := reg.Join(ctx, "doc", "alice", nil)
	require.NoError(t, err)
	for v := uint64(1); v <= 3; v++ {
		clk.Advance(25 * time.Second)
		require.NoError(t, reg.SetLastSeen(ctx, s.ID, v))
	}
	expired, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	list, err := reg.ListActive(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(3), list[0].LastSeenVersion)
}

func TestRedisPresenceConcurrentUpdates(t *testing.T) {
	_, rdb := newTestRedis(t)
	clk := clock.NewManual(time.UnixMilli(1_000_000))
	reg := NewRedisPresence(rdb, 60*time.Second, clk)
	ctx := context.Background()

	s, err := reg.Join(ctx, "doc", "alice", nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 1; i <= n; i++ {
		wg.Add(2)
		go func(v int) {
			defer wg.Done()
			errs <- reg.SetLastSeen(ctx, s.ID, uint64(v))
		}(i)
		go func(v int) {
			defer wg.Done()
			_, err := reg.Touch(ctx, s.ID, json.RawMessage(fmt.Sprintf(`{"n":%d}`, v)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// 没有更新被覆盖：最大版本和某次 presence 都保留下来
	got, err := reg.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), got.LastSeenVersion)
	assert.NotEmpty(t, got.Presence)
}
