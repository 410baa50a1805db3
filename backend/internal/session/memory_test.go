package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/clock"
)

func TestJoinListLeave(t *testing.T) {
	r := NewMemoryRegistry(time.Minute, clock.NewManual(time.Unix(100, 0)))
	ctx := context.Background()

	a, err := r.Join(ctx, "doc", "alice", json.RawMessage(`{"color":"red"}`))
	require.NoError(t, err)
	b, err := r.Join(ctx, "doc", "alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, "same principal may hold several sessions")

	_, err = r.Join(ctx, "other", "bob", nil)
	require.NoError(t, err)

	list, err := r.ListActive(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, r.Leave(ctx, a.ID))
	list, err = r.ListActive(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	_, err = r.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// 重复离开不报错
	require.NoError(t, r.Leave(ctx, a.ID))
}

func TestExpiredSessionsAreHidden(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	r := NewMemoryRegistry(60*time.Second, clk)
	ctx := context.Background()

	a, err := r.Join(ctx, "doc", "alice", nil)
	require.NoError(t, err)
	b, err := r.Join(ctx, "doc", "bob", nil)
	require.NoError(t, err)

	clk.Advance(40 * time.Second)
	_, err = r.Touch(ctx, b.ID, json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	clk.Advance(20 * time.Second) // alice 到期，bob 还剩 40s
	list, err := r.ListActive(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
	assert.JSONEq(t, `{"x":1}`, string(list[0].Presence))

	_, err = r.Touch(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	expired, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)

	expired, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSetLastSeenIsMonotonic(t *testing.T) {
	r := NewMemoryRegistry(0, nil)
	ctx := context.Background()
	s, err := r.Join(ctx, "doc", "alice", nil)
	require.NoError(t, err)

	require.NoError(t, r.SetLastSeen(ctx, s.ID, 9))
	require.NoError(t, r.SetLastSeen(ctx, s.ID, 4))
	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.LastSeenVersion)

	assert.ErrorIs(t, r.SetLastSeen(ctx, "missing", 1), ErrNotFound)
}

func TestListActiveEmptyDocument(t *testing.T) {
	r := NewMemoryRegistry(0, nil)
	list, err := r.ListActive(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestSetLastSeenExtendsTTL(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_000, 0))
	r := NewMemoryRegistry(60*time.Second, clk)
	ctx := context.Background()
	s, err := r.Join(ctx, "doc", "alice", nil)
	require.NoError(t, err)

	// 只提交不发心跳，每 25 秒一次
	for v := uint64(1); v <= 3; v++ {
		clk.Advance(25 * time.Second)
		require.NoError(t, r.SetLastSeen(ctx, s.ID, v))
	}
	expired, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(60*time.Second), got.ExpiresAt)
}
