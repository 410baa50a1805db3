package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/clock"
)

func TestBlockLockScenario(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewMemoryManager(clk, 0, 0)
	ctx := context.Background()

	out, err := m.Acquire(ctx, "doc", "block-7", "A", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Granted, out)

	clk.Advance(5 * time.Second)
	out, err = m.Acquire(ctx, "doc", "block-7", "B", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Denied, out)

	clk.Advance(26 * time.Second) // t = 31s
	out, err = m.Acquire(ctx, "doc", "block-7", "B", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Granted, out)

	l, ok, err := m.Holder(ctx, "doc", "block-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", l.HolderSessionID)
}

func TestReleaseAndRenewRequireOwnership(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewMemoryManager(clk, 0, 0)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc", "r", "A", 10*time.Second)
	require.NoError(t, err)

	out, err := m.Release(ctx, "doc", "r", "B")
	require.NoError(t, err)
	assert.Equal(t, NotOwner, out)

	out, err = m.Renew(ctx, "doc", "r", "B", time.Second)
	require.NoError(t, err)
	assert.Equal(t, NotOwner, out)

	clk.Advance(8 * time.Second)
	out, err = m.Renew(ctx, "doc", "r", "A", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Renewed, out)

	clk.Advance(8 * time.Second) // 续期前的 TTL 已过，续期后的还在
	out, err = m.Acquire(ctx, "doc", "r", "B", 0)
	require.NoError(t, err)
	assert.Equal(t, Denied, out)

	out, err = m.Release(ctx, "doc", "r", "A")
	require.NoError(t, err)
	assert.Equal(t, Released, out)

	out, err = m.Release(ctx, "doc", "r", "A")
	require.NoError(t, err)
	assert.Equal(t, NotOwner, out)
}

func TestRenewAfterExpiryFails(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewMemoryManager(clk, 0, 0)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc", "r", "A", time.Second)
	require.NoError(t, err)
	clk.Advance(time.Second)

	out, err := m.Renew(ctx, "doc", "r", "A", time.Second)
	require.NoError(t, err)
	assert.Equal(t, NotOwner, out)

	_, ok, err := m.Holder(ctx, "doc", "r")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLIsClamped(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	m := NewMemoryManager(clk, 0, 0)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc", "r", "A", time.Hour)
	require.NoError(t, err)
	l, ok, err := m.Holder(ctx, "doc", "r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(MaxTTL), l.ExpiresAt)

	assert.Equal(t, DefaultTTL, ClampTTL(0, 0, 0))
	assert.Equal(t, 2*time.Second, ClampTTL(5*time.Second, time.Second, 2*time.Second))
}

func TestMutualExclusionUnderContention(t *testing.T) {
	m := NewMemoryManager(nil, 0, 0)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := m.Acquire(context.Background(), "doc", "r", fmt.Sprintf("s%d", i), time.Minute)
			if assert.NoError(t, err) && out == Granted {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}
