package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"collabServer/backend/internal/clock"
)

const shardCount = 32

type entry struct {
	version  uint64
	known    bool
	expireAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// MemoryFilter 单节点内存实现：分片 map，读到过期条目时顺手删掉
type MemoryFilter struct {
	ttl    time.Duration
	clk    clock.Clock
	shards [shardCount]shard
}

func NewMemoryFilter(ttl time.Duration, clk clock.Clock) *MemoryFilter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	f := &MemoryFilter{ttl: ttl, clk: clk}
	for i := range f.shards {
		f.shards[i].entries = make(map[string]entry)
	}
	return f
}

func (f *MemoryFilter) shardFor(key string) *shard {
	return &f.shards[xxhash.Sum64String(key)%shardCount]
}

func (f *MemoryFilter) CheckAndMark(ctx context.Context, key string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s := f.shardFor(key)
	now := f.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if now.Before(e.expireAt) {
			return Result{Outcome: Duplicate, Version: e.version, Known: e.known}, nil
		}
		delete(s.entries, key)
	}
	s.entries[key] = entry{expireAt: now.Add(f.ttl)}
	return Result{Outcome: Fresh}, nil
}

func (f *MemoryFilter) Complete(ctx context.Context, key string, version uint64) error {
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{version: version, known: true, expireAt: f.clk.Now().Add(f.ttl)}
	return nil
}

func (f *MemoryFilter) Forget(ctx context.Context, key string) error {
	s := f.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep 清掉所有过期条目，返回清理数量
func (f *MemoryFilter) Sweep() int {
	now := f.clk.Now()
	removed := 0
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expireAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
