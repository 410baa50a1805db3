package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"collabServer/backend/internal/clock"
)

const shardCount = 16

type lockKey struct {
	doc      string
	resource string
}

type shard struct {
	mu    sync.Mutex
	locks map[lockKey]Lock
}

// MemoryManager 单节点实现，过期判断走注入的时钟
type MemoryManager struct {
	clk        clock.Clock
	defaultTTL time.Duration
	maxTTL     time.Duration
	shards     [shardCount]shard
}

func NewMemoryManager(clk clock.Clock, defaultTTL, maxTTL time.Duration) *MemoryManager {
	if clk == nil {
		clk = clock.Real()
	}
	m := &MemoryManager{clk: clk, defaultTTL: defaultTTL, maxTTL: maxTTL}
	for i := range m.shards {
		m.shards[i].locks = make(map[lockKey]Lock)
	}
	return m
}

func (m *MemoryManager) shardFor(k lockKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(k.doc)
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(k.resource)
	return &m.shards[h.Sum64()%shardCount]
}

// live 返回未过期的锁；过期的顺手删掉。调用方持有 s.mu
func (s *shard) live(k lockKey, now time.Time) (Lock, bool) {
	l, ok := s.locks[k]
	if !ok {
		return Lock{}, false
	}
	if !now.Before(l.ExpiresAt) {
		delete(s.locks, k)
		return Lock{}, false
	}
	return l, true
}

func (m *MemoryManager) Acquire(ctx context.Context, docID, resourceID, sessionID string, ttl time.Duration) (Outcome, error) {
	k := lockKey{docID, resourceID}
	s := m.shardFor(k)
	now := m.clk.Now()
	ttl = ClampTTL(ttl, m.defaultTTL, m.maxTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.live(k, now); ok && l.HolderSessionID != sessionID {
		return Denied, nil
	}
	// 持有者重复加锁视为续期
	s.locks[k] = Lock{
		DocumentID:      docID,
		ResourceID:      resourceID,
		HolderSessionID: sessionID,
		ExpiresAt:       now.Add(ttl),
	}
	return Granted, nil
}

func (m *MemoryManager) Release(ctx context.Context, docID, resourceID, sessionID string) (Outcome, error) {
	k := lockKey{docID, resourceID}
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(k, m.clk.Now())
	if !ok || l.HolderSessionID != sessionID {
		return NotOwner, nil
	}
	delete(s.locks, k)
	return Released, nil
}

func (m *MemoryManager) Renew(ctx context.Context, docID, resourceID, sessionID string, ttl time.Duration) (Outcome, error) {
	k := lockKey{docID, resourceID}
	s := m.shardFor(k)
	now := m.clk.Now()
	ttl = ClampTTL(ttl, m.defaultTTL, m.maxTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(k, now)
	if !ok || l.HolderSessionID != sessionID {
		return NotOwner, nil
	}
	l.ExpiresAt = now.Add(ttl)
	s.locks[k] = l
	return Renewed, nil
}

func (m *MemoryManager) Holder(ctx context.Context, docID, resourceID string) (Lock, bool, error) {
	k := lockKey{docID, resourceID}
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(k, m.clk.Now())
	return l, ok, nil
}
