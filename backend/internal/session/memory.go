package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"collabServer/backend/internal/clock"
)

const shardCount = 16

// 按文档分片：同一文档的会话都在一个分片里
type docShard struct {
	mu   sync.Mutex
	docs map[string]map[string]*Session // docID -> sessionID -> session
}

// MemoryRegistry 单节点实现
type MemoryRegistry struct {
	ttl    time.Duration
	clk    clock.Clock
	shards [shardCount]docShard

	// sessionID -> docID，用来从会话 id 定位分片
	idxMu sync.RWMutex
	index map[string]string
}

func NewMemoryRegistry(ttl time.Duration, clk clock.Clock) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	r := &MemoryRegistry{ttl: ttl, clk: clk, index: make(map[string]string)}
	for i := range r.shards {
		r.shards[i].docs = make(map[string]map[string]*Session)
	}
	return r
}

func (r *MemoryRegistry) shardFor(docID string) *docShard {
	return &r.shards[xxhash.Sum64String(docID)%shardCount]
}

func (r *MemoryRegistry) Join(ctx context.Context, docID, principalID string, presence json.RawMessage) (Session, error) {
	now := r.clk.Now()
	s := &Session{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		PrincipalID: principalID,
		Presence:    presence,
		JoinedAt:    now,
		ExpiresAt:   now.Add(r.ttl),
	}

	sh := r.shardFor(docID)
	sh.mu.Lock()
	m, ok := sh.docs[docID]
	if !ok {
		m = make(map[string]*Session)
		sh.docs[docID] = m
	}
	m[s.ID] = s
	sh.mu.Unlock()

	r.idxMu.Lock()
	r.index[s.ID] = docID
	r.idxMu.Unlock()
	return *s, nil
}

func (r *MemoryRegistry) docOf(sessionID string) (string, bool) {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	d, ok := r.index[sessionID]
	return d, ok
}

func (r *MemoryRegistry) Leave(ctx context.Context, sessionID string) error {
	docID, ok := r.docOf(sessionID)
	if !ok {
		return nil
	}
	sh := r.shardFor(docID)
	sh.mu.Lock()
	if m, ok := sh.docs[docID]; ok {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(sh.docs, docID)
		}
	}
	sh.mu.Unlock()

	r.idxMu.Lock()
	delete(r.index, sessionID)
	r.idxMu.Unlock()
	return nil
}

// withLive 在分片锁内对未过期会话执行 fn
func (r *MemoryRegistry) withLive(sessionID string, fn func(s *Session)) (Session, error) {
	docID, ok := r.docOf(sessionID)
	if !ok {
		return Session{}, ErrNotFound
	}
	now := r.clk.Now()
	sh := r.shardFor(docID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.docs[docID][sessionID]
	if !ok || !now.Before(s.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	if fn != nil {
		fn(s)
	}
	return *s, nil
}

func (r *MemoryRegistry) Touch(ctx context.Context, sessionID string, presence json.RawMessage) (Session, error) {
	return r.withLive(sessionID, func(s *Session) {
		s.ExpiresAt = r.clk.Now().Add(r.ttl)
		if presence != nil {
			s.Presence = presence
		}
	})
}

func (r *MemoryRegistry) SetLastSeen(ctx context.Context, sessionID string, version uint64) error {
	_, err := r.withLive(sessionID, func(s *Session) {
		s.ExpiresAt = r.clk.Now().Add(r.ttl)
		if version > s.LastSeenVersion {
			s.LastSeenVersion = version
		}
	})
	return err
}

func (r *MemoryRegistry) Get(ctx context.Context, sessionID string) (Session, error) {
	return r.withLive(sessionID, nil)
}

// ListActive 只返回未过期会话，按加入时间排序
func (r *MemoryRegistry) ListActive(ctx context.Context, docID string) ([]Session, error) {
	now := r.clk.Now()
	sh := r.shardFor(docID)
	sh.mu.Lock()
	out := make([]Session, 0, len(sh.docs[docID]))
	for _, s := range sh.docs[docID] {
		if now.Before(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	sh.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *MemoryRegistry) Sweep(ctx context.Context) ([]Session, error) {
	now := r.clk.Now()
	var expired []Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for docID, m := range sh.docs {
			for id, s := range m {
				if !now.Before(s.ExpiresAt) {
					expired = append(expired, *s)
					delete(m, id)
				}
			}
			if len(m) == 0 {
				delete(sh.docs, docID)
			}
		}
		sh.mu.Unlock()
	}

	if len(expired) > 0 {
		r.idxMu.Lock()
		for _, s := range expired {
			delete(r.index, s.ID)
		}
		r.idxMu.Unlock()
	}
	return expired, nil
}
