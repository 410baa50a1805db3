// Package lock 文档内子资源（段落、表格单元等）的排他锁，每把锁都有 TTL
package lock

import (
	"context"
	"time"
)

const (
	DefaultTTL = 30 * time.Second
	MaxTTL     = 5 * time.Minute
)

type Outcome int

const (
	Granted Outcome = iota
	Denied
	Released
	NotOwner
	Renewed
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Released:
		return "released"
	case NotOwner:
		return "not_owner"
	case Renewed:
		return "renewed"
	}
	return "unknown"
}

// Lock 某个 (文档, 资源) 上的锁
type Lock struct {
	DocumentID      string    `json:"documentId"`
	ResourceID      string    `json:"resourceId"`
	HolderSessionID string    `json:"holderSessionId"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Manager 锁竞争通过 Outcome 表达，error 只表示基础设施故障
type Manager interface {
	Acquire(ctx context.Context, docID, resourceID, sessionID string, ttl time.Duration) (Outcome, error)
	Release(ctx context.Context, docID, resourceID, sessionID string) (Outcome, error)
	Renew(ctx context.Context, docID, resourceID, sessionID string, ttl time.Duration) (Outcome, error)
	Holder(ctx context.Context, docID, resourceID string) (Lock, bool, error)
}

// ClampTTL 非正数取默认值，超过上限截断
func ClampTTL(ttl, def, max time.Duration) time.Duration {
	if def <= 0 {
		def = DefaultTTL
	}
	if max <= 0 {
		max = MaxTTL
	}
	if ttl <= 0 {
		ttl = def
	}
	if ttl > max {
		ttl = max
	}
	return ttl
}
