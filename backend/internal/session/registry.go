// Package session 记录每个文档当前有哪些会话在线
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL 超过这个时间没有心跳的会话视为离线
const DefaultTTL = 60 * time.Second

var ErrNotFound = errors.New("SESSION_NOT_FOUND")

// Session 一个客户端连接在某个文档上的会话。
// 同一个用户可以在同一个文档上开多个会话（多个标签页）
type Session struct {
	ID              string          `json:"id"`
	DocumentID      string          `json:"documentId"`
	PrincipalID     string          `json:"principalId"`
	LastSeenVersion uint64          `json:"lastSeenVersion"`
	Presence        json.RawMessage `json:"presence,omitempty"`
	JoinedAt        time.Time       `json:"joinedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

// Registry 不做鉴权，调用 Join 之前必须先确认用户有权限
type Registry interface {
	Join(ctx context.Context, docID, principalID string, presence json.RawMessage) (Session, error)
	Leave(ctx context.Context, sessionID string) error
	// Touch 续期；presence 为 nil 时保留原值
	Touch(ctx context.Context, sessionID string, presence json.RawMessage) (Session, error)
	// SetLastSeen 记录会话已确认收到的版本，同时续期
	SetLastSeen(ctx context.Context, sessionID string, version uint64) error
	Get(ctx context.Context, sessionID string) (Session, error)
	ListActive(ctx context.Context, docID string) ([]Session, error)
	// Sweep 清理所有过期会话，返回被清理的会话
	Sweep(ctx context.Context) ([]Session, error)
}
