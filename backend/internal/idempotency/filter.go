// Package idempotency 短期去重：同一 (文档, 提交者, 消息 id) 在 TTL 内只放行一次。
// 长期去重由操作日志的唯一约束兜底。
package idempotency

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DefaultTTL 去重标记的默认存活时间
const DefaultTTL = 5 * time.Minute

type Outcome int

const (
	// 第一次见到这个 key，已经标记为处理中
	Fresh Outcome = iota
	// 之前见过
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Result CheckAndMark 的结果。Duplicate 且 Known 时 Version 是首次提交分到的版本；
// Duplicate 但 !Known 表示首次提交还没处理完。
type Result struct {
	Outcome Outcome
	Version uint64
	Known   bool
}

// Filter 带过期时间的去重表
type Filter interface {
	CheckAndMark(ctx context.Context, key string) (Result, error)
	// Complete 记录 key 对应的版本
	Complete(ctx context.Context, key string, version uint64) error
	// Forget 提交失败时清除标记，让重试可以通过
	Forget(ctx context.Context, key string) error
}

// Key 由文档、提交者、消息 id 计算去重键（不含版本号，重试时保持不变）
func Key(docID, submitterID, messageID string) string {
	h, _ := blake2b.New(16, nil)
	for _, part := range []string{docID, submitterID, messageID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
