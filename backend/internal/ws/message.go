package ws

import (
	"encoding/hex"
	"encoding/json"

	"collabServer/backend/internal/broadcast"
	"collabServer/backend/internal/oplog"
	"collabServer/backend/internal/session"
)

// ClientMessage 客户端发来的信封，data 按 type 再解析
type ClientMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage 服务端回给本连接的消息（广播帧由 broadcast 包编码，格式相同）
type ServerMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// ---- 客户端 -> 服务端 ----

type OperationMessage struct {
	Operation struct {
		Payload  string `json:"payload"` // hex
		ClientID string `json:"client_id"`
		Type     string `json:"type,omitempty"`
	} `json:"operation"`
	// 客户端提交时看到的版本，仅用于诊断
	Version uint64 `json:"version"`
}

type CursorMessage struct {
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	BlockID   string          `json:"block_id,omitempty"`
}

type AwarenessMessage struct {
	State json.RawMessage `json:"state"`
}

type BlockLockMessage struct {
	BlockID string `json:"block_id"`
	TTLMs   int64  `json:"ttl_ms,omitempty"`
}

type SyncMessage struct {
	FromVersion uint64 `json:"from_version"`
}

type TypingMessage struct {
	BlockID string `json:"block_id,omitempty"`
}

// PresenceState 会话 presence 里存的内容：awareness 状态和最近一次光标
type PresenceState struct {
	State  json.RawMessage `json:"state,omitempty"`
	Cursor *CursorMessage  `json:"cursor,omitempty"`
}

// ---- 服务端 -> 客户端 ----

type AckMessage struct {
	ID        string `json:"id"`
	Version   uint64 `json:"version"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type NackMessage struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}

type ActiveUser struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Presence  json.RawMessage `json:"presence,omitempty"`
}

type EstablishedMessage struct {
	SessionID       string                     `json:"session_id"`
	ActiveUsers     []ActiveUser               `json:"active_users"`
	BaselineState   string                     `json:"baseline_state"` // hex
	BaselineVersion uint64                     `json:"baseline_version"`
	CurrentVersion  uint64                     `json:"current_version"`
	Operations      []broadcast.OperationEvent `json:"operations"`
	HasMore         bool                       `json:"has_more,omitempty"`
}

type SyncOpsMessage struct {
	Operations     []broadcast.OperationEvent `json:"operations"`
	CurrentVersion uint64                     `json:"current_version"`
	HasMore        bool                       `json:"has_more,omitempty"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// ToOperationEvents 日志记录转成协议里的 operation 结构
func ToOperationEvents(recs []oplog.Record) []broadcast.OperationEvent {
	out := make([]broadcast.OperationEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, broadcast.OperationEvent{
			Operation: broadcast.OperationBody{
				ID:       r.OperationID,
				Payload:  hex.EncodeToString(r.Payload),
				ClientID: r.ClientID,
			},
			Version: r.Version,
			UserID:  r.SubmitterID,
		})
	}
	return out
}

func toActiveUsers(sessions []session.Session) []ActiveUser {
	out := make([]ActiveUser, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ActiveUser{UserID: s.PrincipalID, SessionID: s.ID, Presence: s.Presence})
	}
	return out
}
