package oplog

import "errors"

// Record 一条已被接受的操作，落库后不可变
type Record struct {
	DocumentID  string `json:"documentId"`
	SubmitterID string `json:"submitterId"`
	// 客户端提交时带的消息 id，同一个 (文档, 提交者) 下唯一
	MessageID string `json:"messageId"`
	ClientID  string `json:"clientId,omitempty"`
	// 由 (文档, 提交者, 消息 id, 版本) 推导，全局唯一
	OperationID string `json:"operationId"`
	// CRDT 更新，服务端不解析
	Payload []byte `json:"payload"`
	Version uint64 `json:"version"`
	// 微秒时间戳，仅用于诊断
	SubmittedAt int64 `json:"submittedAt"`
}

var (
	// 唯一约束命中：同一操作已经落库
	ErrDuplicate = errors.New("OPERATION_DUPLICATE")
	// 提交的版本号不是 current_version+1
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
	ErrNotFound        = errors.New("OPERATION_NOT_FOUND")
	// 读到的版本不连续，说明存储层不变量被破坏
	ErrLogGap = errors.New("OPERATION_LOG_GAP")
)
