package collab

import "errors"

var (
	// 重复提交，不是失败：结果里带着首次分配的版本
	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")
	// 存储层拒绝了分配的版本号
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
	// 存储不可用，客户端可以重试
	ErrStorageFailure = errors.New("STORAGE_FAILURE")
	ErrUnauthorized   = errors.New("UNAUTHORIZED")
	// 等文档槽位超时，客户端可以重试
	ErrSequencerBusy = errors.New("SEQUENCER_BUSY")
	// 同一消息的首次提交还没处理完
	ErrInFlight = errors.New("IN_FLIGHT")
	// 负载缺失、不是 hex 或者超长
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
)

// Retryable 客户端拿着同一个消息 id 重发是否有意义
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrSequencerBusy) ||
		errors.Is(err, ErrInFlight)
}

// Code 协议里 op.nack 的 code 字段
func Code(err error) string {
	for _, e := range []error{
		ErrDuplicateOperation,
		ErrVersionConflict,
		ErrStorageFailure,
		ErrUnauthorized,
		ErrSequencerBusy,
		ErrInFlight,
		ErrInvalidOperation,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "INTERNAL"
}
