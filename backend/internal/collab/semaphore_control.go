package collab

import (
	"context"
	"errors"
)

var (
	ErrAcquireTimeout = errors.New("ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("RELEASE_WITHOUT_ACQUIRE")
)

// SemaphoreControl 基于带缓冲 channel 的计数信号量，Acquire 的等待时间受 ctx 限制
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = 1
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	// 已经超时的 ctx 不抢占空位
	if err := ctx.Err(); err != nil {
		return ErrAcquireTimeout
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
