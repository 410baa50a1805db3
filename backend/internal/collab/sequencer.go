package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabServer/backend/internal/oplog"
)

const DefaultSubmitTimeout = 2 * time.Second

// OperationLog 持久化的操作日志（oplog.Store 实现）
type OperationLog interface {
	Append(ctx context.Context, rec oplog.Record) (oplog.Record, error)
	Range(ctx context.Context, docID string, from, to uint64) ([]oplog.Record, error)
	Latest(ctx context.Context, docID string) (uint64, error)
	FindByMessage(ctx context.Context, docID, submitterID, messageID string) (oplog.Record, error)
}

// Submission 一次待排序的提交
type Submission struct {
	DocumentID  string
	SubmitterID string
	MessageID   string
	ClientID    string
	Payload     []byte
}

// 每个文档一个槽位：容量为 1 的信号量 + 缓存的当前版本
type docSlot struct {
	sem *SemaphoreControl
	// 以下字段只在持有 sem 时读写
	loaded  bool
	current uint64
}

// Sequencer 给每个文档的操作分配连续递增的版本号。
// 同一文档同一时刻只有一个提交在推进版本，等待时间有上限；不同文档互不影响
type Sequencer struct {
	log     OperationLog
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	slots map[string]*docSlot
}

func NewSequencer(log OperationLog, timeout time.Duration) *Sequencer {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Sequencer{
		log:     log,
		timeout: timeout,
		now:     time.Now,
		slots:   make(map[string]*docSlot),
	}
}

// getOrCreateSlot 双重检查，读多写少
func (s *Sequencer) getOrCreateSlot(docID string) *docSlot {
	s.mu.RLock()
	slot, ok := s.slots[docID]
	s.mu.RUnlock()
	if ok {
		return slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.slots[docID]; ok {
		return slot
	}
	slot = &docSlot{sem: NewSemaphoreControl(1)}
	s.slots[docID] = slot
	return slot
}

// Submit 分配版本并落库。onCommit 在落库成功后、释放槽位前调用，
// 因此同一文档的 onCommit 调用顺序就是版本顺序。
//
// 重复提交返回首次写入的记录和 ErrDuplicateOperation，不会调用 onCommit
func (s *Sequencer) Submit(ctx context.Context, sub Submission, onCommit func(oplog.Record)) (oplog.Record, error) {
	slot := s.getOrCreateSlot(sub.DocumentID)

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := slot.sem.Acquire(waitCtx)
	cancel()
	if err != nil {
		return oplog.Record{}, fmt.Errorf("submit doc=%s: %w", sub.DocumentID, ErrSequencerBusy)
	}
	defer slot.sem.Release()

	// 其他节点推进过版本时缓存会过期，重新加载后再试一次
	for attempt := 0; attempt < 2; attempt++ {
		if !slot.loaded {
			cur, err := s.log.Latest(ctx, sub.DocumentID)
			if err != nil {
				return oplog.Record{}, fmt.Errorf("submit: load version: %v: %w", err, ErrStorageFailure)
			}
			slot.current = cur
			slot.loaded = true
		}

		next := slot.current + 1
		rec := oplog.Record{
			DocumentID:  sub.DocumentID,
			SubmitterID: sub.SubmitterID,
			MessageID:   sub.MessageID,
			ClientID:    sub.ClientID,
			OperationID: OperationID(sub.DocumentID, sub.SubmitterID, sub.MessageID, next),
			Payload:     sub.Payload,
			Version:     next,
			SubmittedAt: s.now().UnixMicro(),
		}

		stored, err := s.log.Append(ctx, rec)
		switch {
		case err == nil:
			slot.current = next
			if onCommit != nil {
				onCommit(stored)
			}
			return stored, nil

		case errors.Is(err, oplog.ErrDuplicate):
			return stored, fmt.Errorf("submit msg=%s: %w", sub.MessageID, ErrDuplicateOperation)

		case errors.Is(err, oplog.ErrVersionConflict):
			slot.loaded = false
			if attempt == 0 {
				glog.V(1).Infof("sequencer: stale version cache doc=%s v=%d, reloading", sub.DocumentID, next)
				continue
			}
			glog.Errorf("sequencer: version conflict doc=%s v=%d: %v", sub.DocumentID, next, err)
			return oplog.Record{}, fmt.Errorf("submit doc=%s: %w", sub.DocumentID, ErrVersionConflict)

		default:
			// 事务是否提交不确定，下次重新读
			slot.loaded = false
			return oplog.Record{}, fmt.Errorf("submit doc=%s: %v: %w", sub.DocumentID, err, ErrStorageFailure)
		}
	}
	return oplog.Record{}, fmt.Errorf("submit doc=%s: %w", sub.DocumentID, ErrVersionConflict)
}
