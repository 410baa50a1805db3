package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"collabServer/backend/internal/broadcast"
	"collabServer/backend/internal/idempotency"
	"collabServer/backend/internal/lock"
	"collabServer/backend/internal/oplog"
	"collabServer/backend/internal/session"
)

const (
	DefaultJoinTailLimit   = 500
	DefaultMaxPayloadBytes = 1 << 20
)

// EventSink 落库后的异步事件出口（KafkaDispatcher）
type EventSink interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

type Options struct {
	SubmitTimeout   time.Duration
	JoinTailLimit   int
	MaxPayloadBytes int
	// 事件入队最多等多久，超时丢弃
	EventEnqueueWait time.Duration
}

type Deps struct {
	Log      OperationLog
	Filter   idempotency.Filter
	Registry session.Registry
	Router   *broadcast.Router
	Locks    lock.Manager
	Auth     Authorizer
	Baseline BaselineProvider
	// 可选
	Events EventSink
}

// Engine 组合各组件：去重 -> 排序 -> 落库 -> 广播 -> 回执，以及加入文档的握手
type Engine struct {
	log       OperationLog
	filter    idempotency.Filter
	registry  session.Registry
	router    *broadcast.Router
	locks     lock.Manager
	auth      Authorizer
	baselines *baselineLoader
	events    EventSink
	seq       *Sequencer
	opt       Options
}

func NewEngine(d Deps, opt Options) *Engine {
	if opt.SubmitTimeout <= 0 {
		opt.SubmitTimeout = DefaultSubmitTimeout
	}
	if opt.JoinTailLimit <= 0 {
		opt.JoinTailLimit = DefaultJoinTailLimit
	}
	if opt.MaxPayloadBytes <= 0 {
		opt.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if opt.EventEnqueueWait <= 0 {
		opt.EventEnqueueWait = 50 * time.Millisecond
	}
	auth := d.Auth
	if auth == nil {
		auth = allowAll{}
	}
	return &Engine{
		log:       d.Log,
		filter:    d.Filter,
		registry:  d.Registry,
		router:    d.Router,
		locks:     d.Locks,
		auth:      auth,
		baselines: &baselineLoader{provider: d.Baseline},
		events:    d.Events,
		seq:       NewSequencer(d.Log, opt.SubmitTimeout),
		opt:       opt,
	}
}

func (e *Engine) Router() *broadcast.Router { return e.router }

// Authorize 在创建会话之前调用
func (e *Engine) Authorize(ctx context.Context, principalID, docID string) error {
	ok, err := e.auth.CanJoin(ctx, principalID, docID)
	if err != nil {
		return fmt.Errorf("authorize: %v: %w", err, ErrStorageFailure)
	}
	if !ok {
		return fmt.Errorf("principal=%s doc=%s: %w", principalID, docID, ErrUnauthorized)
	}
	return nil
}

type JoinRequest struct {
	DocumentID  string
	PrincipalID string
	Presence    json.RawMessage
	// 客户端重连时带上已确认的版本，0 表示首次加入
	LastSeenVersion uint64
}

type JoinResult struct {
	Session    session.Session
	Subscriber *broadcast.Subscriber
	// 客户端已有的版本不低于快照时为空
	Baseline       Baseline
	CurrentVersion uint64
	// (起点, CurrentVersion] 内的操作，最多 JoinTailLimit 条；HasMore 时客户端继续 sync
	Operations  []oplog.Record
	HasMore     bool
	ActiveUsers []session.Session
}

// Join 鉴权 -> 注册会话 -> 订阅广播 -> 取快照和之后的日志。
// 先订阅再读日志：两者重叠的操作客户端会收到两次，负载本身是幂等的
func (e *Engine) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if err := e.Authorize(ctx, req.PrincipalID, req.DocumentID); err != nil {
		return JoinResult{}, err
	}

	sess, err := e.registry.Join(ctx, req.DocumentID, req.PrincipalID, req.Presence)
	if err != nil {
		return JoinResult{}, fmt.Errorf("join: register: %v: %w", err, ErrStorageFailure)
	}
	sub := e.router.Subscribe(req.DocumentID, sess.ID)

	res, err := e.catchUp(ctx, sess, req.LastSeenVersion)
	if err != nil {
		e.router.Unsubscribe(sub)
		if lerr := e.registry.Leave(ctx, sess.ID); lerr != nil {
			glog.Warningf("join: rollback session=%s: %v", sess.ID, lerr)
		}
		return JoinResult{}, err
	}
	res.Session = sess
	res.Subscriber = sub
	// 不高于 CurrentVersion 的操作已经在 res.Operations 里
	e.router.Seed(req.DocumentID, res.CurrentVersion)

	active, err := e.registry.ListActive(ctx, req.DocumentID)
	if err != nil {
		glog.Warningf("join: list active doc=%s: %v", req.DocumentID, err)
		active = []session.Session{sess}
	}
	res.ActiveUsers = active

	e.router.PublishEvent(req.DocumentID, broadcast.Event{
		Type: "user.joined",
		Data: map[string]any{
			"user_id":    sess.PrincipalID,
			"session_id": sess.ID,
			"presence":   sess.Presence,
		},
	}, sess.ID)
	glog.Infof("join: doc=%s user=%s session=%s v=%d tail=%d",
		req.DocumentID, req.PrincipalID, sess.ID, res.CurrentVersion, len(res.Operations))
	return res, nil
}

func (e *Engine) catchUp(ctx context.Context, sess session.Session, lastSeen uint64) (JoinResult, error) {
	var res JoinResult
	base, err := e.baselines.load(ctx, sess.DocumentID)
	if err != nil {
		return res, fmt.Errorf("join: baseline: %v: %w", err, ErrStorageFailure)
	}

	from := base.Version
	if lastSeen >= base.Version && lastSeen > 0 {
		from = lastSeen
	} else {
		res.Baseline = base
	}

	current, err := e.log.Latest(ctx, sess.DocumentID)
	if err != nil {
		return res, fmt.Errorf("join: latest: %v: %w", err, ErrStorageFailure)
	}
	res.CurrentVersion = current
	ops, more, err := e.tail(ctx, sess.DocumentID, from, current)
	if err != nil {
		return res, err
	}
	res.Operations = ops
	res.HasMore = more
	if len(ops) > 0 {
		_ = e.registry.SetLastSeen(ctx, sess.ID, ops[len(ops)-1].Version)
	}
	return res, nil
}

// tail 读 (from, current] 的前 JoinTailLimit 条
func (e *Engine) tail(ctx context.Context, docID string, from, current uint64) ([]oplog.Record, bool, error) {
	if from >= current {
		return []oplog.Record{}, false, nil
	}
	to := current
	more := false
	if to-from > uint64(e.opt.JoinTailLimit) {
		to = from + uint64(e.opt.JoinTailLimit)
		more = true
	}
	ops, err := e.log.Range(ctx, docID, from+1, to)
	if err != nil {
		return nil, false, fmt.Errorf("range doc=%s: %v: %w", docID, err, ErrStorageFailure)
	}
	return ops, more, nil
}

// Leave 注销会话、退订、释放它还持有的锁
func (e *Engine) Leave(ctx context.Context, sess session.Session, sub *broadcast.Subscriber, heldLocks []string) {
	if sub != nil {
		e.router.Unsubscribe(sub)
	}
	for _, res := range heldLocks {
		out, err := e.locks.Release(ctx, sess.DocumentID, res, sess.ID)
		if err != nil {
			glog.Warningf("leave: release lock doc=%s res=%s: %v", sess.DocumentID, res, err)
			continue
		}
		if out == lock.Released {
			e.router.PublishEvent(sess.DocumentID, broadcast.Event{
				Type: "block.unlocked",
				Data: map[string]any{"block_id": res, "user_id": sess.PrincipalID},
			}, sess.ID)
		}
	}
	if err := e.registry.Leave(ctx, sess.ID); err != nil {
		glog.Warningf("leave: session=%s: %v", sess.ID, err)
	}
	e.router.PublishEvent(sess.DocumentID, broadcast.Event{
		Type: "user.left",
		Data: map[string]any{"user_id": sess.PrincipalID, "session_id": sess.ID},
	}, sess.ID)
	glog.Infof("leave: doc=%s user=%s session=%s", sess.DocumentID, sess.PrincipalID, sess.ID)
}

type SubmitRequest struct {
	MessageID string
	ClientID  string
	Payload   []byte
}

type SubmitResult struct {
	Version     uint64
	OperationID string
	// 重复提交：Version 是首次分配的版本，没有再次广播
	Duplicate bool
}

// Submit 去重 -> 排序落库 -> 广播给其他会话 -> 返回回执。
// 失败只影响提交者本人；重复提交不算失败
func (e *Engine) Submit(ctx context.Context, sess session.Session, req SubmitRequest) (SubmitResult, error) {
	if req.MessageID == "" || len(req.Payload) == 0 {
		return SubmitResult{}, fmt.Errorf("missing message id or payload: %w", ErrInvalidOperation)
	}
	if len(req.Payload) > e.opt.MaxPayloadBytes {
		return SubmitResult{}, fmt.Errorf("payload %d bytes over limit: %w", len(req.Payload), ErrInvalidOperation)
	}

	docID := sess.DocumentID
	key := idempotency.Key(docID, sess.PrincipalID, req.MessageID)

	marked := false
	if e.filter != nil {
		r, err := e.filter.CheckAndMark(ctx, key)
		switch {
		case err != nil:
			// 过滤器不可用时退回到存储层的唯一约束
			glog.Warningf("submit: idempotency filter unavailable: %v", err)
		case r.Outcome == idempotency.Duplicate && r.Known:
			return SubmitResult{Version: r.Version, Duplicate: true}, nil
		case r.Outcome == idempotency.Duplicate:
			return e.resolvePending(ctx, sess, req.MessageID, key)
		default:
			marked = true
		}
	}

	rec, err := e.seq.Submit(ctx, Submission{
		DocumentID:  docID,
		SubmitterID: sess.PrincipalID,
		MessageID:   req.MessageID,
		ClientID:    req.ClientID,
		Payload:     req.Payload,
	}, func(rec oplog.Record) {
		// 仍持有文档槽位，广播顺序与版本顺序一致
		e.router.Publish(docID, rec, sess.ID)
		e.emit(rec)
	})

	switch {
	case err == nil:
		e.complete(ctx, key, rec.Version, marked)
		if serr := e.registry.SetLastSeen(ctx, sess.ID, rec.Version); serr != nil && !errors.Is(serr, session.ErrNotFound) {
			glog.V(1).Infof("submit: set last seen session=%s: %v", sess.ID, serr)
		}
		if glog.V(2) {
			glog.Infof("submit: doc=%s v=%d op=%s user=%s", docID, rec.Version, rec.OperationID, sess.PrincipalID)
		}
		return SubmitResult{Version: rec.Version, OperationID: rec.OperationID}, nil

	case errors.Is(err, ErrDuplicateOperation):
		// 过滤器已过期，但存储层认出了重复
		e.complete(ctx, key, rec.Version, true)
		glog.V(1).Infof("submit: duplicate from log doc=%s msg=%s v=%d", docID, req.MessageID, rec.Version)
		return SubmitResult{Version: rec.Version, OperationID: rec.OperationID, Duplicate: true}, nil

	default:
		if marked {
			if ferr := e.filter.Forget(ctx, key); ferr != nil {
				glog.Warningf("submit: forget key after failure: %v", ferr)
			}
		}
		if errors.Is(err, ErrVersionConflict) {
			glog.Errorf("submit: doc=%s msg=%s: %v", docID, req.MessageID, err)
		} else {
			glog.Warningf("submit: doc=%s msg=%s: %v", docID, req.MessageID, err)
		}
		return SubmitResult{}, err
	}
}

// resolvePending 过滤器里只有处理中标记时，以存储为准
func (e *Engine) resolvePending(ctx context.Context, sess session.Session, messageID, key string) (SubmitResult, error) {
	rec, err := e.log.FindByMessage(ctx, sess.DocumentID, sess.PrincipalID, messageID)
	if errors.Is(err, oplog.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("msg=%s: %w", messageID, ErrInFlight)
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("resolve duplicate: %v: %w", err, ErrStorageFailure)
	}
	e.complete(ctx, key, rec.Version, true)
	return SubmitResult{Version: rec.Version, OperationID: rec.OperationID, Duplicate: true}, nil
}

func (e *Engine) complete(ctx context.Context, key string, version uint64, ok bool) {
	if !ok || e.filter == nil {
		return
	}
	if err := e.filter.Complete(ctx, key, version); err != nil {
		glog.Warningf("submit: record version in filter: %v", err)
	}
}

func (e *Engine) emit(rec oplog.Record) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.EventEnqueueWait)
	defer cancel()
	if err := e.events.Enqueue(ctx, NewDocOpEvent(rec)); err != nil {
		glog.Warningf("submit: drop event doc=%s v=%d: %v", rec.DocumentID, rec.Version, err)
	}
}

// Sync 返回 fromVersion 之后的操作（最多 JoinTailLimit 条）和当前版本
func (e *Engine) Sync(ctx context.Context, sess session.Session, fromVersion uint64) ([]oplog.Record, uint64, bool, error) {
	current, err := e.log.Latest(ctx, sess.DocumentID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("sync: latest: %v: %w", err, ErrStorageFailure)
	}
	ops, more, err := e.tail(ctx, sess.DocumentID, fromVersion, current)
	if err != nil {
		return nil, 0, false, err
	}
	if len(ops) > 0 {
		_ = e.registry.SetLastSeen(ctx, sess.ID, ops[len(ops)-1].Version)
	}
	return ops, current, more, nil
}

// Range HTTP 追平接口用，先鉴权
func (e *Engine) Range(ctx context.Context, principalID, docID string, from, to uint64) ([]oplog.Record, error) {
	if err := e.Authorize(ctx, principalID, docID); err != nil {
		return nil, err
	}
	ops, err := e.log.Range(ctx, docID, from, to)
	if err != nil {
		return nil, fmt.Errorf("range doc=%s: %v: %w", docID, err, ErrStorageFailure)
	}
	return ops, nil
}

// Touch 心跳/presence 更新，会话已过期时返回 session.ErrNotFound
func (e *Engine) Touch(ctx context.Context, sess session.Session, presence json.RawMessage) error {
	_, err := e.registry.Touch(ctx, sess.ID, presence)
	return err
}

// Relay 光标、awareness、输入状态等直接转发
func (e *Engine) Relay(sess session.Session, evt broadcast.Event) {
	e.router.PublishEvent(sess.DocumentID, evt, sess.ID)
}

// AcquireLock 返回结果以及当前持有者（Denied 时有意义）
func (e *Engine) AcquireLock(ctx context.Context, sess session.Session, resourceID string, ttl time.Duration) (lock.Outcome, lock.Lock, error) {
	out, err := e.locks.Acquire(ctx, sess.DocumentID, resourceID, sess.ID, ttl)
	if err != nil {
		return out, lock.Lock{}, fmt.Errorf("acquire lock: %v: %w", err, ErrStorageFailure)
	}
	if out == lock.Granted {
		e.router.PublishEvent(sess.DocumentID, broadcast.Event{
			Type: "block.locked",
			Data: map[string]any{"block_id": resourceID, "user_id": sess.PrincipalID},
		}, sess.ID)
		return out, lock.Lock{}, nil
	}
	holder, _, err := e.locks.Holder(ctx, sess.DocumentID, resourceID)
	if err != nil {
		glog.V(1).Infof("acquire lock: holder lookup: %v", err)
	}
	return out, holder, nil
}

func (e *Engine) ReleaseLock(ctx context.Context, sess session.Session, resourceID string) (lock.Outcome, error) {
	out, err := e.locks.Release(ctx, sess.DocumentID, resourceID, sess.ID)
	if err != nil {
		return out, fmt.Errorf("release lock: %v: %w", err, ErrStorageFailure)
	}
	if out == lock.Released {
		e.router.PublishEvent(sess.DocumentID, broadcast.Event{
			Type: "block.unlocked",
			Data: map[string]any{"block_id": resourceID, "user_id": sess.PrincipalID},
		}, sess.ID)
	}
	return out, nil
}

func (e *Engine) RenewLock(ctx context.Context, sess session.Session, resourceID string, ttl time.Duration) (lock.Outcome, error) {
	out, err := e.locks.Renew(ctx, sess.DocumentID, resourceID, sess.ID, ttl)
	if err != nil {
		return out, fmt.Errorf("renew lock: %v: %w", err, ErrStorageFailure)
	}
	return out, nil
}

// SweepOnce 清理过期会话：断开它们的订阅并广播 user.left
func (e *Engine) SweepOnce(ctx context.Context) int {
	expired, err := e.registry.Sweep(ctx)
	if err != nil {
		glog.Warningf("sweep: %v", err)
	}
	for _, s := range expired {
		e.router.Disconnect(s.DocumentID, s.ID)
		e.router.PublishEvent(s.DocumentID, broadcast.Event{
			Type: "user.left",
			Data: map[string]any{"user_id": s.PrincipalID, "session_id": s.ID, "reason": "timeout"},
		}, s.ID)
	}
	if sw, ok := e.filter.(interface{ Sweep() int }); ok {
		sw.Sweep()
	}
	if len(expired) > 0 {
		glog.Infof("sweep: removed %d expired sessions", len(expired))
	}
	return len(expired)
}

// RunSweeper 周期性调用 SweepOnce，直到 ctx 结束
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}
