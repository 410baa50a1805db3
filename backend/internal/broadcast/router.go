// Package broadcast 把已接受的操作和其他协作事件推给同一文档的其他会话
package broadcast

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabServer/backend/internal/oplog"
)

const DefaultOutboxSize = 256

// Event 出站消息，序列化后就是协议里的 {"type","data"} 信封
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type OperationBody struct {
	ID       string `json:"id"`
	Payload  string `json:"payload"` // hex
	ClientID string `json:"client_id,omitempty"`
}

type OperationEvent struct {
	Operation OperationBody `json:"operation"`
	Version   uint64        `json:"version"`
	UserID    string        `json:"user_id"`
}

// OperationFrame 把一条日志记录编码成广播帧
func OperationFrame(rec oplog.Record) ([]byte, error) {
	return json.Marshal(Event{
		Type: "operation",
		Data: OperationEvent{
			Operation: OperationBody{
				ID:       rec.OperationID,
				Payload:  hex.EncodeToString(rec.Payload),
				ClientID: rec.ClientID,
			},
			Version: rec.Version,
			UserID:  rec.SubmitterID,
		},
	})
}

// Relay 跨节点转发；nil 表示单节点部署。version 为 0 表示非操作事件
type Relay interface {
	Forward(ctx context.Context, docID string, version uint64, frame []byte, excludeSessionID string) error
}

// Router 本节点上按文档分组的订阅者。
// 同一文档的 Publish 由调用方串行调用（持有 sequencer 的槽位），每个订阅者的 outbox 是 FIFO，因此单节点下文档内顺序不变。
// 配置了 relay 时，操作帧再经过按文档的版本排序（见 order.go）
type Router struct {
	mu         sync.RWMutex
	docs       map[string]map[string]*Subscriber
	outboxSize int
	relay      Relay
	relayWait  time.Duration

	orderMu  sync.Mutex
	order    map[string]*docOrder
	holdback time.Duration
}

func NewRouter(outboxSize int) *Router {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Router{
		docs:       make(map[string]map[string]*Subscriber),
		outboxSize: outboxSize,
		relayWait:  time.Second,
		order:      make(map[string]*docOrder),
		holdback:   DefaultHoldback,
	}
}

// SetRelay 必须在开始发布之前调用
func (r *Router) SetRelay(relay Relay) { r.relay = relay }

// SetHoldback 必须在开始发布之前调用
func (r *Router) SetHoldback(d time.Duration) {
	if d > 0 {
		r.holdback = d
	}
}

// Subscribe 注册一个会话。同一个 sessionID 重复订阅会替换掉旧的
func (r *Router) Subscribe(docID, sessionID string) *Subscriber {
	sub := newSubscriber(docID, sessionID, r.outboxSize)
	r.mu.Lock()
	m, ok := r.docs[docID]
	if !ok {
		m = make(map[string]*Subscriber)
		r.docs[docID] = m
	}
	old := m[sessionID]
	m[sessionID] = sub
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	return sub
}

func (r *Router) Unsubscribe(sub *Subscriber) {
	r.remove(sub)
	sub.close()
}

// Disconnect 按会话 id 踢掉订阅者（例如会话已过期）
func (r *Router) Disconnect(docID, sessionID string) bool {
	r.mu.RLock()
	sub := r.docs[docID][sessionID]
	r.mu.RUnlock()
	if sub == nil {
		return false
	}
	r.Unsubscribe(sub)
	return true
}

func (r *Router) remove(sub *Subscriber) {
	r.mu.Lock()
	m := r.docs[sub.DocumentID]
	if m[sub.SessionID] != sub {
		r.mu.Unlock()
		return
	}
	delete(m, sub.SessionID)
	empty := len(m) == 0
	if empty {
		delete(r.docs, sub.DocumentID)
	}
	r.mu.Unlock()

	if empty && r.relay != nil {
		go r.dropOrder(sub.DocumentID)
	}
}

// Count 文档在本节点的订阅者数量
func (r *Router) Count(docID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs[docID])
}

// Publish 把已落库的操作发给除 excludeSessionID 之外的所有订阅者
func (r *Router) Publish(docID string, rec oplog.Record, excludeSessionID string) {
	frame, err := OperationFrame(rec)
	if err != nil {
		glog.Errorf("broadcast: encode op doc=%s v=%d: %v", docID, rec.Version, err)
		return
	}
	r.publishFrame(docID, rec.Version, frame, excludeSessionID)
}

// PublishEvent 非操作类事件（光标、awareness、锁、上下线、输入状态）
func (r *Router) PublishEvent(docID string, evt Event, excludeSessionID string) {
	frame, err := json.Marshal(evt)
	if err != nil {
		glog.Errorf("broadcast: encode %s doc=%s: %v", evt.Type, docID, err)
		return
	}
	r.publishFrame(docID, 0, frame, excludeSessionID)
}

func (r *Router) publishFrame(docID string, version uint64, frame []byte, excludeSessionID string) {
	if r.relay == nil {
		r.DeliverLocal(docID, frame, excludeSessionID)
		return
	}
	r.DeliverRelayed(docID, version, frame, excludeSessionID)
	ctx, cancel := context.WithTimeout(context.Background(), r.relayWait)
	defer cancel()
	if err := r.relay.Forward(ctx, docID, version, frame, excludeSessionID); err != nil {
		// 其他节点的会话可以通过 Range 追平
		glog.Warningf("broadcast: relay doc=%s: %v", docID, err)
	}
}

// DeliverRelayed 多节点下的本地投递入口：操作帧按版本排序，其他事件直接投递
func (r *Router) DeliverRelayed(docID string, version uint64, frame []byte, excludeSessionID string) {
	if version == 0 {
		r.DeliverLocal(docID, frame, excludeSessionID)
		return
	}
	r.deliverOrdered(docID, version, frame, excludeSessionID)
}

// DeliverLocal 只投递给本节点的订阅者。outbox 满的订阅者被标记为落后并断开
func (r *Router) DeliverLocal(docID string, frame []byte, excludeSessionID string) int {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.docs[docID]))
	for id, sub := range r.docs[docID] {
		if id == excludeSessionID {
			continue
		}
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.offer(frame) {
			delivered++
			continue
		}
		if sub.markLagging() {
			glog.Warningf("broadcast: session=%s doc=%s lagging, disconnecting", sub.SessionID, docID)
			r.Unsubscribe(sub)
		}
	}
	return delivered
}

// Subscriber 一个会话的出站队列
type Subscriber struct {
	DocumentID string
	SessionID  string

	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	lagging bool
}

func newSubscriber(docID, sessionID string, size int) *Subscriber {
	return &Subscriber{
		DocumentID: docID,
		SessionID:  sessionID,
		out:        make(chan []byte, size),
		done:       make(chan struct{}),
	}
}

// Outbox 按发布顺序排列的帧
func (s *Subscriber) Outbox() <-chan []byte { return s.out }

// Done 订阅结束（主动退订、被踢、落后）时关闭
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Lagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagging
}

func (s *Subscriber) offer(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// markLagging 第一次标记时返回 true
func (s *Subscriber) markLagging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lagging || s.closed {
		return false
	}
	s.lagging = true
	return true
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
