package ws

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabServer/backend/internal/broadcast"
	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/lock"
	"collabServer/backend/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// 自定义关闭码
	CloseUnauthorized   = 4003
	CloseSessionExpired = 4008
)

// Conn 一个 websocket 连接 = 一个会话。
// 读循环处理客户端消息；写循环是唯一的写者，合并直接回复和广播两路输出
type Conn struct {
	ws     *websocket.Conn
	engine *collab.Engine
	sess   session.Session
	sub    *broadcast.Subscriber

	// 直接回复（ack/nack/pong...）
	send chan []byte
	// 读循环退出时关闭
	quit chan struct{}
	// 写循环退出时关闭
	writerDone chan struct{}

	cursorLimiter *rate.Limiter
	submitTimeout time.Duration

	mu       sync.Mutex
	held     map[string]struct{} // 本会话持有的锁
	presence PresenceState
}

type connOptions struct {
	CursorRate    float64
	SubmitTimeout time.Duration
	MaxFrameBytes int64
}

func newConn(ws *websocket.Conn, engine *collab.Engine, res collab.JoinResult, opt connOptions) *Conn {
	if opt.CursorRate <= 0 {
		opt.CursorRate = 10
	}
	if opt.SubmitTimeout <= 0 {
		opt.SubmitTimeout = 10 * time.Second
	}
	if opt.MaxFrameBytes > 0 {
		ws.SetReadLimit(opt.MaxFrameBytes)
	}
	return &Conn{
		ws:            ws,
		engine:        engine,
		sess:          res.Session,
		sub:           res.Subscriber,
		send:          make(chan []byte, 64),
		quit:          make(chan struct{}),
		writerDone:    make(chan struct{}),
		cursorLimiter: rate.NewLimiter(rate.Limit(opt.CursorRate), int(opt.CursorRate)),
		submitTimeout: opt.SubmitTimeout,
		held:          make(map[string]struct{}),
	}
}

// reply 回复本连接；写循环已退出时丢弃
func (c *Conn) reply(typ, id string, data any) {
	b, err := json.Marshal(ServerMessage{Type: typ, ID: id, Data: data})
	if err != nil {
		glog.Errorf("ws: encode %s: %v", typ, err)
		return
	}
	select {
	case c.send <- b:
	case <-c.quit:
	case <-c.writerDone:
	case <-c.sub.Done():
	}
}

func (c *Conn) nack(id string, err error) {
	c.reply("op.nack", "", NackMessage{
		ID:      id,
		Code:    collab.Code(err),
		Message: err.Error(),
		Retry:   collab.Retryable(err),
	})
}

// touchPresence 修改 presence 后续期会话
func (c *Conn) touchPresence(fn func(p *PresenceState)) error {
	c.mu.Lock()
	fn(&c.presence)
	raw, err := json.Marshal(c.presence)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.engine.Touch(context.Background(), c.sess, raw)
}

func (c *Conn) heldLocks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.held))
	for r := range c.held {
		out = append(out, r)
	}
	return out
}

func (c *Conn) setHeld(resourceID string, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held {
		c.held[resourceID] = struct{}{}
	} else {
		delete(c.held, resourceID)
	}
}

func (c *Conn) readLoop() {
	defer close(c.quit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(1).Infof("ws: read (user=%s, doc=%s): %v", c.sess.PrincipalID, c.sess.DocumentID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply("error", "", ErrorMessage{Message: "malformed message"})
			continue
		}
		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch 返回 false 时关闭连接
func (c *Conn) dispatch(msg ClientMessage) bool {
	switch msg.Type {
	case "operation":
		c.handleOperation(msg)

	case "cursor":
		// 超过频率的光标更新直接丢弃
		if !c.cursorLimiter.Allow() {
			return true
		}
		var cur CursorMessage
		if err := json.Unmarshal(msg.Data, &cur); err != nil {
			c.reply("error", msg.ID, ErrorMessage{Message: "malformed cursor"})
			return true
		}
		if err := c.touchPresence(func(p *PresenceState) { p.Cursor = &cur }); err != nil {
			return c.touchFailed(err)
		}
		c.engine.Relay(c.sess, broadcast.Event{
			Type: "cursor.update",
			Data: map[string]any{"user_id": c.sess.PrincipalID, "session_id": c.sess.ID, "cursor": cur},
		})

	case "awareness":
		var aw AwarenessMessage
		if err := json.Unmarshal(msg.Data, &aw); err != nil {
			c.reply("error", msg.ID, ErrorMessage{Message: "malformed awareness"})
			return true
		}
		if err := c.touchPresence(func(p *PresenceState) { p.State = aw.State }); err != nil {
			return c.touchFailed(err)
		}
		c.engine.Relay(c.sess, broadcast.Event{
			Type: "awareness",
			Data: map[string]any{"user_id": c.sess.PrincipalID, "session_id": c.sess.ID, "state": aw.State},
		})

	case "block.lock", "block.unlock", "block.renew":
		c.handleLock(msg)

	case "sync":
		var s SyncMessage
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &s); err != nil {
				c.reply("error", msg.ID, ErrorMessage{Message: "malformed sync"})
				return true
			}
		}
		ops, current, more, err := c.engine.Sync(context.Background(), c.sess, s.FromVersion)
		if err != nil {
			c.reply("error", msg.ID, ErrorMessage{Message: err.Error()})
			return true
		}
		c.reply("sync.ops", msg.ID, SyncOpsMessage{Operations: ToOperationEvents(ops), CurrentVersion: current, HasMore: more})

	case "typing.start", "typing.stop":
		var tm TypingMessage
		_ = json.Unmarshal(msg.Data, &tm)
		c.engine.Relay(c.sess, broadcast.Event{
			Type: msg.Type,
			Data: map[string]any{"user_id": c.sess.PrincipalID, "session_id": c.sess.ID, "block_id": tm.BlockID},
		})

	case "ping":
		if err := c.engine.Touch(context.Background(), c.sess, nil); err != nil {
			return c.touchFailed(err)
		}
		c.reply("pong", msg.ID, map[string]any{"timestamp": time.Now().UnixMilli()})

	default:
		c.reply("error", msg.ID, ErrorMessage{Message: "unknown message type: " + msg.Type})
	}
	return true
}

// touchFailed 会话已被清理时关闭连接，让客户端重新加入
func (c *Conn) touchFailed(err error) bool {
	if errors.Is(err, session.ErrNotFound) {
		c.closeWith(CloseSessionExpired, "session expired")
		return false
	}
	glog.Warningf("ws: touch session=%s: %v", c.sess.ID, err)
	return true
}

func (c *Conn) handleOperation(msg ClientMessage) {
	var op OperationMessage
	if err := json.Unmarshal(msg.Data, &op); err != nil {
		c.nack(msg.ID, collab.ErrInvalidOperation)
		return
	}
	payload, err := hex.DecodeString(op.Operation.Payload)
	if err != nil {
		c.nack(msg.ID, collab.ErrInvalidOperation)
		return
	}

	// 与连接生命周期无关：断线不影响已经开始的提交
	ctx, cancel := context.WithTimeout(context.Background(), c.submitTimeout)
	defer cancel()
	res, err := c.engine.Submit(ctx, c.sess, collab.SubmitRequest{
		MessageID: msg.ID,
		ClientID:  op.Operation.ClientID,
		Payload:   payload,
	})
	if err != nil {
		c.nack(msg.ID, err)
		return
	}
	c.reply("op.ack", "", AckMessage{ID: msg.ID, Version: res.Version, Duplicate: res.Duplicate})
}

func (c *Conn) handleLock(msg ClientMessage) {
	var bl BlockLockMessage
	if err := json.Unmarshal(msg.Data, &bl); err != nil || bl.BlockID == "" {
		c.reply("error", msg.ID, ErrorMessage{Message: "block_id required"})
		return
	}
	ctx := context.Background()
	ttl := time.Duration(bl.TTLMs) * time.Millisecond
	data := map[string]any{"block_id": bl.BlockID}

	switch msg.Type {
	case "block.lock":
		out, holder, err := c.engine.AcquireLock(ctx, c.sess, bl.BlockID, ttl)
		if err != nil {
			c.reply("error", msg.ID, ErrorMessage{Message: err.Error()})
			return
		}
		if out == lock.Granted {
			c.setHeld(bl.BlockID, true)
			c.reply("lock.granted", msg.ID, data)
			return
		}
		data["holder"] = holder.HolderSessionID
		c.reply("lock.denied", msg.ID, data)

	case "block.unlock":
		out, err := c.engine.ReleaseLock(ctx, c.sess, bl.BlockID)
		if err != nil {
			c.reply("error", msg.ID, ErrorMessage{Message: err.Error()})
			return
		}
		c.setHeld(bl.BlockID, false)
		if out == lock.Released {
			c.reply("lock.released", msg.ID, data)
		} else {
			c.reply("lock.not_owner", msg.ID, data)
		}

	case "block.renew":
		out, err := c.engine.RenewLock(ctx, c.sess, bl.BlockID, ttl)
		if err != nil {
			c.reply("error", msg.ID, ErrorMessage{Message: err.Error()})
			return
		}
		if out == lock.Renewed {
			c.reply("lock.renewed", msg.ID, data)
		} else {
			c.setHeld(bl.BlockID, false)
			c.reply("lock.not_owner", msg.ID, data)
		}
	}
}

func (c *Conn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) closeWith(code int, text string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// writeLoop 持续消费回复和广播，直到读循环退出或订阅被结束
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// 写循环退出时关闭底层连接，读循环随之返回
	defer c.ws.Close()
	defer close(c.writerDone)

	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				return
			}
		case b := <-c.sub.Outbox():
			if err := c.write(b); err != nil {
				return
			}
		case <-c.sub.Done():
			if c.sub.Lagging() {
				// 落后的客户端重新加入后用 sync 追平
				c.closeWith(websocket.CloseTryAgainLater, "lagging")
			} else {
				c.closeWith(CloseSessionExpired, "session closed")
			}
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}
