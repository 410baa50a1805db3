package ws

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabServer/backend/internal/collab"
)

// 默认只放行本地开发环境的来源；生产环境通过 AllowedOrigins 配置
var defaultOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type ManagerOptions struct {
	AllowedOrigins []string
	CursorRate     float64
	SubmitTimeout  time.Duration
	MaxFrameBytes  int64
}

type Manager struct {
	engine   *collab.Engine
	upgrader websocket.Upgrader
	opt      ManagerOptions
}

func NewManager(engine *collab.Engine, opt ManagerOptions) *Manager {
	prefixes := append([]string{}, defaultOriginPrefixes...)
	prefixes = append(prefixes, opt.AllowedOrigins...)
	return &Manager{
		engine: engine,
		opt:    opt,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" { // 一些环境不发送 Origin，或为 "null"
				return true
			}
			for _, p := range prefixes {
				if p == "*" || strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		}},
	}
}

// WebSocketConnect GET /collab/ws?docId=...&lastSeenVersion=...
// 鉴权失败在升级之前返回 403，此时还没有创建会话
func (m *Manager) WebSocketConnect(c *gin.Context) {
	principalID := c.GetString("userId")
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "missing docId"})
		return
	}
	var lastSeen uint64
	if v := c.Query("lastSeenVersion"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid lastSeenVersion"})
			return
		}
		lastSeen = n
	}

	if err := m.engine.Authorize(c.Request.Context(), principalID, docID); err != nil {
		if errors.Is(err, collab.ErrUnauthorized) {
			c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "no access to document"})
			return
		}
		glog.Errorf("ws: authorize user=%s doc=%s: %v", principalID, docID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": "try again later"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	res, err := m.engine.Join(context.Background(), collab.JoinRequest{
		DocumentID:      docID,
		PrincipalID:     principalID,
		LastSeenVersion: lastSeen,
	})
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, collab.ErrUnauthorized) {
			code = CloseUnauthorized
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, collab.Code(err)), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	wsConn := newConn(conn, m.engine, res, connOptions{
		CursorRate:    m.opt.CursorRate,
		SubmitTimeout: m.opt.SubmitTimeout,
		MaxFrameBytes: m.opt.MaxFrameBytes,
	})

	// connection.established 必须先于任何广播到达，所以在启动写循环之前同步写出
	established, err := json.Marshal(ServerMessage{Type: "connection.established", Data: EstablishedMessage{
		SessionID:       res.Session.ID,
		ActiveUsers:     toActiveUsers(res.ActiveUsers),
		BaselineState:   hex.EncodeToString(res.Baseline.State),
		BaselineVersion: res.Baseline.Version,
		CurrentVersion:  res.CurrentVersion,
		Operations:      ToOperationEvents(res.Operations),
		HasMore:         res.HasMore,
	}})
	if err == nil {
		err = wsConn.write(established)
	}
	if err != nil {
		glog.Warningf("ws: send established session=%s: %v", res.Session.ID, err)
		m.engine.Leave(context.Background(), res.Session, res.Subscriber, nil)
		conn.Close()
		return
	}

	go wsConn.writeLoop()
	// 阻塞到连接关闭
	wsConn.readLoop()

	m.engine.Leave(context.Background(), res.Session, res.Subscriber, wsConn.heldLocks())
}
