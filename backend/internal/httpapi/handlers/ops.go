package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/ws"
)

const maxRangePage = 1000

type OpsHandler struct {
	engine *collab.Engine
}

func NewOpsHandler(engine *collab.Engine) *OpsHandler {
	return &OpsHandler{engine: engine}
}

func parseVersion(c *gin.Context, name string) (uint64, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "invalid " + name})
		return 0, false
	}
	return n, true
}

// ListOps GET /collab/docs/:docId/ops?from=&to=
// 闭区间，to 省略时读到最新；单页最多 maxRangePage 条
func (h *OpsHandler) ListOps(c *gin.Context) {
	docID := c.Param("docId")
	from, ok := parseVersion(c, "from")
	if !ok {
		return
	}
	to, ok := parseVersion(c, "to")
	if !ok {
		return
	}
	if from == 0 {
		from = 1
	}
	if to != 0 && to < from {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "to must not be less than from"})
		return
	}
	if to == 0 || to-from+1 > maxRangePage {
		to = from + maxRangePage - 1
	}

	ops, err := h.engine.Range(c.Request.Context(), c.GetString("userId"), docID, from, to)
	if err != nil {
		if errors.Is(err, collab.ErrUnauthorized) {
			c.JSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "no access to document"})
			return
		}
		glog.Errorf("list ops doc=%s: %v", docID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": collab.Code(err), "message": "try again later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": docID,
		"from":        from,
		"operations":  ws.ToOperationEvents(ops),
	})
}

// HealthCheck 依赖检查，返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

func Healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		details := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				details[name] = err.Error()
				continue
			}
			details[name] = "ok"
		}
		msg := "ok"
		if status != http.StatusOK {
			msg = "degraded"
		}
		c.JSON(status, gin.H{"message": msg, "checks": details})
	}
}
