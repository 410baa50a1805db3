package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/httpapi/handlers"
	"collabServer/backend/internal/httpapi/middleware"
	"collabServer/backend/internal/ws"
)

type RouterOptions struct {
	JWTSecret      []byte
	EnableCORS     bool
	AllowedOrigins []string
	HealthChecks   map[string]handlers.HealthCheck
}

func NewRouter(engine *collab.Engine, manager *ws.Manager, opt RouterOptions) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	if opt.EnableCORS {
		cfg := cors.Config{
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}
		if len(opt.AllowedOrigins) == 0 {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
		} else {
			cfg.AllowOrigins = opt.AllowedOrigins
		}
		r.Use(cors.New(cfg))
	}

	ops := handlers.NewOpsHandler(engine)

	collabGroup := r.Group("/collab")
	collabGroup.GET("/healthz", handlers.Healthz(opt.HealthChecks))

	authed := collabGroup.Group("")
	// 从 Authorization 或 ?token= 提取 token，写入 userId/username
	authed.Use(middleware.AuthMiddleware(opt.JWTSecret))
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/docs/:docId/ops", ops.ListOps)
	return r
}
