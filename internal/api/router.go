package api

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"github.com/wfunc/slot-iocard/internal/middleware"
	"github.com/wfunc/slot-iocard/internal/service"
	"github.com/wfunc/slot-iocard/internal/utils"
	"github.com/wfunc/slot-iocard/internal/websocket"
	"go.uber.org/zap"
)

// Dependencies 路由依赖，Journal 与 Hub 可以为空
type Dependencies struct {
	Card    *hardware.Card
	Cache   *hardware.StateCache
	Journal *service.EventJournal
	Hub     *websocket.Hub
	Auth    *middleware.AuthMiddleware

	CardConfig    config.CardConfig
	WebSocketPath string
}

// Router API路由器
type Router struct {
	engine *gin.Engine
	deps   Dependencies
	log    *zap.Logger
	start  time.Time
}

// NewRouter 创建路由器
func NewRouter(deps Dependencies, log *zap.Logger) *Router {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(log))

	if deps.Auth == nil {
		deps.Auth = middleware.NewAuthMiddleware(nil)
	}
	if deps.WebSocketPath == "" {
		deps.WebSocketPath = "/ws"
	}

	r := &Router{
		engine: engine,
		deps:   deps,
		log:    log,
		start:  time.Now(),
	}
	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	{
		cardAPI := NewCardAPI(r.deps.Card, r.deps.Cache, r.deps.CardConfig)
		cardAPI.RegisterRoutes(v1, r.deps.Auth.RequireRole(utils.RoleOperator))

		if r.deps.Journal != nil {
			NewEventLogAPI(r.deps.Journal).RegisterRoutes(v1)
		}
	}

	if r.deps.Hub != nil {
		r.engine.GET(r.deps.WebSocketPath, r.deps.Hub.ServeWS)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		respondError(c, errors.New(errors.ErrNotFound, c.Request.URL.Path))
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	port, baud := r.deps.Card.Port()
	resp := gin.H{
		"status":    "healthy",
		"connected": r.deps.Card.IsConnected(),
		"port":      port,
		"baud_rate": baud,
		"protocol":  r.deps.Card.Protocol().Name,
		"uptime":    time.Since(r.start).Round(time.Second).String(),
	}
	if r.deps.Journal != nil {
		resp["journal"] = gin.H{
			"session_id": r.deps.Journal.SessionID(),
			"written":    r.deps.Journal.Written(),
			"dropped":    r.deps.Journal.Dropped(),
		}
	}
	if r.deps.Hub != nil {
		resp["websocket_clients"] = r.deps.Hub.GetOnlineCount()
	}
	c.JSON(http.StatusOK, resp)
}

// Server 生成 http.Server，由调用方负责启动和优雅关闭
func (r *Router) Server(cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

// respondError 按错误码输出错误响应
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), gin.H{
		"success": false,
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		},
		"timestamp": time.Now().Unix(),
	})
}

// respondOK 输出成功响应
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().Unix(),
	})
}
