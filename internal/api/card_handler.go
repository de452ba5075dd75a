package api

import (
	"github.com/gin-gonic/gin"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"github.com/wfunc/slot-iocard/internal/logger"
	"github.com/wfunc/slot-iocard/internal/middleware"
	"github.com/wfunc/slot-iocard/internal/service"
	"go.uber.org/zap"
)

// CardAPI IO卡操作接口
type CardAPI struct {
	card   *hardware.Card
	cache  *hardware.StateCache
	cfg    config.CardConfig
	logger *zap.Logger
}

// NewCardAPI 创建IO卡操作接口
func NewCardAPI(card *hardware.Card, cache *hardware.StateCache, cfg config.CardConfig) *CardAPI {
	return &CardAPI{
		card:   card,
		cache:  cache,
		cfg:    cfg,
		logger: logger.WithModule("api"),
	}
}

// RegisterRoutes 注册路由，写操作经过 guard
func (api *CardAPI) RegisterRoutes(router *gin.RouterGroup, guard gin.HandlerFunc) {
	card := router.Group("/card")
	{
		card.GET("/state", api.GetState)

		ops := card.Group("")
		ops.Use(guard)
		{
			ops.POST("/connect", api.Connect)
			ops.POST("/disconnect", api.Disconnect)
			ops.POST("/commands", api.SendCommand)
			ops.POST("/errors/pop", api.PopError)
			ops.POST("/processed", api.Processed)
		}
	}
}

// ConnectRequest 连接请求，字段为空时使用配置
type ConnectRequest struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate" binding:"gte=0"`
}

// StateResponse 状态响应
type StateResponse struct {
	Connected bool              `json:"connected"`
	Port      string            `json:"port,omitempty"`
	BaudRate  int               `json:"baud_rate,omitempty"`
	Protocol  string            `json:"protocol"`
	State     hardware.Snapshot `json:"state"`
}

// GetState 获取连接状态与缓存快照
func (api *CardAPI) GetState(c *gin.Context) {
	port, baud := api.card.Port()
	respondOK(c, StateResponse{
		Connected: api.card.IsConnected(),
		Port:      port,
		BaudRate:  baud,
		Protocol:  api.card.Protocol().Name,
		State:     api.cache.Snapshot(),
	})
}

// Connect 打开串口
func (api *CardAPI) Connect(c *gin.Context) {
	var req ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, errors.Wrap(err, errors.ErrInvalidParam))
			return
		}
	}
	if req.Port == "" {
		req.Port = api.cfg.Port
	}
	if req.BaudRate == 0 {
		req.BaudRate = api.cfg.BaudRate
	}

	if err := api.card.Connect(req.Port, req.BaudRate); err != nil {
		respondError(c, err)
		return
	}
	port, baud := api.card.Port()
	operator, _ := middleware.GetOperator(c)
	api.logger.Info("操作员连接IO卡", zap.String("operator", operator), zap.String("port", port))
	respondOK(c, gin.H{"connected": true, "port": port, "baud_rate": baud})
}

// Disconnect 断开串口
func (api *CardAPI) Disconnect(c *gin.Context) {
	disconnected := api.card.Disconnect()
	respondOK(c, gin.H{"disconnected": disconnected})
}

// SendCommand 发送命令
func (api *CardAPI) SendCommand(c *gin.Context) {
	var req service.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}

	result, err := service.ExecuteCommand(api.card, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Sent {
		respondError(c, errors.New(errors.ErrNotConnected, result.Command))
		return
	}
	respondOK(c, result)
}

// PopError 取出最早的一条设备错误
func (api *CardAPI) PopError(c *gin.Context) {
	ev, ok := api.cache.PopError()
	if !ok {
		respondOK(c, gin.H{"found": false, "remaining": 0})
		return
	}
	respondOK(c, gin.H{
		"found":     true,
		"error":     hardware.ErrorFields(ev.Err),
		"message":   ev.Err.Error(),
		"time":      api.card.DisplayTime(ev.Timestamp),
		"remaining": api.cache.ErrorCount(),
	})
}

// Processed 清除变更标记，返回清除前的值
func (api *CardAPI) Processed(c *gin.Context) {
	changed := api.cache.IsChanged()
	api.cache.Processed()
	respondOK(c, gin.H{"was_changed": changed})
}
