package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/models"
	"github.com/wfunc/slot-iocard/internal/service"
)

// EventLogAPI 事件日志API
type EventLogAPI struct {
	journal *service.EventJournal
}

// NewEventLogAPI 创建事件日志API
func NewEventLogAPI(journal *service.EventJournal) *EventLogAPI {
	return &EventLogAPI{journal: journal}
}

// RegisterRoutes 注册路由
func (api *EventLogAPI) RegisterRoutes(router *gin.RouterGroup) {
	events := router.Group("/events")
	{
		events.GET("", api.QueryLogs)      // 查询日志列表
		events.GET("/stats", api.GetStats) // 统计信息
	}
}

// QueryLogs 查询日志列表
func (api *EventLogAPI) QueryLogs(c *gin.Context) {
	query := &models.EventLogQuery{}
	if err := c.ShouldBindQuery(query); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}
	if query.Limit <= 0 {
		query.Limit = 20
	}

	logs, total, err := api.journal.Query(c.Request.Context(), query)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}

	respondOK(c, gin.H{
		"items":  logs,
		"total":  total,
		"limit":  query.Limit,
		"offset": query.Offset,
	})
}

// GetStats 获取统计信息，默认统计最近24小时
func (api *EventLogAPI) GetStats(c *gin.Context) {
	var params struct {
		StartTime *time.Time `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00"`
		EndTime   *time.Time `form:"end_time" time_format:"2006-01-02T15:04:05Z07:00"`
	}
	if err := c.ShouldBindQuery(&params); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}
	if params.StartTime == nil {
		start := time.Now().Add(-24 * time.Hour)
		params.StartTime = &start
	}

	stats, err := api.journal.Stats(c.Request.Context(), params.StartTime, params.EndTime)
	if err != nil {
		respondError(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	respondOK(c, stats)
}
