package repository

import (
	"context"
	"time"

	"github.com/wfunc/slot-iocard/internal/errors"
	"github.com/wfunc/slot-iocard/internal/models"
	"gorm.io/gorm"
)

// maxQueryLimit 单次查询最多返回的行数
const maxQueryLimit = 1000

// EventLogRepository 事件日志仓储接口
type EventLogRepository interface {
	Create(ctx context.Context, log *models.EventLog) error
	CreateBatch(ctx context.Context, logs []*models.EventLog) error
	Query(ctx context.Context, query *models.EventLogQuery) ([]*models.EventLog, int64, error)
	GetStats(ctx context.Context, startTime, endTime *time.Time) (*models.EventLogStats, error)
	GetLatest(ctx context.Context, limit int, direction models.EventDirection) ([]*models.EventLog, error)
	GetErrorLogs(ctx context.Context, limit int) ([]*models.EventLog, error)
	DeleteOldLogs(ctx context.Context, beforeTime time.Time) (int64, error)
	CleanupLogs(ctx context.Context, retentionDays int) (int64, error)
}

// eventLogRepo 事件日志仓储实现
type eventLogRepo struct {
	db *gorm.DB
}

// NewEventLogRepository 创建事件日志仓储
func NewEventLogRepository(db *gorm.DB) EventLogRepository {
	return &eventLogRepo{db: db}
}

// dbError 转换为带错误码的错误，上下文取消或超时优先于 code
func dbError(ctx context.Context, err error, code errors.ErrorCode) error {
	if err == nil {
		return nil
	}
	switch ctx.Err() {
	case context.Canceled:
		return errors.Wrap(err, errors.ErrCanceled)
	case context.DeadlineExceeded:
		return errors.Wrap(err, errors.ErrTimeout)
	}
	return errors.Wrap(err, code)
}

// Create 创建日志记录
func (r *eventLogRepo) Create(ctx context.Context, log *models.EventLog) error {
	return dbError(ctx, r.db.WithContext(ctx).Create(log).Error, errors.ErrDatabaseInsert)
}

// CreateBatch 批量创建日志记录
func (r *eventLogRepo) CreateBatch(ctx context.Context, logs []*models.EventLog) error {
	if len(logs) == 0 {
		return nil
	}
	return dbError(ctx, r.db.WithContext(ctx).CreateInBatches(logs, 100).Error, errors.ErrDatabaseInsert)
}

// Query 按条件分页查询，按时间倒序
func (r *eventLogRepo) Query(ctx context.Context, query *models.EventLogQuery) ([]*models.EventLog, int64, error) {
	if query == nil {
		query = &models.EventLogQuery{}
	}
	db := r.db.WithContext(ctx).Model(&models.EventLog{})

	if query.SessionID != "" {
		db = db.Where("session_id = ?", query.SessionID)
	}
	if query.Direction != "" {
		db = db.Where("direction = ?", query.Direction)
	}
	if query.Level != "" {
		db = db.Where("level = ?", query.Level)
	}
	if query.Name != "" {
		db = db.Where("name = ?", query.Name)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", *query.EndTime)
	}
	if query.HasError != nil && *query.HasError {
		db = db.Where("error_msg IS NOT NULL AND error_msg != ''")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, dbError(ctx, err, errors.ErrDatabaseQuery)
	}

	limit := query.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = 100
	}
	db = db.Order("created_at DESC, id DESC").Limit(limit)
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	var logs []*models.EventLog
	if err := db.Find(&logs).Error; err != nil {
		return nil, 0, dbError(ctx, err, errors.ErrDatabaseQuery)
	}
	return logs, total, nil
}

// GetStats 获取统计信息
func (r *eventLogRepo) GetStats(ctx context.Context, startTime, endTime *time.Time) (*models.EventLogStats, error) {
	scoped := func() *gorm.DB {
		db := r.db.WithContext(ctx).Model(&models.EventLog{})
		if startTime != nil {
			db = db.Where("created_at >= ?", *startTime)
		}
		if endTime != nil {
			db = db.Where("created_at <= ?", *endTime)
		}
		return db
	}

	stats := &models.EventLogStats{ByName: map[string]int64{}}
	if err := scoped().Count(&stats.TotalCount).Error; err != nil {
		return nil, dbError(ctx, err, errors.ErrDatabaseQuery)
	}
	if err := scoped().Where("direction = ?", models.DirectionSend).Count(&stats.TotalSend).Error; err != nil {
		return nil, dbError(ctx, err, errors.ErrDatabaseQuery)
	}
	if err := scoped().Where("direction = ?", models.DirectionReceive).Count(&stats.TotalReceive).Error; err != nil {
		return nil, dbError(ctx, err, errors.ErrDatabaseQuery)
	}
	if err := scoped().Where("level = ?", models.EventLevelError).Count(&stats.TotalErrors).Error; err != nil {
		return nil, dbError(ctx, err, errors.ErrDatabaseQuery)
	}

	type nameCount struct {
		Name  string
		Total int64
	}
	var rows []nameCount
	if err := scoped().Select("name, COUNT(*) as total").Group("name").Scan(&rows).Error; err != nil {
		return nil, dbError(ctx, err, errors.ErrDatabaseQuery)
	}
	for _, row := range rows {
		stats.ByName[row.Name] = row.Total
	}
	return stats, nil
}

// GetLatest 获取最新的日志记录
func (r *eventLogRepo) GetLatest(ctx context.Context, limit int, direction models.EventDirection) ([]*models.EventLog, error) {
	var logs []*models.EventLog
	db := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if direction != "" {
		db = db.Where("direction = ?", direction)
	}
	err := db.Find(&logs).Error
	return logs, err
}

// GetErrorLogs 获取设备错误与异常断开记录
func (r *eventLogRepo) GetErrorLogs(ctx context.Context, limit int) ([]*models.EventLog, error) {
	var logs []*models.EventLog
	err := r.db.WithContext(ctx).
		Where("error_msg IS NOT NULL AND error_msg != ''").
		Or("level = ?", models.EventLevelError).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// DeleteOldLogs 删除旧日志
func (r *eventLogRepo) DeleteOldLogs(ctx context.Context, beforeTime time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().Where("created_at < ?", beforeTime).Delete(&models.EventLog{})
	return result.RowsAffected, dbError(ctx, result.Error, errors.ErrDatabaseDelete)
}

// CleanupLogs 保留最近N天的数据
func (r *eventLogRepo) CleanupLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.Newf(errors.ErrInvalidParam, "retention_days=%d", retentionDays)
	}
	beforeTime := time.Now().AddDate(0, 0, -retentionDays)
	return r.DeleteOldLogs(ctx, beforeTime)
}
