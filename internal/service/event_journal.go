package service

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/slot-iocard/internal/config"
	"github.com/wfunc/slot-iocard/internal/database"
	"github.com/wfunc/slot-iocard/internal/hardware"
	"github.com/wfunc/slot-iocard/internal/logger"
	"github.com/wfunc/slot-iocard/internal/models"
	"github.com/wfunc/slot-iocard/internal/repository"
	"go.uber.org/zap"
)

const (
	// flushRetries SQLite 锁冲突时的重试次数
	flushRetries    = 3
	flushRetryDelay = 100 * time.Millisecond
	flushTimeout    = 10 * time.Second
	cleanupInterval = 24 * time.Hour
)

// EventJournal 事件日志服务
//
// 把设备事件和发出的命令异步批量写入数据库。记录接口从不阻塞调用方，
// 缓冲区满时丢弃并计数。
type EventJournal struct {
	repo      repository.EventLogRepository
	cfg       config.JournalConfig
	logger    *zap.Logger
	sessionID string

	bufferCh chan *models.EventLog
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	portMu sync.RWMutex
	port   string

	dropped atomic.Int64
	written atomic.Int64
}

// NewEventJournal 创建事件日志服务
func NewEventJournal(repo repository.EventLogRepository, cfg config.JournalConfig) *EventJournal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &EventJournal{
		repo:      repo,
		cfg:       cfg,
		logger:    logger.WithModule("journal"),
		sessionID: uuid.New().String(),
		bufferCh:  make(chan *models.EventLog, cfg.BufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// SessionID 本次进程的会话ID
func (j *EventJournal) SessionID() string {
	return j.sessionID
}

// Dropped 因缓冲区满被丢弃的记录数
func (j *EventJournal) Dropped() int64 {
	return j.dropped.Load()
}

// Written 已写入数据库的记录数
func (j *EventJournal) Written() int64 {
	return j.written.Load()
}

// Start 启动后台写入协程
func (j *EventJournal) Start() {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	go j.backgroundWriter()
	j.logger.Info("事件日志服务已启动",
		zap.String("session_id", j.sessionID),
		zap.Int("batch_size", j.cfg.BatchSize),
		zap.Duration("flush_interval", j.cfg.FlushInterval))
}

// Stop 停止服务，退出前写入剩余记录
func (j *EventJournal) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		if j.started.Load() {
			<-j.doneCh
		}
	})
}

// Attach 订阅 Card 的事件
func (j *EventJournal) Attach(card *hardware.Card) *hardware.Subscription {
	return card.Subscribe(j.RecordEvent)
}

// SendHook 返回记录发出命令的回调，通过 hardware.WithSendHook 注册
func (j *EventJournal) SendHook() hardware.SendHook {
	return j.RecordCommand
}

// RecordEvent 记录一条设备事件
func (j *EventJournal) RecordEvent(ev hardware.Event) {
	meta := ev.Meta()
	log := &models.EventLog{
		SessionID:  j.sessionID,
		Direction:  models.DirectionReceive,
		Level:      models.EventLevelInfo,
		Name:       ev.Name(),
		FrameID:    int(meta.ID),
		Fields:     models.JSONData(hardware.EventFields(ev)),
		DeviceTime: int64(meta.Timestamp),
	}

	switch v := ev.(type) {
	case hardware.Connected:
		j.setPort(v.Port)
		log.Direction = models.DirectionLink
		log.FrameID = -1
	case hardware.Disconnected:
		log.Direction = models.DirectionLink
		log.FrameID = -1
		if v.Err != nil {
			log.Level = models.EventLevelError
			log.ErrorMsg = v.Err.Error()
		}
	case hardware.ErrorEvent:
		log.Level = models.EventLevelError
		log.ErrorMsg = v.Err.Error()
	case hardware.Unknown:
		log.Level = models.EventLevelWarn
		if v.Reason != nil {
			log.ErrorMsg = v.Reason.Error()
		}
	}
	log.Port = j.currentPort()

	j.enqueue(log)
}

// RecordCommand 记录一条已入队的命令
func (j *EventJournal) RecordCommand(cmd hardware.Command, pos hardware.QueuePosition) {
	j.enqueue(&models.EventLog{
		SessionID: j.sessionID,
		Port:      j.currentPort(),
		Direction: models.DirectionSend,
		Level:     models.EventLevelInfo,
		Name:      cmd.Kind.String(),
		FrameID:   int(cmd.ID),
		Priority:  pos.String(),
		HexData:   hex.EncodeToString(cmd.Frame().Payload()),
	})
}

func (j *EventJournal) enqueue(log *models.EventLog) {
	log.CreatedAt = time.Now()
	log.Timestamp = log.CreatedAt.UnixMilli()

	select {
	case j.bufferCh <- log:
	default:
		if j.dropped.Add(1)%100 == 1 {
			j.logger.Warn("事件日志缓冲区满，丢弃日志",
				zap.String("name", log.Name),
				zap.Int64("dropped", j.dropped.Load()))
		}
	}
}

func (j *EventJournal) setPort(port string) {
	j.portMu.Lock()
	j.port = port
	j.portMu.Unlock()
}

func (j *EventJournal) currentPort() string {
	j.portMu.RLock()
	defer j.portMu.RUnlock()
	return j.port
}

// backgroundWriter 后台写入协程
func (j *EventJournal) backgroundWriter() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	var cleanupC <-chan time.Time
	if j.cfg.RetentionDays > 0 {
		j.cleanup()
		cleanupTicker := time.NewTicker(cleanupInterval)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.C
	}

	buffer := make([]*models.EventLog, 0, j.cfg.BatchSize)
	for {
		select {
		case log := <-j.bufferCh:
			buffer = append(buffer, log)
			// 缓冲区满了立即写入
			if len(buffer) >= j.cfg.BatchSize {
				buffer = j.flush(buffer)
			}

		case <-ticker.C:
			buffer = j.flush(buffer)

		case <-cleanupC:
			j.cleanup()

		case <-j.stopCh:
			// 退出前写入剩余的日志
		drain:
			for {
				select {
				case log := <-j.bufferCh:
					buffer = append(buffer, log)
				default:
					break drain
				}
			}
			j.flush(buffer)
			j.logger.Info("事件日志服务已停止",
				zap.Int64("written", j.written.Load()),
				zap.Int64("dropped", j.dropped.Load()))
			return
		}
	}
}

// flush 写入缓冲区，返回清空后的缓冲区
func (j *EventJournal) flush(buffer []*models.EventLog) []*models.EventLog {
	if len(buffer) == 0 {
		return buffer
	}

	var err error
	for attempt := 0; attempt < flushRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = j.repo.CreateBatch(ctx, buffer)
		cancel()
		if err == nil || !database.IsBusy(err) {
			break
		}
		j.logger.Debug("数据库繁忙，稍后重试", zap.Int("attempt", attempt+1))
		time.Sleep(flushRetryDelay * time.Duration(attempt+1))
	}

	if err != nil {
		j.logger.Error("批量写入事件日志失败", zap.Int("count", len(buffer)), zap.Error(err))
	} else {
		j.written.Add(int64(len(buffer)))
		j.logger.Debug("批量写入事件日志成功", zap.Int("count", len(buffer)))
	}
	return buffer[:0]
}

// cleanup 删除超过保留期的记录
func (j *EventJournal) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := j.repo.CleanupLogs(ctx, j.cfg.RetentionDays)
	if err != nil {
		j.logger.Error("清理过期事件日志失败", zap.Error(err))
		return
	}
	if deleted > 0 {
		j.logger.Info("清理过期事件日志",
			zap.Int64("deleted", deleted),
			zap.Int("retention_days", j.cfg.RetentionDays))
	}
}

// Query 查询事件日志
func (j *EventJournal) Query(ctx context.Context, query *models.EventLogQuery) ([]*models.EventLog, int64, error) {
	return j.repo.Query(ctx, query)
}

// Stats 统计事件日志
func (j *EventJournal) Stats(ctx context.Context, startTime, endTime *time.Time) (*models.EventLogStats, error) {
	return j.repo.GetStats(ctx, startTime, endTime)
}
