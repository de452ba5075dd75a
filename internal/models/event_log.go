package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// EventDirection 事件方向
type EventDirection string

const (
	DirectionSend    EventDirection = "SEND"    // 上位机发出的命令
	DirectionReceive EventDirection = "RECEIVE" // 设备上报的事件
	DirectionLink    EventDirection = "LINK"    // 连接建立与断开
)

// EventLevel 日志级别
type EventLevel string

const (
	EventLevelInfo  EventLevel = "INFO"
	EventLevelWarn  EventLevel = "WARN"
	EventLevelError EventLevel = "ERROR"
)

// JSONData 用于存储JSON格式的数据
type JSONData map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONData) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONData) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			return nil
		}
		bytes = []byte(strVal)
	}
	return json.Unmarshal(bytes, j)
}

// EventLog IO卡事件日志，每条收到的事件与发出的命令各一行
type EventLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	SessionID string         `gorm:"type:varchar(64);index" json:"session_id"` // 进程启动时生成
	Port      string         `gorm:"type:varchar(100)" json:"port,omitempty"`
	Direction EventDirection `gorm:"type:varchar(10);index;not null" json:"direction"`
	Level     EventLevel     `gorm:"type:varchar(10);default:INFO" json:"level"`

	Name     string `gorm:"type:varchar(50);index;not null" json:"name"` // 事件或命令名称
	FrameID  int    `gorm:"not null" json:"frame_id"`                    // 连接事件为 -1
	Priority string `gorm:"type:varchar(10)" json:"priority,omitempty"`  // 发送队列位置

	HexData  string   `gorm:"type:text" json:"hex_data,omitempty"`
	Fields   JSONData `gorm:"type:text" json:"fields,omitempty"`
	ErrorMsg string   `gorm:"type:text" json:"error_msg,omitempty"`

	DeviceTime int64 `gorm:"default:0" json:"device_time"` // 设备相对毫秒数
	Timestamp  int64 `gorm:"index" json:"timestamp"`       // Unix时间戳（毫秒）
}

// TableName 指定表名
func (EventLog) TableName() string {
	return "event_logs"
}

// BeforeCreate 创建前的钩子
func (e *EventLog) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Timestamp == 0 {
		e.Timestamp = e.CreatedAt.UnixMilli()
	}
	return nil
}

// EventLogQuery 查询参数
type EventLogQuery struct {
	SessionID string         `form:"session_id" json:"session_id,omitempty"`
	Direction EventDirection `form:"direction" json:"direction,omitempty"`
	Level     EventLevel     `form:"level" json:"level,omitempty"`
	Name      string         `form:"name" json:"name,omitempty"`
	StartTime *time.Time     `form:"start_time" time_format:"2006-01-02T15:04:05Z07:00" json:"start_time,omitempty"`
	EndTime   *time.Time     `form:"end_time" time_format:"2006-01-02T15:04:05Z07:00" json:"end_time,omitempty"`
	HasError  *bool          `form:"has_error" json:"has_error,omitempty"`
	Limit     int            `form:"limit" json:"limit,omitempty"`
	Offset    int            `form:"offset" json:"offset,omitempty"`
}

// EventLogStats 统计信息
type EventLogStats struct {
	TotalCount   int64            `json:"total_count"`
	TotalSend    int64            `json:"total_send"`
	TotalReceive int64            `json:"total_receive"`
	TotalErrors  int64            `json:"total_errors"`
	ByName       map[string]int64 `json:"by_name"`
}
