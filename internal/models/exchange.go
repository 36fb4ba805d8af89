package models

import (
	"time"

	"gorm.io/gorm"
)

// ExchangeLevel 记录级别
type ExchangeLevel string

const (
	ExchangeLevelInfo  ExchangeLevel = "INFO"
	ExchangeLevelError ExchangeLevel = "ERROR"
)

// Exchange 一次命令往返的记录
type Exchange struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// 基础信息
	Device  string        `gorm:"type:varchar(255);index" json:"device"`            // 串口名
	Level   ExchangeLevel `gorm:"type:varchar(10);default:INFO" json:"level"`       // 记录级别
	BatchID string        `gorm:"type:varchar(64);index" json:"batch_id,omitempty"` // 批次ID（一次HTTP请求）
	Seq     int           `gorm:"default:0" json:"seq"`                             // 批次内序号

	// 命令与应答
	Command    string `gorm:"type:text" json:"command"`             // 命令内容 (如 "SM,100,0,10")
	Response   string `gorm:"type:text" json:"response,omitempty"`  // 应答行 (如 "OK")
	ErrorMsg   string `gorm:"type:text" json:"error_msg,omitempty"` // 错误信息
	BytesCount int    `gorm:"default:0" json:"bytes_count"`         // 写入字节数

	// 关联信息
	SessionID string `gorm:"type:varchar(64);index" json:"session_id,omitempty"` // 进程会话ID

	// 性能指标
	ReadAttempts int   `gorm:"default:0" json:"read_attempts"` // 等待应答期间的读超时次数
	Duration     int64 `gorm:"default:0" json:"duration"`      // 往返时长（毫秒）
	Timestamp    int64 `gorm:"index" json:"timestamp"`         // Unix时间戳（毫秒）
}

// TableName 指定表名
func (Exchange) TableName() string {
	return "exchanges"
}

// BeforeCreate 创建前的钩子
func (e *Exchange) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Timestamp == 0 {
		e.Timestamp = e.CreatedAt.UnixMilli()
	}
	if e.Level == "" {
		e.Level = ExchangeLevelInfo
		if e.ErrorMsg != "" {
			e.Level = ExchangeLevelError
		}
	}
	return nil
}

// ExchangeQuery 查询参数
type ExchangeQuery struct {
	Device    string     `json:"device,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
	Command   string     `json:"command,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	HasError  *bool      `json:"has_error,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
	OrderBy   string     `json:"order_by,omitempty"`
}

// ExchangeStats 统计信息
type ExchangeStats struct {
	TotalCount   int64   `json:"total_count"`
	TotalErrors  int64   `json:"total_errors"`
	TotalBatches int64   `json:"total_batches"`
	TotalBytes   int64   `json:"total_bytes"`
	AvgDuration  float64 `json:"avg_duration"`
	MaxDuration  int64   `json:"max_duration"`
	MinDuration  int64   `json:"min_duration"`
}
