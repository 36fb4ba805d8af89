package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/plotter-bridge/internal/hardware"
	"github.com/wfunc/plotter-bridge/internal/logger"
	"github.com/wfunc/plotter-bridge/internal/models"
	"github.com/wfunc/plotter-bridge/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	exchangeBufferSize    = 1000            // 待写入通道容量
	exchangeFlushSize     = 100             // 攒够多少条立即写入
	exchangeFlushInterval = 5 * time.Second // 定时写入间隔
)

// ExchangeLogService 命令往返记录服务
//
// 作为中继的订阅者，异步批量写入数据库，不阻塞中继。
type ExchangeLogService struct {
	repo      *repository.ExchangeRepository
	logger    *zap.Logger
	mu        sync.Mutex
	buffer    []*models.Exchange
	bufferCh  chan *models.Exchange
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	sessionID string
}

// NewExchangeLogService 创建命令往返记录服务
func NewExchangeLogService(db *gorm.DB) *ExchangeLogService {
	service := &ExchangeLogService{
		repo:      repository.NewExchangeRepository(db),
		logger:    logger.GetModuleLogger("database"),
		buffer:    make([]*models.Exchange, 0, exchangeFlushSize),
		bufferCh:  make(chan *models.Exchange, exchangeBufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		sessionID: uuid.New().String(),
	}

	// 启动后台写入协程
	go service.backgroundWriter()

	return service
}

// SessionID 本次运行的会话ID
func (s *ExchangeLogService) SessionID() string {
	return s.sessionID
}

// backgroundWriter 后台写入协程
func (s *ExchangeLogService) backgroundWriter() {
	defer close(s.doneCh)

	ticker := time.NewTicker(exchangeFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ex := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, ex)
			// 如果缓冲区满了，立即写入
			if len(s.buffer) >= exchangeFlushSize {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case <-s.stopCh:
			// 退出前写入剩余的记录
			s.mu.Lock()
		drain:
			for {
				select {
				case ex := <-s.bufferCh:
					s.buffer = append(s.buffer, ex)
				default:
					break drain
				}
			}
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

// flushBuffer 写入缓冲区的记录到数据库
func (s *ExchangeLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	start := time.Now()
	err := s.repo.CreateBatch(s.buffer)
	logger.LogDatabaseOperation("insert", "exchanges", time.Since(start), err)
	if err != nil {
		s.logger.Error("批量写入往返记录失败", zap.Error(err), zap.Int("count", len(s.buffer)))
	}

	// 清空缓冲区
	s.buffer = make([]*models.Exchange, 0, exchangeFlushSize)
}

// OnExchange 记录一次命令往返
func (s *ExchangeLogService) OnExchange(ex *hardware.Exchange) {
	record := &models.Exchange{
		CreatedAt:    ex.StartedAt,
		Device:       ex.Device,
		BatchID:      ex.Command.BatchID,
		Seq:          ex.Command.Seq,
		Command:      ex.Command.Text,
		Response:     ex.Response,
		ErrorMsg:     ex.ErrorMessage(),
		BytesCount:   ex.BytesWritten,
		SessionID:    s.sessionID,
		ReadAttempts: ex.ReadAttempts,
		Duration:     ex.Duration.Milliseconds(),
		Timestamp:    ex.StartedAt.UnixMilli(),
	}

	// 异步写入
	select {
	case s.bufferCh <- record:
	default:
		s.logger.Warn("往返记录缓冲区满，丢弃记录", zap.String("command", ex.Command.Text))
	}
}

// Query 查询记录
func (s *ExchangeLogService) Query(query *models.ExchangeQuery) ([]*models.Exchange, int64, error) {
	return s.repo.Query(query)
}

// GetStats 获取统计信息
func (s *ExchangeLogService) GetStats(startTime, endTime *time.Time) (*models.ExchangeStats, error) {
	return s.repo.GetStats(startTime, endTime)
}

// GetLatest 获取最新的记录
func (s *ExchangeLogService) GetLatest(limit int, device string) ([]*models.Exchange, error) {
	return s.repo.GetLatest(limit, device)
}

// GetByID 获取单条记录，不存在时返回 gorm.ErrRecordNotFound
func (s *ExchangeLogService) GetByID(id uint) (*models.Exchange, error) {
	return s.repo.GetByID(id)
}

// GetBatch 获取一个批次的全部记录
func (s *ExchangeLogService) GetBatch(batchID string) ([]*models.Exchange, error) {
	return s.repo.GetByBatchID(batchID)
}

// GetErrors 获取失败的往返记录
func (s *ExchangeLogService) GetErrors(limit int) ([]*models.Exchange, error) {
	return s.repo.GetErrors(limit)
}

// Cleanup 清理旧记录
func (s *ExchangeLogService) Cleanup(retentionDays int) (int64, error) {
	return s.repo.CleanupLogs(retentionDays)
}

// Export 导出记录为JSON格式
func (s *ExchangeLogService) Export(query *models.ExchangeQuery) ([]byte, error) {
	exchanges, _, err := s.Query(query)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(exchanges, "", "  ")
}

// Close 停止后台写入并等待剩余记录落盘
func (s *ExchangeLogService) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}
