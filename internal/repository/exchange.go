package repository

import (
	"fmt"
	"time"

	"github.com/wfunc/plotter-bridge/internal/models"
	"gorm.io/gorm"
)

// ExchangeRepository 命令往返记录仓库
type ExchangeRepository struct {
	db *gorm.DB
}

// NewExchangeRepository 创建命令往返记录仓库
func NewExchangeRepository(db *gorm.DB) *ExchangeRepository {
	return &ExchangeRepository{
		db: db,
	}
}

// CreateBatch 批量创建记录
func (r *ExchangeRepository) CreateBatch(exchanges []*models.Exchange) error {
	if len(exchanges) == 0 {
		return nil
	}
	return r.db.CreateInBatches(exchanges, 100).Error
}

// GetByID 根据ID获取记录
func (r *ExchangeRepository) GetByID(id uint) (*models.Exchange, error) {
	var ex models.Exchange
	err := r.db.First(&ex, id).Error
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// GetByBatchID 获取同一批次的所有记录，按批次内顺序排列
func (r *ExchangeRepository) GetByBatchID(batchID string) ([]*models.Exchange, error) {
	var exchanges []*models.Exchange
	err := r.db.Where("batch_id = ?", batchID).
		Order("seq ASC").
		Find(&exchanges).Error
	return exchanges, err
}

// Query 查询记录
func (r *ExchangeRepository) Query(query *models.ExchangeQuery) ([]*models.Exchange, int64, error) {
	db := r.db.Model(&models.Exchange{})

	// 构建查询条件
	if query.Device != "" {
		db = db.Where("device = ?", query.Device)
	}
	if query.BatchID != "" {
		db = db.Where("batch_id = ?", query.BatchID)
	}
	if query.Command != "" {
		db = db.Where("command LIKE ?", "%"+query.Command+"%")
	}
	if query.SessionID != "" {
		db = db.Where("session_id = ?", query.SessionID)
	}
	db = db.Scopes(timeRange(query.StartTime, query.EndTime))
	if query.HasError != nil {
		if *query.HasError {
			db = db.Where("error_msg IS NOT NULL AND error_msg != ''")
		} else {
			db = db.Where("error_msg IS NULL OR error_msg = ''")
		}
	}

	// 获取总数
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 排序
	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = "id DESC"
	}
	db = db.Order(orderBy)

	// 分页
	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	var exchanges []*models.Exchange
	if err := db.Find(&exchanges).Error; err != nil {
		return nil, 0, err
	}

	return exchanges, total, nil
}

// GetStats 获取统计信息
func (r *ExchangeRepository) GetStats(startTime, endTime *time.Time) (*models.ExchangeStats, error) {
	stats := &models.ExchangeStats{}
	scoped := func() *gorm.DB {
		return r.db.Model(&models.Exchange{}).Scopes(timeRange(startTime, endTime))
	}

	// 总数统计
	if err := scoped().Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}

	// 错误统计
	if err := scoped().
		Where("error_msg IS NOT NULL AND error_msg != ''").
		Count(&stats.TotalErrors).Error; err != nil {
		return nil, err
	}

	// 批次统计
	if err := scoped().
		Where("batch_id != ''").
		Distinct("batch_id").
		Count(&stats.TotalBatches).Error; err != nil {
		return nil, err
	}

	// 性能统计
	type aggregate struct {
		TotalBytes  int64
		AvgDuration float64
		MaxDuration int64
		MinDuration int64
	}
	var agg aggregate
	if err := scoped().
		Select("COALESCE(SUM(bytes_count), 0) as total_bytes, " +
			"COALESCE(AVG(duration), 0) as avg_duration, " +
			"COALESCE(MAX(duration), 0) as max_duration, " +
			"COALESCE(MIN(duration), 0) as min_duration").
		Scan(&agg).Error; err != nil {
		return nil, err
	}
	stats.TotalBytes = agg.TotalBytes
	stats.AvgDuration = agg.AvgDuration
	stats.MaxDuration = agg.MaxDuration
	stats.MinDuration = agg.MinDuration

	return stats, nil
}

// GetLatest 获取最新的记录
func (r *ExchangeRepository) GetLatest(limit int, device string) ([]*models.Exchange, error) {
	var exchanges []*models.Exchange
	db := r.db.Order("id DESC").Limit(limit)
	if device != "" {
		db = db.Where("device = ?", device)
	}
	err := db.Find(&exchanges).Error
	return exchanges, err
}

// GetErrors 获取失败的往返记录
func (r *ExchangeRepository) GetErrors(limit int) ([]*models.Exchange, error) {
	var exchanges []*models.Exchange
	err := r.db.Where("error_msg IS NOT NULL AND error_msg != ''").
		Or("level = ?", models.ExchangeLevelError).
		Order("id DESC").
		Limit(limit).
		Find(&exchanges).Error
	return exchanges, err
}

// DeleteBefore 删除指定时间之前的记录
func (r *ExchangeRepository) DeleteBefore(beforeTime time.Time) (int64, error) {
	result := r.db.Unscoped().Where("created_at < ?", beforeTime).Delete(&models.Exchange{})
	return result.RowsAffected, result.Error
}

// CleanupLogs 清理记录（保留最近N天的数据）
func (r *ExchangeRepository) CleanupLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	beforeTime := time.Now().AddDate(0, 0, -retentionDays)
	return r.DeleteBefore(beforeTime)
}

// timeRange 按创建时间过滤
func timeRange(startTime, endTime *time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if startTime != nil {
			db = db.Where("created_at >= ?", *startTime)
		}
		if endTime != nil {
			db = db.Where("created_at <= ?", *endTime)
		}
		return db
	}
}
