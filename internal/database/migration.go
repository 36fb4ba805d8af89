package database

import (
	"fmt"
	"strings"

	"github.com/wfunc/plotter-bridge/internal/errors"
	"github.com/wfunc/plotter-bridge/internal/logger"
	"github.com/wfunc/plotter-bridge/internal/models"
	"go.uber.org/zap"
)

// exchangeIndexes exchanges 表的附加索引
var exchangeIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_exchanges_batch_seq ON exchanges(batch_id, seq)",
	"CREATE INDEX IF NOT EXISTS idx_exchanges_level ON exchanges(level)",
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate() error {
	if DB == nil {
		return errors.New(errors.ErrDatabaseConnect, "数据库未初始化")
	}

	// 获取迁移锁，避免多个进程同时迁移
	if dbPath := getDBPath(); dbPath != "" {
		CleanupStaleLocks(dbPath)
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	logger.Info("开始数据库迁移...")

	if err := DB.AutoMigrate(&models.Exchange{}); err != nil {
		logger.Error("迁移失败", zap.String("model", "Exchange"), zap.Error(err))
		return errors.Wrap(err, errors.ErrDatabaseQuery, "迁移 exchanges 表失败")
	}

	createIndexes()

	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建数据库索引
func createIndexes() {
	for _, idx := range exchangeIndexes {
		if err := DB.Exec(idx).Error; err != nil {
			// 忽略索引已存在的错误
			if !strings.Contains(err.Error(), "already exists") {
				logger.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
			}
		}
	}
}
