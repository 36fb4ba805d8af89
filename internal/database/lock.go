package database

import (
	"fmt"
	"os"
	"time"

	"github.com/wfunc/plotter-bridge/internal/logger"
	"go.uber.org/zap"
)

const (
	lockRetries  = 30
	lockStaleAge = 5 * time.Minute
)

// acquireMigrationLock 获取迁移锁
func acquireMigrationLock(dbPath string) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"

	// 尝试创建锁文件（独占模式）
	for i := 0; i < lockRetries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			logger.Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}

		// 检查锁文件是否太旧
		if info, err := os.Stat(lockPath); err == nil {
			if time.Since(info.ModTime()) > lockStaleAge {
				logger.Warn("迁移锁文件过期，尝试删除", zap.String("lock", lockPath))
				os.Remove(lockPath)
				continue
			}
		}

		logger.Debug("等待迁移锁...", zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	return nil, fmt.Errorf("无法获取迁移锁，可能有其他进程正在执行迁移")
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}

	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
	logger.Debug("释放迁移锁", zap.String("lock", lockPath))
}

// getDBPath 获取SQLite数据库文件路径，其他驱动返回空
func getDBPath() string {
	if DB == nil || DB.Dialector.Name() != "sqlite" {
		return ""
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return ""
	}

	// 内存数据库的 file 列为空
	row := sqlDB.QueryRow("PRAGMA database_list")
	var seq int
	var name, file string
	if err := row.Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}

// CleanupStaleLocks 清理过期的迁移锁文件
func CleanupStaleLocks(dbPath string) {
	lockPath := dbPath + ".migration.lock"
	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) > 2*lockStaleAge {
			logger.Info("清理过期锁文件", zap.String("file", lockPath))
			os.Remove(lockPath)
		}
	}
}
