// Package testutil 包测试共用的存储与锁夹具
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"consumeledger/internal/config"
	"consumeledger/internal/infrastructure/database"
	"consumeledger/internal/infrastructure/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 基于临时文件的 sqlite 库，已完成建表。
// 只开一个连接，事务内的读写必须使用事务句柄
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取连接池失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

// NewRedis 内存 redis
func NewRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// LockConfig 测试用锁参数，等待时间放宽以免并发用例偶发超时
func LockConfig() *config.LockConfig {
	return &config.LockConfig{
		TTL:           10 * time.Second,
		WaitTimeout:   10 * time.Second,
		RetryInterval: 5 * time.Millisecond,
	}
}

func NewLocker(t testing.TB) *lock.AccountLocker {
	t.Helper()

	client, _ := NewRedis(t)
	return lock.NewAccountLocker(client, LockConfig())
}

// Config 默认配置，锁参数替换为测试值
func Config() *config.Config {
	cfg := config.Default()
	cfg.Lock = *LockConfig()
	return cfg
}
