package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"consumeledger/internal/config"

	"github.com/go-redis/redis/v8"
)

const defaultPingTimeout = 5 * time.Second

// Options 把配置转换为客户端参数，零值字段沿用 go-redis 默认值
func Options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Connect 建立连接并探活，失败时关闭客户端并返回错误
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(Options(cfg))

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis %s 失败: %w", client.Options().Addr, err)
	}
	return client, nil
}

// InitRedis 启动时使用，连接失败直接退出
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.Printf("Redis 连接成功: addr=%s, pool=%d", client.Options().Addr, client.Options().PoolSize)
	return client
}
