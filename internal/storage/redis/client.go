package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailmask/backend/internal/config"
)

// Client 封装 Redis 客户端，为别名目录提供缓存、为防滥用层提供
// 固定窗口计数。所有键统一加配置里的前缀。
type Client struct {
	rdb    *goredis.Client
	prefix string
	ctx    context.Context
}

// New 创建新的 Redis 客户端
func New(cfg *config.RedisConfig) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 测试连接
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		ctx:    context.Background(),
	}, nil
}

// NewFromClient 从现有客户端创建，测试时配合 miniredis 使用
func NewFromClient(rdb *goredis.Client, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: prefix,
		ctx:    context.Background(),
	}
}

// key 为键加上配置的统一前缀
func (c *Client) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

// Ping 测试 Redis 连接
func (c *Client) Ping() error {
	ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	return c.rdb.Close()
}
