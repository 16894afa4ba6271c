package notify

import (
	"context"
	"errors"
	"fmt"

	"chain-deployer/internal/config"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "deployer:deployments"

type listPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisPublisher 使用 Redis list 保存部署事件，消费方可通过 BRPOP 读取。
type RedisPublisher struct {
	client listPusher
	closer func() error
	key    string
}

// NewRedisPublisher 创建 Redis 渠道并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, client.Close, cfg.Key), nil
}

func newRedisPublisher(client listPusher, closer func() error, key string) *RedisPublisher {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisPublisher{client: client, closer: closer, key: key}
}

func (p *RedisPublisher) Channel() string { return "redis" }

// Publish 将事件 LPUSH 到配置的 key。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	if err := p.client.LPush(ctx, p.key, data).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer()
}
