package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chain-deployer/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultRabbitQueue = "deployer.deployments"

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher 将部署事件投递到 RabbitMQ 队列。
type RabbitMQPublisher struct {
	ch     amqpPublisher
	closer func() error
	queue  string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明队列。
func NewRabbitMQPublisher(cfg config.RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultRabbitQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	closer := func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return &RabbitMQPublisher{ch: ch, closer: closer, queue: queue}, nil
}

func (p *RabbitMQPublisher) Channel() string { return "rabbitmq" }

// Publish 以持久化消息投递事件。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 渠道未初始化")
	}
	data, err := event.Encode()
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.RunID,
		Timestamp:    event.OccurredAt.Truncate(time.Second),
		Type:         event.Status,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 channel 与连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer()
}
