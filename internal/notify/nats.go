package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chain-deployer/internal/config"

	"github.com/nats-io/nats.go"
)

const defaultNATSSubject = "deployer.deployments"

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher 将部署事件发布到 NATS subject。
type NATSPublisher struct {
	nc      natsConn
	subject string
}

// NewNATSPublisher 连接 NATS。
func NewNATSPublisher(cfg config.NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("chain-deployer"),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subjectOrDefault(cfg.Subject)}, nil
}

func subjectOrDefault(subject string) string {
	if subject == "" {
		return defaultNATSSubject
	}
	return subject
}

func (p *NATSPublisher) Channel() string { return "nats" }

// Publish 发布事件并等待服务端确认收到。
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("NATS 发布事件失败: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("NATS flush 失败: %w", err)
	}
	return nil
}

// Close 关闭连接。
func (p *NATSPublisher) Close() error {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
	return nil
}
