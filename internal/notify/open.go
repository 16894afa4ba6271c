package notify

import (
	"context"
	"errors"
	"fmt"

	"chain-deployer/internal/config"
	xerrors "chain-deployer/internal/errors"
)

// Open 按配置启用渠道。未配置任何渠道时返回 nil。
// 连接失败的渠道会让 Open 返回 QUEUE_FAILURE，已建立的连接会被关闭。
func Open(ctx context.Context, cfg config.AnnounceConfig) (*Fanout, error) {
	var (
		publishers []Publisher
		errs       []error
	)
	if cfg.Redis.Address != "" {
		p, err := NewRedisPublisher(ctx, cfg.Redis)
		if err != nil {
			errs = append(errs, err)
		} else {
			publishers = append(publishers, p)
		}
	}
	if cfg.RabbitMQ.URL != "" {
		p, err := NewRabbitMQPublisher(cfg.RabbitMQ)
		if err != nil {
			errs = append(errs, err)
		} else {
			publishers = append(publishers, p)
		}
	}
	if cfg.NATS.URL != "" {
		p, err := NewNATSPublisher(cfg.NATS)
		if err != nil {
			errs = append(errs, err)
		} else {
			publishers = append(publishers, p)
		}
	}

	fanout := NewFanout(publishers...)
	if len(errs) > 0 {
		_ = fanout.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, errors.Join(errs...), fmt.Sprintf("%d announce channel(s) unavailable", len(errs)))
	}
	if len(publishers) == 0 {
		return nil, nil
	}
	return fanout, nil
}
