// Package notify 将部署结果广播到外部消息系统。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Event 描述一次部署的最终结果。
type Event struct {
	RunID       string    `json:"run_id"`
	Network     string    `json:"network"`
	ChainID     string    `json:"chain_id,omitempty"`
	Contract    string    `json:"contract"`
	Status      string    `json:"status"`
	Signer      string    `json:"signer,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Address     string    `json:"address,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Code        string    `json:"code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Encode 返回事件的 JSON 表示。
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("编码部署事件失败: %w", err)
	}
	return data, nil
}

// Publisher 表示一个广播渠道。
type Publisher interface {
	Channel() string
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Fanout 将事件广播至所有注册渠道。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建广播器，同名渠道只保留最后一个。
func NewFanout(publishers ...Publisher) *Fanout {
	set := make(map[string]Publisher, len(publishers))
	for _, p := range publishers {
		if p == nil {
			continue
		}
		set[p.Channel()] = p
	}
	f := &Fanout{publishers: make([]Publisher, 0, len(set))}
	for _, p := range set {
		f.publishers = append(f.publishers, p)
	}
	sort.Slice(f.publishers, func(i, j int) bool {
		return f.publishers[i].Channel() < f.publishers[j].Channel()
	})
	return f
}

// Channels 返回已注册的渠道名。
func (f *Fanout) Channels() []string {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.publishers))
	for _, p := range f.publishers {
		names = append(names, p.Channel())
	}
	return names
}

// Channel 实现 Publisher。
func (f *Fanout) Channel() string { return "fanout" }

// Publish 依次投递到每个渠道，单个渠道失败不影响其余渠道。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", p.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有渠道。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", p.Channel(), err))
		}
	}
	return errors.Join(errs...)
}
