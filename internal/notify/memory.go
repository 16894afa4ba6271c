package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed 表示渠道已关闭。
var ErrClosed = errors.New("渠道已关闭")

// Memory 在内存中保存事件，主要用于测试。
type Memory struct {
	mu     sync.Mutex
	events []Event
	closed bool
	err    error
}

// NewMemory 创建内存渠道。
func NewMemory() *Memory { return &Memory{} }

// FailWith 使之后的 Publish 返回 err。
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Memory) Channel() string { return "memory" }

func (m *Memory) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// Events 返回已接收事件的副本。
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
