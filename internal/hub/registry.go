package hub

import (
	"context"
	"sync"

	"softmock/internal/logger"
	"softmock/internal/metrics"
)

// Subscriber 一个已连接的订阅端
type Subscriber interface {
	ID() string
	// Send 发送一条已序列化的消息，ctx 超时或连接不可用时返回错误
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// registry 订阅者注册表
type registry struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
	log  logger.Logger
}

func newRegistry(l logger.Logger) *registry {
	return &registry{
		subs: make(map[string]Subscriber),
		log:  l,
	}
}

// add 注册订阅者，同 ID 的旧连接会被替换
func (r *registry) add(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[s.ID()] = s
	metrics.Subscribers.Set(float64(len(r.subs)))
	r.log.Info("订阅者已连接", "subscriber", s.ID(), "total", len(r.subs))
}

// remove 注销订阅者，仅当注册的仍是同一实例时生效；返回是否移除
func (r *registry) remove(s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[s.ID()]
	if !ok || cur != s {
		return false
	}
	delete(r.subs, s.ID())
	metrics.Subscribers.Set(float64(len(r.subs)))
	r.log.Info("订阅者已断开", "subscriber", s.ID(), "total", len(r.subs))
	return true
}

// snapshot 返回当前所有订阅者
func (r *registry) snapshot() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		list = append(list, s)
	}
	return list
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
