package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"softmock/internal/logger"
	"softmock/internal/metrics"
	"softmock/internal/scope"
	"softmock/pkg/model"
	"softmock/pkg/traffic"

	"github.com/goccy/go-json"
)

// DefaultSendTimeout 单个订阅者发送的默认超时
const DefaultSendTimeout = 2 * time.Second

// Hub 把记录变更推送给所有在线订阅者
type Hub struct {
	reg         *registry
	scope       *scope.Filter
	sendTimeout time.Duration
	log         logger.Logger
}

// New 创建广播中心，scope 为 nil 时不过滤
func New(sc *scope.Filter, sendTimeout time.Duration, l logger.Logger) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	if sc == nil {
		sc = scope.New("")
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	l = l.With("component", "hub")
	return &Hub{
		reg:         newRegistry(l),
		scope:       sc,
		sendTimeout: sendTimeout,
		log:         l,
	}
}

// Subscribe 注册订阅者
func (h *Hub) Subscribe(s Subscriber) {
	h.reg.add(s)
}

// Unsubscribe 注销订阅者，可重复调用
func (h *Hub) Unsubscribe(s Subscriber) {
	h.reg.remove(s)
}

// Count 当前订阅者数量
func (h *Hub) Count() int {
	return h.reg.count()
}

// Publish 广播事件，返回成功送达的订阅者数量
//
// 非 flows 事件以及不在作用域内的事件直接丢弃。发送失败的订阅者会被注销并关闭，
// 不影响其他订阅者，也不向调用方返回错误。
func (h *Hub) Publish(ctx context.Context, ev *model.IngestEvent) int {
	if !ev.IsFlow() {
		metrics.PublishDropped.WithLabelValues("resource").Inc()
		return 0
	}
	host := traffic.HostFromPayload(ev.Data)
	if !h.scope.Allows(host) {
		metrics.PublishDropped.WithLabelValues("scope").Inc()
		h.log.Debug("事件不在作用域内，跳过广播", "host", host, "scope", h.scope.Get())
		return 0
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		metrics.PublishDropped.WithLabelValues("encode").Inc()
		h.log.Err(err, "序列化广播事件失败")
		return 0
	}

	subs := h.reg.snapshot()
	if len(subs) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, s := range subs {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sendTimeout)
			defer cancel()
			if err := s.Send(sctx, msg); err != nil {
				metrics.Deliveries.WithLabelValues("failed").Inc()
				h.log.Warn("推送失败，移除订阅者", "subscriber", s.ID(), "error", err.Error())
				h.drop(s)
				return
			}
			metrics.Deliveries.WithLabelValues("ok").Inc()
			delivered.Add(1)
		}(s)
	}
	wg.Wait()
	return int(delivered.Load())
}

func (h *Hub) drop(s Subscriber) {
	if h.reg.remove(s) {
		if err := s.Close(); err != nil {
			h.log.Debug("关闭订阅者失败", "subscriber", s.ID(), "error", err.Error())
		}
	}
}

// Close 关闭并注销全部订阅者
func (h *Hub) Close() {
	for _, s := range h.reg.snapshot() {
		h.drop(s)
	}
}
