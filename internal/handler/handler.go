package handler

import (
	"context"
	"fmt"
	"time"

	"softmock/internal/logger"
	"softmock/internal/metrics"
	"softmock/internal/storage"
	"softmock/pkg/model"
	"softmock/pkg/traffic"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Publisher 合并结果的广播出口
type Publisher interface {
	Publish(ctx context.Context, ev *model.IngestEvent) int
}

// Handler 流量事件处理器，负责键归一、新建或合并、持久化和广播
type Handler struct {
	store     *storage.Store
	publisher Publisher
	log       logger.Logger
}

// Config 配置选项
type Config struct {
	Store     *storage.Store
	Publisher Publisher
	Logger    logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Handler{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		log:       l.With("component", "handler"),
	}
}

// Handle 处理一条流量事件，返回合并后实际落库并广播的事件
//
// 非 flows 事件直接忽略，返回 nil 且不报错。
func (h *Handler) Handle(ctx context.Context, source string, ev *model.IngestEvent) (*model.IngestEvent, error) {
	if !ev.IsFlow() {
		metrics.IngestIgnored.WithLabelValues(source).Inc()
		return nil, nil
	}

	start := time.Now()
	key, err := traffic.KeyFromPayload(ev.Data)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(source).Inc()
		return nil, err
	}

	merged := &model.IngestEvent{Resource: ev.Resource}
	rec, err := h.store.Mutate(ctx, key, func(cur *storage.MockRecord) (*storage.MockRecord, error) {
		if cur == nil {
			data, id, err := ensureID(ev.Data)
			if err != nil {
				return nil, err
			}
			merged.Command = model.CommandCreate
			return &storage.MockRecord{ID: id, Payload: data, Enabled: true}, nil
		}

		data, err := mergeExisting(ev.Data, cur)
		if err != nil {
			return nil, err
		}
		merged.Command = model.CommandUpdate
		cur.Payload = data
		return cur, nil
	})
	if err != nil {
		metrics.IngestErrors.WithLabelValues(source).Inc()
		h.log.Err(err, "流量事件合并失败", "source", source, "key", key)
		return nil, err
	}
	merged.Data = rec.Payload
	metrics.IngestEvents.WithLabelValues(source, string(merged.Command)).Inc()

	delivered := 0
	if h.publisher != nil {
		delivered = h.publisher.Publish(ctx, merged)
	}
	h.log.Debug("流量事件处理完成",
		"source", source,
		"command", string(merged.Command),
		"key", key,
		"id", rec.ID,
		"delivered", delivered,
		"duration", time.Since(start).String(),
	)
	return merged, nil
}

// ensureID 新记录沿用事件自带的 id，没有时生成
func ensureID(data []byte) ([]byte, string, error) {
	id := gjson.GetBytes(data, "id").String()
	if id != "" {
		return data, id, nil
	}
	id = uuid.NewString()
	out, err := sjson.SetBytes(data, "id", id)
	if err != nil {
		return nil, "", fmt.Errorf("%w: set id: %w", traffic.ErrMalformedPayload, err)
	}
	return out, id, nil
}

// mergeExisting 以已有记录为基础合并事件
//
// 请求部分总是取自事件；事件尚未取得响应体而记录已有响应时保留记录中的响应。
func mergeExisting(data []byte, cur *storage.MockRecord) ([]byte, error) {
	out, err := sjson.SetBytes(data, "id", cur.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: set id: %w", traffic.ErrMalformedPayload, err)
	}
	if traffic.HasResponseBody(out) || !traffic.HasResponse(cur.Payload) {
		return out, nil
	}
	stored := gjson.GetBytes(cur.Payload, "response").Raw
	out, err = sjson.SetRawBytes(out, "response", []byte(stored))
	if err != nil {
		return nil, fmt.Errorf("%w: retain response: %w", traffic.ErrMalformedPayload, err)
	}
	return out, nil
}
