package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"softmock/internal/handler"
	"softmock/internal/logger"
	"softmock/internal/metrics"
	"softmock/internal/scope"
	"softmock/internal/storage"
	"softmock/pkg/model"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformed 请求参数或报文不合法
var ErrMalformed = errors.New("malformed input")

// Gateway 处理来自界面的记录修改
type Gateway struct {
	store     *storage.Store
	scope     *scope.Filter
	publisher handler.Publisher
	broadcast bool
	client    *http.Client
	log       logger.Logger
}

// Config 配置选项
type Config struct {
	Store     *storage.Store
	Scope     *scope.Filter
	Publisher handler.Publisher
	// BroadcastEdits 为 true 时修改结果广播给所有订阅者
	BroadcastEdits bool
	ReplayTimeout  time.Duration
	// HTTPClient 重放使用的客户端，为空时按 ReplayTimeout 创建
	HTTPClient *http.Client
	Logger     logger.Logger
}

// New 创建修改网关
func New(cfg Config) *Gateway {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	sc := cfg.Scope
	if sc == nil {
		sc = scope.New("")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.ReplayTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		store:     cfg.Store,
		scope:     sc,
		publisher: cfg.Publisher,
		broadcast: cfg.BroadcastEdits,
		client:    client,
		log:       l.With("component", "gateway"),
	}
}

// DecodeKey 解码 base64 编码的记录键，兼容标准与 URL 字母表
//
// 未转义的 '+' 经查询参数解析后变成空格，这里还原。
func DecodeKey(s string) (string, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "+")
	if s == "" {
		return "", fmt.Errorf("%w: empty key", ErrMalformed)
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("%w: key is not base64", ErrMalformed)
}

// Create 原样新建记录并启用，键已存在时返回 storage.ErrConflict
func (g *Gateway) Create(ctx context.Context, key string, raw []byte) (*storage.MockRecord, error) {
	if err := validDocument(raw); err != nil {
		return nil, err
	}
	rec, err := g.store.Insert(ctx, key, gjson.GetBytes(raw, "id").String(), raw, true)
	g.done("create", key, err)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, model.CommandCreate, rec)
	return rec, nil
}

// Update 覆盖已有记录的报文和启用状态
func (g *Gateway) Update(ctx context.Context, key string, enabled bool, raw []byte) (*storage.MockRecord, error) {
	if err := validDocument(raw); err != nil {
		return nil, err
	}
	rec, err := g.store.Mutate(ctx, key, func(cur *storage.MockRecord) (*storage.MockRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		cur.Payload = raw
		cur.Enabled = enabled
		return cur, nil
	})
	g.done("update", key, err)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, model.CommandUpdate, rec)
	return rec, nil
}

// SetEnabled 切换记录启用状态
func (g *Gateway) SetEnabled(ctx context.Context, key string, enabled bool) (*storage.MockRecord, error) {
	rec, err := g.store.SetEnabled(ctx, key, enabled)
	g.done("set_enabled", key, err)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, model.CommandUpdate, rec)
	return rec, nil
}

// Delete 删除记录，不存在时同样视为成功
func (g *Gateway) Delete(ctx context.Context, key string) error {
	rec, err := g.store.Delete(ctx, key)
	g.done("delete", key, err)
	if err != nil {
		return err
	}
	if rec != nil {
		g.publish(ctx, model.CommandRemove, rec)
	}
	return nil
}

// List 返回作用域内的记录报文，每条附带 status 字段
func (g *Gateway) List(ctx context.Context) ([]json.RawMessage, error) {
	recs, err := g.store.List(ctx, g.scope.Get())
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(recs))
	for i := range recs {
		item, err := annotate(&recs[i])
		if err != nil {
			g.log.Warn("记录报文无法解析，跳过", "key", recs[i].Key, "error", err.Error())
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// ClearScope 删除键包含当前作用域的全部记录
func (g *Gateway) ClearScope(ctx context.Context) (int64, error) {
	filter := g.scope.Get()
	n, err := g.store.DeleteMatching(ctx, filter)
	g.done("clear_scope", filter, err)
	if err != nil {
		return 0, err
	}
	g.log.Info("已清空作用域内记录", "scope", filter, "deleted", n)
	return n, nil
}

func (g *Gateway) done(op, key string, err error) {
	metrics.GatewayOps.WithLabelValues(op, metrics.Result(err)).Inc()
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrConflict) &&
		!errors.Is(err, ErrMalformed) {
		g.log.Err(err, "记录修改失败", "op", op, "key", key)
	}
}

// publish 按广播策略推送修改后的记录
func (g *Gateway) publish(ctx context.Context, cmd model.Command, rec *storage.MockRecord) {
	if !g.broadcast || g.publisher == nil {
		return
	}
	data, err := annotate(rec)
	if err != nil {
		g.log.Debug("记录报文不是对象，跳过广播", "key", rec.Key)
		return
	}
	g.publisher.Publish(ctx, &model.IngestEvent{
		Command:  cmd,
		Resource: model.ResourceFlows,
		Data:     data,
	})
}

// annotate 报文附加 status 字段
func annotate(rec *storage.MockRecord) (json.RawMessage, error) {
	if !gjson.ValidBytes(rec.Payload) || !gjson.ParseBytes(rec.Payload).IsObject() {
		return nil, fmt.Errorf("%w: payload of %s is not an object", ErrMalformed, rec.Key)
	}
	out, err := sjson.SetBytes(rec.Payload, "status", rec.Enabled)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validDocument(raw []byte) error {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: body is not valid json", ErrMalformed)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return fmt.Errorf("%w: body must be a json object", ErrMalformed)
	}
	return nil
}

// Count 记录总数
func (g *Gateway) Count(ctx context.Context) (int64, error) {
	return g.store.Count(ctx)
}
