package cdp

import (
	"context"
	"errors"
	"time"

	adapter "softmock/internal/adapter/cdp"
	"softmock/internal/metrics"
	"softmock/internal/storage"
	"softmock/pkg/model"
	"softmock/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
)

const (
	stageRequest  = "request"
	stageResponse = "response"
)

// handle 处理一次拦截事件：命中 mock 直接返回，否则按采集规则记录后放行
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(ts.ctx, time.Duration(m.opts.ProcessTimeoutMS)*time.Millisecond)
	defer cancel()
	start := time.Now()

	stage := stageOf(ev)
	m.log.Debug("开始处理拦截事件", "stage", stage, "url", ev.Request.URL, "method", ev.Request.Method)

	req := adapter.ToNeutralRequest(ev)
	key, err := req.Key()
	if err != nil {
		m.log.Warn("无法解析请求地址，直接放行", "url", ev.Request.URL, "error", err)
		m.continueStage(ctx, ts, ev, stage)
		return
	}

	if stage == stageRequest {
		m.handleRequestStage(ctx, ts, ev, req, key)
	} else {
		m.handleResponseStage(ctx, ts, ev, req)
	}
	m.log.Debug("拦截事件处理完成", "stage", stage, "key", key, "duration", time.Since(start))
}

// handleRequestStage 请求阶段：优先返回 mock，其次记录请求
func (m *Manager) handleRequestStage(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, req *traffic.Request, key string) {
	if m.opts.ServeMocks && m.fulfillFromMock(ctx, ts, ev, key) {
		return
	}

	action := m.engine.Decide(adapter.ToEvalContext(req))
	metrics.Intercepted.WithLabelValues(stageRequest, string(action)).Inc()
	if action == model.RuleActionCapture {
		if doc, err := traffic.Payload(req, nil); err != nil {
			m.log.Err(err, "生成请求报文失败", "url", req.URL)
		} else {
			m.submitEvent(ctx, model.CommandCreate, doc)
		}
	}
	m.continueRequest(ctx, ts, ev)
}

// handleResponseStage 响应阶段：读取响应体并更新记录
func (m *Manager) handleResponseStage(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, req *traffic.Request) {
	action := m.engine.Peek(adapter.ToEvalContext(req))
	metrics.Intercepted.WithLabelValues(stageResponse, string(action)).Inc()
	if action == model.RuleActionCapture {
		var body []byte
		reply, err := ts.fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
		if err != nil {
			m.log.Debug("读取响应体失败", "url", req.URL, "error", err)
		} else {
			body = adapter.DecodeBody(reply.Body, reply.Base64Encoded)
		}
		if doc, err := traffic.Payload(req, adapter.ToNeutralResponse(ev, body)); err != nil {
			m.log.Err(err, "生成响应报文失败", "url", req.URL)
		} else {
			m.submitEvent(ctx, model.CommandUpdate, doc)
		}
	}
	m.continueResponse(ctx, ts, ev)
}

// fulfillFromMock 记录存在、已启用且带响应时直接返回存储的响应
func (m *Manager) fulfillFromMock(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, key string) bool {
	if m.mocks == nil {
		return false
	}
	rec, err := m.mocks.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.Err(err, "查询 mock 记录失败", "key", key)
		}
		return false
	}
	if !rec.Enabled {
		return false
	}
	args := adapter.FulfillArgs(ev.RequestID, rec.Payload)
	if args == nil {
		return false
	}
	if err := ts.fetch.FulfillRequest(ctx, args); err != nil {
		m.log.Err(err, "返回 mock 响应失败", "key", key)
		return false
	}
	m.engine.RecordMocked()
	metrics.Intercepted.WithLabelValues(stageRequest, "mocked").Inc()
	m.log.Info("已返回 mock 响应", "key", key, "id", rec.ID, "status", args.ResponseCode)
	return true
}

// submitEvent 把拦截到的流量作为引擎事件送入合并流程
func (m *Manager) submitEvent(ctx context.Context, cmd model.Command, doc []byte) {
	if m.ingest == nil {
		return
	}
	ev := &model.IngestEvent{Command: cmd, Resource: model.ResourceFlows, Data: doc}
	if _, err := m.ingest.Handle(ctx, SourceCDP, ev); err != nil {
		m.log.Err(err, "记录拦截流量失败", "command", string(cmd))
	}
}

func (m *Manager) continueStage(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply, stage string) {
	if stage == stageResponse {
		m.continueResponse(ctx, ts, ev)
		return
	}
	m.continueRequest(ctx, ts, ev)
}

func (m *Manager) continueRequest(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) {
	if err := ts.fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Debug("放行请求失败", "url", ev.Request.URL, "error", err)
	}
}

func (m *Manager) continueResponse(ctx context.Context, ts *targetSession, ev *fetch.RequestPausedReply) {
	if err := ts.fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Debug("放行响应失败", "url", ev.Request.URL, "error", err)
	}
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession) {
	rp, err := ts.client.Fetch.RequestPaused(ts.ctx)
	if err != nil {
		m.log.Err(err, "订阅拦截事件流失败", "target", string(ts.id))
		m.handleTargetStreamClosed(ts, err)
		return
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// handleTargetStreamClosed 处理单个目标的拦截流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() || ts.ctx.Err() != nil {
		m.log.Info("停止目标事件消费", "target", string(ts.id))
		return
	}

	m.log.Warn("拦截流被中断，自动移除目标", "target", string(ts.id), "error", err)

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if ok && cur == ts {
		m.closeTargetSession(cur)
	}
}

// degradeAndContinue 统一的降级处理：直接放行
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "requestID", ev.RequestID)
	ctx, cancel := context.WithTimeout(ts.ctx, 1*time.Second)
	defer cancel()
	stage := stageOf(ev)
	metrics.Intercepted.WithLabelValues(stage, "degraded").Inc()
	m.continueStage(ctx, ts, ev, stage)
}

// stageOf 带响应状态码的事件处于响应阶段
func stageOf(ev *fetch.RequestPausedReply) string {
	if ev.ResponseStatusCode != nil {
		return stageResponse
	}
	return stageRequest
}
