package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"softmock/internal/logger"
	"softmock/internal/rules"
	"softmock/internal/storage"
	"softmock/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"
)

// SourceCDP CDP 来源的事件标签
const SourceCDP = "cdp"

// ErrNoTarget 没有可附加的目标
var ErrNoTarget = errors.New("no debuggable target")

// Ingester 采集事件处理入口
type Ingester interface {
	Handle(ctx context.Context, source string, ev *model.IngestEvent) (*model.IngestEvent, error)
}

// MockLookup 按记录键查询已存储的 mock
type MockLookup interface {
	Get(ctx context.Context, key string) (*storage.MockRecord, error)
}

// fetchDomain 用到的 Fetch 域方法
type fetchDomain interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	ContinueResponse(ctx context.Context, args *fetch.ContinueResponseArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	GetResponseBody(ctx context.Context, args *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error)
}

// Options CDP 采集配置
type Options struct {
	DevToolsURL      string
	Target           model.TargetID
	Concurrency      int
	PendingCapacity  int
	ProcessTimeoutMS int
	// ServeMocks 为 true 时命中已启用记录的请求直接用存储的响应返回
	ServeMocks bool
}

// Manager 附加浏览器目标，拦截请求并送入合并流程
type Manager struct {
	opts   Options
	ingest Ingester
	mocks  MockLookup
	engine *rules.Engine
	log    logger.Logger

	enabled   atomic.Bool
	ctx       context.Context
	pool      *workerPool
	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession
}

type targetSession struct {
	id     model.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	fetch  fetchDomain
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建 CDP 采集管理器
func New(opts Options, ingest Ingester, mocks MockLookup, engine *rules.Engine, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.ProcessTimeoutMS <= 0 {
		opts.ProcessTimeoutMS = 3000
	}
	return &Manager{
		opts:    opts,
		ingest:  ingest,
		mocks:   mocks,
		engine:  engine,
		log:     l.With("component", "cdp"),
		ctx:     context.Background(),
		targets: make(map[model.TargetID]*targetSession),
	}
}

// String 服务名
func (m *Manager) String() string { return "cdp-source" }

// Serve 附加配置的目标并持续拦截，直到 ctx 结束
func (m *Manager) Serve(ctx context.Context) error {
	m.ctx = ctx
	m.pool = newWorkerPool(m.opts.Concurrency, m.opts.PendingCapacity)
	m.enabled.Store(true)
	defer func() {
		m.enabled.Store(false)
		m.detachAll()
		m.pool.stop()
	}()

	if err := m.AttachTarget(ctx, m.opts.Target); err != nil {
		return fmt.Errorf("attach target: %w", err)
	}
	<-ctx.Done()
	m.log.Info("CDP 采集停止")
	return ctx.Err()
}

// ListTargets 列出浏览器可调试目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.opts.DevToolsURL).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.TargetInfo{
			ID:    model.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// AttachTarget 附加目标并开启请求拦截，target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target model.TargetID) error {
	targets, err := devtool.New(m.opts.DevToolsURL).List(ctx)
	if err != nil {
		return err
	}
	sel := selectTarget(targets, target)
	if sel == nil {
		return fmt.Errorf("%w: %q", ErrNoTarget, target)
	}
	id := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		return nil
	}
	m.targetsMu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return err
	}
	client := cdp.NewClient(conn)
	tctx, cancel := context.WithCancel(m.ctx)
	ts := &targetSession{id: id, conn: conn, client: client, fetch: client.Fetch, ctx: tctx, cancel: cancel}

	if err := m.enableFetch(ctx, ts); err != nil {
		m.closeTargetSession(ts)
		return err
	}

	m.targetsMu.Lock()
	m.targets[id] = ts
	m.targetsMu.Unlock()

	m.log.Info("已附加目标", "target", string(id), "url", sel.URL)
	go m.consume(ts)
	return nil
}

// DetachTarget 分离目标
func (m *Manager) DetachTarget(id model.TargetID) {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	delete(m.targets, id)
	m.targetsMu.Unlock()
	if ok {
		m.closeTargetSession(ts)
		m.log.Info("已分离目标", "target", string(id))
	}
}

// Stats 采集规则统计
func (m *Manager) Stats() model.EngineStats {
	if m.engine == nil {
		return model.EngineStats{ByRule: map[model.RuleID]int64{}}
	}
	return m.engine.Stats()
}

func (m *Manager) isEnabled() bool { return m.enabled.Load() }

func (m *Manager) enableFetch(ctx context.Context, ts *targetSession) error {
	if err := ts.client.Network.Enable(ctx, nil); err != nil {
		return err
	}
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}
	return ts.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns})
}

func (m *Manager) detachAll() {
	m.targetsMu.Lock()
	all := m.targets
	m.targets = make(map[model.TargetID]*targetSession)
	m.targetsMu.Unlock()
	for _, ts := range all {
		m.closeTargetSession(ts)
	}
}

// closeTargetSession 关闭拦截并断开连接
func (m *Manager) closeTargetSession(ts *targetSession) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if ts.client != nil {
		if err := ts.client.Fetch.Disable(ctx); err != nil {
			m.log.Debug("关闭拦截失败", "target", string(ts.id), "error", err)
		}
	}
	ts.cancel()
	if ts.conn != nil {
		_ = ts.conn.Close()
	}
}

func selectTarget(targets []*devtool.Target, want model.TargetID) *devtool.Target {
	for _, t := range targets {
		if want != "" && model.TargetID(t.ID) == want {
			return t
		}
		if want == "" && t.Type == devtool.Page {
			return t
		}
	}
	return nil
}
