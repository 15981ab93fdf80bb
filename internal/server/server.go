package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"softmock/internal/gateway"
	"softmock/internal/handler"
	"softmock/internal/hub"
	"softmock/internal/logger"
	"softmock/internal/scope"
	"softmock/pkg/model"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options HTTP 服务配置
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	// RateLimit 修改与采集接口每分钟每IP的请求上限，0 不限流
	RateLimit      int
	AllowedOrigins []string
	// SendBuffer websocket 客户端发送队列长度
	SendBuffer int
}

// Server 对外 HTTP 与 websocket 接口
type Server struct {
	opts     Options
	handler  *handler.Handler
	gateway  *gateway.Gateway
	hub      *hub.Hub
	scope    *scope.Filter
	capture  Capture
	upgrader websocket.Upgrader
	router   chi.Router
	log      logger.Logger
}

// Capture CDP 采集状态查询，未启用 CDP 时为空
type Capture interface {
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)
	Stats() model.EngineStats
}

// Deps 服务依赖
type Deps struct {
	Handler *handler.Handler
	Gateway *gateway.Gateway
	Hub     *hub.Hub
	Scope   *scope.Filter
	Capture Capture
	Logger  logger.Logger
}

// New 创建 HTTP 服务
func New(opts Options, deps Deps) *Server {
	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		opts:    opts,
		handler: deps.Handler,
		gateway: deps.Gateway,
		hub:     deps.Hub,
		scope:   deps.Scope,
		capture: deps.Capture,
		log:     l.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

// Handler 返回路由，测试中直接挂到 httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(s.opts.AllowedOrigins))
	r.Use(s.accessLog)

	r.Get("/", s.handleIndex)
	r.Get("/scope", s.handleGetScope)
	r.Put("/scope", s.handleSetScope)
	r.Get("/flows", s.handleListFlows)
	r.Get("/flows.json", s.handleListFlows)
	r.Get("/updates", s.handleUpdates)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/cdp/targets", s.handleTargets)
	r.Get("/cdp/stats", s.handleCaptureStats)

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.opts.RateLimit))
		r.Post("/create", s.handleCreate)
		r.Post("/update_flow", s.handleUpdate)
		r.Post("/delete_flow", s.handleDelete)
		r.Post("/update_status", s.handleUpdateStatus)
		r.Post("/clear_all", s.handleClearAll)
		r.Put("/flows/edit", s.handleEdit)
		r.Post("/replay", s.handleReplay)
		r.Post("/ingest", s.handleIngest)
	})
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 || slices.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

// String 服务名称
func (s *Server) String() string {
	return "http-server"
}

// Serve 监听并服务，ctx 取消后优雅关闭
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener 在已有监听上服务
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Err(err, "HTTP 服务关闭超时")
		return err
	}
	s.log.Info("HTTP 服务已停止")
	return ctx.Err()
}
