package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"softmock/internal/cdp"
	"softmock/internal/config"
	"softmock/internal/gateway"
	"softmock/internal/handler"
	"softmock/internal/hub"
	"softmock/internal/ingest"
	"softmock/internal/logger"
	"softmock/internal/rules"
	"softmock/internal/scope"
	"softmock/internal/server"
	"softmock/internal/storage"
	"softmock/pkg/model"

	"github.com/thejerf/suture/v4"
)

// Service 组装存储、合并、广播、修改网关与各采集源，并在 supervisor 下运行
type Service struct {
	cfg     *config.Config
	log     logger.Logger
	store   *storage.Store
	hub     *hub.Hub
	scope   *scope.Filter
	handler *handler.Handler
	gateway *gateway.Gateway
	server  *server.Server
	capture *cdp.Manager
	nats    *ingest.NATSSource
	sup     *suture.Supervisor
}

// New 按配置创建服务，打开数据库但不启动任何监听
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if l == nil {
		l = logger.NewNop()
	}
	st, err := storage.Open(storage.Options{Dsn: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix}, l)
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, log: l, store: st}
	s.scope = scope.New(cfg.Scope.Host)
	s.hub = hub.New(s.scope, cfg.Hub.SendTimeout, l)
	s.handler = handler.New(handler.Config{Store: st, Publisher: s.hub, Logger: l})
	s.gateway = gateway.New(gateway.Config{
		Store:          st,
		Scope:          s.scope,
		Publisher:      s.hub,
		BroadcastEdits: cfg.Gateway.BroadcastEdits,
		ReplayTimeout:  cfg.Gateway.ReplayTimeout,
		Logger:         l,
	})

	deps := server.Deps{Handler: s.handler, Gateway: s.gateway, Hub: s.hub, Scope: s.scope, Logger: l}
	if cfg.CDP.Enabled {
		s.capture = cdp.New(cdp.Options{
			DevToolsURL:      cfg.CDP.DevToolsURL,
			Target:           model.TargetID(cfg.CDP.Target),
			Concurrency:      cfg.CDP.Concurrency,
			PendingCapacity:  cfg.CDP.PendingCapacity,
			ProcessTimeoutMS: cfg.CDP.ProcessTimeoutMS,
			ServeMocks:       cfg.CDP.ServeMocks,
		}, s.handler, st, rules.New(rules.FromConfig(cfg.Capture.Rules)), l)
		deps.Capture = s.capture
	}
	s.server = server.New(server.Options{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SendBuffer:      cfg.Hub.SendBuffer,
	}, deps)

	if cfg.NATS.Enabled {
		s.nats = ingest.NewNATSSource(ingest.NATSOptions{
			URL:      cfg.NATS.URL,
			Subject:  cfg.NATS.Subject,
			Queue:    cfg.NATS.Queue,
			Embedded: cfg.NATS.Embedded,
		}, s.handler, l)
	}

	s.sup = suture.New("softmock", suture.Spec{
		EventHook: eventHook(l.With("component", "supervisor")),
		Timeout:   cfg.Server.ShutdownTimeout + time.Second,
	})
	s.sup.Add(s.server)
	if s.nats != nil {
		s.sup.Add(s.nats)
	}
	if s.capture != nil {
		s.sup.Add(s.capture)
	}
	return s, nil
}

// Run 运行全部服务直到 ctx 结束
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("softmock 启动", "addr", s.cfg.Server.Addr, "version", s.cfg.Version,
		"nats", s.nats != nil, "cdp", s.capture != nil, "scope", s.scope.Get())
	err := s.sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("supervisor: %w", err)
	}
	s.log.Info("softmock 已停止")
	return nil
}

// Close 关闭数据库
func (s *Service) Close() error {
	return s.store.Close()
}

// Handler 合并处理器
func (s *Service) Handler() *handler.Handler { return s.handler }

// Gateway 修改网关
func (s *Service) Gateway() *gateway.Gateway { return s.gateway }

// eventHook 把 supervisor 事件写入日志
func eventHook(l logger.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch ev := e.(type) {
		case suture.EventServicePanic:
			l.Error("服务崩溃", "service", ev.ServiceName, "panic", ev.PanicMsg)
		case suture.EventServiceTerminate:
			l.Warn("服务退出，准备重启", "service", ev.ServiceName, "error", fmt.Sprint(ev.Err), "restarting", ev.Restarting)
		case suture.EventBackoff:
			l.Warn("服务频繁失败，进入退避", "supervisor", ev.SupervisorName)
		case suture.EventResume:
			l.Info("退避结束，恢复重启", "supervisor", ev.SupervisorName)
		case suture.EventStopTimeout:
			l.Error("服务停止超时", "service", ev.ServiceName)
		default:
			l.Debug("supervisor 事件", "event", e.String())
		}
	}
}
