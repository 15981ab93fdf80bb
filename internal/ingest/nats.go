package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"softmock/internal/logger"
	"softmock/internal/metrics"
	"softmock/pkg/model"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// SourceNATS NATS 来源的事件标签
const SourceNATS = "nats"

// Handler 事件处理入口
type Handler interface {
	Handle(ctx context.Context, source string, ev *model.IngestEvent) (*model.IngestEvent, error)
}

// NATSOptions NATS 采集配置
type NATSOptions struct {
	URL     string
	Subject string
	// Queue 非空时使用队列订阅，多实例分摊
	Queue string
	// Embedded 为 true 时在本进程内启动 NATS 服务并监听 URL 中的地址
	Embedded bool
}

// NATSSource 从 NATS 主题接收引擎事件
type NATSSource struct {
	opts    NATSOptions
	handler Handler
	log     logger.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewNATSSource 创建 NATS 采集源
func NewNATSSource(opts NATSOptions, h Handler, l logger.Logger) *NATSSource {
	if l == nil {
		l = logger.NewNop()
	}
	return &NATSSource{
		opts:    opts,
		handler: h,
		log:     l.With("component", "ingest", "source", SourceNATS),
		ready:   make(chan struct{}),
	}
}

// String 服务名称
func (s *NATSSource) String() string {
	return "nats-ingest"
}

// Ready 订阅建立后关闭
func (s *NATSSource) Ready() <-chan struct{} {
	return s.ready
}

// Serve 连接 NATS 并持续消费，ctx 取消后退出
func (s *NATSSource) Serve(ctx context.Context) error {
	connURL := s.opts.URL
	if s.opts.Embedded {
		ns, err := startEmbedded(s.opts.URL)
		if err != nil {
			return err
		}
		defer func() {
			ns.Shutdown()
			ns.WaitForShutdown()
		}()
		connURL = ns.ClientURL()
		s.log.Info("内置 NATS 服务已启动", "url", connURL)
	}

	nc, err := nats.Connect(connURL,
		nats.Name("softmock-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn("NATS 连接断开", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.log.Info("NATS 已重连", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", connURL, err)
	}
	defer nc.Close()

	cb := func(msg *nats.Msg) { s.handle(ctx, msg) }
	var sub *nats.Subscription
	if s.opts.Queue != "" {
		sub, err = nc.QueueSubscribe(s.opts.Subject, s.opts.Queue, cb)
	} else {
		sub, err = nc.Subscribe(s.opts.Subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.opts.Subject, err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.log.Info("NATS 采集已启动", "subject", s.opts.Subject, "queue", s.opts.Queue)
	s.readyOnce.Do(func() { close(s.ready) })

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.Warn("NATS 订阅退订失败", "error", err.Error())
	}
	s.log.Info("NATS 采集已停止")
	return ctx.Err()
}

func (s *NATSSource) handle(ctx context.Context, msg *nats.Msg) {
	var ev model.IngestEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		metrics.IngestErrors.WithLabelValues(SourceNATS).Inc()
		s.log.Warn("事件解析失败，丢弃", "subject", msg.Subject, "error", err.Error())
		return
	}
	if _, err := s.handler.Handle(ctx, SourceNATS, &ev); err != nil {
		s.log.Warn("事件处理失败", "subject", msg.Subject, "error", err.Error())
	}
}

// startEmbedded 启动进程内 NATS 服务
func startEmbedded(rawURL string) (*server.Server, error) {
	host, port := "127.0.0.1", server.RANDOM_PORT
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse nats url: %w", err)
		}
		if h, p, err := net.SplitHostPort(u.Host); err == nil {
			host = h
			if n, err := strconv.Atoi(p); err == nil {
				port = n
			}
		}
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "softmock",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 8 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	return ns, nil
}
