package config

import "time"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" koanf:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn" koanf:"dsn" validate:"required"`
		Prefix string `yaml:"prefix" koanf:"prefix"`
	} `yaml:"sqlite" koanf:"sqlite"`

	Log struct {
		Level      string   `yaml:"level" koanf:"level" validate:"omitempty,oneof=trace debug info warn error off"`
		Writer     []string `yaml:"writer" koanf:"writer" validate:"dive,oneof=console file"`
		File       string   `yaml:"file" koanf:"file"`
		MaxSizeMB  int      `yaml:"max_size_mb" koanf:"max_size_mb" validate:"gte=0"`
		MaxBackups int      `yaml:"max_backups" koanf:"max_backups" validate:"gte=0"`
	} `yaml:"log" koanf:"log"`

	Server struct {
		Addr            string        `yaml:"addr" koanf:"addr" validate:"required"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
		RateLimit       int           `yaml:"rate_limit" koanf:"rate_limit" validate:"gte=0"`
		AllowedOrigins  []string      `yaml:"allowed_origins" koanf:"allowed_origins"`
	} `yaml:"server" koanf:"server"`

	// Scope 启动时的作用域过滤（host 子串）
	Scope struct {
		Host string `yaml:"host" koanf:"host"`
	} `yaml:"scope" koanf:"scope"`

	Hub struct {
		SendTimeout time.Duration `yaml:"send_timeout" koanf:"send_timeout"`
		SendBuffer  int           `yaml:"send_buffer" koanf:"send_buffer" validate:"gte=0"`
	} `yaml:"hub" koanf:"hub"`

	Gateway struct {
		BroadcastEdits bool          `yaml:"broadcast_edits" koanf:"broadcast_edits"`
		ReplayTimeout  time.Duration `yaml:"replay_timeout" koanf:"replay_timeout"`
	} `yaml:"gateway" koanf:"gateway"`

	NATS struct {
		Enabled bool   `yaml:"enabled" koanf:"enabled"`
		URL     string `yaml:"url" koanf:"url" validate:"required_if=Enabled true"`
		Subject string `yaml:"subject" koanf:"subject" validate:"required_if=Enabled true"`
		Queue   string `yaml:"queue" koanf:"queue"`
		// Embedded 在进程内启动 NATS 服务
		Embedded bool `yaml:"embedded" koanf:"embedded"`
	} `yaml:"nats" koanf:"nats"`

	CDP struct {
		Enabled          bool   `yaml:"enabled" koanf:"enabled"`
		DevToolsURL      string `yaml:"devtools_url" koanf:"devtools_url" validate:"required_if=Enabled true"`
		Target           string `yaml:"target" koanf:"target"`
		Concurrency      int    `yaml:"concurrency" koanf:"concurrency" validate:"gte=0"`
		PendingCapacity  int    `yaml:"pending_capacity" koanf:"pending_capacity" validate:"gte=0"`
		ProcessTimeoutMS int    `yaml:"process_timeout_ms" koanf:"process_timeout_ms" validate:"gte=0"`
		ServeMocks       bool   `yaml:"serve_mocks" koanf:"serve_mocks"`
	} `yaml:"cdp" koanf:"cdp"`

	// Capture CDP 拦截时的采集规则
	Capture struct {
		Rules []CaptureRule `yaml:"rules" koanf:"rules" validate:"dive"`
	} `yaml:"capture" koanf:"capture"`
}

// CaptureRule 采集规则配置
type CaptureRule struct {
	ID       string             `yaml:"id" koanf:"id" validate:"required"`
	Name     string             `yaml:"name" koanf:"name"`
	Priority int                `yaml:"priority" koanf:"priority"`
	Mode     string             `yaml:"mode" koanf:"mode" validate:"omitempty,oneof=aggregate short_circuit"`
	Action   string             `yaml:"action" koanf:"action" validate:"oneof=capture skip"`
	AllOf    []CaptureCondition `yaml:"all_of" koanf:"all_of"`
	AnyOf    []CaptureCondition `yaml:"any_of" koanf:"any_of"`
	NoneOf   []CaptureCondition `yaml:"none_of" koanf:"none_of"`
}

// CaptureCondition 采集规则中的单个条件
type CaptureCondition struct {
	Type    string   `yaml:"type" koanf:"type"`
	Mode    string   `yaml:"mode" koanf:"mode"`
	Pattern string   `yaml:"pattern" koanf:"pattern"`
	Values  []string `yaml:"values" koanf:"values"`
	Key     string   `yaml:"key" koanf:"key"`
	Op      string   `yaml:"op" koanf:"op"`
	Value   string   `yaml:"value" koanf:"value"`
	Path    string   `yaml:"path" koanf:"path"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}

	cfg.Sqlite.Dsn = "soft_mock.db"
	cfg.Sqlite.Prefix = "softmock_"

	cfg.Log.Level = "debug"
	cfg.Log.Writer = []string{"console", "file"}
	cfg.Log.File = "logs/softmock.log"

	cfg.Server.Addr = "127.0.0.1:8081"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.RateLimit = 600
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Hub.SendTimeout = 2 * time.Second
	cfg.Hub.SendBuffer = 256

	cfg.Gateway.BroadcastEdits = true
	cfg.Gateway.ReplayTimeout = 15 * time.Second

	cfg.NATS.URL = "nats://127.0.0.1:4222"
	cfg.NATS.Subject = "softmock.flows"

	cfg.CDP.DevToolsURL = "http://127.0.0.1:9222"
	cfg.CDP.Concurrency = 8
	cfg.CDP.PendingCapacity = 64
	cfg.CDP.ProcessTimeoutMS = 3000
	cfg.CDP.ServeMocks = true

	return cfg
}
