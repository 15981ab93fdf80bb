package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"softmock/internal/config"
	"softmock/internal/logger"
	"softmock/pkg/api"

	"github.com/spf13/cobra"
)

var (
	flagAddr  string
	flagScope string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP/websocket 服务和已启用的采集源",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本号",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().StringVar(&flagAddr, "addr", "", "监听地址，覆盖 server.addr")
		c.Flags().StringVar(&flagScope, "scope", "", "初始作用域，覆盖 scope.host")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	l := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writer:     cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	svc, err := api.NewService(cfg, l)
	if err != nil {
		l.Err(err, "服务初始化失败")
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			l.Err(err, "关闭存储失败")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

// loadConfig 加载配置并应用命令行覆盖
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = flagAddr
	}
	if cmd.Flags().Changed("scope") {
		cfg.Scope.Host = flagScope
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
