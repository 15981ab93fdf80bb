package cmd

import (
	"github.com/spf13/cobra"
)

// Version 构建时通过 -ldflags 覆盖
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "softmock",
	Short: "softmock 流量录制与 mock 服务",
	Long: `softmock 接收拦截引擎推送的流量事件，按 URL 合并为 mock 记录并持久化，
通过 websocket 实时广播给客户端，同时提供修改、重放和 CDP 拦截能力。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          runServe,
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径（默认依次查找 $SOFTMOCK_CONFIG、softmock.yaml）")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
