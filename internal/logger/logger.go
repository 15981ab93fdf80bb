package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 项目统一日志接口，键值对形式传递字段
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志初始化选项
type Options struct {
	Level      string
	Writer     []string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output 非空时忽略 Writer，直接写入该目标（测试用）
	Output io.Writer
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New 根据配置创建 zerolog 实现的日志器
func New(opts Options) Logger {
	w := buildWriter(opts)
	zl := zerolog.New(w).With().Timestamp().Logger().Level(ParseLevel(opts.Level))
	return &zeroLogger{zl: zl}
}

// NewNop 创建丢弃所有输出的日志器
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

// ParseLevel 解析日志级别，无法识别时回落到 info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// buildWriter 组装输出目标：console 输出到终端，file 输出到滚动文件
func buildWriter(opts Options) io.Writer {
	if opts.Output != nil {
		return opts.Output
	}
	writers := make([]io.Writer, 0, len(opts.Writer))
	for _, name := range opts.Writer {
		switch strings.ToLower(name) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			writers = append(writers, &lumberjack.Logger{
				Filename:   fileName(opts.File),
				MaxSize:    orDefault(opts.MaxSizeMB, 50),
				MaxBackups: orDefault(opts.MaxBackups, 5),
				MaxAge:     orDefault(opts.MaxAgeDays, 14),
				Compress:   true,
			})
		}
	}
	switch len(writers) {
	case 0:
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	case 1:
		return writers[0]
	default:
		return zerolog.MultiLevelWriter(writers...)
	}
}

func fileName(name string) string {
	if name == "" {
		return "logs/softmock.log"
	}
	return name
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Debug 打印调试日志
func (l *zeroLogger) Debug(msg string, kv ...any) {
	l.zl.Debug().Fields(pairs(kv)).Msg(msg)
}

// Info 打印信息日志
func (l *zeroLogger) Info(msg string, kv ...any) {
	l.zl.Info().Fields(pairs(kv)).Msg(msg)
}

// Warn 打印警告日志
func (l *zeroLogger) Warn(msg string, kv ...any) {
	l.zl.Warn().Fields(pairs(kv)).Msg(msg)
}

// Error 打印错误日志
func (l *zeroLogger) Error(msg string, kv ...any) {
	l.zl.Error().Fields(pairs(kv)).Msg(msg)
}

// Err 打印携带 error 的错误日志
func (l *zeroLogger) Err(err error, msg string, kv ...any) {
	l.zl.Error().Err(err).Fields(pairs(kv)).Msg(msg)
}

// With 返回附带固定字段的子日志器
func (l *zeroLogger) With(kv ...any) Logger {
	return &zeroLogger{zl: l.zl.With().Fields(pairs(kv)).Logger()}
}

// pairs 保证键值对数量为偶数，缺失的值补占位符
func pairs(kv []any) []any {
	if len(kv)%2 == 0 {
		return kv
	}
	return append(kv, "(MISSING)")
}
