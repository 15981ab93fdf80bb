package api

import (
	"context"

	"softmock/internal/config"
	"softmock/internal/logger"
	"softmock/internal/service"
)

// Service 服务接口
type Service interface {
	// Run 启动 HTTP、采集源并阻塞到 ctx 结束
	Run(ctx context.Context) error

	// Close 释放存储等资源
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(cfg, l)
}
