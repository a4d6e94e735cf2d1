// Package app 负责应用级编排：加载配置→初始化依赖→启动查询服务。
package app

import (
	"context"
	"fmt"

	rzcfg "rez/internal/config"
	"rez/internal/logger"
	"rez/internal/recon"
	reconhttp "rez/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App 持有装配完成的服务实例（不启动）。
type App struct {
	cfg     *rzcfg.Config
	service *recon.Service
	http    *reconhttp.Server
	Summary *StartupSummary

	closers []func() error
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *rzcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 查询服务，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.http == nil {
		return fmt.Errorf("http server not initialized")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.close()
	return err
}

// Service 暴露底层 recon service（测试与回放工具用）。
func (a *App) Service() *recon.Service {
	if a == nil {
		return nil
	}
	return a.service
}

func (a *App) close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}
}
