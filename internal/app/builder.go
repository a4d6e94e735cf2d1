package app

import (
	"context"
	"fmt"
	"strings"

	"rez/internal/accounts"
	rzcfg "rez/internal/config"
	"rez/internal/diary"
	"rez/internal/exchange"
	"rez/internal/logger"
	"rez/internal/proclog"
	"rez/internal/recon"
	"rez/internal/store/statstore"
	"rez/internal/store/tradestore"
	reconhttp "rez/internal/transport/http"
)

// AppBuilder 把配置翻译成一棵装配好的依赖树。
// 各工厂函数可通过 option 替换，测试时注入假实现。
type AppBuilder struct {
	cfg *rzcfg.Config

	providerOverride   exchange.Provider
	statStoreOverride  *statstore.StatsStore
	tradeStoreOverride *tradestore.TradeStore
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *rzcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithProvider 替换交易所快照来源。
func WithProvider(p exchange.Provider) AppBuilderOption {
	return func(b *AppBuilder) {
		if p != nil {
			b.providerOverride = p
		}
	}
}

// WithStores 替换持久层实例。
func WithStores(stats *statstore.StatsStore, trades *tradestore.TradeStore) AppBuilderOption {
	return func(b *AppBuilder) {
		if stats != nil {
			b.statStoreOverride = stats
		}
		if trades != nil {
			b.tradeStoreOverride = trades
		}
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	app := &App{cfg: cfg}

	// 多账户 registry 可选；未配置时退化为单账户共享工件路径。
	var registry *accounts.Registry
	if path := strings.TrimSpace(cfg.Recon.AccountsFile); path != "" {
		reg, err := accounts.NewRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("加载 accounts 配置失败: %w", err)
		}
		registry = reg
		logger.Infof("✓ 已加载 %d 个账户: %v", len(reg.Keys()), reg.Keys())
	}

	reader := diary.NewReader(cfg.Recon.DataDir, cfg.Recon.DiaryFile)
	extractor := proclog.NewExtractor(cfg.Recon.DataDir, cfg.Recon.ProcessLogFile)

	provider := b.providerOverride
	if provider == nil {
		provider = exchange.NewFileProvider(cfg.Recon.DataDir, cfg.Recon.SnapshotFile)
	}

	statStore := b.statStoreOverride
	if statStore == nil && strings.TrimSpace(cfg.Store.StatsPath) != "" {
		ss, err := statstore.NewStatsStore(cfg.Store.StatsPath)
		if err != nil {
			return nil, fmt.Errorf("初始化 stats 存储失败: %w", err)
		}
		statStore = ss
		app.closers = append(app.closers, ss.Close)
	}

	tradeStore := b.tradeStoreOverride
	if tradeStore == nil && strings.TrimSpace(cfg.Store.TradesPath) != "" {
		ts, err := tradestore.NewTradeStore(cfg.Store.TradesPath)
		if err != nil {
			return nil, fmt.Errorf("初始化 trade 存储失败: %w", err)
		}
		tradeStore = ts
		app.closers = append(app.closers, ts.Close)
	}

	svc, err := recon.NewService(recon.Options{
		Registry:   registry,
		Diary:      reader,
		ProcLog:    extractor,
		Provider:   provider,
		StatStore:  statStore,
		TradeStore: tradeStore,
		DiaryLimit: cfg.Recon.DiaryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 recon service 失败: %w", err)
	}

	httpServer, err := reconhttp.NewServer(reconhttp.ServerConfig{
		Addr: cfg.HTTP.Listen,
		Router: &reconhttp.Router{
			Service:         svc,
			Registry:        registry,
			Diary:           reader,
			ProcLog:         extractor,
			Trades:          tradeStore,
			Stats:           statStore,
			LogTailMaxLines: cfg.HTTP.LogTailMaxLines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	app.service = svc
	app.http = httpServer
	app.Summary = &StartupSummary{
		Listen:     httpServer.Addr(),
		DataDir:    cfg.Recon.DataDir,
		Accounts:   svc.Accounts(),
		DiaryLimit: cfg.Recon.DiaryLimit,
		Archiving:  tradeStore != nil,
	}
	return app, nil
}
