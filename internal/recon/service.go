// Package recon orchestrates a full read-and-reconcile pass for one account.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rez/internal/accounts"
	"rez/internal/diary"
	"rez/internal/exchange"
	"rez/internal/feed"
	"rez/internal/logger"
	"rez/internal/match"
	"rez/internal/proclog"
	"rez/internal/stats"
	"rez/internal/store/statstore"
	"rez/internal/store/tradestore"
	"rez/internal/types"

	"golang.org/x/sync/singleflight"
)

// ErrUnknownAccount 表示请求的账户不在 registry 里。
var ErrUnknownAccount = errors.New("unknown account")

// Service 把 diary / 进程日志 / 交易所快照三路输入跑成一个 ReconBundle。
// 每次 reconcile 是独立的纯读计算，不同账户可完全并行；
// 同一账户的并发请求通过 singleflight 合并成一次真实计算。
type Service struct {
	registry *accounts.Registry
	diary    *diary.Reader
	proclog  *proclog.Extractor
	provider exchange.Provider

	statStore  *statstore.StatsStore
	tradeStore *tradestore.TradeStore

	diaryLimit int

	group singleflight.Group

	mu        sync.RWMutex
	lastStats map[string]types.AgentStats
}

// Options 聚合 Service 的可选依赖。
type Options struct {
	Registry   *accounts.Registry
	Diary      *diary.Reader
	ProcLog    *proclog.Extractor
	Provider   exchange.Provider
	StatStore  *statstore.StatsStore
	TradeStore *tradestore.TradeStore
	DiaryLimit int
}

// NewService 组装 reconciliation service。
func NewService(opts Options) (*Service, error) {
	if opts.Diary == nil || opts.ProcLog == nil || opts.Provider == nil {
		return nil, fmt.Errorf("recon: diary reader, proclog extractor and snapshot provider are required")
	}
	s := &Service{
		registry:   opts.Registry,
		diary:      opts.Diary,
		proclog:    opts.ProcLog,
		provider:   opts.Provider,
		statStore:  opts.StatStore,
		tradeStore: opts.TradeStore,
		diaryLimit: opts.DiaryLimit,
		lastStats:  make(map[string]types.AgentStats),
	}
	if s.registry != nil {
		s.applyRegistry(s.registry.Snapshot())
		s.registry.OnChange(s.applyRegistry)
	}
	return s, nil
}

// applyRegistry 把 accounts 配置里的显式工件路径下发给各 reader。
func (s *Service) applyRegistry(snap accounts.Snapshot) {
	for key, acct := range snap.Accounts {
		s.diary.SetOverride(key, acct.Diary)
		s.proclog.SetOverride(key, acct.ProcessLog)
		if fp, ok := s.provider.(*exchange.FileProvider); ok {
			fp.SetOverride(key, acct.Snapshot)
		}
	}
}

// Accounts 返回可 reconcile 的账户 key 列表。
func (s *Service) Accounts() []string {
	if s.registry == nil {
		return nil
	}
	return s.registry.Keys()
}

// Reconcile 执行一轮完整对账并返回展示就绪的 bundle。
// 同一账户的并发调用共享同一次计算结果。
func (s *Service) Reconcile(ctx context.Context, account string) (*types.ReconBundle, error) {
	v, err, _ := s.group.Do(account, func() (any, error) {
		return s.reconcile(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ReconBundle), nil
}

func (s *Service) reconcile(ctx context.Context, account string) (*types.ReconBundle, error) {
	started := time.Now()

	var acct accounts.Account
	if s.registry != nil {
		var ok bool
		acct, ok = s.registry.Account(account)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
		}
	}

	records, skipped, err := s.diary.Read(account, s.diaryLimit)
	if err != nil {
		return nil, fmt.Errorf("read diary: %w", err)
	}

	extract, err := s.proclog.Extract(account)
	if err != nil {
		// 进程日志只服务于展示流，读取失败降级为空而不是中断对账
		logger.Warnf("[recon] process log read failed account=%s: %v", account, err)
		extract = proclog.Extract{}
	}

	snap := s.fetchSnapshot(ctx, account)
	result := match.Match(records, snap.Fills)

	positions := snap.Positions
	if !snap.HasAccount && len(positions) == 0 {
		positions = fallbackPositions(result.UnmatchedOpens)
	}

	now := time.Now().UTC()
	bundle := &types.ReconBundle{
		Account:         account,
		Positions:       positions,
		CompletedTrades: result.Trades,
		OpenOrders:      snap.OpenOrders,
		Feed: feed.Compose(feed.Input{
			Reasoning: extract.FeedEntries(),
			Account:   accountStatePtr(snap),
			Positions: positions,
			Assets:    trackedAssets(acct, positions, records),
			Diary:     records,
			Now:       now,
		}),
		GeneratedAt: now,
	}
	if snap.HasAccount {
		state := snap.Account
		bundle.AccountState = &state
	}
	bundle.Stats = s.publishStats(ctx, account, stats.Input{
		Trades:        result.Trades,
		Diary:         records,
		LivePnL:       snap.Account.TotalRealizedPnL,
		LiveAvailable: snap.HasAccount && snap.HasLedger,
	})

	s.archive(ctx, account, result, positions, skipped, started)
	return bundle, nil
}

// fetchSnapshot 容错获取快照：拿不到或解析失败一律按空快照处理，
// 让 diary 兜底路径接管，绝不让单轮 poll 失败。
func (s *Service) fetchSnapshot(ctx context.Context, account string) exchange.Snapshot {
	raw, _, err := s.provider.Fetch(ctx, account)
	if err != nil {
		logger.Warnf("[recon] snapshot fetch failed account=%s: %v", account, err)
		return exchange.Snapshot{}
	}
	snap, err := exchange.Normalize(raw)
	if err != nil {
		logger.Warnf("[recon] snapshot malformed account=%s: %v", account, err)
		return exchange.Snapshot{}
	}
	return snap
}

// publishStats 实现统计非回退：实时盈亏可用时发布新值并持久化；
// 不可用时沿用上一次发布的值（内存优先，进程重启后从 statstore 取）。
func (s *Service) publishStats(ctx context.Context, account string, in stats.Input) *types.AgentStats {
	if fresh, ok := stats.Aggregate(in); ok {
		s.mu.Lock()
		s.lastStats[account] = *fresh
		s.mu.Unlock()
		if s.statStore != nil {
			if err := s.statStore.Save(ctx, account, *fresh); err != nil {
				logger.Warnf("[recon] stats persist failed account=%s: %v", account, err)
			}
		}
		return fresh
	}

	s.mu.RLock()
	prev, ok := s.lastStats[account]
	s.mu.RUnlock()
	if ok {
		return &prev
	}
	if s.statStore != nil {
		stored, found, err := s.statStore.Load(ctx, account)
		if err != nil {
			logger.Warnf("[recon] stats load failed account=%s: %v", account, err)
		} else if found {
			s.mu.Lock()
			s.lastStats[account] = stored
			s.mu.Unlock()
			return &stored
		}
	}
	return nil
}

func (s *Service) archive(ctx context.Context, account string, result match.Result, positions []types.Position, skipped int, started time.Time) {
	if s.tradeStore == nil {
		return
	}
	if err := s.tradeStore.UpsertTrades(ctx, account, result.Trades); err != nil {
		logger.Warnf("[recon] trade archive failed account=%s: %v", account, err)
	}
	audit := tradestore.AuditRecord{
		Account:    account,
		Source:     string(result.Source),
		TradeCount: len(result.Trades),
		Positions:  len(positions),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if skipped > 0 {
		audit.Details = map[string]any{"skipped_lines": skipped}
	}
	if err := s.tradeStore.AppendAudit(ctx, audit); err != nil {
		logger.Warnf("[recon] audit append failed account=%s: %v", account, err)
	}
}

// fallbackPositions 在交易所快照不可用时，用日记里未平仓的开仓记录
// 拼出保守的活跃持仓视图（无盯市价，current 沿用开仓价）。
func fallbackPositions(opens []types.DiaryRecord) []types.Position {
	var out []types.Position
	for _, rec := range opens {
		if rec.Amount == 0 || rec.EntryPrice == 0 {
			continue
		}
		side := "long"
		if rec.Action == types.ActionOpenShort {
			side = "short"
		}
		out = append(out, types.Position{
			Asset:         rec.Asset,
			Side:          side,
			EntryPrice:    rec.EntryPrice,
			CurrentPrice:  rec.EntryPrice,
			Quantity:      rec.Amount,
			PositionValue: rec.EntryPrice * rec.Amount,
		})
	}
	return out
}

func accountStatePtr(snap exchange.Snapshot) *types.AccountState {
	if !snap.HasAccount {
		return nil
	}
	state := snap.Account
	return &state
}

// trackedAssets 优先用配置的资产列表；没有配置时按持仓、再按日记出现顺序推导。
func trackedAssets(acct accounts.Account, positions []types.Position, records []types.DiaryRecord) []string {
	if len(acct.Assets) > 0 {
		return acct.Assets
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(asset string) {
		if asset == "" {
			return
		}
		if _, ok := seen[asset]; ok {
			return
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	for _, p := range positions {
		add(p.Asset)
	}
	for _, rec := range records {
		add(rec.Asset)
	}
	return out
}
