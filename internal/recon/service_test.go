package recon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rez/internal/accounts"
	"rez/internal/diary"
	"rez/internal/exchange"
	"rez/internal/proclog"
	"rez/internal/store/statstore"
	"rez/internal/store/tradestore"
	"rez/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Fetch(ctx context.Context, account string) ([]byte, time.Time, error) {
	args := m.Called(ctx, account)
	var data []byte
	if v := args.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, time.Time{}, args.Error(2)
}

const liveSnapshot = `{
  "marginSummary": {"accountValue": "10200", "totalMarginUsed": "0"},
  "assetPositions": [],
  "fills": [
    {"coin": "ETH", "dir": "Open Long", "px": "3000", "sz": "2", "closedPnl": "0", "time": 100, "tid": 1},
    {"coin": "ETH", "dir": "Close Long", "px": "3100", "sz": "2", "closedPnl": "200", "time": 500, "tid": 2}
  ],
  "openOrders": [],
  "ledger": [{"type": "deposit", "usdc": "10000", "time": 1}]
}`

const diaryLines = `{"timestamp":"2024-05-01T10:00:00Z","asset":"ETH","action":"hold","rationale":"waiting"}
{"timestamp":"2024-05-01T11:00:00Z","asset":"ETH","action":"buy","amount":2,"entry_price":3000,"filled":true}
`

const processLog = `[2024-05-01T10:00:05Z] LLM reasoning summary: ETH looks strong.
[2024-05-01T10:00:06Z] Decision rationale for ETH: buying the dip
`

type fixture struct {
	svc      *Service
	provider *mockProvider
}

func newFixture(t *testing.T, statPath, tradePath string) fixture {
	t.Helper()
	dir := t.TempDir()
	diaryPath := filepath.Join(dir, "diary.jsonl")
	logPath := filepath.Join(dir, "session.log")
	require.NoError(t, os.WriteFile(diaryPath, []byte(diaryLines), 0o644))
	require.NoError(t, os.WriteFile(logPath, []byte(processLog), 0o644))

	provider := new(mockProvider)
	opts := Options{
		Diary:    diary.NewReader(dir, diaryPath),
		ProcLog:  proclog.NewExtractor(dir, logPath),
		Provider: provider,
	}
	if statPath != "" {
		ss, err := statstore.NewStatsStore(statPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ss.Close() })
		opts.StatStore = ss
	}
	if tradePath != "" {
		ts, err := tradestore.NewTradeStore(tradePath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ts.Close() })
		opts.TradeStore = ts
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return fixture{svc: svc, provider: provider}
}

func TestReconcileEndToEnd(t *testing.T) {
	f := newFixture(t, "", "")
	f.provider.On("Fetch", mock.Anything, "0xabc").Return([]byte(liveSnapshot), time.Time{}, nil)

	bundle, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)

	require.Len(t, bundle.CompletedTrades, 1)
	trade := bundle.CompletedTrades[0]
	assert.Equal(t, 3000.0, trade.EntryPrice)
	assert.Equal(t, 3100.0, trade.ExitPrice)
	assert.Equal(t, 200.0, trade.RealizedPnL)

	require.NotNil(t, bundle.Stats)
	assert.Equal(t, 1, bundle.Stats.TotalTrades)
	assert.Equal(t, 100.0, bundle.Stats.WinRate)
	assert.Equal(t, 1, bundle.Stats.HoldDecisions)
	// totalPnl 取实时口径 accountValue − netDeposits
	assert.Equal(t, 200.0, bundle.Stats.TotalPnL)

	require.NotNil(t, bundle.AccountState)
	assert.Equal(t, 10200.0, bundle.AccountState.AccountValue)

	// 推理条目在前，日记叙述被抑制
	require.NotEmpty(t, bundle.Feed)
	assert.Equal(t, types.FeedReasoning, bundle.Feed[0].Kind)
	for _, entry := range bundle.Feed {
		assert.NotEqual(t, "waiting", entry.Text)
	}
}

func TestReconcileStatsNonRegression(t *testing.T) {
	f := newFixture(t, "", "")
	f.provider.On("Fetch", mock.Anything, "0xabc").Return([]byte(liveSnapshot), time.Time{}, nil).Once()
	f.provider.On("Fetch", mock.Anything, "0xabc").Return(nil, time.Time{}, fmt.Errorf("exchange down")).Once()

	first, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)
	require.NotNil(t, first.Stats)

	second, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)
	// 实时盈亏拿不到：统计必须原样沿用上一轮，不允许归零
	require.NotNil(t, second.Stats)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Nil(t, second.AccountState)
}

func TestReconcileStatsSurviveRestart(t *testing.T) {
	statPath := filepath.Join(t.TempDir(), "stats.db")

	f := newFixture(t, statPath, "")
	f.provider.On("Fetch", mock.Anything, "0xabc").Return([]byte(liveSnapshot), time.Time{}, nil)
	first, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)
	require.NotNil(t, first.Stats)

	// 新进程、快照源不可用：统计从持久层恢复
	g := newFixture(t, statPath, "")
	g.provider.On("Fetch", mock.Anything, "0xabc").Return(nil, time.Time{}, fmt.Errorf("exchange down"))
	second, err := g.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)
	require.NotNil(t, second.Stats)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestReconcileDiaryFallbackPositions(t *testing.T) {
	f := newFixture(t, "", "")
	f.provider.On("Fetch", mock.Anything, "0xabc").Return(nil, time.Time{}, fmt.Errorf("exchange down"))

	bundle, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)

	// 快照不可用：未平仓的日记开仓记录充当持仓兜底
	require.Len(t, bundle.Positions, 1)
	pos := bundle.Positions[0]
	assert.Equal(t, "ETH", pos.Asset)
	assert.Equal(t, "long", pos.Side)
	assert.Equal(t, 2.0, pos.Quantity)
	assert.Equal(t, 3000.0, pos.CurrentPrice)

	// 统计从未发布过，兜底时保持缺失而不是编造
	assert.Nil(t, bundle.Stats)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t, "", "")
	f.provider.On("Fetch", mock.Anything, "0xabc").Return([]byte(liveSnapshot), time.Time{}, nil)

	first, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)
	second, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.Equal(t, first.CompletedTrades, second.CompletedTrades)
	assert.Equal(t, first.Positions, second.Positions)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestReconcileArchivesTrades(t *testing.T) {
	tradePath := filepath.Join(t.TempDir(), "trades.db")
	f := newFixture(t, "", tradePath)
	f.provider.On("Fetch", mock.Anything, "0xabc").Return([]byte(liveSnapshot), time.Time{}, nil)

	_, err := f.svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)

	ts, err := tradestore.NewTradeStore(tradePath)
	require.NoError(t, err)
	defer ts.Close()

	archived, err := ts.ListTrades(context.Background(), "0xabc", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, 200.0, archived[0].RealizedPnL)

	audits, err := ts.ListAudits(context.Background(), "0xabc", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "fills", audits[0].Source)
}

func TestReconcileUnknownAccount(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`accounts:
  0xabc:
    assets: [eth]
`), 0o644))
	registry, err := accounts.NewRegistry(cfgPath)
	require.NoError(t, err)

	svc, err := NewService(Options{
		Registry: registry,
		Diary:    diary.NewReader(dir, ""),
		ProcLog:  proclog.NewExtractor(dir, ""),
		Provider: exchange.NewFileProvider(dir, ""),
	})
	require.NoError(t, err)

	_, err = svc.Reconcile(context.Background(), "0xnothere")
	assert.ErrorIs(t, err, ErrUnknownAccount)

	bundle, err := svc.Reconcile(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Empty(t, bundle.CompletedTrades)
}
