package tradestore

import (
	"context"
	"path/filepath"
	"testing"

	"rez/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *TradeStore {
	t.Helper()
	s, err := NewTradeStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTrade(id string, closedAt int64, pnl float64) types.CompletedTrade {
	return types.CompletedTrade{
		ID:              id,
		Asset:           "BTC",
		Direction:       "long",
		EntryPrice:      50000,
		ExitPrice:       51000,
		Quantity:        0.5,
		EntryNotional:   25000,
		ExitNotional:    25500,
		HoldingDuration: "1h",
		RealizedPnL:     pnl,
		OpenedAt:        closedAt - 3600_000,
		ClosedAt:        closedAt,
	}
}

func TestUpsertTradesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trades := []types.CompletedTrade{
		sampleTrade("t1", 2000, 500),
		sampleTrade("t2", 3000, -100),
	}
	require.NoError(t, s.UpsertTrades(ctx, "0xabc", trades))
	// 同一窗口重复 reconcile 不产生重复行
	require.NoError(t, s.UpsertTrades(ctx, "0xabc", trades))

	total, err := s.CountTrades(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	got, err := s.ListTrades(ctx, "0xabc", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID) // 平仓时间倒序
	assert.Equal(t, "t1", got[1].ID)
}

func TestUpsertTradesOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTrades(ctx, "0xabc", []types.CompletedTrade{sampleTrade("t1", 2000, 500)}))
	updated := sampleTrade("t1", 2000, 777)
	require.NoError(t, s.UpsertTrades(ctx, "0xabc", []types.CompletedTrade{updated}))

	got, err := s.ListTrades(ctx, "0xabc", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 777.0, got[0].RealizedPnL)
}

func TestListTradesFilterByAsset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eth := sampleTrade("t3", 4000, 50)
	eth.Asset = "ETH"
	require.NoError(t, s.UpsertTrades(ctx, "0xabc", []types.CompletedTrade{
		sampleTrade("t1", 2000, 500), eth,
	}))

	got, err := s.ListTrades(ctx, "0xabc", "eth", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH", got[0].Asset)

	// 账户隔离
	got, err = s.ListTrades(ctx, "0xother", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAuditRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, AuditRecord{
		Account:    "0xabc",
		Source:     "fills",
		TradeCount: 2,
		Positions:  1,
		DurationMs: 12,
		Details:    map[string]any{"skipped_lines": float64(1)},
	}))
	require.NoError(t, s.AppendAudit(ctx, AuditRecord{Account: "0xabc", Source: "diary"}))

	audits, err := s.ListAudits(ctx, "0xabc", 10)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "diary", audits[0].Source)
	assert.Equal(t, "fills", audits[1].Source)
	assert.Equal(t, 2, audits[1].TradeCount)
	assert.Equal(t, float64(1), audits[1].Details["skipped_lines"])
}
