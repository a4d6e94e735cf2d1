package match

import (
	"testing"
	"time"

	"rez/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(minute int) time.Time {
	return time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC)
}

func openFill(asset string, dir types.FillDirection, px, qty float64, t int64, id string) types.Fill {
	return types.Fill{ID: id, Asset: asset, Direction: dir, Price: px, Quantity: qty, Notional: px * qty, TimestampMs: t}
}

func TestFillsFIFOOrdering(t *testing.T) {
	fills := []types.Fill{
		openFill("BTC", types.FillOpenLong, 50000, 1, 100, "o1"),
		openFill("BTC", types.FillOpenLong, 52000, 1, 200, "o2"),
		{ID: "c1", Asset: "BTC", Direction: types.FillCloseLong, Price: 51000, Quantity: 1, Notional: 51000, RealizedPnL: 1000, TimestampMs: 300},
		{ID: "c2", Asset: "BTC", Direction: types.FillCloseLong, Price: 53000, Quantity: 1, Notional: 53000, RealizedPnL: 1000, TimestampMs: 400},
	}

	res := Match(nil, fills)
	assert.Equal(t, SourceFills, res.Source)
	require.Len(t, res.Trades, 2)
	// 输出按平仓时间倒序；最早的开仓必须配最早的平仓
	assert.Equal(t, int64(400), res.Trades[0].ClosedAt)
	assert.Equal(t, 52000.0, res.Trades[0].EntryPrice)
	assert.Equal(t, int64(300), res.Trades[1].ClosedAt)
	assert.Equal(t, 50000.0, res.Trades[1].EntryPrice)
}

func TestFillsExchangePnLAuthoritative(t *testing.T) {
	fills := []types.Fill{
		openFill("ETH", types.FillOpenLong, 3000, 2, 100, "o1"),
		{ID: "c1", Asset: "ETH", Direction: types.FillCloseLong, Price: 3100, Quantity: 2, Notional: 6200, RealizedPnL: 200, TimestampMs: 500},
	}
	res := Match(nil, fills)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, 3000.0, trade.EntryPrice)
	assert.Equal(t, 3100.0, trade.ExitPrice)
	// 盈亏取交易所回报，不本地重算
	assert.Equal(t, 200.0, trade.RealizedPnL)
	assert.Equal(t, "long", trade.Direction)
}

func TestFillsOrphanCloseKept(t *testing.T) {
	fills := []types.Fill{
		{ID: "c1", Asset: "SOL", Direction: types.FillCloseShort, Price: 150, Quantity: 10, Notional: 1500, RealizedPnL: -30, TimestampMs: 900},
	}
	res := Match(nil, fills)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, 150.0, trade.EntryPrice)
	assert.Equal(t, 150.0, trade.ExitPrice)
	assert.Equal(t, "-", trade.HoldingDuration)
	assert.Equal(t, -30.0, trade.RealizedPnL)
	assert.Equal(t, "short", trade.Direction)
}

func TestFillsOpenWithRealizedPnLKept(t *testing.T) {
	fills := []types.Fill{
		// 窗口被截断：平仓腿不在快照里，但交易所已在开仓腿上回报了盈亏
		{ID: "o1", Asset: "BTC", Direction: types.FillOpenLong, Price: 40000, Quantity: 1,
			Notional: 40000, RealizedPnL: 50, TimestampMs: 100},
		openFill("ETH", types.FillOpenShort, 3000, 2, 200, "o2"), // 无盈亏的裸开仓不产出
	}
	res := Match(nil, fills)
	assert.Equal(t, SourceFills, res.Source)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, "BTC", trade.Asset)
	assert.Equal(t, 50.0, trade.RealizedPnL)
	assert.Equal(t, "-", trade.HoldingDuration)
	assert.Equal(t, "long", trade.Direction)
}

func TestDiaryCorrelationPass(t *testing.T) {
	openedAt := "2024-05-01T10:00:00+00:00"
	records := []types.DiaryRecord{
		{Timestamp: ts(0), Asset: "BTC", Action: types.ActionOpenLong,
			Amount: 1, EntryPrice: 50000, OpenedAt: openedAt, Filled: true},
		{Timestamp: ts(0).Add(90 * time.Minute), Asset: "BTC",
			Action: types.ActionReconcileClose, OpenedAt: openedAt},
	}
	res := Match(records, nil)
	assert.Equal(t, SourceDiary, res.Source)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, "1h 30m", trade.HoldingDuration)
	assert.Equal(t, 0.0, trade.RealizedPnL)
	assert.Equal(t, 50000.0, trade.EntryPrice)
	assert.Equal(t, 50000.0, trade.ExitPrice)
	assert.Equal(t, "long", trade.Direction)
}

func TestDiaryCorrelationNoFabrication(t *testing.T) {
	records := []types.DiaryRecord{
		{Timestamp: ts(0), Asset: "BTC", Action: types.ActionReconcileClose, OpenedAt: "2024-05-01T09:00:00+00:00"},
	}
	res := Match(records, nil)
	assert.Empty(t, res.Trades)
}

func TestDiarySequentialPnLSigns(t *testing.T) {
	mk := func(action types.DiaryAction, minute int, px, qty float64) types.DiaryRecord {
		return types.DiaryRecord{Timestamp: ts(minute), Asset: "BTC", Action: action,
			Amount: qty, EntryPrice: px, Filled: true}
	}

	// long: entry=100 exit=110 qty=2 => +20
	res := Match([]types.DiaryRecord{
		mk(types.ActionOpenLong, 0, 100, 2),
		mk(types.ActionOpenShort, 10, 110, 2),
	}, nil)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 20.0, res.Trades[0].RealizedPnL)
	assert.Equal(t, "long", res.Trades[0].Direction)

	// short: entry=100 exit=90 qty=2 => +20
	res = Match([]types.DiaryRecord{
		mk(types.ActionOpenShort, 0, 100, 2),
		mk(types.ActionOpenLong, 10, 90, 2),
	}, nil)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 20.0, res.Trades[0].RealizedPnL)
	assert.Equal(t, "short", res.Trades[0].Direction)

	// long loss: entry=100 exit=90 qty=2 => -20
	res = Match([]types.DiaryRecord{
		mk(types.ActionOpenLong, 0, 100, 2),
		mk(types.ActionOpenShort, 10, 90, 2),
	}, nil)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, -20.0, res.Trades[0].RealizedPnL)
}

func TestDiarySequentialSkipsUnfilled(t *testing.T) {
	records := []types.DiaryRecord{
		{Timestamp: ts(0), Asset: "BTC", Action: types.ActionOpenLong, Amount: 1, EntryPrice: 100,
			OrderResult: `{"status":"ok","response":{"data":{"statuses":[{"error":"rejected"}]}}}`},
		{Timestamp: ts(10), Asset: "BTC", Action: types.ActionOpenShort, Amount: 1, EntryPrice: 110, Filled: true},
	}
	res := Match(records, nil)
	// 被拒单不算开仓；随后的 sell 成为无配对的做空开仓
	assert.Empty(t, res.Trades)
	require.Len(t, res.UnmatchedOpens, 1)
	assert.Equal(t, types.ActionOpenShort, res.UnmatchedOpens[0].Action)
}

func TestFillsSupersedeDiary(t *testing.T) {
	records := []types.DiaryRecord{
		{Timestamp: ts(0), Asset: "BTC", Action: types.ActionOpenLong, Amount: 1, EntryPrice: 100, Filled: true},
		{Timestamp: ts(10), Asset: "BTC", Action: types.ActionOpenShort, Amount: 1, EntryPrice: 110, Filled: true},
	}
	fills := []types.Fill{
		openFill("ETH", types.FillOpenLong, 3000, 1, 100, "o1"),
		{ID: "c1", Asset: "ETH", Direction: types.FillCloseLong, Price: 3100, Quantity: 1, Notional: 3100, RealizedPnL: 100, TimestampMs: 200},
	}
	res := Match(records, fills)
	assert.Equal(t, SourceFills, res.Source)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "ETH", res.Trades[0].Asset)

	// 成交窗口为空时回退日记路径
	res = Match(records, nil)
	assert.Equal(t, SourceDiary, res.Source)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "BTC", res.Trades[0].Asset)
}

func TestMatchIdempotent(t *testing.T) {
	fills := []types.Fill{
		openFill("BTC", types.FillOpenLong, 50000, 1, 100, "o1"),
		{ID: "c1", Asset: "BTC", Direction: types.FillCloseLong, Price: 51000, Quantity: 1, Notional: 51000, RealizedPnL: 1000, TimestampMs: 300},
	}
	first := Match(nil, fills)
	second := Match(nil, fills)
	assert.Equal(t, first, second)
	require.Len(t, first.Trades, 1)
	assert.NotEmpty(t, first.Trades[0].ID)
}
