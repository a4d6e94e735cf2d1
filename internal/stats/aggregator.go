// Package stats aggregates completed trades into display-ready performance figures.
package stats

import (
	"rez/internal/pkg/timefmt"
	"rez/internal/types"

	"github.com/shopspring/decimal"
)

// Input 是一次统计聚合的全部输入。
type Input struct {
	Trades []types.CompletedTrade
	Diary  []types.DiaryRecord
	// LivePnL 是交易所口径的总已实现盈亏（accountValue − netDeposits）。
	LivePnL float64
	// LiveAvailable 为 false 表示本轮拿不到实时盈亏。
	LiveAvailable bool
}

// Aggregate 计算聚合表现。实时盈亏不可用时返回 (nil, false)：
// 调用方必须沿用上一次发布的统计，绝不能用零值覆盖。
func Aggregate(in Input) (*types.AgentStats, bool) {
	if !in.LiveAvailable {
		return nil, false
	}

	out := &types.AgentStats{
		TotalTrades:        len(in.Trades),
		TotalPnL:           round2(in.LivePnL),
		AvgHoldingDuration: timefmt.FormatMinutes(0),
	}

	wins := 0
	var totalMinutes int64
	for _, trade := range in.Trades {
		// 每笔完成交易都有平仓事实，时长未知的孤儿平仓同样计入胜率
		if trade.RealizedPnL > 0 {
			wins++
		}
		// 未知时长按 0 分钟计入，平均值偏保守而不是剔除难例后虚高
		if minutes, ok := timefmt.ParseMinutes(trade.HoldingDuration); ok {
			totalMinutes += minutes
		}

		switch trade.Direction {
		case "long":
			out.LongCount++
			out.LongVolume += trade.EntryNotional
		case "short":
			out.ShortCount++
			out.ShortVolume += trade.EntryNotional
		}
	}

	if len(in.Trades) > 0 {
		out.WinRate = round2(float64(wins) / float64(len(in.Trades)) * 100)
		out.AvgHoldingDuration = timefmt.FormatMinutes(totalMinutes / int64(len(in.Trades)))
	}
	out.LongVolume = round2(out.LongVolume)
	out.ShortVolume = round2(out.ShortVolume)

	for _, rec := range in.Diary {
		if rec.Action == types.ActionHold {
			out.HoldDecisions++
		}
	}
	return out, true
}

func round2(f float64) float64 {
	return decimal.NewFromFloat(f).Round(2).InexactFloat64()
}
